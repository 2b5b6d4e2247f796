package corpipe

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

const defaultBuffer = 256

// Definition is the serialized form of a pipeline: named steps connected by hops.
type Definition struct {
	Name   string    `yaml:"name"`
	Buffer int       `yaml:"buffer,omitempty"`
	Steps  []StepDef `yaml:"steps"`
	Hops   []HopDef  `yaml:"hops"`
}

// StepDef declares one processing step.
type StepDef struct {
	Name    string                 `yaml:"name"`
	Kind    string                 `yaml:"kind"`
	Fields  []corschema.Column     `yaml:"fields,omitempty"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// HopDef connects the output of one step to the input of another.
type HopDef struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// DefinitionError reports an invalid pipeline definition.
type DefinitionError struct {
	Step string
	Msg  string
	Err  error
}

func (e *DefinitionError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Step != "" {
		return fmt.Sprintf("step %q: %s", e.Step, msg)
	}
	return msg
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

// Parse decodes and validates a serialized pipeline definition.
func Parse(data []byte) (*Definition, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &DefinitionError{Msg: "empty pipeline definition"}
	}

	var def Definition
	if err := yaml.UnmarshalStrict(data, &def); err != nil {
		return nil, &DefinitionError{Msg: "malformed pipeline definition", Err: err}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Marshal serializes the definition.
func (d *Definition) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// Step returns the definition of the named step.
func (d *Definition) Step(name string) (StepDef, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDef{}, false
}

// Validate checks the structure of the definition, it does not build any step.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return &DefinitionError{Msg: "pipeline has no steps"}
	}
	if d.Buffer < 0 {
		return &DefinitionError{Msg: fmt.Sprintf("invalid buffer size %d", d.Buffer)}
	}

	known := make(map[string]StepDef, len(d.Steps))
	for _, s := range d.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return &DefinitionError{Msg: "step without a name"}
		}
		if _, dup := known[s.Name]; dup {
			return &DefinitionError{Step: s.Name, Msg: "duplicate step name"}
		}
		if _, ok := registry[s.Kind]; !ok {
			return &DefinitionError{Step: s.Name, Msg: fmt.Sprintf("unknown step kind %q", s.Kind)}
		}
		known[s.Name] = s
	}

	inbound := make(map[string]int, len(d.Steps))
	for _, h := range d.Hops {
		if _, ok := known[h.From]; !ok {
			return &DefinitionError{Step: h.From, Msg: "hop from unknown step"}
		}
		to, ok := known[h.To]
		if !ok {
			return &DefinitionError{Step: h.To, Msg: "hop to unknown step"}
		}
		if to.Kind == KindInjector {
			return &DefinitionError{Step: h.To, Msg: "injector steps can not have incoming hops"}
		}
		inbound[h.To]++
	}

	for _, s := range d.Steps {
		if s.Kind != KindInjector && inbound[s.Name] == 0 {
			return &DefinitionError{Step: s.Name, Msg: "step has no input"}
		}
	}

	if _, err := d.topology(); err != nil {
		return err
	}
	return nil
}

// topology returns the step names in an order where every step comes after all
// of its upstream steps.
func (d *Definition) topology() ([]string, error) {
	inbound := make(map[string]int, len(d.Steps))
	next := make(map[string][]string, len(d.Steps))
	for _, h := range d.Hops {
		inbound[h.To]++
		next[h.From] = append(next[h.From], h.To)
	}

	queue := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		if inbound[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}

	order := make([]string, 0, len(d.Steps))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, n := range next[name] {
			inbound[n]--
			if inbound[n] == 0 {
				queue = append(queue, n)
			}
		}
	}

	if len(order) != len(d.Steps) {
		return nil, &DefinitionError{Msg: "pipeline hops contain a cycle"}
	}
	return order, nil
}

func (d *Definition) buffer() int {
	if d.Buffer == 0 {
		return defaultBuffer
	}
	return d.Buffer
}
