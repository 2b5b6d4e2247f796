package corpipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// passthrough forwards every row unchanged.
type passthrough struct {
	schema *corschema.Schema
}

func (p *passthrough) Schema() *corschema.Schema { return p.schema }

func (p *passthrough) Process(row Row, emit Emit) error { return emit(row) }

func (p *passthrough) Flush(Emit) error { return nil }

func newInjectorStep(def StepDef, _ *corschema.Schema, _ buildEnv) (Step, error) {
	if len(def.Fields) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "injector needs at least one field"}
	}
	cols := make([]corschema.Column, len(def.Fields))
	for i, f := range def.Fields {
		t, err := corschema.ParseType(string(f.Type))
		if err != nil {
			return nil, &DefinitionError{Step: def.Name, Msg: "invalid field", Err: err}
		}
		cols[i] = corschema.Column{Name: f.Name, Type: t}
	}
	if err := decodeOptions(def, &struct{}{}); err != nil {
		return nil, err
	}
	return &passthrough{schema: corschema.New(cols...)}, nil
}

func newDummyStep(def StepDef, in *corschema.Schema, _ buildEnv) (Step, error) {
	if err := decodeOptions(def, &struct{}{}); err != nil {
		return nil, err
	}
	return &passthrough{schema: in}, nil
}

type selectStep struct {
	schema  *corschema.Schema
	indexes []int
}

func newSelectStep(def StepDef, in *corschema.Schema, _ buildEnv) (Step, error) {
	var opts struct {
		Fields []struct {
			Name   string `mapstructure:"name"`
			Rename string `mapstructure:"rename"`
		} `mapstructure:"fields"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	if len(opts.Fields) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "select needs at least one field"}
	}

	s := &selectStep{indexes: make([]int, len(opts.Fields))}
	cols := make([]corschema.Column, len(opts.Fields))
	for i, f := range opts.Fields {
		idx, err := fieldIndex(def, in, f.Name)
		if err != nil {
			return nil, err
		}
		s.indexes[i] = idx
		cols[i] = in.Column(idx)
		if f.Rename != "" {
			cols[i].Name = f.Rename
		}
	}
	s.schema = corschema.New(cols...)
	return s, nil
}

func (s *selectStep) Schema() *corschema.Schema { return s.schema }

func (s *selectStep) Process(row Row, emit Emit) error {
	out := make(Row, len(s.indexes))
	for i, idx := range s.indexes {
		out[i] = row[idx]
	}
	return emit(out)
}

func (s *selectStep) Flush(Emit) error { return nil }

type constantStep struct {
	schema *corschema.Schema
	values []interface{}
}

func newConstantStep(def StepDef, in *corschema.Schema, env buildEnv) (Step, error) {
	var opts struct {
		Fields []struct {
			Name  string `mapstructure:"name"`
			Type  string `mapstructure:"type"`
			Value string `mapstructure:"value"`
		} `mapstructure:"fields"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	if len(opts.Fields) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "constant needs at least one field"}
	}

	s := &constantStep{values: make([]interface{}, len(opts.Fields))}
	cols := make([]corschema.Column, len(opts.Fields))
	for i, f := range opts.Fields {
		typ := corschema.TypeString
		if f.Type != "" {
			t, err := corschema.ParseType(f.Type)
			if err != nil {
				return nil, &DefinitionError{Step: def.Name, Msg: "invalid field", Err: err}
			}
			typ = t
		}
		v, err := corconv.Default().Convert(typ, env.vars.Substitute(f.Value))
		if err != nil {
			return nil, &DefinitionError{Step: def.Name, Msg: fmt.Sprintf("invalid value for %q", f.Name), Err: err}
		}
		s.values[i] = v
		cols[i] = corschema.Column{Name: f.Name, Type: typ}
	}
	s.schema = in.Append(cols...)
	return s, nil
}

func (s *constantStep) Schema() *corschema.Schema { return s.schema }

func (s *constantStep) Process(row Row, emit Emit) error {
	out := make(Row, 0, len(row)+len(s.values))
	out = append(out, row...)
	return emit(append(out, s.values...))
}

func (s *constantStep) Flush(Emit) error { return nil }

type splitStep struct {
	schema    *corschema.Schema
	field     int
	separator string
}

func newSplitStep(def StepDef, in *corschema.Schema, env buildEnv) (Step, error) {
	var opts struct {
		Field     string `mapstructure:"field"`
		Target    string `mapstructure:"target"`
		Separator string `mapstructure:"separator"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	idx, err := fieldIndex(def, in, opts.Field)
	if err != nil {
		return nil, err
	}
	if opts.Target == "" {
		return nil, &DefinitionError{Step: def.Name, Msg: "split needs a target field"}
	}

	return &splitStep{
		schema:    in.Append(corschema.Column{Name: opts.Target, Type: corschema.TypeString}),
		field:     idx,
		separator: env.vars.Substitute(opts.Separator),
	}, nil
}

func (s *splitStep) Schema() *corschema.Schema { return s.schema }

func (s *splitStep) Process(row Row, emit Emit) error {
	if row[s.field] == nil {
		return nil
	}
	text, err := cast.ToStringE(row[s.field])
	if err != nil {
		return err
	}

	var tokens []string
	if s.separator == "" {
		tokens = strings.Fields(text)
	} else {
		tokens = strings.Split(text, s.separator)
	}

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		out := make(Row, 0, len(row)+1)
		out = append(out, row...)
		if err := emit(append(out, tok)); err != nil {
			return err
		}
	}
	return nil
}

func (s *splitStep) Flush(Emit) error { return nil }

type filterStep struct {
	schema *corschema.Schema
	field  int
	match  func(v interface{}) bool
}

func newFilterStep(def StepDef, in *corschema.Schema, env buildEnv) (Step, error) {
	var opts struct {
		Field     string `mapstructure:"field"`
		Condition string `mapstructure:"condition"`
		Value     string `mapstructure:"value"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	idx, err := fieldIndex(def, in, opts.Field)
	if err != nil {
		return nil, err
	}

	value := env.vars.Substitute(opts.Value)
	asString := func(v interface{}) string {
		if v == nil {
			return ""
		}
		return cast.ToString(v)
	}

	s := &filterStep{schema: in, field: idx}
	switch strings.ToLower(opts.Condition) {
	case "not-empty", "":
		s.match = func(v interface{}) bool { return asString(v) != "" }
	case "equals":
		s.match = func(v interface{}) bool { return v != nil && asString(v) == value }
	case "not-equals":
		s.match = func(v interface{}) bool { return v == nil || asString(v) != value }
	case "contains":
		s.match = func(v interface{}) bool { return v != nil && strings.Contains(asString(v), value) }
	default:
		return nil, &DefinitionError{Step: def.Name, Msg: fmt.Sprintf("unknown condition %q", opts.Condition)}
	}
	return s, nil
}

func (s *filterStep) Schema() *corschema.Schema { return s.schema }

func (s *filterStep) Process(row Row, emit Emit) error {
	if s.match(row[s.field]) {
		return emit(row)
	}
	return nil
}

func (s *filterStep) Flush(Emit) error { return nil }

type convertStep struct {
	schema  *corschema.Schema
	targets map[int]corschema.Type
}

func newConvertStep(def StepDef, in *corschema.Schema, _ buildEnv) (Step, error) {
	var opts struct {
		Fields map[string]string `mapstructure:"fields"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	if len(opts.Fields) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "convert needs at least one field"}
	}

	s := &convertStep{schema: in, targets: make(map[int]corschema.Type, len(opts.Fields))}
	for name, typeName := range opts.Fields {
		idx, err := fieldIndex(def, in, name)
		if err != nil {
			return nil, err
		}
		t, err := corschema.ParseType(typeName)
		if err != nil {
			return nil, &DefinitionError{Step: def.Name, Msg: "invalid field", Err: err}
		}
		s.targets[idx] = t
		s.schema = s.schema.WithType(idx, t)
	}
	return s, nil
}

func (s *convertStep) Schema() *corschema.Schema { return s.schema }

func (s *convertStep) Process(row Row, emit Emit) error {
	out := make(Row, len(row))
	copy(out, row)
	for idx, t := range s.targets {
		v, err := corconv.Default().Convert(t, row[idx])
		if err != nil {
			return fmt.Errorf("field %q: %w", s.schema.Column(idx).Name, err)
		}
		out[idx] = v
	}
	return emit(out)
}

func (s *convertStep) Flush(Emit) error { return nil }

// ErrAborted is returned by pipelines stopped by an abort step.
var ErrAborted = errors.New("pipeline aborted")

type abortStep struct {
	schema  *corschema.Schema
	message string
}

func newAbortStep(def StepDef, in *corschema.Schema, env buildEnv) (Step, error) {
	var opts struct {
		Message string `mapstructure:"message"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	return &abortStep{schema: in, message: env.vars.Substitute(opts.Message)}, nil
}

func (s *abortStep) Schema() *corschema.Schema { return s.schema }

func (s *abortStep) Process(Row, Emit) error {
	if s.message == "" {
		return ErrAborted
	}
	return fmt.Errorf("%w: %s", ErrAborted, s.message)
}

func (s *abortStep) Flush(Emit) error { return nil }
