package corpipe

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// Row is a positional tuple laid out by the schema of the step that emitted it.
// Rows are not modified after they have been emitted.
type Row []interface{}

// Emit hands a row to everything downstream of the current step.
type Emit func(row Row) error

// Step is one processing unit of a pipeline. Process and Flush are always called
// from the same goroutine.
type Step interface {
	// Schema is the layout of the rows the step emits.
	Schema() *corschema.Schema
	Process(row Row, emit Emit) error
	// Flush is called once after the last input row was processed.
	Flush(emit Emit) error
}

// Step kinds
const (
	KindInjector  = "injector"
	KindDummy     = "dummy"
	KindSelect    = "select"
	KindConstant  = "constant"
	KindSplit     = "split"
	KindFilter    = "filter"
	KindNormalize = "normalize"
	KindConvert   = "convert"
	KindGroup     = "group"
	KindAbort     = "abort"
)

type buildEnv struct {
	vars Variables
	log  *log.Entry
}

type stepBuilder func(def StepDef, in *corschema.Schema, env buildEnv) (Step, error)

var registry = map[string]stepBuilder{
	KindInjector:  newInjectorStep,
	KindDummy:     newDummyStep,
	KindSelect:    newSelectStep,
	KindConstant:  newConstantStep,
	KindSplit:     newSplitStep,
	KindFilter:    newFilterStep,
	KindNormalize: newNormalizeStep,
	KindConvert:   newConvertStep,
	KindGroup:     newGroupStep,
	KindAbort:     newAbortStep,
}

// Kinds returns the registered step kinds.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}

func decodeOptions(def StepDef, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(def.Options); err != nil {
		return &DefinitionError{Step: def.Name, Msg: "invalid options", Err: err}
	}
	return nil
}

func fieldIndex(def StepDef, in *corschema.Schema, name string) (int, error) {
	if name == "" {
		return -1, &DefinitionError{Step: def.Name, Msg: "missing field name"}
	}
	idx := in.IndexOf(name)
	if idx < 0 {
		return -1, &DefinitionError{Step: def.Name, Msg: fmt.Sprintf("field %q not found in %s", name, in)}
	}
	return idx, nil
}

// StepError wraps a failure raised while a step processed rows.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RowListener observes the rows emitted by a step. It is called on the step's goroutine.
type RowListener interface {
	RowWritten(schema *corschema.Schema, row Row)
}

// RowListenerFunc lets plain functions act as a RowListener.
type RowListenerFunc func(schema *corschema.Schema, row Row)

func (f RowListenerFunc) RowWritten(schema *corschema.Schema, row Row) {
	f(schema, row)
}
