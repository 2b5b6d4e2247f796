package pipecorral

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
)

// selector names the job context keys that configure the pipeline of one role
type selector struct {
	definitionKey string
	inputStepKey  string
	outputStepKey string
}

var pipelineSelectors = map[Phase]selector{
	MapPhase:     {KeyMapDefinition, KeyMapInputStep, KeyMapOutputStep},
	CombinePhase: {KeyCombineDefinition, KeyCombineInputStep, KeyCombineOutputStep},
	ReducePhase:  {KeyReduceDefinition, KeyReduceInputStep, KeyReduceOutputStep},
}

// PipelineError is returned when the pipeline of a role can not be loaded.
type PipelineError struct {
	Role Phase
	Err  error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("error loading pipeline for %s: %v", e.Role, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// createPipeline builds the engine for the role of tc. Only the definition of
// that role is parsed.
func createPipeline(tc TaskConfig, vars corpipe.Variables, logger *log.Entry, opts ...corpipe.Option) (*corpipe.Engine, error) {
	if _, ok := pipelineSelectors[tc.Role]; !ok {
		return nil, ErrRoleNotSet
	}
	fail := func(err error) (*corpipe.Engine, error) {
		return nil, &PipelineError{Role: tc.Role, Err: err}
	}

	if strings.TrimSpace(tc.Definition) == "" {
		return fail(errors.New("no pipeline definition configured"))
	}
	def, err := corpipe.Parse([]byte(tc.Definition))
	if err != nil {
		return fail(err)
	}

	opts = append([]corpipe.Option{corpipe.WithVariables(vars), corpipe.WithLogger(logger)}, opts...)
	engine, err := corpipe.New(def, opts...)
	if err != nil {
		return fail(err)
	}

	for _, step := range []string{tc.InputStep, tc.OutputStep} {
		if step == "" {
			return fail(errors.New("input and output step names must be configured"))
		}
		if _, err := engine.StepSchema(step); err != nil {
			return fail(err)
		}
	}

	logger.Debugf("loaded pipeline %q for %s", def.Name, tc.Role)
	return engine, nil
}
