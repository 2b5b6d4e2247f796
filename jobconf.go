package pipecorral

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// Job context keys
const (
	KeyMapDefinition     = "pipeline-map-definition"
	KeyCombineDefinition = "pipeline-combiner-definition"
	KeyReduceDefinition  = "pipeline-reduce-definition"

	KeyMapInputStep      = "pipeline-map-input-stepname"
	KeyMapOutputStep     = "pipeline-map-output-stepname"
	KeyCombineInputStep  = "pipeline-combiner-input-stepname"
	KeyCombineOutputStep = "pipeline-combiner-output-stepname"
	KeyReduceInputStep   = "pipeline-reduce-input-stepname"
	KeyReduceOutputStep  = "pipeline-reduce-output-stepname"

	KeyDebug           = "debug"
	KeyVariables       = "variables"
	KeyLogLevel        = "logLevel"
	KeyOutputKeyType   = "output-key-type"
	KeyOutputValueType = "output-value-type"
)

// ErrRoleNotSet is returned when a pipeline task is configured without a role.
var ErrRoleNotSet = errors.New("task role (map, combine or reduce) not set")

// JobConf is the flat string keyed job context handed to every task.
// Keys are case-insensitive.
type JobConf struct {
	v *viper.Viper
}

// NewJobConf returns an empty job context.
func NewJobConf() *JobConf {
	return &JobConf{v: viper.New()}
}

// LoadJobConf reads a job context from a YAML, JSON or TOML file.
func LoadJobConf(path string) (*JobConf, error) {
	conf := NewJobConf()
	conf.v.SetConfigFile(path)
	if err := conf.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read job configuration %s: %w", path, err)
	}
	return conf, nil
}

// Set stores value under key.
func (c *JobConf) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// Get returns the value of key as a string, empty if unset.
func (c *JobConf) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.v.GetString(key)
}

// IsSet reports whether key has a value.
func (c *JobConf) IsSet(key string) bool {
	return c != nil && c.v.IsSet(key)
}

// Keys returns all keys that have a value, sorted.
func (c *JobConf) Keys() []string {
	keys := c.v.AllKeys()
	sort.Strings(keys)
	return keys
}

// SetPipeline stores the serialized pipeline and its entry and exit steps for a role.
func (c *JobConf) SetPipeline(role Phase, definition, inputStep, outputStep string) error {
	sel, ok := pipelineSelectors[role]
	if !ok {
		return ErrRoleNotSet
	}
	c.Set(sel.definitionKey, definition)
	c.Set(sel.inputStepKey, inputStep)
	c.Set(sel.outputStepKey, outputStep)
	return nil
}

// HasPipeline reports whether a pipeline definition is configured for role.
func (c *JobConf) HasPipeline(role Phase) bool {
	sel, ok := pipelineSelectors[role]
	return ok && strings.TrimSpace(c.Get(sel.definitionKey)) != ""
}

// SetVariables serializes vars into the variables key.
func (c *JobConf) SetVariables(vars corpipe.Variables) error {
	blob, err := vars.Encode()
	if err != nil {
		return err
	}
	c.Set(KeyVariables, blob)
	return nil
}

// TaskConfig is the immutable view of the job context a pipeline task runs with.
// Only the settings of the task's role are taken over.
type TaskConfig struct {
	Role       Phase
	Definition string
	InputStep  string
	OutputStep string

	Debug     bool
	Variables string
	LogLevel  string

	OutputKeyType   corschema.Type
	OutputValueType corschema.Type
}

// ParseTaskConfig resolves the settings for role from the job context. It does not
// parse the pipeline definition.
func ParseTaskConfig(conf *JobConf, role Phase) (TaskConfig, error) {
	sel, ok := pipelineSelectors[role]
	if !ok {
		return TaskConfig{}, ErrRoleNotSet
	}
	if conf == nil {
		conf = NewJobConf()
	}

	tc := TaskConfig{
		Role:       role,
		Definition: conf.Get(sel.definitionKey),
		InputStep:  conf.Get(sel.inputStepKey),
		OutputStep: conf.Get(sel.outputStepKey),
		Debug:      strings.EqualFold(strings.TrimSpace(conf.Get(KeyDebug)), "true"),
		LogLevel:   conf.Get(KeyLogLevel),
	}

	var err error
	if tc.Variables, err = variablesBlob(conf); err != nil {
		return TaskConfig{}, err
	}
	if tc.OutputKeyType, err = outputType(conf, KeyOutputKeyType); err != nil {
		return TaskConfig{}, err
	}
	if tc.OutputValueType, err = outputType(conf, KeyOutputValueType); err != nil {
		return TaskConfig{}, err
	}
	return tc, nil
}

// variablesBlob returns the serialized variable context. A mapping read from a
// configuration file is serialized again, its names are lower case by then.
// Any other value can not be a variable context.
func variablesBlob(conf *JobConf) (string, error) {
	switch raw := conf.v.Get(KeyVariables).(type) {
	case nil:
		return "", nil
	case string:
		return raw, nil
	case map[string]interface{}, map[interface{}]interface{}:
		blob, err := yaml.Marshal(raw)
		if err != nil {
			return "", &corpipe.VariablesError{Err: err}
		}
		return string(blob), nil
	default:
		return "", &corpipe.VariablesError{Err: fmt.Errorf("expected a mapping, got %T", raw)}
	}
}

func outputType(conf *JobConf, key string) (corschema.Type, error) {
	name := strings.TrimSpace(conf.Get(key))
	if name == "" {
		return "", nil
	}
	t, err := corschema.ParseType(name)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}
