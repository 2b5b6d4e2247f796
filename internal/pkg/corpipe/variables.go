package corpipe

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

// Variables is the named environment a running pipeline substitutes into step options.
type Variables map[string]string

var (
	variableName      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	variableReference = regexp.MustCompile(`\$\{([^}]+)\}|%%([^%]+)%%`)
)

// VariablesError is returned when a serialized variable context can not be decoded.
type VariablesError struct {
	Key string
	Err error
}

func (e *VariablesError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("invalid variable %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("invalid variable context: %v", e.Err)
}

func (e *VariablesError) Unwrap() error {
	return e.Err
}

// DecodeVariables decodes a YAML (or JSON) mapping of variable names to scalar values.
// An empty blob yields an empty context. Nested values are rejected.
func DecodeVariables(blob string) (Variables, error) {
	vars := Variables{}
	if strings.TrimSpace(blob) == "" {
		return vars, nil
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, &VariablesError{Err: err}
	}

	for k, v := range raw {
		if !variableName.MatchString(k) {
			return nil, &VariablesError{Key: k, Err: fmt.Errorf("not a valid variable name")}
		}
		switch v.(type) {
		case nil:
			vars[k] = ""
			continue
		case map[interface{}]interface{}, map[string]interface{}, []interface{}:
			return nil, &VariablesError{Key: k, Err: fmt.Errorf("value must be a scalar, got %T", v)}
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, &VariablesError{Key: k, Err: err}
		}
		vars[k] = s
	}
	return vars, nil
}

// Encode serializes the variables so they can be handed to DecodeVariables.
func (v Variables) Encode() (string, error) {
	out, err := yaml.Marshal(map[string]string(v))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Substitute expands ${NAME} and %%NAME%% references. Unknown names are left as is.
func (v Variables) Substitute(s string) string {
	if len(v) == 0 || !strings.ContainsAny(s, "$%") {
		return s
	}
	return variableReference.ReplaceAllStringFunc(s, func(ref string) string {
		m := variableReference.FindStringSubmatch(ref)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if val, ok := v[name]; ok {
			return val
		}
		return ref
	})
}

// Names returns the sorted variable names.
func (v Variables) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
