package pipecorral

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

func TestParseTaskConfig_SelectsRole(t *testing.T) {
	conf := NewJobConf()
	require.NoError(t, conf.SetPipeline(MapPhase, "map-def", "map-in", "map-out"))
	require.NoError(t, conf.SetPipeline(CombinePhase, "combine-def", "combine-in", "combine-out"))
	require.NoError(t, conf.SetPipeline(ReducePhase, "reduce-def", "reduce-in", "reduce-out"))

	tests := []struct {
		role       Phase
		definition string
		in, out    string
	}{
		{MapPhase, "map-def", "map-in", "map-out"},
		{CombinePhase, "combine-def", "combine-in", "combine-out"},
		{ReducePhase, "reduce-def", "reduce-in", "reduce-out"},
	}
	for _, test := range tests {
		t.Run(test.role.String(), func(t *testing.T) {
			tc, err := ParseTaskConfig(conf, test.role)
			require.NoError(t, err)
			assert.Equal(t, test.role, tc.Role)
			assert.Equal(t, test.definition, tc.Definition)
			assert.Equal(t, test.in, tc.InputStep)
			assert.Equal(t, test.out, tc.OutputStep)
		})
	}

	assert.Equal(t, "combine-def", conf.Get("pipeline-combiner-definition"))
}

func TestParseTaskConfig_Settings(t *testing.T) {
	conf := NewJobConf()
	conf.Set(KeyDebug, "True")
	conf.Set("LOGLEVEL", "warn")
	conf.Set(KeyOutputKeyType, "String")
	conf.Set(KeyOutputValueType, " integer ")

	tc, err := ParseTaskConfig(conf, MapPhase)
	require.NoError(t, err)
	assert.True(t, tc.Debug)
	assert.Equal(t, "warn", tc.LogLevel)
	assert.Equal(t, corschema.TypeString, tc.OutputKeyType)
	assert.Equal(t, corschema.TypeInteger, tc.OutputValueType)

	conf.Set(KeyDebug, "yes")
	tc, err = ParseTaskConfig(conf, MapPhase)
	require.NoError(t, err)
	assert.False(t, tc.Debug)
}

func TestParseTaskConfig_Errors(t *testing.T) {
	_, err := ParseTaskConfig(NewJobConf(), NoPhase)
	assert.ErrorIs(t, err, ErrRoleNotSet)

	conf := NewJobConf()
	conf.Set(KeyOutputValueType, "tensor")
	_, err = ParseTaskConfig(conf, ReducePhase)
	assert.Error(t, err)

	tc, err := ParseTaskConfig(nil, ReducePhase)
	require.NoError(t, err)
	assert.Empty(t, tc.Definition)
}

func TestJobConf_SetVariables(t *testing.T) {
	conf := NewJobConf()
	require.NoError(t, conf.SetVariables(corpipe.Variables{"INCREMENT": "1", "NEEDLE": "x"}))

	tc, err := ParseTaskConfig(conf, MapPhase)
	require.NoError(t, err)
	vars, err := corpipe.DecodeVariables(tc.Variables)
	require.NoError(t, err)
	assert.Equal(t, corpipe.Variables{"INCREMENT": "1", "NEEDLE": "x"}, vars)
}

func TestJobConf_HasPipeline(t *testing.T) {
	conf := NewJobConf()
	assert.False(t, conf.HasPipeline(MapPhase))
	require.NoError(t, conf.SetPipeline(MapPhase, "  ", "in", "out"))
	assert.False(t, conf.HasPipeline(MapPhase))
	require.NoError(t, conf.SetPipeline(MapPhase, echoPipeline, "in", "out"))
	assert.True(t, conf.HasPipeline(MapPhase))
	assert.False(t, conf.HasPipeline(NoPhase))

	assert.ErrorIs(t, conf.SetPipeline(NoPhase, echoPipeline, "in", "out"), ErrRoleNotSet)
}

func TestLoadJobConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline-reduce-definition: |
  name: inline
pipeline-reduce-input-stepname: input
pipeline-reduce-output-stepname: output
debug: true
variables: |
  INCREMENT: 2
output-value-type: integer
`), 0644))

	conf, err := LoadJobConf(path)
	require.NoError(t, err)
	assert.Contains(t, conf.Keys(), "pipeline-reduce-input-stepname")

	tc, err := ParseTaskConfig(conf, ReducePhase)
	require.NoError(t, err)
	assert.Equal(t, "name: inline\n", tc.Definition)
	assert.Equal(t, "input", tc.InputStep)
	assert.True(t, tc.Debug)
	assert.Equal(t, corschema.TypeInteger, tc.OutputValueType)

	vars, err := corpipe.DecodeVariables(tc.Variables)
	require.NoError(t, err)
	assert.Equal(t, corpipe.Variables{"INCREMENT": "2"}, vars)

	_, err = LoadJobConf(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseTaskConfig_VariablesNotAMapping(t *testing.T) {
	conf := NewJobConf()
	conf.Set(KeyVariables, []interface{}{"INCREMENT", "1"})

	_, err := ParseTaskConfig(conf, MapPhase)
	var verr *corpipe.VariablesError
	require.True(t, errors.As(err, &verr), "%v", err)

	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte("variables:\n  - INCREMENT\n  - 1\n"), 0644))
	conf, err = LoadJobConf(path)
	require.NoError(t, err)
	_, err = ParseTaskConfig(conf, MapPhase)
	assert.True(t, errors.As(err, &verr), "%v", err)
}
