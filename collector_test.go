package pipecorral

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

func newTestCollector(out Emitter) (*outputCollector, *Counters, *atomic.Error) {
	counters := &Counters{}
	failure := &atomic.Error{}
	return &outputCollector{
		out:      out,
		ordinals: corschema.NewOrdinalCache(corschema.OutputNames, nil),
		conv:     corconv.Default(),
		counters: counters,
		failure:  failure,
		log:      log.NewEntry(log.StandardLogger()),
	}, counters, failure
}

func TestOutputCollector_Emits(t *testing.T) {
	out := &recordingEmitter{}
	c, counters, failure := newTestCollector(out)

	schema := stringSchema("other", "OUTVALUE", "outkey")
	c.RowWritten(schema, corpipe.Row{"x", "v", "k"})

	assert.Equal(t, []kv{{"k", "v"}}, out.sorted())
	assert.EqualValues(t, 1, counters.OutputRecords.Load())
	assert.NoError(t, failure.Load())
}

func TestOutputCollector_NullSides(t *testing.T) {
	out := &recordingEmitter{}
	c, counters, _ := newTestCollector(out)

	c.RowWritten(stringSchema("outKey", "outValue"), corpipe.Row{nil, "v"})
	c.RowWritten(stringSchema("outKey"), corpipe.Row{"k"})
	c.RowWritten(stringSchema("unrelated"), corpipe.Row{"x"})

	assert.Equal(t, []kv{{nil, "v"}, {nil, nil}, {"k", nil}}, out.sorted())
	snapshot := counters.Snapshot()
	assert.EqualValues(t, 3, snapshot.OutputRecords)
	assert.EqualValues(t, 2, snapshot.OutRecordWithNullKey)
	assert.EqualValues(t, 2, snapshot.OutRecordWithNullValue)
}

func TestOutputCollector_ConvertsToOutputTypes(t *testing.T) {
	out := &recordingEmitter{}
	c, _, failure := newTestCollector(out)
	c.keyType = corschema.TypeString
	c.valueType = corschema.TypeInteger

	schema := corschema.New(
		corschema.Column{Name: "outKey", Type: corschema.TypeInteger},
		corschema.Column{Name: "outValue", Type: corschema.TypeString},
	)
	c.RowWritten(schema, corpipe.Row{int64(3), "42"})

	require.NoError(t, failure.Load())
	assert.Equal(t, []kv{{"3", int64(42)}}, out.sorted())
}

func TestOutputCollector_KeepsFirstError(t *testing.T) {
	out := &recordingEmitter{}
	c, counters, failure := newTestCollector(out)
	c.valueType = corschema.TypeInteger

	schema := stringSchema("outKey", "outValue")
	c.RowWritten(schema, corpipe.Row{"k", "not a number"})
	first := failure.Load()
	require.Error(t, first)

	var cerr *corconv.ConversionError
	assert.True(t, errors.As(first, &cerr))

	out.err = errors.New("second failure")
	c.RowWritten(schema, corpipe.Row{"k", "1"})
	assert.Equal(t, first, failure.Load())
	assert.Empty(t, out.sorted())
	assert.EqualValues(t, 0, counters.OutputRecords.Load())
}
