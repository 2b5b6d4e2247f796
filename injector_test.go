package pipecorral

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

type capturingSink struct {
	rows []corpipe.Row
	err  error
}

func (s *capturingSink) PutRow(_ *corschema.Schema, row corpipe.Row) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, row)
	return nil
}

func stringSchema(names ...string) *corschema.Schema {
	cols := make([]corschema.Column, len(names))
	for i, n := range names {
		cols[i] = corschema.Column{Name: n, Type: corschema.TypeString}
	}
	return corschema.New(cols...)
}

func newTestInjector(resolve corschema.ResolveFunc) (*rowInjector, *Counters) {
	counters := &Counters{}
	return &rowInjector{
		ordinals: corschema.NewOrdinalCache(corschema.InputNames, resolve),
		counters: counters,
		log:      log.NewEntry(log.StandardLogger()),
	}, counters
}

func TestRowInjector_PlacesByName(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    corpipe.Row
	}{
		{"surrounded", []string{"a", "key", "value", "b"}, corpipe.Row{nil, "K", "V", nil}},
		{"case insensitive", []string{"VALUE", "Key"}, corpipe.Row{"V", "K"}},
		{"missing value", []string{"key", "other"}, corpipe.Row{"K", nil}},
		{"missing key", []string{"value"}, corpipe.Row{"V"}},
		{"neither", []string{"x", "y", "z"}, corpipe.Row{nil, nil, nil}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			in, counters := newTestInjector(nil)
			sink := &capturingSink{}

			require.NoError(t, in.inject("K", "V", stringSchema(test.columns...), sink))
			require.Len(t, sink.rows, 1)
			assert.Equal(t, test.want, sink.rows[0])
			assert.Len(t, sink.rows[0], len(test.columns))
			assert.EqualValues(t, 1, counters.InputRecords.Load())
		})
	}
}

func TestRowInjector_ResolvesOncePerSchema(t *testing.T) {
	calls := 0
	counting := func(s *corschema.Schema, names corschema.NamePair) corschema.Ordinals {
		calls++
		return corschema.Resolve(s, names)
	}
	in, counters := newTestInjector(counting)
	sink := &capturingSink{}

	first := stringSchema("key", "value")
	for i := 0; i < 5; i++ {
		require.NoError(t, in.inject("k", i, first, sink))
	}
	assert.Equal(t, 1, calls)

	require.NoError(t, in.inject("k", "v", stringSchema("key", "value"), sink))
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 6, counters.InputRecords.Load())
}

func TestRowInjector_ConvertsToColumnType(t *testing.T) {
	in, _ := newTestInjector(nil)
	in.keyConv = corconv.Default()
	in.valueConv = corconv.Default()
	sink := &capturingSink{}

	schema := corschema.New(
		corschema.Column{Name: "key", Type: corschema.TypeString},
		corschema.Column{Name: "value", Type: corschema.TypeInteger},
	)
	require.NoError(t, in.inject(7, "42", schema, sink))
	assert.Equal(t, corpipe.Row{"7", int64(42)}, sink.rows[0])
}

func TestRowInjector_Errors(t *testing.T) {
	schema := stringSchema("key", "value")

	t.Run("conversion", func(t *testing.T) {
		in, counters := newTestInjector(nil)
		in.keyConv = corconv.ConverterFunc(func(corschema.Type, interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		})
		sink := &capturingSink{}

		err := in.inject("k", "v", schema, sink)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "converting key")
		assert.Empty(t, sink.rows)
		assert.EqualValues(t, 0, counters.InputRecords.Load())
	})

	t.Run("intake", func(t *testing.T) {
		in, counters := newTestInjector(nil)
		sink := &capturingSink{err: corpipe.ErrIntakeClosed}

		err := in.inject("k", "v", schema, sink)
		assert.ErrorIs(t, err, corpipe.ErrIntakeClosed)
		assert.EqualValues(t, 0, counters.InputRecords.Load())
	})
}

func TestRowInjector_TracesPlacedValues(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	in, _ := newTestInjector(nil)
	in.debug = true
	in.keyConv = corconv.Default()
	in.log = log.NewEntry(logger)

	schema := corschema.New(
		corschema.Column{Name: "key", Type: corschema.TypeInteger},
		corschema.Column{Name: "other", Type: corschema.TypeString},
	)
	require.NoError(t, in.inject("42", "dropped", schema, &capturingSink{}))

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "injecting key=42 value=<nil>", hook.LastEntry().Message)
}
