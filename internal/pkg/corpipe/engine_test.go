package corpipe

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type collectingListener struct {
	mu   sync.Mutex
	rows []Row
}

func (c *collectingListener) RowWritten(_ *corschema.Schema, row Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, row)
}

func (c *collectingListener) sorted() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]Row(nil), c.rows...)
	sort.Slice(out, func(i, j int) bool {
		return out[i][0].(string) < out[j][0].(string)
	})
	return out
}

func startEngine(t *testing.T, file string, vars Variables, listenOn string) (*Engine, *RowProducer, *collectingListener) {
	t.Helper()
	e, err := New(loadDefinition(t, file), WithVariables(vars), WithLogLevel(log.WarnLevel))
	require.NoError(t, err)

	producer, err := e.AddRowProducer("input")
	require.NoError(t, err)
	listener := &collectingListener{}
	require.NoError(t, e.AddRowListener(listenOn, listener))
	require.NoError(t, e.Start(context.Background()))
	return e, producer, listener
}

func TestEngine_WordCount(t *testing.T) {
	e, producer, listener := startEngine(t, "wordcount-map.yaml", Variables{"INCREMENT": "1"}, "output")

	schema := producer.Schema()
	require.NoError(t, producer.PutRow(schema, Row{"l1", "Héllo hello"}))
	require.NoError(t, producer.PutRow(schema, Row{"l2", "World"}))
	producer.Finished()
	require.NoError(t, e.Wait())

	assert.Equal(t, []Row{
		{"hello", int64(1)},
		{"hello", int64(1)},
		{"world", int64(1)},
	}, listener.sorted())

	metrics := e.Metrics()
	assert.Equal(t, int64(2), metrics["input"].RowsIn)
	assert.Equal(t, int64(3), metrics["output"].RowsOut)

	out, err := e.StepSchema("output")
	require.NoError(t, err)
	assert.Equal(t, []string{"outKey", "outValue"}, out.Names())
}

func TestEngine_StepSchemaIsStable(t *testing.T) {
	e, err := New(loadDefinition(t, "wordcount-reduce.yaml"))
	require.NoError(t, err)

	a, err := e.StepSchema("total")
	require.NoError(t, err)
	b, err := e.StepSchema("total")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = e.StepSchema("missing")
	assert.Error(t, err)
}

func TestEngine_GroupEmitsAfterInputEnds(t *testing.T) {
	e, producer, listener := startEngine(t, "wordcount-reduce.yaml", nil, "output")

	for _, kv := range []Row{{"b", int64(1)}, {"a", int64(2)}, {"b", int64(3)}} {
		require.NoError(t, producer.PutRow(nil, kv))
	}
	producer.Finished()
	require.NoError(t, e.Wait())

	assert.Equal(t, []Row{{"a", int64(2)}, {"b", int64(4)}}, listener.rows)
}

func TestEngine_FanOutFanIn(t *testing.T) {
	e, producer, listener := startEngine(t, "fanout.yaml", Variables{"NEEDLE": "b"}, "output")

	for _, kv := range []Row{{"1", "abc"}, {"2", "xyz"}} {
		require.NoError(t, producer.PutRow(producer.Schema(), kv))
	}
	producer.Finished()
	require.NoError(t, e.Wait())

	// every row through left, only abc through right
	assert.Equal(t, []Row{{"1", "abc"}, {"1", "abc"}, {"2", "xyz"}}, listener.sorted())
}

func TestEngine_BackPressure(t *testing.T) {
	e, err := New(loadDefinition(t, "fanout.yaml"), WithVariables(Variables{"NEEDLE": "none"}))
	require.NoError(t, err)
	producer, err := e.AddRowProducer("input")
	require.NoError(t, err)

	gate := make(chan struct{})
	var seen atomic.Int64
	require.NoError(t, e.AddRowListener("output", RowListenerFunc(func(*corschema.Schema, Row) {
		<-gate
		seen.Inc()
	})))
	require.NoError(t, e.Start(context.Background()))

	const rows = 50
	var accepted atomic.Int64
	done := make(chan error, 1)
	go func() {
		for i := 0; i < rows; i++ {
			if err := producer.PutRow(nil, Row{"k", "v"}); err != nil {
				done <- err
				return
			}
			accepted.Inc()
		}
		done <- nil
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Less(t, accepted.Load(), int64(rows), "intake should block while downstream is stalled")

	close(gate)
	require.NoError(t, <-done)
	producer.Finished()
	require.NoError(t, e.Wait())
	assert.Equal(t, int64(rows), accepted.Load())
	assert.Equal(t, int64(rows), seen.Load())
}

func TestEngine_StepFailureStopsPipeline(t *testing.T) {
	def, err := Parse([]byte(`
name: failing
buffer: 1
steps:
  - name: input
    kind: injector
    fields: [{name: key, type: string}, {name: value, type: string}]
  - name: stop
    kind: abort
    options: {message: bad row}
hops:
  - {from: input, to: stop}
`))
	require.NoError(t, err)
	e, err := New(def)
	require.NoError(t, err)
	producer, err := e.AddRowProducer("input")
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	var putErr error
	for i := 0; i < 100 && putErr == nil; i++ {
		putErr = producer.PutRow(nil, Row{"k", "v"})
	}
	require.Error(t, putErr)
	assert.True(t, errors.Is(putErr, ErrPipelineStopped))
	assert.True(t, errors.Is(putErr, ErrAborted))

	producer.Finished()
	err = e.Wait()
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "stop", stepErr.Step)
}

func TestEngine_Stop(t *testing.T) {
	e, producer, _ := startEngine(t, "wordcount-reduce.yaml", nil, "output")
	require.NoError(t, producer.PutRow(nil, Row{"a", int64(1)}))

	e.Stop()
	assert.True(t, errors.Is(e.Wait(), ErrStopped))
	assert.True(t, errors.Is(producer.PutRow(nil, Row{"a", int64(1)}), ErrPipelineStopped))
	producer.Finished()
}

func TestEngine_ContextCancel(t *testing.T) {
	e, err := New(loadDefinition(t, "wordcount-reduce.yaml"))
	require.NoError(t, err)
	_, err = e.AddRowProducer("input")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	cancel()
	assert.True(t, errors.Is(e.Wait(), context.Canceled))
}

func TestRowProducer(t *testing.T) {
	e, err := New(loadDefinition(t, "wordcount-reduce.yaml"))
	require.NoError(t, err)
	producer, err := e.AddRowProducer("input")
	require.NoError(t, err)

	assert.Equal(t, ErrNotStarted, producer.PutRow(nil, Row{"a", int64(1)}))
	assert.Equal(t, ErrNotStarted, e.Wait())

	require.NoError(t, e.Start(context.Background()))
	assert.Error(t, producer.PutRow(nil, Row{"too short"}))
	assert.Error(t, producer.PutRow(corschema.New(corschema.Column{Name: "other"}, corschema.Column{Name: "columns"}), Row{"a", "b"}))

	producer.Finished()
	producer.Finished()
	assert.Equal(t, ErrIntakeClosed, producer.PutRow(nil, Row{"a", int64(1)}))
	require.NoError(t, e.Wait())
}

func TestEngine_AttachErrors(t *testing.T) {
	e, err := New(loadDefinition(t, "wordcount-map.yaml"), WithVariables(Variables{"INCREMENT": "1"}))
	require.NoError(t, err)

	_, err = e.AddRowProducer("words")
	assert.Error(t, err, "only injector steps accept rows")
	_, err = e.AddRowProducer("missing")
	assert.Error(t, err)
	assert.Error(t, e.AddRowListener("missing", &collectingListener{}))

	producer, err := e.AddRowProducer("input")
	require.NoError(t, err)
	_, err = e.AddRowProducer("input")
	assert.Error(t, err, "one producer per step")

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, ErrAlreadyStarted, e.Start(context.Background()))
	_, err = e.AddRowProducer("input")
	assert.Equal(t, ErrAlreadyStarted, err)
	assert.Equal(t, ErrAlreadyStarted, e.AddRowListener("output", &collectingListener{}))

	producer.Finished()
	require.NoError(t, e.Wait())
}

func TestNew_BuildErrors(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	// INCREMENT is not defined, so the constant can not be converted to an integer
	_, err = New(loadDefinition(t, "wordcount-map.yaml"))
	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Equal(t, "one", defErr.Step)

	def, err := Parse([]byte(`
steps:
  - {name: a, kind: injector, fields: [{name: key, type: string}]}
  - {name: b, kind: injector, fields: [{name: other, type: string}]}
  - {name: out, kind: dummy}
hops:
  - {from: a, to: out}
  - {from: b, to: out}
`))
	require.NoError(t, err)
	_, err = New(def)
	assert.Error(t, err, "fan-in of different layouts")
}
