package pipecorral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

var (
	// ErrAlreadyConfigured is returned by a second Configure on the same task.
	ErrAlreadyConfigured = errors.New("pipeline task already configured")
	// ErrNotRunning is returned by Process before Configure succeeded or after Close.
	ErrNotRunning = errors.New("pipeline task is not running")
)

type taskState int32

const (
	stateUnconfigured taskState = iota
	stateConfigured
	stateRunning
	stateClosed
)

// TaskOption configures a PipelineTask
type TaskOption func(*PipelineTask)

// WithLogger sets the logger of the task.
func WithLogger(l *log.Entry) TaskOption {
	return func(t *PipelineTask) {
		if l != nil {
			t.log = l
		}
	}
}

// WithKeyConverter converts injected keys to the type of the pipeline's key column.
func WithKeyConverter(c corconv.Converter) TaskOption {
	return func(t *PipelineTask) {
		t.keyConv = c
	}
}

// WithValueConverter converts injected values to the type of the pipeline's value column.
func WithValueConverter(c corconv.Converter) TaskOption {
	return func(t *PipelineTask) {
		t.valueConv = c
	}
}

// WithIntakeResolver replaces the resolver used to find the key and value columns
// of the entry step.
func WithIntakeResolver(r corschema.ResolveFunc) TaskOption {
	return func(t *PipelineTask) {
		t.resolveIntake = r
	}
}

// PipelineTask runs a pipeline as the map, combine or reduce function of a task.
// Every task attempt needs its own PipelineTask.
type PipelineTask struct {
	id   string
	role Phase
	log  *log.Entry

	keyConv       corconv.Converter
	valueConv     corconv.Converter
	resolveIntake corschema.ResolveFunc

	mu       sync.Mutex
	state    atomic.Int32
	conf     TaskConfig
	engine   *corpipe.Engine
	producer *corpipe.RowProducer
	intake   *corschema.Schema
	injector *rowInjector
	closeErr error

	counters Counters
	failure  atomic.Error
}

// NewPipelineTask creates a task for role. Without converters keys and values are
// injected as they are.
func NewPipelineTask(role Phase, opts ...TaskOption) *PipelineTask {
	t := &PipelineTask{
		id:   uuid.New().String(),
		role: role,
		log:  log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.WithFields(log.Fields{"task": t.id, "role": role.String()})
	return t
}

// NewMapTask creates a pipeline task for the map phase.
func NewMapTask(opts ...TaskOption) *PipelineTask {
	return NewPipelineTask(MapPhase, opts...)
}

// NewCombineTask creates a pipeline task for the combine phase.
func NewCombineTask(opts ...TaskOption) *PipelineTask {
	return NewPipelineTask(CombinePhase, opts...)
}

// NewReduceTask creates a pipeline task for the reduce phase.
func NewReduceTask(opts ...TaskOption) *PipelineTask {
	return NewPipelineTask(ReducePhase, opts...)
}

// ID is the process unique identifier of the task.
func (t *PipelineTask) ID() string {
	return t.id
}

// Role is the phase the task runs in.
func (t *PipelineTask) Role() Phase {
	return t.role
}

// Configure loads and starts the pipeline of the task's role. Output rows of the
// pipeline's exit step are emitted to out. Configure may only be called once.
func (t *PipelineTask) Configure(conf *JobConf, out Emitter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if taskState(t.state.Load()) != stateUnconfigured {
		return ErrAlreadyConfigured
	}
	if _, ok := pipelineSelectors[t.role]; !ok {
		return ErrRoleNotSet
	}
	if out == nil {
		return errors.New("pipeline task needs an output emitter")
	}

	tc, err := ParseTaskConfig(conf, t.role)
	if err != nil {
		return err
	}
	vars, err := corpipe.DecodeVariables(tc.Variables)
	if err != nil {
		return err
	}
	var opts []corpipe.Option
	if tc.LogLevel != "" {
		level, err := log.ParseLevel(tc.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
		}
		opts = append(opts, corpipe.WithLogLevel(level))
	}
	t.conf = tc
	t.state.Store(int32(stateConfigured))

	engine, err := createPipeline(tc, vars, t.log, opts...)
	if err != nil {
		return err
	}
	t.log = engine.Logger()

	collector := &outputCollector{
		out:       out,
		ordinals:  corschema.NewOrdinalCache(corschema.OutputNames, nil),
		keyType:   tc.OutputKeyType,
		valueType: tc.OutputValueType,
		conv:      corconv.Default(),
		counters:  &t.counters,
		failure:   &t.failure,
		log:       t.log,
	}
	if err := engine.AddRowListener(tc.OutputStep, collector); err != nil {
		return &PipelineError{Role: t.role, Err: err}
	}
	producer, err := engine.AddRowProducer(tc.InputStep)
	if err != nil {
		return &PipelineError{Role: t.role, Err: err}
	}

	t.engine = engine
	t.producer = producer
	t.intake = producer.Schema()
	t.injector = &rowInjector{
		ordinals:  corschema.NewOrdinalCache(corschema.InputNames, t.resolveIntake),
		keyConv:   t.keyConv,
		valueConv: t.valueConv,
		counters:  &t.counters,
		debug:     tc.Debug,
		log:       t.log,
	}

	if err := engine.Start(context.Background()); err != nil {
		return &PipelineError{Role: t.role, Err: err}
	}
	t.state.Store(int32(stateRunning))
	t.log.Debugf("pipeline task running, %s -> %s", tc.InputStep, tc.OutputStep)
	return nil
}

// Process injects one record into the running pipeline. It blocks while the
// pipeline's intake is full.
func (t *PipelineTask) Process(key, value interface{}) error {
	if taskState(t.state.Load()) != stateRunning {
		return ErrNotRunning
	}
	if err := t.injector.inject(key, value, t.intake, t.producer); err != nil {
		return fmt.Errorf("task %s: %w", t.id, err)
	}
	return nil
}

// Close ends the input of the pipeline and waits until every row was processed.
// It returns the pipeline's error combined with the first output error.
// Calling Close again returns the same result.
func (t *PipelineTask) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch taskState(t.state.Load()) {
	case stateClosed:
		return t.closeErr
	case stateRunning:
		t.producer.Finished()
		failure := t.failure.Load()
		if failure != nil {
			// remaining output would be dropped
			t.engine.Stop()
		}
		waitErr := t.engine.Wait()
		if failure != nil && errors.Is(waitErr, corpipe.ErrStopped) {
			waitErr = nil
		}
		t.closeErr = multierr.Combine(waitErr, failure)
		for step, m := range t.engine.Metrics() {
			t.log.Debugf("step %s: %d rows in, %d rows out", step, m.RowsIn, m.RowsOut)
		}
		snapshot := t.counters.Snapshot()
		t.log.WithFields(log.Fields(snapshotFields(snapshot))).Info("pipeline task closed")
	}
	t.state.Store(int32(stateClosed))
	return t.closeErr
}

// Exception returns the first error raised while collecting pipeline output, or nil.
func (t *PipelineTask) Exception() error {
	return t.failure.Load()
}

// Counters returns the current record counters.
func (t *PipelineTask) Counters() CounterSnapshot {
	return t.counters.Snapshot()
}

func snapshotFields(s CounterSnapshot) map[string]interface{} {
	fields := make(map[string]interface{}, 4)
	for k, v := range s.Map() {
		fields[k] = v
	}
	return fields
}
