package corpipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

var (
	// ErrNotStarted is returned when rows are put into a pipeline that was never started.
	ErrNotStarted = errors.New("pipeline not started")
	// ErrAlreadyStarted is returned when an engine is modified or started after Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrStopped is the stop cause of a pipeline ended with Stop.
	ErrStopped = errors.New("pipeline stopped by caller")
)

// Option configures an Engine
type Option func(*Engine)

// WithVariables sets the variables substituted into step options.
func WithVariables(vars Variables) Option {
	return func(e *Engine) {
		e.vars = vars
	}
}

// WithLogger sets the logger used by the engine and its steps.
func WithLogger(l *log.Entry) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithLogLevel gives the engine its own logger with the given level. Output and
// formatter are taken from the logger set with WithLogger.
func WithLogLevel(level log.Level) Option {
	return func(e *Engine) {
		e.level = &level
	}
}

// StepMetrics counts the rows a step consumed and emitted.
type StepMetrics struct {
	RowsIn  int64
	RowsOut int64
}

type stepRuntime struct {
	def  StepDef
	step Step
	in   chan Row
	out  []*stepRuntime

	// upstream hops (and the row producer) that have not finished yet
	pending   atomic.Int64
	closeOnce sync.Once

	producer  *RowProducer
	listeners []RowListener

	rowsIn  atomic.Int64
	rowsOut atomic.Int64
}

func (rt *stepRuntime) upstreamDone() {
	if rt.pending.Dec() <= 0 {
		rt.closeInput()
	}
}

func (rt *stepRuntime) closeInput() {
	rt.closeOnce.Do(func() {
		close(rt.in)
	})
}

// Engine runs one instance of a pipeline definition. Every step runs in its own
// goroutine, hops are bounded channels.
type Engine struct {
	def   *Definition
	vars  Variables
	log   *log.Entry
	level *log.Level

	order []*stepRuntime
	steps map[string]*stepRuntime

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	cause    atomic.Error
	waitOnce sync.Once
	err      error
}

// New builds all steps of the definition. Schemas are propagated along the hops
// once, so StepSchema returns the same schema for the lifetime of the engine.
func New(def *Definition, opts ...Option) (*Engine, error) {
	if def == nil {
		return nil, &DefinitionError{Msg: "no pipeline definition"}
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		def:   def,
		vars:  Variables{},
		log:   log.WithField("pipeline", def.Name),
		steps: make(map[string]*stepRuntime, len(def.Steps)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.level != nil {
		l := log.New()
		l.SetLevel(*e.level)
		l.SetOutput(e.log.Logger.Out)
		l.SetFormatter(e.log.Logger.Formatter)
		e.log = l.WithFields(e.log.Data)
	}

	order, err := def.topology()
	if err != nil {
		return nil, err
	}

	upstream := make(map[string][]string, len(def.Steps))
	for _, h := range def.Hops {
		upstream[h.To] = append(upstream[h.To], h.From)
	}

	env := buildEnv{vars: e.vars, log: e.log}
	for _, name := range order {
		sd, _ := def.Step(name)

		var in *corschema.Schema
		for i, from := range upstream[name] {
			s := e.steps[from].step.Schema()
			if i == 0 {
				in = s
				continue
			}
			if !sameLayout(in, s) {
				return nil, &DefinitionError{Step: name, Msg: fmt.Sprintf("incompatible inputs %s and %s", in, s)}
			}
		}

		step, err := registry[sd.Kind](sd, in, env)
		if err != nil {
			return nil, err
		}
		rt := &stepRuntime{
			def:  sd,
			step: step,
			in:   make(chan Row, def.buffer()),
		}
		rt.pending.Store(int64(len(upstream[name])))
		e.steps[name] = rt
		e.order = append(e.order, rt)
	}

	for _, h := range def.Hops {
		from := e.steps[h.From]
		from.out = append(from.out, e.steps[h.To])
	}

	e.log.Debugf("built pipeline with %d steps", len(e.order))
	return e, nil
}

func sameLayout(a, b *corschema.Schema) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !strings.EqualFold(a.Column(i).Name, b.Column(i).Name) {
			return false
		}
	}
	return true
}

// Name of the pipeline
func (e *Engine) Name() string {
	return e.def.Name
}

// StepSchema returns the output schema of the named step.
func (e *Engine) StepSchema(name string) (*corschema.Schema, error) {
	rt, ok := e.steps[name]
	if !ok {
		return nil, fmt.Errorf("unknown step %q in pipeline %q", name, e.def.Name)
	}
	return rt.step.Schema(), nil
}

// AddRowProducer attaches the single row producer of an injector step.
func (e *Engine) AddRowProducer(name string) (*RowProducer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil, ErrAlreadyStarted
	}

	rt, ok := e.steps[name]
	if !ok {
		return nil, fmt.Errorf("unknown step %q in pipeline %q", name, e.def.Name)
	}
	if rt.def.Kind != KindInjector {
		return nil, fmt.Errorf("step %q is a %s step, rows can only be put into injector steps", name, rt.def.Kind)
	}
	if rt.producer != nil {
		return nil, fmt.Errorf("step %q already has a row producer", name)
	}

	rt.producer = &RowProducer{engine: e, step: rt}
	rt.pending.Inc()
	return rt.producer, nil
}

// AddRowListener registers a listener for every row the named step emits.
func (e *Engine) AddRowListener(name string, l RowListener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	rt, ok := e.steps[name]
	if !ok {
		return fmt.Errorf("unknown step %q in pipeline %q", name, e.def.Name)
	}
	rt.listeners = append(rt.listeners, l)
	return nil
}

// Start launches one goroutine per step. Cancelling ctx stops the pipeline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	e.ctx, e.cancel, e.group = gctx, cancel, g

	for _, rt := range e.order {
		if rt.def.Kind == KindInjector && rt.producer == nil {
			rt.closeInput()
		}
	}
	for _, rt := range e.order {
		rt := rt
		g.Go(func() error {
			return e.runStep(gctx, rt)
		})
	}

	e.log.Infof("started pipeline %s", e.def.Name)
	return nil
}

func (e *Engine) runStep(ctx context.Context, rt *stepRuntime) error {
	defer func() {
		for _, d := range rt.out {
			d.upstreamDone()
		}
	}()

	schema := rt.step.Schema()
	emit := func(row Row) error {
		rt.rowsOut.Inc()
		for _, l := range rt.listeners {
			l.RowWritten(schema, row)
		}
		for _, d := range rt.out {
			select {
			case d.in <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		select {
		case row, ok := <-rt.in:
			if !ok {
				if err := rt.step.Flush(emit); err != nil {
					return e.stepFailed(ctx, rt, err)
				}
				e.log.Debugf("step %s done, %d rows in, %d rows out", rt.def.Name, rt.rowsIn.Load(), rt.rowsOut.Load())
				return nil
			}
			rt.rowsIn.Inc()
			if err := rt.step.Process(row, emit); err != nil {
				return e.stepFailed(ctx, rt, err)
			}
		case <-ctx.Done():
			e.fail(ctx.Err())
			return nil
		}
	}
}

func (e *Engine) stepFailed(ctx context.Context, rt *stepRuntime, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		e.fail(err)
		return nil
	}
	err = &StepError{Step: rt.def.Name, Err: err}
	e.log.WithError(err).Warn("pipeline step failed")
	e.fail(err)
	return err
}

// fail records the first reason the pipeline ended abnormally.
func (e *Engine) fail(err error) {
	e.cause.CompareAndSwap(nil, err)
}

func (e *Engine) stopped() error {
	cause := e.cause.Load()
	if cause == nil {
		return ErrPipelineStopped
	}
	return fmt.Errorf("%w: %w", ErrPipelineStopped, cause)
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Wait blocks until every step ended and returns the first error that stopped
// the pipeline, if any.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}

	e.waitOnce.Do(func() {
		err := g.Wait()
		if cause := e.cause.Load(); cause != nil {
			err = cause
		}
		e.err = err
		e.cancel()
		if err != nil {
			e.log.WithError(err).Warnf("pipeline %s ended with error", e.def.Name)
		} else {
			e.log.Infof("pipeline %s finished", e.def.Name)
		}
	})
	return e.err
}

// Stop cancels a running pipeline. Steps end after their current row.
func (e *Engine) Stop() {
	e.fail(ErrStopped)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Logger returns the engine's logger, carrying the level set with WithLogLevel.
func (e *Engine) Logger() *log.Entry {
	return e.log
}

// Metrics returns the row counts per step.
func (e *Engine) Metrics() map[string]StepMetrics {
	m := make(map[string]StepMetrics, len(e.order))
	for _, rt := range e.order {
		m[rt.def.Name] = StepMetrics{
			RowsIn:  rt.rowsIn.Load(),
			RowsOut: rt.rowsOut.Load(),
		}
	}
	return m
}
