package corpipe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

var (
	// ErrIntakeClosed is returned by PutRow after Finished was called.
	ErrIntakeClosed = errors.New("row intake is closed")
	// ErrPipelineStopped is returned by PutRow once the pipeline ended abnormally.
	ErrPipelineStopped = errors.New("pipeline stopped")
)

// RowProducer puts rows into an injector step of a running pipeline.
type RowProducer struct {
	engine *Engine
	step   *stepRuntime

	mu     sync.RWMutex
	closed bool
}

// Schema is the layout rows put into the producer must follow.
func (p *RowProducer) Schema() *corschema.Schema {
	return p.step.step.Schema()
}

// PutRow hands a row to the injector step. It blocks while the step's intake is full.
func (p *RowProducer) PutRow(schema *corschema.Schema, row Row) error {
	expected := p.Schema()
	if schema != nil && schema != expected && !sameLayout(schema, expected) {
		return fmt.Errorf("row schema %s does not match %s of step %q", schema, expected, p.step.def.Name)
	}
	if len(row) != expected.Len() {
		return fmt.Errorf("row has %d fields, step %q expects %d", len(row), p.step.def.Name, expected.Len())
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrIntakeClosed
	}

	ctx := p.engine.runContext()
	if ctx == nil {
		return ErrNotStarted
	}
	if ctx.Err() != nil {
		return p.engine.stopped()
	}

	select {
	case p.step.in <- row:
		return nil
	case <-ctx.Done():
		return p.engine.stopped()
	}
}

// Finished signals that no more rows will be put. Calling it again has no effect.
func (p *RowProducer) Finished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.step.upstreamDone()
}
