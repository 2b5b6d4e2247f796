package pipecorral

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// outputCollector listens on the exit step of a pipeline and emits the
// "outKey"/"outValue" columns of every row. It runs on the pipeline's goroutine.
type outputCollector struct {
	out       Emitter
	ordinals  *corschema.OrdinalCache
	keyType   corschema.Type
	valueType corschema.Type
	conv      corconv.Converter
	counters  *Counters

	// first error, shared with the owning task
	failure *atomic.Error
	log     *log.Entry
}

func (c *outputCollector) RowWritten(schema *corschema.Schema, row corpipe.Row) {
	if c.failure.Load() != nil {
		return
	}
	if err := c.collect(schema, row); err != nil {
		if c.failure.CompareAndSwap(nil, err) {
			c.log.WithError(err).Error("failed to collect pipeline output, dropping remaining rows")
		}
	}
}

func (c *outputCollector) collect(schema *corschema.Schema, row corpipe.Row) error {
	ord := c.ordinals.Get(schema)

	var key, value interface{}
	if ord.HasKey() {
		key = row[ord.Key]
	}
	if ord.HasValue() {
		value = row[ord.Value]
	}

	var err error
	if key == nil {
		c.counters.OutRecordWithNullKey.Inc()
	} else if key, err = corconv.Convert(c.conv, c.keyType, key); err != nil {
		return fmt.Errorf("converting output key: %w", err)
	}
	if value == nil {
		c.counters.OutRecordWithNullValue.Inc()
	} else if value, err = corconv.Convert(c.conv, c.valueType, value); err != nil {
		return fmt.Errorf("converting output value: %w", err)
	}

	if err := c.out.Emit(key, value); err != nil {
		return fmt.Errorf("emitting output: %w", err)
	}
	c.counters.OutputRecords.Inc()
	return nil
}
