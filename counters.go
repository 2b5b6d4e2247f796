package pipecorral

import (
	"go.uber.org/atomic"
)

// Counter names as reported in activation logs
const (
	CounterInputRecords           = "INPUT_RECORDS"
	CounterOutputRecords          = "OUTPUT_RECORDS"
	CounterOutRecordWithNullKey   = "OUT_RECORD_WITH_NULL_KEY"
	CounterOutRecordWithNullValue = "OUT_RECORD_WITH_NULL_VALUE"
)

// Counters are the live record counters of a pipeline task. They are safe for concurrent use.
type Counters struct {
	InputRecords           atomic.Int64
	OutputRecords          atomic.Int64
	OutRecordWithNullKey   atomic.Int64
	OutRecordWithNullValue atomic.Int64
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		InputRecords:           c.InputRecords.Load(),
		OutputRecords:          c.OutputRecords.Load(),
		OutRecordWithNullKey:   c.OutRecordWithNullKey.Load(),
		OutRecordWithNullValue: c.OutRecordWithNullValue.Load(),
	}
}

// CounterSnapshot is a point in time copy of Counters
type CounterSnapshot struct {
	InputRecords           int64
	OutputRecords          int64
	OutRecordWithNullKey   int64
	OutRecordWithNullValue int64
}

// Add returns the element wise sum of both snapshots.
func (s CounterSnapshot) Add(o CounterSnapshot) CounterSnapshot {
	return CounterSnapshot{
		InputRecords:           s.InputRecords + o.InputRecords,
		OutputRecords:          s.OutputRecords + o.OutputRecords,
		OutRecordWithNullKey:   s.OutRecordWithNullKey + o.OutRecordWithNullKey,
		OutRecordWithNullValue: s.OutRecordWithNullValue + o.OutRecordWithNullValue,
	}
}

// Map returns the snapshot keyed by counter name.
func (s CounterSnapshot) Map() map[string]int64 {
	return map[string]int64{
		CounterInputRecords:           s.InputRecords,
		CounterOutputRecords:          s.OutputRecords,
		CounterOutRecordWithNullKey:   s.OutRecordWithNullKey,
		CounterOutRecordWithNullValue: s.OutRecordWithNullValue,
	}
}

// counterSource is implemented by task functions that keep Counters
type counterSource interface {
	Counters() CounterSnapshot
}

func countersOf(fn TaskFunction) CounterSnapshot {
	if src, ok := fn.(counterSource); ok {
		return src.Counters()
	}
	return CounterSnapshot{}
}
