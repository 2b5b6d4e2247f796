package pipecorral

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corconv"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corpipe"
	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// rowSink accepts rows for a pipeline entry step
type rowSink interface {
	PutRow(schema *corschema.Schema, row corpipe.Row) error
}

type rowInjector struct {
	ordinals  *corschema.OrdinalCache
	keyConv   corconv.Converter
	valueConv corconv.Converter
	counters  *Counters

	debug bool
	log   *log.Entry
}

// inject places key and value at the "key" and "value" columns of a new row and
// hands it to sink. A side whose column is missing is not written.
func (in *rowInjector) inject(key, value interface{}, schema *corschema.Schema, sink rowSink) error {
	ord := in.ordinals.Get(schema)
	row := make(corpipe.Row, schema.Len())

	if ord.HasKey() {
		v, err := corconv.Convert(in.keyConv, schema.Column(ord.Key).Type, key)
		if err != nil {
			return fmt.Errorf("converting key: %w", err)
		}
		row[ord.Key] = v
	}
	if ord.HasValue() {
		v, err := corconv.Convert(in.valueConv, schema.Column(ord.Value).Type, value)
		if err != nil {
			return fmt.Errorf("converting value: %w", err)
		}
		row[ord.Value] = v
	}

	if in.debug {
		var k, v interface{}
		if ord.HasKey() {
			k = row[ord.Key]
		}
		if ord.HasValue() {
			v = row[ord.Value]
		}
		in.log.Infof("injecting key=%v value=%v", k, v)
		if in.log.Logger.IsLevelEnabled(log.DebugLevel) {
			in.log.Debug(spew.Sdump(row))
		}
	}

	if err := sink.PutRow(schema, row); err != nil {
		return fmt.Errorf("putting row into pipeline: %w", err)
	}
	in.counters.InputRecords.Inc()
	return nil
}
