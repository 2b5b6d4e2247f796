package corpipe

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// Aggregate types of the group step
const (
	AggregateSum    = "sum"
	AggregateCount  = "count"
	AggregateMin    = "min"
	AggregateMax    = "max"
	AggregateConcat = "concat"
)

type aggregateDef struct {
	Name      string `mapstructure:"name"`
	Field     string `mapstructure:"field"`
	Type      string `mapstructure:"type"`
	Separator string `mapstructure:"separator"`
}

type aggregator interface {
	add(v interface{}) error
	result() interface{}
}

// groupStep buffers all rows and emits one row per distinct group key once the
// input is exhausted, ordered by key.
type groupStep struct {
	schema *corschema.Schema
	keys   []int
	less   []func(a, b interface{}) (bool, error)
	fields []int
	newAgg []func() aggregator

	groups map[string]*groupState
}

type groupState struct {
	id   string
	key  Row
	aggs []aggregator
}

func newGroupStep(def StepDef, in *corschema.Schema, _ buildEnv) (Step, error) {
	var opts struct {
		Group      []string       `mapstructure:"group"`
		Aggregates []aggregateDef `mapstructure:"aggregates"`
	}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	if len(opts.Group) == 0 && len(opts.Aggregates) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "group needs group fields or aggregates"}
	}

	s := &groupStep{groups: make(map[string]*groupState)}
	cols := make([]corschema.Column, 0, len(opts.Group)+len(opts.Aggregates))
	for _, name := range opts.Group {
		idx, err := fieldIndex(def, in, name)
		if err != nil {
			return nil, err
		}
		less, err := lessFor(in.Column(idx).Type)
		if err != nil {
			less = lessString
		}
		s.keys = append(s.keys, idx)
		s.less = append(s.less, less)
		cols = append(cols, in.Column(idx))
	}

	for _, a := range opts.Aggregates {
		if a.Name == "" {
			return nil, &DefinitionError{Step: def.Name, Msg: "aggregate without a name"}
		}
		idx := -1
		var fieldType corschema.Type
		if a.Field != "" {
			i, err := fieldIndex(def, in, a.Field)
			if err != nil {
				return nil, err
			}
			idx, fieldType = i, in.Column(i).Type
		} else if a.Type != AggregateCount {
			return nil, &DefinitionError{Step: def.Name, Msg: fmt.Sprintf("aggregate %q needs a field", a.Name)}
		}

		newAgg, outType, err := aggregatorFor(a, fieldType)
		if err != nil {
			return nil, &DefinitionError{Step: def.Name, Msg: fmt.Sprintf("aggregate %q", a.Name), Err: err}
		}
		s.fields = append(s.fields, idx)
		s.newAgg = append(s.newAgg, newAgg)
		cols = append(cols, corschema.Column{Name: a.Name, Type: outType})
	}

	s.schema = corschema.New(cols...)
	return s, nil
}

func aggregatorFor(a aggregateDef, fieldType corschema.Type) (func() aggregator, corschema.Type, error) {
	switch strings.ToLower(a.Type) {
	case AggregateCount:
		return func() aggregator { return &countAgg{} }, corschema.TypeInteger, nil
	case AggregateSum:
		if fieldType == corschema.TypeInteger {
			return func() aggregator { return &intSumAgg{} }, corschema.TypeInteger, nil
		}
		return func() aggregator { return &floatSumAgg{} }, corschema.TypeNumber, nil
	case AggregateMin, AggregateMax:
		less, err := lessFor(fieldType)
		if err != nil {
			return nil, "", err
		}
		max := strings.ToLower(a.Type) == AggregateMax
		return func() aggregator { return &extremeAgg{less: less, max: max} }, fieldType, nil
	case AggregateConcat:
		sep := a.Separator
		if sep == "" {
			sep = ","
		}
		return func() aggregator { return &concatAgg{sep: sep} }, corschema.TypeString, nil
	default:
		return nil, "", fmt.Errorf("unknown aggregate type %q", a.Type)
	}
}

func (s *groupStep) Schema() *corschema.Schema { return s.schema }

func (s *groupStep) Process(row Row, _ Emit) error {
	key := make(Row, len(s.keys))
	for i, idx := range s.keys {
		key[i] = row[idx]
	}
	id := groupID(key)

	g, ok := s.groups[id]
	if !ok {
		g = &groupState{id: id, key: key, aggs: make([]aggregator, len(s.newAgg))}
		for i, f := range s.newAgg {
			g.aggs[i] = f()
		}
		s.groups[id] = g
	}

	for i, agg := range g.aggs {
		var v interface{} = row
		if s.fields[i] >= 0 {
			v = row[s.fields[i]]
		}
		if err := agg.add(v); err != nil {
			return fmt.Errorf("aggregate %q: %w", s.schema.Column(len(s.keys)+i).Name, err)
		}
	}
	return nil
}

func (s *groupStep) Flush(emit Emit) error {
	groups := make([]*groupState, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return s.keyLess(groups[i], groups[j])
	})

	for _, g := range groups {
		out := make(Row, 0, s.schema.Len())
		out = append(out, g.key...)
		for _, agg := range g.aggs {
			out = append(out, agg.result())
		}
		if err := emit(out); err != nil {
			return err
		}
	}
	s.groups = make(map[string]*groupState)
	return nil
}

// keyLess orders groups field by field with the column's ordering, nil first.
// Values the column ordering can not compare fall back to their identity.
func (s *groupStep) keyLess(a, b *groupState) bool {
	for i, less := range s.less {
		x, y := a.key[i], b.key[i]
		switch {
		case x == nil && y == nil:
			continue
		case x == nil:
			return true
		case y == nil:
			return false
		}
		lt, err := less(x, y)
		if err != nil {
			return a.id < b.id
		}
		if lt {
			return true
		}
		if gt, _ := less(y, x); gt {
			return false
		}
	}
	return a.id < b.id
}

// groupID encodes a group key so that nil, "" and values holding separators stay
// distinct.
func groupID(key Row) string {
	var b strings.Builder
	for _, v := range key {
		if v == nil {
			b.WriteString("-;")
			continue
		}
		str := cast.ToString(v)
		fmt.Fprintf(&b, "%T:%d:%s;", v, len(str), str)
	}
	return b.String()
}

type countAgg struct{ n int64 }

func (a *countAgg) add(v interface{}) error {
	if v != nil {
		a.n++
	}
	return nil
}

func (a *countAgg) result() interface{} { return a.n }

type intSumAgg struct{ sum int64 }

func (a *intSumAgg) add(v interface{}) error {
	if v == nil {
		return nil
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return err
	}
	a.sum += n
	return nil
}

func (a *intSumAgg) result() interface{} { return a.sum }

type floatSumAgg struct{ sum float64 }

func (a *floatSumAgg) add(v interface{}) error {
	if v == nil {
		return nil
	}
	n, err := cast.ToFloat64E(v)
	if err != nil {
		return err
	}
	a.sum += n
	return nil
}

func (a *floatSumAgg) result() interface{} { return a.sum }

type extremeAgg struct {
	less  func(a, b interface{}) (bool, error)
	max   bool
	value interface{}
}

func (a *extremeAgg) add(v interface{}) error {
	if v == nil {
		return nil
	}
	if a.value == nil {
		a.value = v
		return nil
	}
	var (
		replace bool
		err     error
	)
	if a.max {
		replace, err = a.less(a.value, v)
	} else {
		replace, err = a.less(v, a.value)
	}
	if err != nil {
		return err
	}
	if replace {
		a.value = v
	}
	return nil
}

func (a *extremeAgg) result() interface{} { return a.value }

func lessFor(t corschema.Type) (func(a, b interface{}) (bool, error), error) {
	switch t {
	case corschema.TypeInteger:
		return func(a, b interface{}) (bool, error) {
			x, err := cast.ToInt64E(a)
			if err != nil {
				return false, err
			}
			y, err := cast.ToInt64E(b)
			return x < y, err
		}, nil
	case corschema.TypeNumber:
		return func(a, b interface{}) (bool, error) {
			x, err := cast.ToFloat64E(a)
			if err != nil {
				return false, err
			}
			y, err := cast.ToFloat64E(b)
			return x < y, err
		}, nil
	case corschema.TypeDate:
		return func(a, b interface{}) (bool, error) {
			x, err := cast.ToTimeE(a)
			if err != nil {
				return false, err
			}
			var y time.Time
			y, err = cast.ToTimeE(b)
			return x.Before(y), err
		}, nil
	case corschema.TypeString:
		return lessString, nil
	default:
		return nil, fmt.Errorf("min/max not supported for %s fields", t)
	}
}

func lessString(a, b interface{}) (bool, error) {
	return cast.ToString(a) < cast.ToString(b), nil
}

type concatAgg struct {
	sep   string
	parts []string
}

func (a *concatAgg) add(v interface{}) error {
	if v == nil {
		return nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return err
	}
	a.parts = append(a.parts, s)
	return nil
}

func (a *concatAgg) result() interface{} { return strings.Join(a.parts, a.sep) }
