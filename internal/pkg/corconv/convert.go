package corconv

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

// Converter turns a raw framework value into a value of the target column type.
type Converter interface {
	Convert(target corschema.Type, raw interface{}) (interface{}, error)
}

// ConverterFunc lets plain functions act as a Converter.
type ConverterFunc func(target corschema.Type, raw interface{}) (interface{}, error)

func (f ConverterFunc) Convert(target corschema.Type, raw interface{}) (interface{}, error) {
	return f(target, raw)
}

// ConversionError is returned when a value can not be represented as the target type.
type ConversionError struct {
	Target corschema.Type
	Value  interface{}
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("can not convert %v (%T) to %s: %v", e.Value, e.Value, e.Target, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

type castConverter struct{}

var defaultConverter Converter = castConverter{}

// Default returns the converter used when no type specific conversion is configured.
// Nil values are kept as nil for every target type.
func Default() Converter {
	return defaultConverter
}

func (castConverter) Convert(target corschema.Type, raw interface{}) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	var (
		v   interface{}
		err error
	)
	switch target {
	case corschema.TypeString:
		v, err = cast.ToStringE(raw)
	case corschema.TypeInteger:
		v, err = cast.ToInt64E(raw)
	case corschema.TypeNumber:
		v, err = cast.ToFloat64E(raw)
	case corschema.TypeBoolean:
		v, err = cast.ToBoolE(raw)
	case corschema.TypeDate:
		v, err = cast.ToTimeE(raw)
	case corschema.TypeBinary:
		v, err = toBytes(raw)
	case corschema.TypeAny, "":
		v = raw
	default:
		err = fmt.Errorf("unsupported type")
	}

	if err != nil {
		return nil, &ConversionError{Target: target, Value: raw, Err: err}
	}
	return v, nil
}

func toBytes(raw interface{}) ([]byte, error) {
	switch b := raw.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
}

// Convert applies c, or returns raw unchanged when c is nil.
func Convert(c Converter, target corschema.Type, raw interface{}) (interface{}, error) {
	if c == nil {
		return raw, nil
	}
	return c.Convert(target, raw)
}
