package corschema

import (
	"fmt"
	"strings"
)

// Type is the declared value type of a column
type Type string

func (t Type) String() string {
	return string(t)
}

// Supported column types
const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeBinary  Type = "binary"
	TypeAny     Type = "any"
)

var knownTypes = map[string]Type{
	"string":  TypeString,
	"integer": TypeInteger,
	"number":  TypeNumber,
	"boolean": TypeBoolean,
	"date":    TypeDate,
	"binary":  TypeBinary,
	"any":     TypeAny,
}

// ParseType returns the Type for a type name, ignoring case.
func ParseType(name string) (Type, error) {
	if t, ok := knownTypes[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown column type %q", name)
}

// Column describes a single named, typed position of a row.
type Column struct {
	Name string `yaml:"name" mapstructure:"name"`
	Type Type   `yaml:"type" mapstructure:"type"`
}

// Schema is the ordered column layout of the rows produced by a pipeline step.
//
// A Schema is never modified after creation, so its pointer can be used as an
// identity (see OrdinalCache).
type Schema struct {
	Columns []Column
}

// New creates a schema from the given columns.
func New(cols ...Column) *Schema {
	c := make([]Column, len(cols))
	copy(c, cols)
	return &Schema{Columns: c}
}

// Len returns the number of columns, zero for a nil schema.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Columns)
}

func (s *Schema) Column(i int) Column {
	return s.Columns[i]
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IndexOf returns the position of the first column named name (case-insensitive) or -1.
func (s *Schema) IndexOf(name string) int {
	if s == nil {
		return -1
	}
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Append returns a new schema with cols added after the existing columns.
func (s *Schema) Append(cols ...Column) *Schema {
	out := make([]Column, 0, s.Len()+len(cols))
	if s != nil {
		out = append(out, s.Columns...)
	}
	return &Schema{Columns: append(out, cols...)}
}

// WithType returns a new schema where column i has type t.
func (s *Schema) WithType(i int, t Type) *Schema {
	out := New(s.Columns...)
	out.Columns[i].Type = t
	return out
}

func (s *Schema) String() string {
	if s == nil {
		return "[]"
	}
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = fmt.Sprintf("%s:%s", c.Name, c.Type)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
