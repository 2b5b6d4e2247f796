package corschema

import (
	"strings"
	"sync"
)

// NamePair is the pair of logical column names that carry a record's key and value.
type NamePair struct {
	Key   string
	Value string
}

var (
	// InputNames are the columns a record is injected into.
	InputNames = NamePair{Key: "key", Value: "value"}
	// OutputNames are the columns a record is collected from.
	OutputNames = NamePair{Key: "outKey", Value: "outValue"}
)

// Ordinals are the positions of the key and value columns, -1 when absent.
type Ordinals struct {
	Key   int
	Value int
}

// Unresolved is the ordinal pair of a schema that has neither column.
var Unresolved = Ordinals{Key: -1, Value: -1}

// HasKey reports whether the key column was found.
func (o Ordinals) HasKey() bool {
	return o.Key >= 0
}

// HasValue reports whether the value column was found.
func (o Ordinals) HasValue() bool {
	return o.Value >= 0
}

// Resolve scans the schema once and returns the positions of the key and value
// columns. Names match case-insensitively, the first matching column wins and the
// scan stops as soon as both sides are located. A name that is not found
// resolves to -1; this is not an error.
func Resolve(s *Schema, names NamePair) Ordinals {
	ord := Unresolved
	if s == nil {
		return ord
	}

	for i, c := range s.Columns {
		if ord.Key < 0 && strings.EqualFold(c.Name, names.Key) {
			ord.Key = i
		} else if ord.Value < 0 && strings.EqualFold(c.Name, names.Value) {
			ord.Value = i
		}
		if ord.Key >= 0 && ord.Value >= 0 {
			break
		}
	}
	return ord
}

// ResolveInput resolves the "key"/"value" columns.
func ResolveInput(s *Schema) Ordinals {
	return Resolve(s, InputNames)
}

// ResolveOutput resolves the "outKey"/"outValue" columns.
func ResolveOutput(s *Schema) Ordinals {
	return Resolve(s, OutputNames)
}

// ResolveFunc is the signature of Resolve, used to swap the resolver in tests.
type ResolveFunc func(s *Schema, names NamePair) Ordinals

// OrdinalCache memoizes the ordinals of one name pair per schema instance.
type OrdinalCache struct {
	names   NamePair
	resolve ResolveFunc

	mu      sync.Mutex
	entries map[*Schema]Ordinals
}

// NewOrdinalCache creates a cache for names. A nil resolve uses Resolve.
func NewOrdinalCache(names NamePair, resolve ResolveFunc) *OrdinalCache {
	if resolve == nil {
		resolve = Resolve
	}
	return &OrdinalCache{
		names:   names,
		resolve: resolve,
		entries: make(map[*Schema]Ordinals),
	}
}

// Get returns the cached ordinals for s, resolving them on first use.
func (c *OrdinalCache) Get(s *Schema) Ordinals {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ord, ok := c.entries[s]; ok {
		return ord
	}
	ord := c.resolve(s, c.names)
	c.entries[s] = ord
	return ord
}
