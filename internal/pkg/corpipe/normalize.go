package corpipe

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ISE-SMILE/pipecorral/internal/pkg/corschema"
)

type normalizeStep struct {
	schema  *corschema.Schema
	fields  []int
	trim    bool
	lower   bool
	accents transform.Transformer
}

func newNormalizeStep(def StepDef, in *corschema.Schema, _ buildEnv) (Step, error) {
	opts := struct {
		Fields       []string `mapstructure:"fields"`
		Trim         bool     `mapstructure:"trim"`
		Lower        bool     `mapstructure:"lower"`
		StripAccents bool     `mapstructure:"strip_accents"`
	}{Trim: true}
	if err := decodeOptions(def, &opts); err != nil {
		return nil, err
	}
	if len(opts.Fields) == 0 {
		return nil, &DefinitionError{Step: def.Name, Msg: "normalize needs at least one field"}
	}

	s := &normalizeStep{schema: in, trim: opts.Trim, lower: opts.Lower}
	for _, name := range opts.Fields {
		idx, err := fieldIndex(def, in, name)
		if err != nil {
			return nil, err
		}
		if t := in.Column(idx).Type; t != corschema.TypeString && t != corschema.TypeAny {
			return nil, &DefinitionError{Step: def.Name, Msg: "normalize only applies to string fields, " + name + " is " + t.String()}
		}
		s.fields = append(s.fields, idx)
	}
	if opts.StripAccents {
		// decompose, drop combining marks, recompose
		s.accents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}
	return s, nil
}

func (s *normalizeStep) Schema() *corschema.Schema { return s.schema }

func (s *normalizeStep) Process(row Row, emit Emit) error {
	out := make(Row, len(row))
	copy(out, row)
	for _, idx := range s.fields {
		str, ok := row[idx].(string)
		if !ok {
			continue
		}
		if s.trim {
			str = strings.TrimSpace(str)
		}
		if s.lower {
			str = strings.ToLower(str)
		}
		if s.accents != nil {
			clean, _, err := transform.String(s.accents, str)
			if err != nil {
				return err
			}
			str = clean
		}
		out[idx] = str
	}
	return emit(out)
}

func (s *normalizeStep) Flush(Emit) error { return nil }
