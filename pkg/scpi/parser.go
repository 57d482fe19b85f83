package scpi

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/alecthomas/participle/v2"
)

// NotANumber is the value SCPI instruments report for an invalid reading
// (overflow, not yet measured).
const NotANumber = 9.91e37

// ErrEmpty is returned when a response carries no fields.
var ErrEmpty = errors.New("scpi: empty response")

// Response is a parsed comma separated numeric reply.
type Response struct {
	Fields []*Field `@@ ( "," @@ )*`
}

// Field is one numeric value with its optional unit suffix.
type Field struct {
	Value float64 `@Number`
	Unit  string  `@Unit?`
}

// Values returns the numeric fields with SCPI NaN mapped to math.NaN.
func (r *Response) Values() []float64 {
	out := make([]float64, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = normalize(f.Value)
	}
	return out
}

func normalize(v float64) float64 {
	if math.Abs(v) >= NotANumber*0.999 {
		return math.NaN()
	}
	return v
}

// Parser wraps the participle grammar for SCPI numeric responses.
type Parser struct {
	parser *participle.Parser[Response]
}

// NewParser builds a response parser.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[Response](
		participle.Lexer(ResponseLexer),
		participle.Elide("Whitespace"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// ParseString parses one instrument reply.
func (p *Parser) ParseString(input string) (*Response, error) {
	resp, err := p.parser.ParseString("", input)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", input, err)
	}
	if len(resp.Fields) == 0 {
		return nil, ErrEmpty
	}
	return resp, nil
}

var (
	defaultOnce   sync.Once
	defaultParser *Parser
)

func shared() *Parser {
	defaultOnce.Do(func() {
		p, err := NewParser()
		if err != nil {
			panic(err)
		}
		defaultParser = p
	})
	return defaultParser
}

// ParseFloats parses reply and returns all of its numeric fields.
func ParseFloats(reply string) ([]float64, error) {
	resp, err := shared().ParseString(reply)
	if err != nil {
		return nil, err
	}
	return resp.Values(), nil
}

// ParseFirst returns the first numeric field of reply. A READ? result such as
// "+1.234E-09A,+1.0E+00,+0" yields 1.234e-9.
func ParseFirst(reply string) (float64, error) {
	values, err := ParseFloats(reply)
	if err != nil {
		return math.NaN(), err
	}
	return values[0], nil
}

// ParsePair returns the first two numeric fields of reply, as in the
// "cp,rp,status" answer of an impedance fetch.
func ParsePair(reply string) (float64, float64, error) {
	values, err := ParseFloats(reply)
	if err != nil {
		return math.NaN(), math.NaN(), err
	}
	if len(values) < 2 {
		return math.NaN(), math.NaN(), fmt.Errorf("scpi: expected 2 fields, got %d in %q", len(values), reply)
	}
	return values[0], values[1], nil
}
