package scpi

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ResponseLexer tokenizes SCPI numeric response data: comma separated
// decimal numbers, each optionally followed by a unit suffix such as the "A"
// a picoammeter appends to READ? results.
var ResponseLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
	{Name: "Number", Pattern: `[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`},
	{Name: "Unit", Pattern: `[A-Za-z%]+`},
	{Name: "Comma", Pattern: `,`},
})
