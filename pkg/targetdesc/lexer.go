package targetdesc

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// DescLexer tokenizes target description files: one "key value..." pair
// per line, '#' comments, blank lines ignored.
var DescLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "EOL", Pattern: `\r?\n`},
	{Name: "Whitespace", Pattern: `[ \t\f\v]+`},
	{Name: "Word", Pattern: `[^\s#]+`},
})
