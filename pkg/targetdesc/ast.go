package targetdesc

import "github.com/alecthomas/participle/v2/lexer"

// descFile is the grammar root. Input is normalized to end with a newline so
// every line, including the last, terminates with EOL.
type descFile struct {
	Lines []*descLine `parser:"@@*"`
}

// descLine is either blank/comment-only (Key empty) or a key with zero or
// more value words.
type descLine struct {
	Pos    lexer.Position
	Key    string   `parser:"( @Word"`
	Values []string `parser:"  @Word* )? EOL"`
}
