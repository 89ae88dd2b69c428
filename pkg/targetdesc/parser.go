package targetdesc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/participle/v2"
)

// Parser reads target description files.
type Parser struct {
	parser *participle.Parser[descFile]
}

// NewParser creates a new description parser instance.
func NewParser() (*Parser, error) {
	parser, err := participle.Build[descFile](
		participle.Lexer(DescLexer),
		participle.Elide("Comment", "Whitespace"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}
	return &Parser{parser: parser}, nil
}

// Parse parses a description from a reader. name is used for error
// positions and becomes the description name when non-empty.
func (p *Parser) Parse(name string, r io.Reader) (*Description, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return p.ParseString(name, string(data))
}

// ParseString parses a description held in a string.
func (p *Parser) ParseString(name, input string) (*Description, error) {
	if !strings.HasSuffix(input, "\n") {
		input += "\n"
	}
	file, err := p.parser.ParseString(name, input)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	d := &Description{Name: name}
	for _, line := range file.Lines {
		if line.Key == "" {
			continue
		}
		d.entries = append(d.entries, Entry{
			Key:   line.Key,
			Value: strings.Join(line.Values, " "),
			Line:  line.Pos.Line,
		})
	}
	return d, nil
}

// ParseFile parses a description from a file path. The description is named
// after the file without its extension.
func (p *Parser) ParseFile(filename string) (*Description, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	d, err := p.Parse(name, file)
	if err != nil {
		return nil, err
	}
	d.Path = filename
	return d, nil
}
