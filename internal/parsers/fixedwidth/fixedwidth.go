// Package fixedwidth parses column-aligned text exports
package fixedwidth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// Parser reads fixed-width text using the descriptor's character spans.
// It holds no state and is safe for concurrent use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared fixed-width parser instance
func NewParser() *Parser {
	return parserInstance
}

// Name returns the descriptor kind handled by this parser
func (p *Parser) Name() format.Kind {
	return format.KindFixedWidth
}

// CanParse rejects binary content
func (p *Parser) CanParse(path string, header []byte) bool {
	return len(header) > 0 && bytes.IndexByte(header, 0) < 0
}

// Parse extracts lines matching the layout's row pattern. Header, footer
// and total lines that do not match are ignored; matching lines that fail
// to parse become row errors.
func (p *Parser) Parse(ctx context.Context, r io.Reader, meta *parser.Metadata, desc *format.Descriptor) (*parser.RawStatement, error) {
	if err := parser.CheckContext(ctx); err != nil {
		return nil, err
	}
	layout := desc.FixedWidth
	if layout == nil {
		return nil, fmt.Errorf("format %s has no fixed_width layout", desc.ID)
	}

	decoded, err := desc.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", meta.Describe(), err)
	}

	file := meta.Describe()
	stmt := &parser.RawStatement{}
	scanner := bufio.NewScanner(decoded)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo%256 == 0 {
			if err := parser.CheckContext(ctx); err != nil {
				return nil, err
			}
		}
		text := scanner.Text()
		if lineNo <= layout.SkipLines || !layout.RowMatches(text) {
			continue
		}

		line, reason, err := parseLine([]rune(text), layout)
		if err != nil {
			stmt.AddRowError(file, lineNo, reason, err)
			continue
		}
		line.Row = lineNo
		stmt.Lines = append(stmt.Lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return stmt, nil
}

func parseLine(runes []rune, layout *format.FixedWidthLayout) (parser.RawStatementLine, string, error) {
	var line parser.RawStatementLine

	dateStr := layout.Date.Extract(runes)
	date, err := time.Parse(layout.DateFormat, dateStr)
	if err != nil {
		return line, "invalid date", fmt.Errorf("%q: %w", dateStr, err)
	}

	description := layout.Description.Extract(runes)
	if description == "" {
		return line, "empty description", fmt.Errorf("line has %d characters", len(runes))
	}

	amount, err := money.Parse(layout.Amount.Extract(runes), layout.DecimalComma)
	if err != nil {
		return line, "invalid amount", err
	}

	line.Date = date
	line.Description = description
	line.Amount = amount
	return line, "", nil
}
