// Package csv provides descriptor-driven delimited statement parsing
package csv

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// Parser reads any delimited export whose column layout is described by a
// format descriptor. It holds no state and is safe for concurrent use.
type Parser struct{}

var parserInstance = &Parser{}

// NewParser returns the shared CSV parser instance
func NewParser() *Parser {
	return parserInstance
}

// Name returns the descriptor kind handled by this parser
func (p *Parser) Name() format.Kind {
	return format.KindCSV
}

// CanParse rejects binary content; column semantics are the descriptor's job
func (p *Parser) CanParse(path string, header []byte) bool {
	if len(header) == 0 || bytes.IndexByte(header, 0) >= 0 {
		return false
	}
	first := header
	if i := bytes.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return len(bytes.TrimSpace(first)) > 0
}

// Parse extracts statement lines. Rows that fail to parse are recorded as
// row errors and skipped.
func (p *Parser) Parse(ctx context.Context, r io.Reader, meta *parser.Metadata, desc *format.Descriptor) (*parser.RawStatement, error) {
	if err := parser.CheckContext(ctx); err != nil {
		return nil, err
	}
	layout := desc.CSV
	if layout == nil {
		return nil, fmt.Errorf("format %s has no csv layout", desc.ID)
	}

	decoded, err := desc.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", meta.Describe(), err)
	}

	reader := csv.NewReader(decoded)
	reader.Comma = []rune(layout.Delimiter)[0]
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	file := meta.Describe()
	stmt := &parser.RawStatement{}
	index := 0
	for {
		if index%256 == 0 {
			if err := parser.CheckContext(ctx); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		index++
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				stmt.AddRowError(file, csvErr.StartLine, "malformed CSV record", err)
				continue
			}
			return nil, fmt.Errorf("failed to read CSV content from %s: %w", file, err)
		}
		if index <= layout.SkipRows || isBlank(record) {
			continue
		}
		row, _ := reader.FieldPos(0)

		line, reason, err := parseRecord(record, layout)
		if err != nil {
			stmt.AddRowError(file, row, reason, err)
			continue
		}
		line.Row = row
		stmt.Lines = append(stmt.Lines, line)
	}

	return stmt, nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func field(record []string, idx *int) (string, bool) {
	if idx == nil || *idx >= len(record) {
		return "", false
	}
	return strings.TrimSpace(record[*idx]), true
}

// parseRecord maps one record to a line, returning a short reason on failure
func parseRecord(record []string, layout *format.CSVLayout) (parser.RawStatementLine, string, error) {
	var line parser.RawStatementLine
	cols := layout.Columns

	dateStr, ok := field(record, cols.Date)
	if !ok {
		return line, "missing date column", fmt.Errorf("record has %d fields", len(record))
	}
	date, err := time.Parse(layout.DateFormat, dateStr)
	if err != nil {
		return line, "invalid date", fmt.Errorf("%q: %w", dateStr, err)
	}

	desc, ok := field(record, cols.Description)
	if !ok || desc == "" {
		return line, "empty description", fmt.Errorf("record has %d fields", len(record))
	}

	amount, err := recordAmount(record, layout)
	if err != nil {
		return line, "invalid amount", err
	}

	line.Date = date
	line.Description = desc
	line.Amount = amount
	line.Memo, _ = field(record, cols.Memo)
	line.ExternalID, _ = field(record, cols.ExternalID)
	return line, "", nil
}

// recordAmount reads the single amount column, or combines split
// debit/credit columns as credit minus debit.
func recordAmount(record []string, layout *format.CSVLayout) (decimal.Decimal, error) {
	cols := layout.Columns
	if cols.Amount != nil {
		raw, ok := field(record, cols.Amount)
		if !ok {
			return decimal.Zero, fmt.Errorf("missing amount column")
		}
		return money.Parse(raw, layout.DecimalComma)
	}

	debitStr, _ := field(record, cols.Debit)
	creditStr, _ := field(record, cols.Credit)
	if debitStr == "" && creditStr == "" {
		return decimal.Zero, fmt.Errorf("both debit and credit are empty")
	}
	amount := decimal.Zero
	if debitStr != "" {
		debit, err := money.Parse(debitStr, layout.DecimalComma)
		if err != nil {
			return decimal.Zero, fmt.Errorf("debit: %w", err)
		}
		amount = amount.Sub(debit.Abs())
	}
	if creditStr != "" {
		credit, err := money.Parse(creditStr, layout.DecimalComma)
		if err != nil {
			return decimal.Zero, fmt.Errorf("credit: %w", err)
		}
		amount = amount.Add(credit.Abs())
	}
	return amount, nil
}
