package csv

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

const testFormats = `
formats:
  - id: card
    kind: csv
    extensions: [".csv"]
    invoice_rule: {kind: none}
    csv:
      skip_rows: 1
      date_format: "2006-01-02"
      columns: {date: 0, description: 1, amount: 2, memo: 3}
  - id: split
    kind: csv
    extensions: [".csv"]
    invoice_rule: {kind: none}
    csv:
      delimiter: ";"
      skip_rows: 1
      date_format: "02/01/2006"
      decimal_comma: true
      columns: {date: 0, description: 1, debit: 2, credit: 3}
  - id: latin
    kind: csv
    extensions: [".csv"]
    encoding: iso-8859-1
    invoice_rule: {kind: none}
    csv:
      date_format: "2006-01-02"
      columns: {date: 0, description: 1, amount: 2}
`

func descriptor(t *testing.T, id string) *format.Descriptor {
	t.Helper()
	catalog, err := format.NewCatalog([]byte(testFormats))
	require.NoError(t, err)
	d, ok := catalog.Get(id)
	require.True(t, ok)
	return d
}

func metadata(t *testing.T, path string) *parser.Metadata {
	t.Helper()
	meta, err := parser.NewMetadata(path, time.Now())
	require.NoError(t, err)
	return meta
}

func TestName(t *testing.T) {
	assert.Equal(t, format.KindCSV, NewParser().Name())
}

func TestCanParse(t *testing.T) {
	p := NewParser()
	assert.True(t, p.CanParse("a.csv", []byte("date,description,amount\n2026-01-01,x,1")))
	assert.False(t, p.CanParse("a.csv", []byte{}))
	assert.False(t, p.CanParse("a.csv", []byte("PK\x03\x04\x00\x00")))
	assert.False(t, p.CanParse("a.csv", []byte("   \n2026")))
}

func TestParse_SyntheticStatement(t *testing.T) {
	content := `date,description,amount,memo
2026-01-05,Widget - Install 1/6,-100.00,first
2026-01-05,Widget - Install 2/6,-100.00,
"2026-01-10","Coffee, Bar",-12.5,

2026-01-12,Refund,30.00,
`
	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t, "/s/card_0126.csv"), descriptor(t, "card"))
	require.NoError(t, err)

	assert.Nil(t, stmt.Account, "CSV files carry no account identity")
	assert.Nil(t, stmt.Period)
	assert.Empty(t, stmt.RowErrors)
	require.Len(t, stmt.Lines, 4)

	first := stmt.Lines[0]
	assert.Equal(t, 2, first.Row)
	assert.Equal(t, "Widget - Install 1/6", first.Description)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("-100.00")))
	assert.Equal(t, "first", first.Memo)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), first.Date)

	assert.Equal(t, "Coffee, Bar", stmt.Lines[2].Description)
	assert.Equal(t, 6, stmt.Lines[3].Row, "blank lines keep source row numbers")
}

func TestParse_RowErrorsContinue(t *testing.T) {
	content := `date,description,amount,memo
2026-01-05,Good row,-10.00,
2026-13-40,Bad date,-10.00,
2026-01-06,,-10.00,
2026-01-07,Bad amount,abc,
2026-01-08
2026-01-09,Another good row,-5.00,
`
	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t, "/s/card.csv"), descriptor(t, "card"))
	require.NoError(t, err)

	require.Len(t, stmt.Lines, 2)
	require.Len(t, stmt.RowErrors, 4)

	reasons := []string{}
	for _, e := range stmt.RowErrors {
		reasons = append(reasons, e.Reason)
		assert.Equal(t, "/s/card.csv", e.File)
	}
	assert.Equal(t, []string{"invalid date", "empty description", "invalid amount", "empty description"}, reasons)
	assert.Equal(t, 3, stmt.RowErrors[0].Row)
}

func TestParse_DebitCreditColumns(t *testing.T) {
	content := "Data;Descricao;Debito;Credito\n" +
		"05/01/2026;Mercado;1.234,56;\n" +
		"06/01/2026;Salario;;5.000,00\n" +
		"07/01/2026;Nada;;\n"

	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t, "/s/checking.csv"), descriptor(t, "split"))
	require.NoError(t, err)

	require.Len(t, stmt.Lines, 2)
	assert.Equal(t, "-1234.56", stmt.Lines[0].Amount.StringFixed(2))
	assert.Equal(t, "5000.00", stmt.Lines[1].Amount.StringFixed(2))
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), stmt.Lines[0].Date)

	require.Len(t, stmt.RowErrors, 1)
	assert.Equal(t, "invalid amount", stmt.RowErrors[0].Reason)
}

func TestParse_Encoding(t *testing.T) {
	content := "2026-01-05,Padaria S\xe3o Jo\xe3o,-8.00\n"
	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(content), metadata(t, "/s/x.csv"), descriptor(t, "latin"))
	require.NoError(t, err)
	require.Len(t, stmt.Lines, 1)
	assert.Equal(t, "Padaria São João", stmt.Lines[0].Description)
}

func TestParse_EmptyFile(t *testing.T) {
	stmt, err := NewParser().Parse(context.Background(), strings.NewReader(""), metadata(t, "/s/x.csv"), descriptor(t, "card"))
	require.NoError(t, err)
	assert.Empty(t, stmt.Lines)
}

func TestParse_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewParser().Parse(ctx, strings.NewReader("a,b,c\n"), metadata(t, "/s/x.csv"), descriptor(t, "card"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_MissingLayout(t *testing.T) {
	d := &format.Descriptor{ID: "broken", Kind: format.KindCSV}
	_, err := NewParser().Parse(context.Background(), strings.NewReader(""), nil, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no csv layout")
}
