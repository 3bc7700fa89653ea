package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

func embedded(t *testing.T, id string) *format.Descriptor {
	t.Helper()
	catalog, err := format.LoadEmbedded()
	require.NoError(t, err)
	d, ok := catalog.Get(id)
	require.True(t, ok, "missing descriptor %s", id)
	return d
}

func layoutMeta(t *testing.T, path, institution, account string) *parser.Metadata {
	t.Helper()
	meta, err := parser.NewMetadata(path, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	meta.SetInstitution(institution)
	meta.SetAccountNumber(account)
	return meta
}

func line(row int, date, desc, amount string) parser.RawStatementLine {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return parser.RawStatementLine{Row: row, Date: d, Description: desc, Amount: decimal.RequireFromString(amount)}
}

func TestNormalize_CardStatement(t *testing.T) {
	desc := embedded(t, "card-statement-csv")
	meta := layoutMeta(t, "/stmts/generic/4321/card_0126.csv", "generic", "4321")
	raw := &parser.RawStatement{
		Lines: []parser.RawStatementLine{
			line(2, "2026-01-05", "Widget - Install 1/6", "-100.00"),
			line(3, "2026-01-05", "Widget - Install 2/6", "-100.00"),
			line(4, "2026-01-10", "Payment Received", "500.00"),
			line(5, "2026-01-12", "  Coffee Bar ", "-12.505"),
		},
		RowErrors: []*domain.ParseError{{File: "card_0126.csv", Row: 6, Reason: "invalid date", Err: errors.New("bad")}},
	}

	out, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)

	stmt := out.Batch.Statement
	assert.Equal(t, "acc-generic-4321", stmt.AccountID)
	assert.Equal(t, "stmt-acc-generic-4321-2026-01", stmt.ID)
	assert.Equal(t, domain.MustParseMonth("2026-01"), stmt.Label)
	assert.Equal(t, "card-statement-csv", stmt.FormatID)

	require.Len(t, out.Batch.Transactions, 3)
	first := out.Batch.Transactions[0]
	assert.True(t, first.IsInstallment)
	assert.Equal(t, 1, first.InstallmentPosition)
	assert.Equal(t, 6, first.InstallmentTotal)
	assert.Equal(t, "widget", first.Description)
	assert.Equal(t, "Widget - Install 1/6", first.RawDescription)
	assert.Equal(t, domain.MustParseMonth("2026-01"), first.MonthStr)
	assert.Equal(t, domain.MustParseMonth("2026-01"), first.InvoiceMonth)
	assert.Equal(t, stmt.ID, first.StatementID)
	assert.NoError(t, first.Validate())

	// Preview rows get their own identity
	assert.NotEqual(t, first.ID, out.Batch.Transactions[1].ID)

	coffee := out.Batch.Transactions[2]
	assert.False(t, coffee.IsInstallment)
	assert.Equal(t, "coffee bar", coffee.Description)
	assert.Equal(t, "Coffee Bar", coffee.RawDescription)
	assert.Equal(t, "-12.51", coffee.Amount.StringFixed(2))

	require.Len(t, out.Skipped, 2)
	reasons := []string{out.Skipped[0].Reason, out.Skipped[1].Reason}
	assert.ElementsMatch(t, []string{"invalid date", ReasonPaymentMarker}, reasons)
}

func TestNormalize_InvertSignAndClosingDay(t *testing.T) {
	desc := embedded(t, "nubank-csv")
	meta := layoutMeta(t, "/stmts/nubank/1111/nubank-2026-02.csv", "nubank", "5555444433331111")
	raw := &parser.RawStatement{
		Lines: []parser.RawStatementLine{
			line(2, "2026-01-29", "Loja X - Parcela 3/10", "45.90"),
			line(3, "2026-01-15", "Estorno compra", "-20.00"),
		},
	}

	out, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)
	require.Len(t, out.Batch.Transactions, 2)

	charge := out.Batch.Transactions[0]
	assert.Equal(t, "-45.90", charge.Amount.StringFixed(2))
	assert.Equal(t, domain.MustParseMonth("2026-01"), charge.MonthStr)
	assert.Equal(t, domain.MustParseMonth("2026-02"), charge.InvoiceMonth)
	assert.Equal(t, "loja x", charge.Description)
	assert.Equal(t, 3, charge.InstallmentPosition)

	refund := out.Batch.Transactions[1]
	assert.Equal(t, "20.00", refund.Amount.StringFixed(2))
	assert.Equal(t, domain.MustParseMonth("2026-01"), refund.InvoiceMonth)

	assert.Equal(t, "acc-nubank-1111", out.Batch.Statement.AccountID)
	assert.Equal(t, domain.MustParseMonth("2026-02"), out.Batch.Statement.Label)
}

func TestNormalize_RuleNoneLeavesInvoiceMonthEmpty(t *testing.T) {
	desc := embedded(t, "checking-csv")
	meta := layoutMeta(t, "/stmts/generic/conta/checking.csv", "generic", "conta")
	raw := &parser.RawStatement{
		Lines: []parser.RawStatementLine{line(2, "2026-03-04", "Rent", "-1500.00")},
	}

	out, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)
	require.Len(t, out.Batch.Transactions, 1)
	assert.False(t, out.Batch.Transactions[0].HasInvoiceMonth())
	assert.Equal(t, domain.MustParseMonth("2026-03"), out.Batch.Statement.Label)
	assert.Equal(t, "acc-generic-conta", out.Batch.Statement.AccountID)
}

func TestNormalize_InvoiceRuleUndefined(t *testing.T) {
	desc := embedded(t, "card-statement-csv")
	meta := layoutMeta(t, "/stmts/generic/4321/card.csv", "generic", "4321")
	raw := &parser.RawStatement{Lines: []parser.RawStatementLine{line(2, "2026-01-05", "x", "-1")}}

	_, err := Normalize("p1", raw, meta, desc)
	var undefined *domain.InvoiceRuleUndefinedError
	require.ErrorAs(t, err, &undefined)
	assert.Equal(t, "card-statement-csv", undefined.Format)

	ofxDesc := embedded(t, "ofx")
	_, err = Normalize("p1", &parser.RawStatement{}, layoutMeta(t, "/x/a.ofx", "bank", "1"), ofxDesc)
	require.ErrorAs(t, err, &undefined)

	missing := &format.Descriptor{ID: "bare"}
	_, err = Normalize("p1", raw, meta, missing)
	require.ErrorAs(t, err, &undefined)
}

func TestNormalize_AccountFromFile(t *testing.T) {
	desc := embedded(t, "ofx")
	meta, err := parser.NewMetadata("/downloads/jan.ofx", time.Now())
	require.NoError(t, err)

	account, err := parser.NewRawAccount("TESTCARD", "Test Card", "4111111111111111", "credit")
	require.NoError(t, err)
	period, err := parser.NewPeriod(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	raw := &parser.RawStatement{
		Account: account,
		Period:  period,
		Lines:   []parser.RawStatementLine{line(1, "2026-01-20", "GROCERY", "-50.00")},
	}
	out, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)
	assert.Equal(t, "acc-test-card-1111", out.Batch.Statement.AccountID)
	assert.Equal(t, domain.MustParseMonth("2026-01"), out.Batch.Transactions[0].InvoiceMonth)
	assert.Equal(t, period.Start(), out.Batch.Statement.PeriodStart)
}

func TestNormalize_NoAccount(t *testing.T) {
	desc := embedded(t, "checking-csv")
	meta, err := parser.NewMetadata("/downloads/checking.csv", time.Now())
	require.NoError(t, err)

	_, err = Normalize("p1", &parser.RawStatement{}, meta, desc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot determine account")
}

func TestNormalize_IdempotentIdentity(t *testing.T) {
	desc := embedded(t, "card-statement-csv")
	meta := layoutMeta(t, "/stmts/generic/4321/card_0126.csv", "generic", "4321")
	raw := &parser.RawStatement{Lines: []parser.RawStatementLine{line(2, "2026-01-05", "Widget - Install 1/6", "-100.00")}}

	a, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)
	b, err := Normalize("p1", raw, meta, desc)
	require.NoError(t, err)
	assert.Equal(t, a.Batch, b.Batch)

	other, err := Normalize("p2", raw, meta, desc)
	require.NoError(t, err)
	assert.Equal(t, a.Batch.Transactions[0].Fingerprint, other.Batch.Transactions[0].Fingerprint)
	assert.NotEqual(t, a.Batch.Transactions[0].ID, other.Batch.Transactions[0].ID)
}
