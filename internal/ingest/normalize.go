package ingest

import (
	"fmt"
	"strings"

	"github.com/rumor-ml/commons.systems/cardflow/internal/dedup"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/installment"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
)

// Skip reasons for rows that parse but are not ingested
const (
	ReasonPaymentMarker = "payment marker"
)

// SkippedRow is a row left out of a file's batch
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Normalized is the result of normalizing one parsed file
type Normalized struct {
	Batch   domain.StatementBatch
	Skipped []SkippedRow
}

// Normalize converts a parsed file into a statement batch.
//
// Payment pseudo-entries are dropped, the format's sign convention applied,
// installments detected and both month labels computed. A format whose
// invoice rule cannot be evaluated for this file fails with
// *domain.InvoiceRuleUndefinedError; invoice_month is never guessed.
func Normalize(profileID string, raw *parser.RawStatement, meta *parser.Metadata, desc *format.Descriptor) (*Normalized, error) {
	if raw == nil {
		return nil, fmt.Errorf("raw statement cannot be nil")
	}
	if desc == nil {
		return nil, fmt.Errorf("format descriptor cannot be nil")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata cannot be nil")
	}
	if desc.InvoiceRule == nil {
		return nil, &domain.InvoiceRuleUndefinedError{Format: desc.ID, Detail: "invoice_rule is required"}
	}

	accountID, err := resolveAccount(raw, meta, desc)
	if err != nil {
		return nil, err
	}

	fc := format.FileContext{Path: meta.FilePath()}
	if raw.Period != nil {
		fc.PeriodStart = raw.Period.Start()
		fc.PeriodEnd = raw.Period.End()
	}
	invoiceMonth, err := desc.InvoiceRule.Bind(desc.ID, fc)
	if err != nil {
		return nil, err
	}

	out := &Normalized{}
	for _, pe := range raw.RowErrors {
		out.Skipped = append(out.Skipped, SkippedRow{Row: pe.Row, Reason: pe.Reason, Detail: errDetail(pe.Err)})
	}

	matcher := desc.Installments()
	txns := make([]domain.Transaction, 0, len(raw.Lines))
	for _, line := range raw.Lines {
		rawDesc := strings.TrimSpace(line.Description)
		if marker, ok := desc.IsPayment(rawDesc); ok {
			out.Skipped = append(out.Skipped, SkippedRow{Row: line.Row, Reason: ReasonPaymentMarker, Detail: marker})
			continue
		}

		amount := line.Amount
		if desc.InvertSign {
			amount = amount.Neg()
		}
		amount = money.Round(amount)

		txn := domain.Transaction{
			ProfileID:      profileID,
			AccountID:      accountID,
			FormatID:       desc.ID,
			Date:           line.Date,
			RawDescription: rawDesc,
			Amount:         amount,
			MonthStr:       domain.MonthOf(line.Date),
			InvoiceMonth:   invoiceMonth(line.Date),
		}
		if m, ok := matcher.Detect(rawDesc); ok {
			txn.IsInstallment = true
			txn.InstallmentPosition = m.Position
			txn.InstallmentTotal = m.Total
			txn.Description = matcher.BaseFor(rawDesc, m)
		} else {
			txn.Description = installment.Normalize(rawDesc)
		}
		if txn.Description == "" {
			txn.Description = installment.Normalize(rawDesc)
		}
		txn.Fingerprint = dedup.GenerateFingerprint(accountID, txn.Date, rawDesc, amount)
		txn.ID = dedup.TransactionID(profileID, txn.Fingerprint)
		txns = append(txns, txn)
	}

	label := statementLabel(txns, raw, meta)
	stmt := domain.Statement{
		ProfileID:  profileID,
		AccountID:  accountID,
		FormatID:   desc.ID,
		SourceFile: meta.FilePath(),
		Label:      label,
	}
	if raw.Period != nil {
		stmt.PeriodStart = raw.Period.Start()
		stmt.PeriodEnd = raw.Period.End()
	}
	stmt.ID = GenerateStatementID(accountID, label)
	for i := range txns {
		txns[i].StatementID = stmt.ID
	}

	out.Batch = domain.StatementBatch{Statement: stmt, Transactions: txns}
	return out, nil
}

// resolveAccount prefers the account identity carried by the file, then the
// directory layout. The institution falls back to the descriptor.
func resolveAccount(raw *parser.RawStatement, meta *parser.Metadata, desc *format.Descriptor) (string, error) {
	var institution, number string
	if raw.Account != nil {
		institution = raw.Account.InstitutionName()
		if institution == "" {
			institution = raw.Account.InstitutionID()
		}
		number = raw.Account.AccountID()
	}
	if institution == "" {
		institution = meta.Institution()
	}
	if institution == "" {
		institution = desc.Institution
	}
	if number == "" {
		number = meta.AccountNumber()
	}
	if number == "" {
		return "", fmt.Errorf("%s: cannot determine account: format %s carries no account and the file is outside {institution}/{account}/",
			meta.FilePath(), desc.ID)
	}
	if institution == "" {
		return "", fmt.Errorf("%s: cannot determine institution", meta.FilePath())
	}

	slug, err := Slugify(institution)
	if err != nil {
		return "", fmt.Errorf("invalid institution: %w", err)
	}
	return GenerateAccountID(slug, number)
}

// statementLabel picks the statement period month: the latest invoice month
// of the file's rows, else the period reported by the file, else the period
// directory, else the latest transaction month.
func statementLabel(txns []domain.Transaction, raw *parser.RawStatement, meta *parser.Metadata) domain.Month {
	var latest domain.Month
	for _, t := range txns {
		if t.InvoiceMonth.After(latest) {
			latest = t.InvoiceMonth
		}
	}
	if !latest.IsZero() {
		return latest
	}
	if raw.Period != nil {
		return domain.MonthOf(raw.Period.Start())
	}
	if p, err := domain.ParseMonth(meta.Period()); err == nil && !p.IsZero() {
		return p
	}
	for _, t := range txns {
		if t.MonthStr.After(latest) {
			latest = t.MonthStr
		}
	}
	return latest
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
