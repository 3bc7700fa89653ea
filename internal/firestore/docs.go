package firestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

// transactionDoc is the stored form of a domain.Transaction. Amounts are
// kept as decimal strings so no precision is lost to float64.
type transactionDoc struct {
	ID                  string    `firestore:"id"`
	ProfileID           string    `firestore:"profileId"`
	AccountID           string    `firestore:"accountId"`
	StatementID         string    `firestore:"statementId"`
	FormatID            string    `firestore:"formatId"`
	Date                time.Time `firestore:"date"`
	RawDescription      string    `firestore:"rawDescription"`
	Description         string    `firestore:"description"`
	Amount              string    `firestore:"amount"`
	IsInstallment       bool      `firestore:"isInstallment"`
	InstallmentPosition int       `firestore:"installmentPosition"`
	InstallmentTotal    int       `firestore:"installmentTotal"`
	Month               string    `firestore:"month"`
	InvoiceMonth        string    `firestore:"invoiceMonth"`
	Fingerprint         string    `firestore:"fingerprint"`
	CreatedAt           time.Time `firestore:"createdAt"`
}

type statementDoc struct {
	ID          string    `firestore:"id"`
	ProfileID   string    `firestore:"profileId"`
	AccountID   string    `firestore:"accountId"`
	FormatID    string    `firestore:"formatId"`
	SourceFile  string    `firestore:"sourceFile"`
	Label       string    `firestore:"label"`
	PeriodStart time.Time `firestore:"periodStart"`
	PeriodEnd   time.Time `firestore:"periodEnd"`
}

type profileDoc struct {
	ID        string    `firestore:"id"`
	Mode      string    `firestore:"mode"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type linkDoc struct {
	ID            string    `firestore:"id"`
	ProfileID     string    `firestore:"profileId"`
	TransactionID string    `firestore:"transactionId"`
	ExternalRef   string    `firestore:"externalRef"`
	Month         string    `firestore:"month"`
	Mode          string    `firestore:"mode"`
	Fallback      bool      `firestore:"fallback"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func toTransactionDoc(t domain.Transaction, now time.Time) transactionDoc {
	return transactionDoc{
		ID:                  t.ID,
		ProfileID:           t.ProfileID,
		AccountID:           t.AccountID,
		StatementID:         t.StatementID,
		FormatID:            t.FormatID,
		Date:                t.Date.UTC(),
		RawDescription:      t.RawDescription,
		Description:         t.Description,
		Amount:              t.Amount.StringFixed(2),
		IsInstallment:       t.IsInstallment,
		InstallmentPosition: t.InstallmentPosition,
		InstallmentTotal:    t.InstallmentTotal,
		Month:               t.MonthStr.String(),
		InvoiceMonth:        t.InvoiceMonth.String(),
		Fingerprint:         t.Fingerprint,
		CreatedAt:           now,
	}
}

func (d transactionDoc) toDomain() (domain.Transaction, error) {
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: invalid amount %q: %w", d.ID, d.Amount, err)
	}
	month, err := domain.ParseMonth(d.Month)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", d.ID, err)
	}
	invoice, err := domain.ParseMonth(d.InvoiceMonth)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", d.ID, err)
	}
	return domain.Transaction{
		ID:                  d.ID,
		ProfileID:           d.ProfileID,
		AccountID:           d.AccountID,
		StatementID:         d.StatementID,
		FormatID:            d.FormatID,
		Date:                d.Date.UTC(),
		RawDescription:      d.RawDescription,
		Description:         d.Description,
		Amount:              amount,
		IsInstallment:       d.IsInstallment,
		InstallmentPosition: d.InstallmentPosition,
		InstallmentTotal:    d.InstallmentTotal,
		MonthStr:            month,
		InvoiceMonth:        invoice,
		Fingerprint:         d.Fingerprint,
	}, nil
}

func toStatementDoc(s domain.Statement) statementDoc {
	return statementDoc{
		ID:          s.ID,
		ProfileID:   s.ProfileID,
		AccountID:   s.AccountID,
		FormatID:    s.FormatID,
		SourceFile:  s.SourceFile,
		Label:       s.Label.String(),
		PeriodStart: s.PeriodStart.UTC(),
		PeriodEnd:   s.PeriodEnd.UTC(),
	}
}

func (d statementDoc) toDomain() (domain.Statement, error) {
	label, err := domain.ParseMonth(d.Label)
	if err != nil {
		return domain.Statement{}, fmt.Errorf("statement %s: %w", d.ID, err)
	}
	return domain.Statement{
		ID:          d.ID,
		ProfileID:   d.ProfileID,
		AccountID:   d.AccountID,
		FormatID:    d.FormatID,
		SourceFile:  d.SourceFile,
		Label:       label,
		PeriodStart: utcOrZero(d.PeriodStart),
		PeriodEnd:   utcOrZero(d.PeriodEnd),
	}, nil
}

func toProfileDoc(p *domain.Profile) profileDoc {
	return profileDoc{ID: p.ID, Mode: string(p.Mode), UpdatedAt: p.UpdatedAt.UTC()}
}

func (d profileDoc) toDomain() (*domain.Profile, error) {
	mode, err := domain.ParseMode(d.Mode)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", d.ID, err)
	}
	return &domain.Profile{ID: d.ID, Mode: mode, UpdatedAt: utcOrZero(d.UpdatedAt)}, nil
}

func toLinkDoc(l domain.ReconciliationLink) linkDoc {
	return linkDoc{
		ID:            l.ID,
		ProfileID:     l.ProfileID,
		TransactionID: l.TransactionID,
		ExternalRef:   l.ExternalRef,
		Month:         l.Month.String(),
		Mode:          string(l.Mode),
		Fallback:      l.Fallback,
		CreatedAt:     l.CreatedAt.UTC(),
	}
}

func (d linkDoc) toDomain() (domain.ReconciliationLink, error) {
	month, err := domain.ParseMonth(d.Month)
	if err != nil {
		return domain.ReconciliationLink{}, fmt.Errorf("link %s: %w", d.ID, err)
	}
	return domain.ReconciliationLink{
		ID:            d.ID,
		ProfileID:     d.ProfileID,
		TransactionID: d.TransactionID,
		ExternalRef:   d.ExternalRef,
		Month:         month,
		Mode:          domain.MonthAttributionMode(d.Mode),
		Fallback:      d.Fallback,
		CreatedAt:     d.CreatedAt.UTC(),
	}, nil
}

// statementDocID scopes a statement ID to its profile
func statementDocID(profileID, statementID string) string {
	return profileID + "_" + statementID
}

// linkDocID is derived from the link's identity so a second link of the same
// transaction to the same external record lands on the same document
func linkDocID(profileID, transactionID, externalRef string) string {
	sum := sha256.Sum256([]byte(profileID + "|" + transactionID + "|" + externalRef))
	return hex.EncodeToString(sum[:16])
}

func utcOrZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
