package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MonthAttributionMode selects which month label is authoritative for a query.
// Use ParseMode to validate user or configuration input.
type MonthAttributionMode string

const (
	// ModeInvoice attributes a charge to the billing statement it is paid on.
	ModeInvoice MonthAttributionMode = "invoice"
	// ModeTransaction attributes a charge to the calendar month it occurred in.
	ModeTransaction MonthAttributionMode = "transaction"
)

// ParseMode validates and returns a MonthAttributionMode
func ParseMode(s string) (MonthAttributionMode, error) {
	switch MonthAttributionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeInvoice:
		return ModeInvoice, nil
	case ModeTransaction:
		return ModeTransaction, nil
	default:
		return "", fmt.Errorf("invalid month attribution mode %q (must be 'invoice' or 'transaction')", s)
	}
}

// AccountType represents the account type enum.
// Use ValidateAccountType to ensure validity before use.
type AccountType string

const (
	AccountTypeChecking AccountType = "checking"
	AccountTypeSavings  AccountType = "savings"
	AccountTypeCredit   AccountType = "credit"
)

var validAccountTypes = map[AccountType]struct{}{
	AccountTypeChecking: {}, AccountTypeSavings: {}, AccountTypeCredit: {},
}

// ValidateAccountType reports whether t is a known account type
func ValidateAccountType(t AccountType) bool {
	_, ok := validAccountTypes[t]
	return ok
}

// Transaction is the canonical record produced by statement ingestion.
// It is immutable once created; grouping and projection never modify it.
type Transaction struct {
	ID             string    `json:"id"`
	ProfileID      string    `json:"profileId"`
	AccountID      string    `json:"accountId"`
	StatementID    string    `json:"statementId"`
	FormatID       string    `json:"formatId"`
	Date           time.Time `json:"date"`
	RawDescription string    `json:"rawDescription"`
	// Description is the cleaned base description: installment fraction and
	// marker words removed, accents and case folded.
	Description string `json:"description"`
	// Sign convention:
	//   Positive = credit/refund
	//   Negative = charge
	// Amounts are stored at minor-unit precision.
	Amount              decimal.Decimal `json:"amount"`
	IsInstallment       bool            `json:"isInstallment"`
	InstallmentPosition int             `json:"installmentPosition,omitempty"`
	InstallmentTotal    int             `json:"installmentTotal,omitempty"`
	MonthStr            Month           `json:"month"`
	InvoiceMonth        Month           `json:"invoiceMonth"`
	Fingerprint         string          `json:"fingerprint"`
}

// Validate checks the per-record invariants of a transaction
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if t.AccountID == "" {
		return fmt.Errorf("transaction %s: account ID cannot be empty", t.ID)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s: date cannot be zero", t.ID)
	}
	if t.MonthStr.IsZero() {
		return fmt.Errorf("transaction %s: month cannot be empty", t.ID)
	}
	if t.Fingerprint == "" {
		return fmt.Errorf("transaction %s: fingerprint cannot be empty", t.ID)
	}
	if t.IsInstallment {
		if t.InstallmentPosition <= 0 || t.InstallmentPosition > t.InstallmentTotal {
			return fmt.Errorf("transaction %s: installment position %d out of range [1,%d]",
				t.ID, t.InstallmentPosition, t.InstallmentTotal)
		}
		if t.InstallmentTotal > MaxInstallments {
			return fmt.Errorf("transaction %s: installment total %d exceeds %d",
				t.ID, t.InstallmentTotal, MaxInstallments)
		}
	}
	return nil
}

// HasInvoiceMonth reports whether the billing month is known
func (t *Transaction) HasInvoiceMonth() bool {
	return !t.InvoiceMonth.IsZero()
}

// InstallmentLabel renders "position/total" for installment rows, "" otherwise
func (t *Transaction) InstallmentLabel() string {
	if !t.IsInstallment {
		return ""
	}
	return fmt.Sprintf("%d/%d", t.InstallmentPosition, t.InstallmentTotal)
}

// MaxInstallments bounds installment totals to reject date-like fractions
const MaxInstallments = 60

// Statement identifies one ingested statement period of an account
type Statement struct {
	ID          string    `json:"id"`
	ProfileID   string    `json:"profileId"`
	AccountID   string    `json:"accountId"`
	FormatID    string    `json:"formatId"`
	SourceFile  string    `json:"sourceFile"`
	Label       Month     `json:"label"`
	PeriodStart time.Time `json:"periodStart,omitempty"`
	PeriodEnd   time.Time `json:"periodEnd,omitempty"`
}

// StatementBatch is the unit of atomic ingestion: one file's worth of rows
type StatementBatch struct {
	Statement    Statement
	Transactions []Transaction
}

// Profile holds per-profile engine settings
type Profile struct {
	ID        string               `json:"id"`
	Mode      MonthAttributionMode `json:"mode"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// NewProfile creates a validated profile
func NewProfile(id string, mode MonthAttributionMode, now time.Time) (*Profile, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("profile ID cannot be empty")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	return &Profile{ID: id, Mode: mode, UpdatedAt: now}, nil
}

// ReconciliationLink ties a transaction to an external record (e.g. a recurring
// bill). The month and mode are frozen at creation time; later mode changes on
// the profile do not rewrite existing links.
type ReconciliationLink struct {
	ID            string               `json:"id"`
	ProfileID     string               `json:"profileId"`
	TransactionID string               `json:"transactionId"`
	ExternalRef   string               `json:"externalRef"`
	Month         Month                `json:"month"`
	Mode          MonthAttributionMode `json:"mode"`
	Fallback      bool                 `json:"fallback"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// Snapshot is a consistent point-in-time view of a profile's transactions.
// Transactions are ordered by date, then ID; statements by ID.
type Snapshot struct {
	ProfileID    string
	TakenAt      time.Time
	Statements   []Statement
	Transactions []Transaction
}

// SortTransactions orders transactions by date, then ID
func SortTransactions(txns []Transaction) {
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}
