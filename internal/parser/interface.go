package parser

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
)

// Parser is the strategy interface for each descriptor kind (csv, ofx, fixedwidth)
type Parser interface {
	// Name returns the descriptor kind handled by this parser
	Name() format.Kind

	// CanParse performs a structural check of the file header.
	// Descriptor detection decides the bank format; this only confirms that
	// the bytes are plausibly of this kind.
	CanParse(path string, header []byte) bool

	// Parse extracts raw statement lines using the descriptor's mapping.
	// Malformed rows are reported in RawStatement.RowErrors and skipped;
	// a returned error rejects the whole file.
	Parse(ctx context.Context, r io.Reader, meta *Metadata, desc *format.Descriptor) (*RawStatement, error)
}

// RawStatement represents parsed data before normalization
type RawStatement struct {
	// Account is nil when the file carries no account identity
	Account *RawAccount
	// Period is nil when the file carries no statement period
	Period    *Period
	Lines     []RawStatementLine
	RowErrors []*domain.ParseError
}

// AddRowError records a skipped row
func (s *RawStatement) AddRowError(file string, row int, reason string, err error) {
	s.RowErrors = append(s.RowErrors, &domain.ParseError{File: file, Row: row, Reason: reason, Err: err})
}

// RawStatementLine is one parsed row. Amount carries the file's own sign;
// sign inversion happens during normalization.
type RawStatementLine struct {
	Row         int
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	ExternalID  string
	Memo        string
}

// RawAccount represents account information from the file
type RawAccount struct {
	institutionID   string // e.g., "NUBANK", "AMEX"
	institutionName string // e.g., "Nu Pagamentos"
	accountID       string // From file or directory
	accountType     string // "checking", "savings", "credit"
}

// InstitutionID returns the institution identifier
func (r *RawAccount) InstitutionID() string { return r.institutionID }

// InstitutionName returns the institution name
func (r *RawAccount) InstitutionName() string { return r.institutionName }

// AccountID returns the account identifier
func (r *RawAccount) AccountID() string { return r.accountID }

// AccountType returns the account type
func (r *RawAccount) AccountType() string { return r.accountType }

// SetInstitutionName updates the institution name (populated from metadata after construction)
func (r *RawAccount) SetInstitutionName(name string) {
	r.institutionName = name
}

// NewRawAccount creates a validated raw account.
// InstitutionName is optional; it is filled from directory metadata when absent.
func NewRawAccount(institutionID, institutionName, accountID, accountType string) (*RawAccount, error) {
	if institutionID == "" {
		return nil, fmt.Errorf("institution ID cannot be empty")
	}
	if accountID == "" {
		return nil, fmt.Errorf("account ID cannot be empty")
	}
	return &RawAccount{
		institutionID:   institutionID,
		institutionName: institutionName,
		accountID:       accountID,
		accountType:     accountType,
	}, nil
}

// Period represents the statement period
type Period struct {
	start time.Time
	end   time.Time
}

// Start returns the period start time
func (p *Period) Start() time.Time { return p.start }

// End returns the period end time
func (p *Period) End() time.Time { return p.end }

// Contains returns true if the given time falls within the period (inclusive)
func (p *Period) Contains(t time.Time) bool {
	return !t.Before(p.start) && !t.After(p.end)
}

// NewPeriod creates a validated period
func NewPeriod(start, end time.Time) (*Period, error) {
	if start.IsZero() {
		return nil, fmt.Errorf("start time cannot be zero")
	}
	if end.IsZero() {
		return nil, fmt.Errorf("end time cannot be zero")
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("start must be before end")
	}
	return &Period{start: start, end: end}, nil
}

// CheckContext returns ctx.Err() if the context is already done
func CheckContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
