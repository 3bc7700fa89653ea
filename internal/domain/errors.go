package domain

import (
	"fmt"
	"strings"
)

// ParseError is a row-level failure. The row is skipped and ingestion of the
// file continues.
type ParseError struct {
	File   string
	Row    int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s row %d: %s", e.File, e.Row, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnknownBankFormatError rejects a whole file that matches no bank format
type UnknownBankFormatError struct {
	File string
}

func (e *UnknownBankFormatError) Error() string {
	return fmt.Sprintf("no bank format matches file: %s", e.File)
}

// InvoiceRuleUndefinedError is raised when a bank format lacks the
// closing/due-day configuration needed to compute invoice_month. It is never
// defaulted around.
type InvoiceRuleUndefinedError struct {
	Format string
	Detail string
}

func (e *InvoiceRuleUndefinedError) Error() string {
	return fmt.Sprintf("bank format %q: invoice rule undefined: %s", e.Format, e.Detail)
}

// AmbiguousGroupingWarning flags a purchase group that probably merged two
// distinct real purchases. There is no disambiguation signal in the data, so
// the merge stands.
type AmbiguousGroupingWarning struct {
	GroupID        string
	GroupKey       string
	Period         string
	Position       int
	Reason         string
	TransactionIDs []string
}

func (w AmbiguousGroupingWarning) String() string {
	return fmt.Sprintf("ambiguous grouping %s (%s) in period %s at position %d: %s [%s]",
		w.GroupID, w.GroupKey, w.Period, w.Position, w.Reason, strings.Join(w.TransactionIDs, ", "))
}

// AttributionFallbackNotice records that a transaction's mode-selected month
// was empty and the other month field was used for that transaction only.
type AttributionFallbackNotice struct {
	TransactionID string
	Mode          MonthAttributionMode
	UsedField     string
	Month         Month
}

func (n AttributionFallbackNotice) String() string {
	return fmt.Sprintf("transaction %s: %s month empty, attributed via %s to %s",
		n.TransactionID, n.Mode, n.UsedField, n.Month)
}
