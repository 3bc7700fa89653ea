package format

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

// InvoiceRuleKind selects how a format derives invoice_month
type InvoiceRuleKind string

const (
	// RuleClosingDay derives the billing month from the card's closing day
	RuleClosingDay InvoiceRuleKind = "closing_day"
	// RuleFilenamePeriod reads the billing month embedded in the file name
	RuleFilenamePeriod InvoiceRuleKind = "filename_period"
	// RuleStatementPeriod uses the statement period end reported in the file
	RuleStatementPeriod InvoiceRuleKind = "statement_period"
	// RuleNone declares that the format has no billing cycle (e.g. checking
	// accounts); invoice_month is left empty.
	RuleNone InvoiceRuleKind = "none"
)

// InvoiceRule is the closing/due-day configuration of a format
type InvoiceRule struct {
	Kind InvoiceRuleKind `yaml:"kind"`
	// ClosingDay and DueDay apply to closing_day. A due day on or before the
	// closing day means the bill is paid in the month after closing.
	ClosingDay int `yaml:"closing_day"`
	DueDay     int `yaml:"due_day"`
	// Pattern applies to filename_period; it must define named groups
	// "year" (2 or 4 digits) and "month".
	Pattern string `yaml:"pattern"`
	// MonthOffset shifts the derived month (statement_period, filename_period)
	MonthOffset int `yaml:"month_offset"`

	re *regexp.Regexp
}

// FileContext is the per-file information an invoice rule may consult
type FileContext struct {
	Path        string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// InvoiceFunc maps a transaction date to its invoice month
type InvoiceFunc func(date time.Time) domain.Month

func (r *InvoiceRule) compile(formatID string) error {
	undefined := func(detail string, args ...any) error {
		return &domain.InvoiceRuleUndefinedError{Format: formatID, Detail: fmt.Sprintf(detail, args...)}
	}

	switch r.Kind {
	case RuleClosingDay:
		if r.ClosingDay < 1 || r.ClosingDay > 31 {
			return undefined("closing_day must be in [1,31], got %d", r.ClosingDay)
		}
		if r.DueDay < 0 || r.DueDay > 31 {
			return undefined("due_day must be in [0,31], got %d", r.DueDay)
		}
	case RuleFilenamePeriod:
		if r.Pattern == "" {
			return undefined("filename_period requires pattern")
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return fmt.Errorf("invoice_rule pattern: %w", err)
		}
		if re.SubexpIndex("year") < 0 || re.SubexpIndex("month") < 0 {
			return undefined("filename_period pattern must define named groups 'year' and 'month'")
		}
		r.re = re
	case RuleStatementPeriod, RuleNone:
	case "":
		return undefined("invoice_rule.kind is required")
	default:
		return undefined("unknown invoice_rule kind %q", r.Kind)
	}
	return nil
}

// Bind resolves the rule against one file. It fails with
// InvoiceRuleUndefinedError when the file lacks what the rule needs
// (a period in the file name, or statement period metadata); the caller
// rejects the file rather than guessing.
func (r *InvoiceRule) Bind(formatID string, fc FileContext) (InvoiceFunc, error) {
	switch r.Kind {
	case RuleNone:
		return func(time.Time) domain.Month { return domain.Month{} }, nil

	case RuleClosingDay:
		closing, due := r.ClosingDay, r.DueDay
		return func(date time.Time) domain.Month {
			return closingDayMonth(date, closing, due)
		}, nil

	case RuleFilenamePeriod:
		if r.re == nil {
			if err := r.compile(formatID); err != nil {
				return nil, err
			}
		}
		month, err := r.filenameMonth(filepath.Base(fc.Path))
		if err != nil {
			return nil, &domain.InvoiceRuleUndefinedError{Format: formatID, Detail: err.Error()}
		}
		month = month.AddMonths(r.MonthOffset)
		return func(time.Time) domain.Month { return month }, nil

	case RuleStatementPeriod:
		if fc.PeriodEnd.IsZero() {
			return nil, &domain.InvoiceRuleUndefinedError{
				Format: formatID,
				Detail: fmt.Sprintf("statement_period rule but %s carries no statement period", filepath.Base(fc.Path)),
			}
		}
		month := domain.MonthOf(fc.PeriodEnd).AddMonths(r.MonthOffset)
		return func(time.Time) domain.Month { return month }, nil
	}
	return nil, &domain.InvoiceRuleUndefinedError{Format: formatID, Detail: fmt.Sprintf("unknown invoice_rule kind %q", r.Kind)}
}

func (r *InvoiceRule) filenameMonth(name string) (domain.Month, error) {
	m := r.re.FindStringSubmatch(name)
	if m == nil {
		return domain.Month{}, fmt.Errorf("file name %q does not match invoice period pattern %s", name, r.re)
	}
	yearStr := m[r.re.SubexpIndex("year")]
	monthStr := m[r.re.SubexpIndex("month")]

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return domain.Month{}, fmt.Errorf("invalid year %q in file name %q", yearStr, name)
	}
	if len(yearStr) == 2 {
		year += 2000
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return domain.Month{}, fmt.Errorf("invalid month %q in file name %q", monthStr, name)
	}
	return domain.NewMonth(year, time.Month(month))
}

// closingDayMonth returns the invoice month for a charge on date. Charges on
// or before the closing day fall into that month's statement; later charges
// roll to the next one. Closing days past the end of a short month clamp to
// its last day.
func closingDayMonth(date time.Time, closingDay, dueDay int) domain.Month {
	month := domain.MonthOf(date)
	closing := closingDay
	if last := daysIn(date.Year(), date.Month()); closing > last {
		closing = last
	}
	if date.Day() > closing {
		month = month.AddMonths(1)
	}
	if dueDay > 0 && dueDay <= closingDay {
		month = month.AddMonths(1)
	}
	return month
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
