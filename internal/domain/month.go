package domain

import (
	"fmt"
	"time"
)

// Month is a calendar month label (YYYY-MM). The zero value means "unknown".
type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: t.Month()}
}

// NewMonth creates a validated month
func NewMonth(year int, month time.Month) (Month, error) {
	if year < 1 || year > 9999 {
		return Month{}, fmt.Errorf("year %d out of range", year)
	}
	if month < time.January || month > time.December {
		return Month{}, fmt.Errorf("month %d out of range", month)
	}
	return Month{Year: year, Month: month}, nil
}

// ParseMonth parses a YYYY-MM label. An empty string yields the zero Month.
func ParseMonth(s string) (Month, error) {
	if s == "" {
		return Month{}, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q (expected YYYY-MM): %w", s, err)
	}
	return MonthOf(t), nil
}

// MustParseMonth is ParseMonth for literals; it panics on malformed input
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// IsZero reports whether the month is unknown
func (m Month) IsZero() bool {
	return m.Year == 0 && m.Month == 0
}

// String renders YYYY-MM, or "" for the zero month
func (m Month) String() string {
	if m.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// MarshalText renders the month as YYYY-MM so JSON output carries the label
func (m Month) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a YYYY-MM label
func (m *Month) UnmarshalText(b []byte) error {
	parsed, err := ParseMonth(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// AddMonths shifts the month by n (may be negative)
func (m Month) AddMonths(n int) Month {
	t := time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return MonthOf(t)
}

// Before reports whether m is strictly earlier than o
func (m Month) Before(o Month) bool {
	return m.index() < o.index()
}

// After reports whether m is strictly later than o
func (m Month) After(o Month) bool {
	return m.index() > o.index()
}

// MonthsUntil returns the number of months from m to o (negative if o is earlier)
func (m Month) MonthsUntil(o Month) int {
	return o.index() - m.index()
}

// FirstDay returns midnight UTC of the first day of the month
func (m Month) FirstDay() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, time.UTC)
}

func (m Month) index() int {
	return m.Year*12 + int(m.Month) - 1
}

