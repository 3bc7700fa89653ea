// Package money parses and compares monetary amounts at minor-unit precision.
//
// Amounts are shopspring decimals. Parsing accepts dot or comma decimal
// separators, thousands separators, currency symbols, parentheses and
// trailing-minus negatives as they appear in bank exports.
package money

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Places is the minor-unit precision of stored amounts
const Places = 2

// ErrInvalidAmount is returned for strings that are not amounts
var ErrInvalidAmount = errors.New("invalid amount")

// DefaultTolerance is the fuzzy-match window in major units
var DefaultTolerance = decimal.RequireFromString("0.10")

// Parse converts a bank-export amount string into a decimal.
//
// When decimalComma is true "1.234,56" reads as 1234.56; otherwise
// "1,234.56" does. A single separator followed by exactly two digits is
// treated as the decimal point regardless of the flag.
//
// Examples:
//
//	Parse("-100.00", false)   -> -100.00
//	Parse("R$ 1.234,56", true) -> 1234.56
//	Parse("(12.50)", false)   -> -12.50
//	Parse("12.50-", false)    -> -12.50
func Parse(s string, decimalComma bool) (decimal.Decimal, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = !negative
		s = strings.TrimSuffix(s, "-")
	}

	// Drop currency symbols and letters (R$, US$, EUR) and inner spaces.
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',', r == '-', r == '+':
			return r
		default:
			return -1
		}
	}, s)

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	} else {
		s = strings.TrimPrefix(s, "+")
	}
	if s == "" || strings.ContainsAny(s, "+-") {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}

	s = normalizeSeparators(s, decimalComma)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, orig)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// normalizeSeparators rewrites s so that '.' is the only decimal separator
// and no thousands separators remain.
func normalizeSeparators(s string, decimalComma bool) string {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// Both present: whichever comes last is the decimal separator.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if decimalComma || (strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2) {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastDot >= 0:
		if decimalComma && !(strings.Count(s, ".") == 1 && len(s)-lastDot-1 == 2) {
			return strings.ReplaceAll(s, ".", "")
		}
		return s
	}
	return s
}

// Round rounds to minor-unit precision (half away from zero)
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Equal reports whether a and b are equal after rounding to minor units
func Equal(a, b decimal.Decimal) bool {
	return Round(a).Equal(Round(b))
}

// WithinTolerance reports whether |a-b| <= tolerance. The boundary is inclusive.
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	diff := Round(a).Sub(Round(b)).Abs()
	return diff.LessThanOrEqual(tolerance)
}

// Diff returns |a-b| after rounding both to minor units
func Diff(a, b decimal.Decimal) decimal.Decimal {
	return Round(a).Sub(Round(b)).Abs()
}

// ToMinorUnits converts an amount to integer cents
func ToMinorUnits(d decimal.Decimal) int64 {
	return Round(d).Shift(Places).IntPart()
}

// FromMinorUnits converts integer cents back to an amount
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -Places)
}

// Format renders an amount with exactly two decimals
func Format(d decimal.Decimal) string {
	return Round(d).StringFixed(Places)
}

// Sum adds amounts without intermediate rounding
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
