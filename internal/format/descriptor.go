// Package format provides declarative bank-format descriptors.
//
// A descriptor carries everything needed to ingest one bank's export as data:
// detection hints, text encoding, column or span mapping, sign convention,
// payment-marker phrases, installment patterns and the invoice-month rule.
// Adding a bank means adding a descriptor to a YAML catalog, not code.
package format

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/installment"
)

// Kind selects the parse strategy for a descriptor
type Kind string

const (
	KindCSV        Kind = "csv"
	KindOFX        Kind = "ofx"
	KindFixedWidth Kind = "fixedwidth"
)

// Descriptor is one bank-format definition.
//
// Descriptors should be created via NewCatalog (YAML) so that patterns are
// compiled and every invariant is checked. Fields are exported for YAML
// unmarshaling and testing.
type Descriptor struct {
	ID              string             `yaml:"id"`
	Name            string             `yaml:"name"`
	Institution     string             `yaml:"institution"`
	Kind            Kind               `yaml:"kind"`
	Priority        int                `yaml:"priority"`
	AccountType     domain.AccountType `yaml:"account_type"`
	FilenamePattern string             `yaml:"filename_pattern"`
	Extensions      []string           `yaml:"extensions"`
	HeaderMarkers   []string           `yaml:"header_markers"`
	Encoding        string             `yaml:"encoding"`
	// InvertSign negates raw amounts: formats that export charges as positive
	// values store them as negative, and refunds as positive.
	InvertSign     bool              `yaml:"invert_sign"`
	PaymentMarkers []string          `yaml:"payment_markers"`
	Installment    InstallmentConfig `yaml:"installment"`
	InvoiceRule    *InvoiceRule      `yaml:"invoice_rule"`
	CSV            *CSVLayout        `yaml:"csv"`
	FixedWidth     *FixedWidthLayout `yaml:"fixed_width"`

	filenameRe     *regexp.Regexp
	matcher        *installment.Matcher
	paymentMarkers []string
}

// InstallmentConfig lists format-specific installment patterns and marker
// words. Patterns must define the named groups "pos" and "total".
type InstallmentConfig struct {
	Patterns []string `yaml:"patterns"`
	Markers  []string `yaml:"markers"`
}

// CSVLayout maps delimited columns (0-based) to statement fields
type CSVLayout struct {
	Delimiter    string  `yaml:"delimiter"`
	SkipRows     int     `yaml:"skip_rows"`
	DateFormat   string  `yaml:"date_format"`
	DecimalComma bool    `yaml:"decimal_comma"`
	Columns      Columns `yaml:"columns"`
}

// Columns holds column indexes; nil means "not present in this format".
// Amount, or at least one of Debit/Credit, is required.
type Columns struct {
	Date        *int `yaml:"date"`
	Description *int `yaml:"description"`
	Amount      *int `yaml:"amount"`
	Debit       *int `yaml:"debit"`
	Credit      *int `yaml:"credit"`
	Memo        *int `yaml:"memo"`
	ExternalID  *int `yaml:"external_id"`
}

// FixedWidthLayout maps character spans of each data line to fields
type FixedWidthLayout struct {
	SkipLines int `yaml:"skip_lines"`
	// RowPattern selects data lines; other lines (headers, totals) are ignored
	RowPattern   string `yaml:"row_pattern"`
	DateFormat   string `yaml:"date_format"`
	DecimalComma bool   `yaml:"decimal_comma"`
	Date         Span   `yaml:"date"`
	Description  Span   `yaml:"description"`
	Amount       Span   `yaml:"amount"`

	rowRe *regexp.Regexp
}

// Span is a 0-based, end-exclusive rune range. End 0 means end of line.
type Span struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Extract returns the trimmed span of line, or "" if the line is too short
func (s Span) Extract(line []rune) string {
	if s.Start >= len(line) {
		return ""
	}
	end := s.End
	if end == 0 || end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(string(line[s.Start:end]))
}

func (s Span) validate() error {
	if s.Start < 0 || s.End < 0 {
		return fmt.Errorf("span [%d,%d) cannot be negative", s.Start, s.End)
	}
	if s.End != 0 && s.End <= s.Start {
		return fmt.Errorf("span end %d must be after start %d", s.End, s.Start)
	}
	return nil
}

// RowMatches reports whether line is a data line
func (l *FixedWidthLayout) RowMatches(line string) bool {
	if l.rowRe == nil {
		return strings.TrimSpace(line) != ""
	}
	return l.rowRe.MatchString(line)
}

// compile validates the descriptor and prepares its derived matchers
func (d *Descriptor) compile() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if d.Priority < 0 || d.Priority > 999 {
		return fmt.Errorf("priority must be in [0,999], got %d", d.Priority)
	}
	if d.AccountType == "" {
		d.AccountType = domain.AccountTypeCredit
	}
	if !domain.ValidateAccountType(d.AccountType) {
		return fmt.Errorf("invalid account_type %q", d.AccountType)
	}
	if d.FilenamePattern == "" && len(d.Extensions) == 0 && len(d.HeaderMarkers) == 0 {
		return fmt.Errorf("at least one of filename_pattern, extensions or header_markers is required")
	}
	if d.FilenamePattern != "" {
		re, err := regexp.Compile(d.FilenamePattern)
		if err != nil {
			return fmt.Errorf("invalid filename_pattern: %w", err)
		}
		d.filenameRe = re
	}
	for i, ext := range d.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		d.Extensions[i] = ext
	}
	if _, err := lookupEncoding(d.Encoding); err != nil {
		return err
	}

	switch d.Kind {
	case KindCSV:
		if err := d.CSV.validate(); err != nil {
			return fmt.Errorf("csv layout: %w", err)
		}
	case KindFixedWidth:
		if err := d.FixedWidth.compile(); err != nil {
			return fmt.Errorf("fixed_width layout: %w", err)
		}
	case KindOFX:
	default:
		return fmt.Errorf("invalid kind %q (must be 'csv', 'ofx' or 'fixedwidth')", d.Kind)
	}

	matcher, err := installment.NewMatcher(d.Installment.Patterns, d.Installment.Markers)
	if err != nil {
		return err
	}
	d.matcher = matcher

	d.paymentMarkers = d.paymentMarkers[:0]
	for _, marker := range d.PaymentMarkers {
		if normalized := installment.Normalize(marker); normalized != "" {
			d.paymentMarkers = append(d.paymentMarkers, normalized)
		}
	}

	if d.InvoiceRule == nil {
		return &domain.InvoiceRuleUndefinedError{Format: d.ID, Detail: "invoice_rule block is missing"}
	}
	return d.InvoiceRule.compile(d.ID)
}

func (l *CSVLayout) validate() error {
	if l == nil {
		return fmt.Errorf("missing csv block")
	}
	if l.Delimiter == "" {
		l.Delimiter = ","
	}
	if len([]rune(l.Delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", l.Delimiter)
	}
	if l.SkipRows < 0 {
		return fmt.Errorf("skip_rows cannot be negative")
	}
	if l.DateFormat == "" {
		return fmt.Errorf("date_format is required")
	}
	c := l.Columns
	if c.Date == nil || c.Description == nil {
		return fmt.Errorf("columns.date and columns.description are required")
	}
	if c.Amount == nil && c.Debit == nil && c.Credit == nil {
		return fmt.Errorf("columns.amount or columns.debit/credit is required")
	}
	for name, idx := range map[string]*int{
		"date": c.Date, "description": c.Description, "amount": c.Amount,
		"debit": c.Debit, "credit": c.Credit, "memo": c.Memo, "external_id": c.ExternalID,
	} {
		if idx != nil && *idx < 0 {
			return fmt.Errorf("columns.%s cannot be negative", name)
		}
	}
	return nil
}

func (l *FixedWidthLayout) compile() error {
	if l == nil {
		return fmt.Errorf("missing fixed_width block")
	}
	if l.DateFormat == "" {
		return fmt.Errorf("date_format is required")
	}
	if l.SkipLines < 0 {
		return fmt.Errorf("skip_lines cannot be negative")
	}
	for name, span := range map[string]Span{"date": l.Date, "description": l.Description, "amount": l.Amount} {
		if err := span.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if l.RowPattern != "" {
		re, err := regexp.Compile(l.RowPattern)
		if err != nil {
			return fmt.Errorf("invalid row_pattern: %w", err)
		}
		l.rowRe = re
	}
	return nil
}

// Matches reports whether the file looks like this format: every configured
// hint (filename pattern, extension list, header markers) must agree.
func (d *Descriptor) Matches(path string, header []byte) bool {
	base := filepath.Base(path)
	if d.filenameRe != nil && !d.filenameRe.MatchString(base) {
		return false
	}
	if len(d.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(base))
		found := false
		for _, e := range d.Extensions {
			if e == ext {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(d.HeaderMarkers) > 0 {
		text := strings.ToLower(d.decodeHeader(header))
		for _, marker := range d.HeaderMarkers {
			if !strings.Contains(text, strings.ToLower(marker)) {
				return false
			}
		}
	}
	return true
}

// IsPayment reports whether a description is a payment/settlement
// pseudo-entry per this format's marker phrases. It returns the marker hit.
func (d *Descriptor) IsPayment(description string) (string, bool) {
	normalized := installment.Normalize(description)
	for _, marker := range d.paymentMarkers {
		if strings.Contains(normalized, marker) {
			return marker, true
		}
	}
	return "", false
}

// Installments returns the compiled installment matcher
func (d *Descriptor) Installments() *installment.Matcher {
	if d.matcher == nil {
		d.matcher = installment.MustNewMatcher(d.Installment.Patterns, d.Installment.Markers)
	}
	return d.matcher
}

// Decode wraps r so that it yields UTF-8 text
func (d *Descriptor) Decode(r io.Reader) (io.Reader, error) {
	return decodeReader(d.Encoding, r)
}

func (d *Descriptor) decodeHeader(header []byte) string {
	decoded, err := decodeBytes(d.Encoding, header)
	if err != nil {
		return string(header)
	}
	return decoded
}
