package parser

import (
	"fmt"
	"path/filepath"
	"time"
)

// Metadata contains context about the file being parsed.
// Extracted from directory structure: {root}/{institution}/{account}/[{period}/]file.ext
//
// Create instances using NewMetadata(filePath, detectedAt). Optional fields
// (institution, account, period) are set by the scanner when the path
// matches the expected layout.
//
// Empty Institution() or AccountNumber() mean the file sat outside the
// layout. Formats whose files carry no account column then cannot be
// attributed to an account and the file is rejected during ingestion.
type Metadata struct {
	filePath      string
	institution   string // Inferred from directory (e.g., "nubank")
	accountNumber string // Inferred from directory (e.g., "1234")
	period        string // Optional period directory (e.g., "2026-01")
	detectedAt    time.Time
}

// NewMetadata creates a new Metadata instance with validated required fields
func NewMetadata(filePath string, detectedAt time.Time) (*Metadata, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if detectedAt.IsZero() {
		return nil, fmt.Errorf("detected time cannot be zero")
	}
	return &Metadata{
		filePath:   filePath,
		detectedAt: detectedAt,
	}, nil
}

// FilePath returns the file path
func (m *Metadata) FilePath() string { return m.filePath }

// FileName returns the base name of the file
func (m *Metadata) FileName() string { return filepath.Base(m.filePath) }

// Institution returns the institution inferred from the directory structure
func (m *Metadata) Institution() string { return m.institution }

// AccountNumber returns the account number inferred from the directory structure
func (m *Metadata) AccountNumber() string { return m.accountNumber }

// Period returns the period directory name, or "" if absent
func (m *Metadata) Period() string { return m.period }

// DetectedAt returns the timestamp when the file was detected
func (m *Metadata) DetectedAt() time.Time { return m.detectedAt }

// SetInstitution sets the institution name
func (m *Metadata) SetInstitution(institution string) { m.institution = institution }

// SetAccountNumber sets the account number
func (m *Metadata) SetAccountNumber(accountNumber string) { m.accountNumber = accountNumber }

// SetPeriod sets the period
func (m *Metadata) SetPeriod(period string) { m.period = period }

// Describe returns the path for use in error messages, or "" when m is nil
func (m *Metadata) Describe() string {
	if m == nil {
		return ""
	}
	return m.filePath
}
