// Package ingest turns statement files into stored, normalized transactions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
	"github.com/rumor-ml/commons.systems/cardflow/internal/parser"
	"github.com/rumor-ml/commons.systems/cardflow/internal/registry"
	"github.com/rumor-ml/commons.systems/cardflow/internal/scanner"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
)

// Publisher announces completed ingestion runs to external consumers
type Publisher interface {
	PublishIngestion(ctx context.Context, report *Report) error
}

// FileReport is the outcome for one accepted file
type FileReport struct {
	File        string       `json:"file"`
	Format      string       `json:"format"`
	Account     string       `json:"account"`
	StatementID string       `json:"statementId"`
	Rows        int          `json:"rows"`
	Inserted    int          `json:"inserted"`
	Duplicates  int          `json:"duplicates"`
	Skipped     []SkippedRow `json:"skipped,omitempty"`
}

// RejectedFile is a file that was not ingested at all
type RejectedFile struct {
	File  string `json:"file"`
	Error string `json:"error"`
	// UnknownFormat is set when no bank format matched the file
	UnknownFormat bool `json:"unknownFormat,omitempty"`
	// InvoiceRuleUndefined is set when the format's invoice rule could not be applied
	InvoiceRuleUndefined bool `json:"invoiceRuleUndefined,omitempty"`
}

// Report is the structured result of an ingestion run
type Report struct {
	RunID          string         `json:"runId"`
	ProfileID      string         `json:"profileId"`
	StartedAt      time.Time      `json:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt"`
	FilesProcessed int            `json:"filesProcessed"`
	FilesRejected  int            `json:"filesRejected"`
	RowsIngested   int            `json:"rowsIngested"`
	RowsDuplicate  int            `json:"rowsDuplicate"`
	RowsSkipped    int            `json:"rowsSkipped"`
	SkipReasons    map[string]int `json:"skipReasons"`
	Files          []FileReport   `json:"files"`
	Rejected       []RejectedFile `json:"rejected,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
}

func newReport(profileID string, now time.Time) *Report {
	return &Report{
		RunID:       uuid.NewString(),
		ProfileID:   profileID,
		StartedAt:   now,
		SkipReasons: make(map[string]int),
	}
}

func (r *Report) addFile(fr FileReport) {
	r.FilesProcessed++
	r.RowsIngested += fr.Inserted
	r.RowsDuplicate += fr.Duplicates
	r.RowsSkipped += len(fr.Skipped)
	for _, s := range fr.Skipped {
		r.SkipReasons[s.Reason]++
	}
	r.Files = append(r.Files, fr)
}

func (r *Report) reject(file string, err error) {
	rf := RejectedFile{File: file, Error: err.Error()}
	var unknown *domain.UnknownBankFormatError
	var undefined *domain.InvoiceRuleUndefinedError
	rf.UnknownFormat = errors.As(err, &unknown)
	rf.InvoiceRuleUndefined = errors.As(err, &undefined)
	r.FilesRejected++
	r.Rejected = append(r.Rejected, rf)
}

// Option configures an Engine
type Option func(*Engine)

// WithPublisher announces each completed run
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logging.Component(l, logging.ComponentIngest) }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine ingests files into a store. Each file is one atomic batch.
type Engine struct {
	registry  *registry.Registry
	store     store.Store
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates an ingestion engine
func New(reg *registry.Registry, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		store:    st,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run ingests every scanned file for a profile. File-level failures are
// recorded in the report and the batch continues; only context cancellation
// and store failures abort the run.
func (e *Engine) Run(ctx context.Context, profileID string, files []scanner.ScanResult) (*Report, error) {
	if profileID == "" {
		return nil, fmt.Errorf("profile ID cannot be empty")
	}
	report := newReport(profileID, e.now())
	log := e.logger.With().Str(logging.FieldRunID, report.RunID).Str(logging.FieldProfile, profileID).Logger()

	for _, f := range files {
		if err := parser.CheckContext(ctx); err != nil {
			return report, err
		}

		fr, err := e.ingestFile(ctx, profileID, f.Path, f.Metadata)
		if err != nil {
			var storeErr *storeError
			if errors.As(err, &storeErr) {
				return report, err
			}
			report.reject(f.Path, err)
			log.Warn().Err(err).Str(logging.FieldFile, f.Path).Msg("file rejected")
			continue
		}
		report.addFile(*fr)
		log.Info().
			Str(logging.FieldFile, f.Path).
			Str(logging.FieldFormat, fr.Format).
			Str(logging.FieldStatement, fr.StatementID).
			Int(logging.FieldInserted, fr.Inserted).
			Int(logging.FieldDuplicates, fr.Duplicates).
			Int(logging.FieldSkipped, len(fr.Skipped)).
			Msg("file ingested")
	}
	report.FinishedAt = e.now()

	if e.publisher != nil && report.FilesProcessed > 0 {
		if err := e.publisher.PublishIngestion(ctx, report); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("ingestion notification failed: %v", err))
			log.Warn().Err(err).Msg("ingestion notification failed")
		}
	}
	sort.Strings(report.Warnings)
	return report, nil
}

// storeError marks failures of the store itself, which abort a run
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// IngestFile ingests a single file outside a run
func (e *Engine) IngestFile(ctx context.Context, profileID, path string, meta *parser.Metadata) (*FileReport, error) {
	return e.ingestFile(ctx, profileID, path, meta)
}

func (e *Engine) ingestFile(ctx context.Context, profileID, path string, meta *parser.Metadata) (*FileReport, error) {
	if meta == nil {
		m, err := parser.NewMetadata(path, e.now())
		if err != nil {
			return nil, err
		}
		meta = m
	}

	sel, err := e.registry.Select(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	raw, err := sel.Parser.Parse(ctx, f, meta, sel.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s as %s: %w", path, sel.Format.ID, err)
	}
	if raw.Account != nil && raw.Account.InstitutionName() == "" && meta.Institution() != "" {
		raw.Account.SetInstitutionName(meta.Institution())
	}

	norm, err := Normalize(profileID, raw, meta, sel.Format)
	if err != nil {
		return nil, err
	}

	fr := &FileReport{
		File:        path,
		Format:      sel.Format.ID,
		Account:     norm.Batch.Statement.AccountID,
		StatementID: norm.Batch.Statement.ID,
		Rows:        len(raw.Lines) + len(raw.RowErrors),
		Skipped:     norm.Skipped,
	}
	if len(norm.Batch.Transactions) == 0 {
		return fr, nil
	}

	res, err := e.store.IngestStatement(ctx, norm.Batch)
	if err != nil {
		return nil, &storeError{err: fmt.Errorf("failed to store %s: %w", path, err)}
	}
	fr.Inserted = res.Inserted
	fr.Duplicates = res.Duplicates
	return fr, nil
}
