// Package output writes ingestion reports and query results as JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
)

// WriteOptions configures where a result is written
type WriteOptions struct {
	AppendMode bool   // Append the report to an existing run log
	FilePath   string // Output path (empty = stdout)
}

// RunLog is the on-disk history of ingestion runs
type RunLog struct {
	Runs []ingest.Report `json:"runs"`
}

// WriteJSON serializes v to JSON with 2-space indentation
func WriteJSON(v any, w io.Writer) error {
	if v == nil {
		return fmt.Errorf("value cannot be nil")
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

// WriteToFile writes v to the file named by path, or to stdout when path is empty
func WriteToFile(v any, path string) (err error) {
	if path == "" {
		return WriteJSON(v, os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close output file %s: %w", path, closeErr)
		}
	}()

	if err = WriteJSON(v, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

// WriteReport writes an ingestion report. With a file path the report is
// stored as a run log; in append mode earlier runs in that file are kept.
func WriteReport(report *ingest.Report, opts WriteOptions) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if opts.FilePath == "" {
		return WriteJSON(report, os.Stdout)
	}

	log := &RunLog{}
	if opts.AppendMode {
		existing, err := LoadRunLog(opts.FilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load existing run log for append: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: append mode requested but %s does not exist, creating new file\n", opts.FilePath)
		} else {
			log = existing
		}
	}

	if err := appendRun(log, report); err != nil {
		return err
	}
	return WriteToFile(log, opts.FilePath)
}

// LoadRunLog reads an existing run log
func LoadRunLog(filePath string) (*RunLog, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	f, err := os.Open(filePath)
	if err != nil {
		// Unwrapped so callers can check os.IsNotExist
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close %s: %v\n", filePath, closeErr)
		}
	}()

	var log RunLog
	if err := json.NewDecoder(f).Decode(&log); err != nil {
		return nil, fmt.Errorf("failed to decode run log JSON: %w", err)
	}

	return &log, nil
}

// appendRun adds report to log. A run ID already in the log is an error.
func appendRun(log *RunLog, report *ingest.Report) error {
	if log == nil || report == nil {
		return fmt.Errorf("run log and report cannot be nil")
	}
	for _, run := range log.Runs {
		if run.RunID == report.RunID {
			return fmt.Errorf("run %s already recorded", report.RunID)
		}
	}
	log.Runs = append(log.Runs, *report)
	return nil
}
