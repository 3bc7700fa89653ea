// Package logging builds zerolog loggers and carries them through context.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldProfile     = "profile"
	FieldRunID       = "run_id"
	FieldFile        = "file"
	FieldFormat      = "format"
	FieldStatement   = "statement"
	FieldRow         = "row"
	FieldReason      = "reason"
	FieldMonth       = "month"
	FieldMode        = "mode"
	FieldGroup       = "group"
	FieldTransaction = "transaction"
	FieldInserted    = "inserted"
	FieldDuplicates  = "duplicates"
	FieldSkipped     = "skipped"
)

// Components defines standard component names
const (
	ComponentApp         = "app"
	ComponentIngest      = "ingest"
	ComponentGrouping    = "grouping"
	ComponentAttribution = "attribution"
	ComponentForecast    = "forecast"
	ComponentStore       = "store"
	ComponentNotify      = "notify"
)

// Format selects the log encoding
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures New
type Options struct {
	Level  string
	Format Format
	Out    io.Writer
}

// ContextKey is the type for context keys used by the logger
type ContextKey string

// LoggerKey is the context key for the logger instance
const LoggerKey ContextKey = "logger"

// New creates a structured logger. Console output is human readable;
// JSON output is one object per line.
func New(opts Options) (zerolog.Logger, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	switch opts.Format {
	case FormatConsole, "":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (must be 'console' or 'json')", opts.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// Component returns a sub-logger tagged with the component name
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str(FieldComponent, name).Logger()
}

// WithContext adds the logger to the context
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from the context.
// Without one, logging is disabled.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}
