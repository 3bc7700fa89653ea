package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/config"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/forecast"
	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
	"github.com/rumor-ml/commons.systems/cardflow/internal/output"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
	"github.com/rumor-ml/commons.systems/cardflow/internal/ui"
)

const cardJan = `date,description,amount
2026-01-05,Widget - Install 1/3,-100.00
2026-01-12,Coffee Bar,-12.50
2026-01-20,Payment Received,500.00
`

const cardFeb = `date,description,amount
2026-01-05,Widget - Install 2/3,-100.00
2026-02-03,Mercado,-85.10
`

// testEnv points the CLI at a fresh SQLite database and statement tree
func testEnv(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	for _, key := range []string{"CARDFLOW_FORMATS_FILE", "CARDFLOW_AMQP_URL", "CARDFLOW_DEFAULT_MODE",
		"CARDFLOW_LOOKBACK_MONTHS", "CARDFLOW_MIN_FORECAST_MONTHS", "CARDFLOW_MIN_STEM_TOKENS", "CARDFLOW_AMOUNT_TOLERANCE"} {
		t.Setenv(key, "")
	}
	t.Setenv("CARDFLOW_BACKEND", config.BackendSQLite)
	t.Setenv("CARDFLOW_SQLITE_PATH", filepath.Join(dir, "cardflow.db"))
	t.Setenv("CARDFLOW_LOG_LEVEL", "warn")
	t.Setenv("CARDFLOW_LOG_FORMAT", "json")

	cfg := config.Load()
	require.NoError(t, cfg.Validate())

	input := filepath.Join(dir, "statements", "generic", "4321")
	require.NoError(t, os.MkdirAll(input, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(input, "card_0126.csv"), []byte(cardJan), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(input, "card_0226.csv"), []byte(cardFeb), 0644))
	return cfg, filepath.Join(dir, "statements")
}

func runCLI(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), cfg, args, &stdout, &stderr)
	return stdout.String(), err
}

func decodeJSON[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

func TestRun_NoArgs(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &config.Config{}, nil, &stdout, &stderr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, stderr.String(), "Usage:")
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), &config.Config{}, []string{"-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "cardflow version "+version)
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), &config.Config{}, []string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Commands:")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &config.Config{}, []string{"explode"}, &stdout, &stderr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
	assert.Contains(t, err.Error(), `"explode"`)
}

func TestRun_Formats(t *testing.T) {
	cfg, _ := testEnv(t)
	out, err := runCLI(t, cfg, "formats", "-json")
	require.NoError(t, err)

	rows := decodeJSON[[]ui.FormatRow](t, out)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, "card-statement-csv")
	assert.Contains(t, ids, "ofx")
}

func TestRun_MissingFlags(t *testing.T) {
	cfg, _ := testEnv(t)
	for _, args := range [][]string{
		{"ingest", "-profile", "me"},
		{"schedule"},
		{"month", "-profile", "me"},
		{"month", "-profile", "me", "-month", "Feb"},
		{"link", "-profile", "me", "-txn", "t1"},
		{"mode"},
		{"schedule", "-profile", "me", "-now", "yesterday"},
	} {
		_, err := runCLI(t, cfg, args...)
		assert.True(t, errors.Is(err, errUsage), "args %v: %v", args, err)
	}
}

func TestRun_IngestAndQuery(t *testing.T) {
	cfg, input := testEnv(t)

	out, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json")
	require.NoError(t, err)
	report := decodeJSON[ingest.Report](t, out)
	assert.Equal(t, 2, report.FilesProcessed)
	assert.Equal(t, 4, report.RowsIngested)
	assert.Equal(t, 1, report.RowsSkipped)

	t.Run("reingest is idempotent", func(t *testing.T) {
		out, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json")
		require.NoError(t, err)
		report := decodeJSON[ingest.Report](t, out)
		assert.Equal(t, 0, report.RowsIngested)
		assert.Equal(t, 4, report.RowsDuplicate)
	})

	t.Run("schedule projects the last installment", func(t *testing.T) {
		out, err := runCLI(t, cfg, "schedule", "-profile", "me", "-now", "2026-02-15", "-json")
		require.NoError(t, err)
		rows := decodeJSON[[]forecast.MonthSchedule](t, out)
		require.Len(t, rows, forecast.DefaultMinMonths)
		assert.Equal(t, domain.MustParseMonth("2026-02"), rows[0].Month)
		assert.True(t, decimal.RequireFromString("-100").Equal(rows[0].Real), "real %s", rows[0].Real)
		assert.True(t, decimal.RequireFromString("-100").Equal(rows[1].Projected), "projected %s", rows[1].Projected)
		assert.True(t, rows[2].Total.IsZero())
	})

	t.Run("month under invoice mode", func(t *testing.T) {
		out, err := runCLI(t, cfg, "month", "-profile", "me", "-month", "2026-02", "-now", "2026-02-15", "-json")
		require.NoError(t, err)
		mv := decodeJSON[forecast.MonthView](t, out)
		assert.Equal(t, domain.ModeInvoice, mv.Mode)
		assert.Len(t, mv.Items, 2)
		assert.True(t, decimal.RequireFromString("-185.10").Equal(mv.Total), "total %s", mv.Total)
	})

	t.Run("month under transaction mode", func(t *testing.T) {
		out, err := runCLI(t, cfg, "month", "-profile", "me", "-month", "2026-01", "-mode", "transaction", "-now", "2026-02-15", "-json")
		require.NoError(t, err)
		mv := decodeJSON[forecast.MonthView](t, out)
		assert.Equal(t, domain.ModeTransaction, mv.Mode)
		assert.Len(t, mv.Items, 3)
		assert.True(t, decimal.RequireFromString("-212.50").Equal(mv.Total), "total %s", mv.Total)
	})

	t.Run("breakdown", func(t *testing.T) {
		out, err := runCLI(t, cfg, "breakdown", "-profile", "me", "-month", "2026-03", "-now", "2026-02-15", "-json")
		require.NoError(t, err)
		b := decodeJSON[forecast.Breakdown](t, out)
		assert.Empty(t, b.Real)
		require.Len(t, b.Projected, 1)
		assert.Equal(t, 3, b.Projected[0].Position)
		assert.Equal(t, 3, b.Projected[0].Total)
	})

	t.Run("feed", func(t *testing.T) {
		out, err := runCLI(t, cfg, "feed", "-profile", "me", "-months", "2026-02", "-now", "2026-02-15")
		require.NoError(t, err)
		var items []struct {
			Month    domain.Month `json:"month"`
			Fallback bool         `json:"fallback"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &items))
		require.Len(t, items, 2)
		for _, it := range items {
			assert.Equal(t, domain.MustParseMonth("2026-02"), it.Month)
		}
	})

	t.Run("table output", func(t *testing.T) {
		out, err := runCLI(t, cfg, "schedule", "-profile", "me", "-now", "2026-02-15")
		require.NoError(t, err)
		assert.Contains(t, out, "PROJECTED")
		assert.Contains(t, out, "2026-03")
	})
}

func TestRun_ModeSwitch(t *testing.T) {
	cfg, input := testEnv(t)
	_, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json")
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "mode", "-profile", "me")
	require.NoError(t, err)
	assert.Equal(t, "me: invoice\n", out)

	out, err = runCLI(t, cfg, "mode", "-profile", "me", "-set", "transaction")
	require.NoError(t, err)
	assert.Equal(t, "me: transaction\n", out)

	_, err = runCLI(t, cfg, "mode", "-profile", "me", "-set", "weekly")
	assert.True(t, errors.Is(err, errUsage))

	// The stored mode now applies to queries without -mode
	out, err = runCLI(t, cfg, "month", "-profile", "me", "-month", "2026-01", "-now", "2026-02-15", "-json")
	require.NoError(t, err)
	mv := decodeJSON[forecast.MonthView](t, out)
	assert.Equal(t, domain.ModeTransaction, mv.Mode)
	assert.Len(t, mv.Items, 3)
}

func TestRun_Link(t *testing.T) {
	cfg, input := testEnv(t)
	_, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json")
	require.NoError(t, err)

	out, err := runCLI(t, cfg, "month", "-profile", "me", "-month", "2026-02", "-now", "2026-02-15", "-json")
	require.NoError(t, err)
	mv := decodeJSON[forecast.MonthView](t, out)
	require.NotEmpty(t, mv.Items)
	txnID := mv.Items[0].Transaction.ID

	out, err = runCLI(t, cfg, "link", "-profile", "me", "-txn", txnID, "-ref", "bill:market", "-now", "2026-02-15")
	require.NoError(t, err)
	link := decodeJSON[domain.ReconciliationLink](t, out)
	assert.Equal(t, txnID, link.TransactionID)
	assert.Equal(t, domain.MustParseMonth("2026-02"), link.Month)

	_, err = runCLI(t, cfg, "link", "-profile", "me", "-txn", txnID, "-ref", "bill:market", "-now", "2026-02-15")
	assert.True(t, errors.Is(err, store.ErrDuplicateLink), "got %v", err)

	out, err = runCLI(t, cfg, "link", "-profile", "me", "-list")
	require.NoError(t, err)
	links := decodeJSON[[]domain.ReconciliationLink](t, out)
	assert.Len(t, links, 1)
}

func TestRun_IngestReportFile(t *testing.T) {
	cfg, input := testEnv(t)
	reportPath := filepath.Join(t.TempDir(), "runs.json")

	_, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json", "-report", reportPath)
	require.NoError(t, err)
	_, err = runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-json", "-report", reportPath, "-append")
	require.NoError(t, err)

	log, err := output.LoadRunLog(reportPath)
	require.NoError(t, err)
	require.Len(t, log.Runs, 2)
	assert.Equal(t, 4, log.Runs[0].RowsIngested)
	assert.Equal(t, 4, log.Runs[1].RowsDuplicate)
}

func TestRun_IngestDryRun(t *testing.T) {
	cfg, input := testEnv(t)
	out, err := runCLI(t, cfg, "ingest", "-profile", "me", "-input", input, "-dry-run", "-json")
	require.NoError(t, err)
	assert.Contains(t, out, "card_0126.csv: card-statement-csv")

	// Nothing was stored
	out, err = runCLI(t, cfg, "month", "-profile", "me", "-month", "2026-02", "-now", "2026-02-15", "-json")
	require.NoError(t, err)
	assert.Empty(t, decodeJSON[forecast.MonthView](t, out).Items)
}
