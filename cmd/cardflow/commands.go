package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/attribution"
	"github.com/rumor-ml/commons.systems/cardflow/internal/config"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/forecast"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/output"
	"github.com/rumor-ml/commons.systems/cardflow/internal/scanner"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
	"github.com/rumor-ml/commons.systems/cardflow/internal/ui"
	"github.com/rumor-ml/commons.systems/cardflow/internal/validate"
)

// maxShownErrors bounds validation errors printed without -verbose
const maxShownErrors = 5

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// queryFlags are shared by every read command
type queryFlags struct {
	profile  *string
	mode     *string
	now      *string
	lookback *int
	jsonOut  *bool
	out      *string
}

func addQueryFlags(fs *flag.FlagSet) *queryFlags {
	return &queryFlags{
		profile:  fs.String("profile", "", "Profile ID (required)"),
		mode:     fs.String("mode", "", "Attribution mode for this query: invoice or transaction (default: profile mode)"),
		now:      fs.String("now", "", "Reference date YYYY-MM-DD for the current month (default: today)"),
		lookback: fs.Int("lookback", 0, "Grouping lookback in months (default: configured lookback)"),
		jsonOut:  fs.Bool("json", false, "Write JSON instead of a table"),
		out:      fs.String("o", "", "JSON output file (default: stdout)"),
	}
}

func (a *app) queryContext(ctx context.Context, qf *queryFlags) (attribution.QueryContext, error) {
	if *qf.profile == "" {
		return attribution.QueryContext{}, fmt.Errorf("%w: -profile is required", errUsage)
	}
	profile, err := store.ResolveProfile(ctx, a.store, *qf.profile, a.cfg.Mode())
	if err != nil {
		return attribution.QueryContext{}, fmt.Errorf("failed to load profile: %w", err)
	}

	now := a.now()
	if *qf.now != "" {
		if now, err = time.Parse("2006-01-02", *qf.now); err != nil {
			return attribution.QueryContext{}, fmt.Errorf("%w: invalid -now %q (expected YYYY-MM-DD)", errUsage, *qf.now)
		}
	}

	q, err := attribution.NewQueryContext(profile, *qf.lookback, now)
	if err != nil {
		return attribution.QueryContext{}, err
	}
	if *qf.mode != "" {
		mode, err := domain.ParseMode(*qf.mode)
		if err != nil {
			return attribution.QueryContext{}, fmt.Errorf("%w: %v", errUsage, err)
		}
		q = q.WithMode(mode)
	}
	return q, nil
}

func (a *app) view(ctx context.Context, qf *queryFlags) (*forecast.View, error) {
	q, err := a.queryContext(ctx, qf)
	if err != nil {
		return nil, err
	}
	snap, err := a.store.Snapshot(ctx, q.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return a.forecast.Build(q, snap)
}

// emit writes v as JSON to path, or to the command's stdout
func (a *app) emit(v any, path string) error {
	if path == "" {
		return output.WriteJSON(v, a.stdout)
	}
	return output.WriteToFile(v, path)
}

func parseMonthFlag(s string) (domain.Month, error) {
	if s == "" {
		return domain.Month{}, fmt.Errorf("%w: -month is required", errUsage)
	}
	m, err := domain.ParseMonth(s)
	if err != nil {
		return domain.Month{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	return m, nil
}

func runIngest(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("ingest", a.stderr)
	profile := fs.String("profile", "", "Profile ID (required)")
	input := fs.String("input", "", "Input directory containing statements (required)")
	reportFile := fs.String("report", "", "Write the run report to this JSON file")
	appendMode := fs.Bool("append", false, "Append the run to an existing report file")
	dryRun := fs.Bool("dry-run", false, "Show detected formats without ingesting")
	jsonOut := fs.Bool("json", false, "Write the run report as JSON to stdout")
	verbose := fs.Bool("verbose", false, "Show every validation error")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *profile == "" || *input == "" {
		fs.Usage()
		return fmt.Errorf("%w: -profile and -input are required", errUsage)
	}
	human := !*jsonOut

	if human {
		ui.Header("Ingesting Statements")
		ui.Step(1, 3, "Scanning directory")
	}
	files, err := scanner.New(*input).Scan()
	if err != nil {
		return fmt.Errorf("failed to scan directory %s: %w", *input, err)
	}
	if human {
		ui.Success(fmt.Sprintf("Found %d statement files", len(files)))
	}

	if *dryRun {
		for _, f := range files {
			sel, err := a.registry.Select(f.Path)
			if err != nil {
				fmt.Fprintf(a.stdout, "%s: %v\n", f.Path, err)
				continue
			}
			fmt.Fprintf(a.stdout, "%s: %s\n", f.Path, sel.Format.ID)
		}
		return nil
	}

	if human {
		ui.Step(2, 3, "Parsing and storing statements")
	}
	report, err := a.ingestEngine().Run(ctx, *profile, files)
	if err != nil {
		return fmt.Errorf("ingestion aborted: %w", err)
	}

	if *reportFile != "" {
		if err := output.WriteReport(report, output.WriteOptions{AppendMode: *appendMode, FilePath: *reportFile}); err != nil {
			return err
		}
	}
	if *jsonOut {
		if err := output.WriteJSON(report, a.stdout); err != nil {
			return err
		}
	} else {
		ui.ReportSummary(report)
		if *reportFile != "" {
			ui.Success(fmt.Sprintf("Report written to %s", *reportFile))
		}
		ui.Step(3, 3, "Validating stored transactions")
	}

	snap, err := a.store.Snapshot(ctx, *profile)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	result := validate.ValidateSnapshot(snap)
	if !result.OK() {
		if human {
			ui.Error(fmt.Sprintf("Validation failed with %d errors", len(result.Errors)))
			for i, e := range result.Errors {
				if !*verbose && i >= maxShownErrors {
					ui.Error(fmt.Sprintf("... and %d more errors", len(result.Errors)-maxShownErrors))
					break
				}
				ui.Error(fmt.Sprintf("%s %s [%s]: %s", e.Entity, e.ID, e.Field, e.Message))
			}
		}
		return fmt.Errorf("validation failed with %d errors", len(result.Errors))
	}
	if human {
		for _, w := range result.Warnings {
			ui.Warning(w.String())
		}
		ui.Success("Validation passed")
	}
	return nil
}

func runMonth(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("month", a.stderr)
	qf := addQueryFlags(fs)
	monthFlag := fs.String("month", "", "Month YYYY-MM (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	month, err := parseMonthFlag(*monthFlag)
	if err != nil {
		return err
	}
	v, err := a.view(ctx, qf)
	if err != nil {
		return err
	}

	mv := v.MonthTransactions(month)
	if *qf.jsonOut || *qf.out != "" {
		return a.emit(mv, *qf.out)
	}
	ui.MonthTable(a.stdout, mv)
	return nil
}

func runBreakdown(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("breakdown", a.stderr)
	qf := addQueryFlags(fs)
	monthFlag := fs.String("month", "", "Month YYYY-MM (required)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	month, err := parseMonthFlag(*monthFlag)
	if err != nil {
		return err
	}
	v, err := a.view(ctx, qf)
	if err != nil {
		return err
	}

	b := v.InstallmentBreakdown(month)
	if *qf.jsonOut || *qf.out != "" {
		return a.emit(b, *qf.out)
	}
	ui.BreakdownTable(a.stdout, b)
	return nil
}

func runSchedule(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("schedule", a.stderr)
	qf := addQueryFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	v, err := a.view(ctx, qf)
	if err != nil {
		return err
	}

	rows := v.Schedule()
	if *qf.jsonOut || *qf.out != "" {
		return a.emit(rows, *qf.out)
	}
	ui.ScheduleTable(a.stdout, rows)
	for _, w := range v.Grouping.Warnings {
		ui.Warning(w.String())
	}
	return nil
}

func runFeed(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("feed", a.stderr)
	qf := addQueryFlags(fs)
	monthsFlag := fs.String("months", "", "Comma-separated months YYYY-MM (default: all)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	var months []domain.Month
	for _, s := range strings.Split(*monthsFlag, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		m, err := parseMonthFlag(s)
		if err != nil {
			return err
		}
		months = append(months, m)
	}

	v, err := a.view(ctx, qf)
	if err != nil {
		return err
	}
	return a.emit(v.MatcherFeed(months...), *qf.out)
}

func runMode(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("mode", a.stderr)
	profileID := fs.String("profile", "", "Profile ID (required)")
	set := fs.String("set", "", "New attribution mode: invoice or transaction")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *profileID == "" {
		return fmt.Errorf("%w: -profile is required", errUsage)
	}

	if *set == "" {
		profile, err := store.ResolveProfile(ctx, a.store, *profileID, a.cfg.Mode())
		if err != nil {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		fmt.Fprintf(a.stdout, "%s: %s\n", profile.ID, profile.Mode)
		return nil
	}

	mode, err := domain.ParseMode(*set)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	profile, err := attribution.SwitchMode(ctx, a.store, *profileID, mode, a.now())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s: %s\n", profile.ID, profile.Mode)
	return nil
}

func runLink(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("link", a.stderr)
	qf := addQueryFlags(fs)
	txnID := fs.String("txn", "", "Transaction ID to link")
	ref := fs.String("ref", "", "External record reference")
	list := fs.Bool("list", false, "List the profile's links")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *list {
		if *qf.profile == "" {
			return fmt.Errorf("%w: -profile is required", errUsage)
		}
		links, err := a.store.ListLinks(ctx, *qf.profile)
		if err != nil {
			return err
		}
		if links == nil {
			links = []domain.ReconciliationLink{}
		}
		return a.emit(links, *qf.out)
	}

	if *txnID == "" || *ref == "" {
		return fmt.Errorf("%w: -txn and -ref are required", errUsage)
	}
	q, err := a.queryContext(ctx, qf)
	if err != nil {
		return err
	}
	link, err := attribution.Link(ctx, a.store, q, *txnID, *ref)
	if err != nil {
		return err
	}
	return a.emit(link, *qf.out)
}

func runFormats(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("formats", stderr)
	jsonOut := fs.Bool("json", false, "Write JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	catalog, err := format.Load(cfg.FormatsFile)
	if err != nil {
		return err
	}
	rows := ui.FormatRows(catalog.Formats())
	if *jsonOut {
		return output.WriteJSON(rows, stdout)
	}
	ui.FormatsTable(stdout, rows)
	return nil
}
