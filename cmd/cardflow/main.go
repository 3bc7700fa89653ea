package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/rumor-ml/commons.systems/cardflow/internal/config"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
)

const version = "0.1.0"

const usage = `cardflow - credit-card installment and cash-flow reconciliation

Usage:
  cardflow <command> [flags]

Commands:
  ingest     Ingest statement files from a directory
  month      List the transactions attributed to one month
  breakdown  Split one month's installments into real and projected
  schedule   Show installment totals for the forecast horizon
  feed       Emit month-attributed transactions for the bill matcher
  mode       Show or change a profile's attribution mode
  link       Link a transaction to an external record, or list links
  formats    List the known bank formats in detection order
  version    Show version

Run 'cardflow <command> -h' for command flags.

Examples:
  cardflow ingest -profile me -input ~/statements
  cardflow schedule -profile me
  cardflow month -profile me -month 2026-02 -mode transaction
  cardflow mode -profile me -set transaction
`

func main() {
	// A missing .env is fine; real environment variables still apply
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// errUsage reports a command line that could not be understood
var errUsage = errors.New("invalid usage")

func run(ctx context.Context, cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: a command is required", errUsage)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "cardflow version %s\n", version)
		return nil
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	case "formats":
		return runFormats(cfg, rest, stdout, stderr)
	}

	commands := map[string]func(context.Context, *app, []string) error{
		"ingest":    runIngest,
		"month":     runMonth,
		"breakdown": runBreakdown,
		"schedule":  runSchedule,
		"feed":      runFeed,
		"mode":      runMode,
		"link":      runLink,
	}
	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	a, err := newApp(ctx, cfg, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logging.WithContext(ctx, a.logger), a, rest)
}
