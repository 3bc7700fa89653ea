// Package ui prints colored progress and result summaries for the CLI.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/rumor-ml/commons.systems/cardflow/internal/forecast"
	"github.com/rumor-ml/commons.systems/cardflow/internal/format"
	"github.com/rumor-ml/commons.systems/cardflow/internal/ingest"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
)

// Header prints a formatted header
func Header(text string) {
	line := strings.Repeat("=", 60)
	green.Printf("\n%s\n", line)
	green.Printf("%-60s\n", center(text, 60))
	green.Printf("%s\n\n", line)
}

// Step prints a step indicator
func Step(stepNum, totalSteps int, text string) {
	yellow.Printf("[%d/%d] %s\n", stepNum, totalSteps, text)
}

// Success prints a success message
func Success(text string) {
	green.Printf("  → %s\n", text)
}

// Info prints an info message
func Info(text string) {
	fmt.Printf("  → %s\n", text)
}

// Warning prints a warning message
func Warning(text string) {
	yellow.Printf("  ⚠ %s\n", text)
}

// Error prints an error message
func Error(text string) {
	red.Printf("Error: %s\n", text)
}

// BlueText prints blue text
func BlueText(text string) {
	blue.Println(text)
}

// YellowText prints yellow text
func YellowText(text string) {
	yellow.Println(text)
}

// ReportSummary prints the outcome of an ingestion run
func ReportSummary(r *ingest.Report) {
	if r == nil {
		return
	}
	Success(fmt.Sprintf("%d files processed, %d rejected", r.FilesProcessed, r.FilesRejected))
	Info(fmt.Sprintf("%d rows ingested, %d duplicates, %d skipped", r.RowsIngested, r.RowsDuplicate, r.RowsSkipped))
	for _, reason := range sortedKeys(r.SkipReasons) {
		Info(fmt.Sprintf("  skipped %d: %s", r.SkipReasons[reason], reason))
	}
	for _, rf := range r.Rejected {
		Warning(fmt.Sprintf("%s: %s", rf.File, rf.Error))
	}
	for _, w := range r.Warnings {
		Warning(w)
	}
}

// ScheduleTable renders installment totals per month as aligned text
func ScheduleTable(w io.Writer, rows []forecast.MonthSchedule) {
	fmt.Fprintf(w, "%-8s %12s %12s %12s\n", "MONTH", "REAL", "PROJECTED", "TOTAL")
	for _, r := range rows {
		fmt.Fprintf(w, "%-8s %12s %12s %12s\n",
			r.Month, money.Format(r.Real), money.Format(r.Projected), money.Format(r.Total))
	}
}

// BreakdownTable renders one month's real and projected installments
func BreakdownTable(w io.Writer, b forecast.Breakdown) {
	fmt.Fprintf(w, "%s (%s)\n", b.Month, b.Mode)
	for _, in := range b.Real {
		fmt.Fprintf(w, "  %-9s %-32s %5s %12s\n", in.Kind, in.Description,
			fmt.Sprintf("%d/%d", in.Position, in.Total), money.Format(in.Amount))
	}
	for _, in := range b.Projected {
		fmt.Fprintf(w, "  %-9s %-32s %5s %12s\n", in.Kind, in.Description,
			fmt.Sprintf("%d/%d", in.Position, in.Total), money.Format(in.Amount))
	}
	fmt.Fprintf(w, "  real %s, projected %s, total %s\n",
		money.Format(b.RealTotal), money.Format(b.ProjectedTotal), money.Format(b.Total))
}

// MonthTable renders the line items attributed to one month
func MonthTable(w io.Writer, mv forecast.MonthView) {
	fmt.Fprintf(w, "%s (%s)\n", mv.Month, mv.Mode)
	for _, a := range mv.Items {
		txn := a.Transaction
		desc := txn.Description
		if txn.IsInstallment {
			desc = fmt.Sprintf("%s %d/%d", desc, txn.InstallmentPosition, txn.InstallmentTotal)
		}
		marker := ""
		if a.Fallback {
			marker = " *"
		}
		fmt.Fprintf(w, "  %s  %-40s %12s%s\n", txn.Date.Format("2006-01-02"), desc, money.Format(txn.Amount), marker)
	}
	fmt.Fprintf(w, "  %d items, total %s\n", len(mv.Items), money.Format(mv.Total))
	if mv.FallbackCount > 0 {
		fmt.Fprintf(w, "  * %d attributed through the fallback month\n", mv.FallbackCount)
	}
}

// FormatRow is the listing form of a format descriptor
type FormatRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Institution string `json:"institution"`
	Kind        string `json:"kind"`
	Priority    int    `json:"priority"`
	InvoiceRule string `json:"invoiceRule"`
}

// FormatRows lists descriptors in the order given
func FormatRows(descs []*format.Descriptor) []FormatRow {
	rows := make([]FormatRow, 0, len(descs))
	for _, d := range descs {
		rule := "undefined"
		if d.InvoiceRule != nil {
			rule = string(d.InvoiceRule.Kind)
		}
		rows = append(rows, FormatRow{
			ID:          d.ID,
			Name:        d.Name,
			Institution: d.Institution,
			Kind:        string(d.Kind),
			Priority:    d.Priority,
			InvoiceRule: rule,
		})
	}
	return rows
}

// FormatsTable renders the format listing
func FormatsTable(w io.Writer, rows []FormatRow) {
	fmt.Fprintf(w, "%-24s %-11s %8s %-16s %s\n", "ID", "KIND", "PRIORITY", "INVOICE RULE", "INSTITUTION")
	for _, r := range rows {
		fmt.Fprintf(w, "%-24s %-11s %8d %-16s %s\n", r.ID, r.Kind, r.Priority, r.InvoiceRule, r.Institution)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// center centers text within a given width
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text
}
