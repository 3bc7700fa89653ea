// Package validate checks the invariants of a stored transaction snapshot.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
)

// ValidationResult contains all validation errors and warnings for a snapshot
type ValidationResult struct {
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
}

// OK reports whether no errors were found
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// ValidationError represents a validation error
type ValidationError struct {
	Entity  string `json:"entity"` // "transaction", "statement"
	ID      string `json:"id"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s %s: %s", e.Entity, e.ID, e.Message)
}

// ValidationWarning represents a non-critical validation issue
type ValidationWarning struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Field   string `json:"field"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s %s: %s", w.Entity, w.ID, w.Message)
}

// ValidateSnapshot checks record invariants and references between
// transactions and statements. It never modifies the snapshot.
func ValidateSnapshot(s *domain.Snapshot) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}
	if s == nil {
		return result
	}

	statements := make(map[string]domain.Statement)
	for _, stmt := range s.Statements {
		if stmt.ID == "" {
			result.addError("statement", stmt.ID, "ID", "", "statement ID cannot be empty")
		}
		if stmt.AccountID == "" {
			result.addError("statement", stmt.ID, "AccountID", "", "statement accountId cannot be empty")
		}
		if stmt.Label.IsZero() {
			result.addError("statement", stmt.ID, "Label", "", "statement label cannot be empty")
		}
		if !stmt.PeriodStart.IsZero() && !stmt.PeriodEnd.IsZero() && stmt.PeriodEnd.Before(stmt.PeriodStart) {
			result.addError("statement", stmt.ID, "PeriodEnd", stmt.PeriodEnd.Format("2006-01-02"),
				fmt.Sprintf("period end %s is before period start %s",
					stmt.PeriodEnd.Format("2006-01-02"), stmt.PeriodStart.Format("2006-01-02")))
		}
		if stmt.ID != "" {
			if _, dup := statements[stmt.ID]; dup {
				result.addError("statement", stmt.ID, "ID", stmt.ID, "duplicate statement ID")
			}
			statements[stmt.ID] = stmt
		}
	}

	transactionIDs := make(map[string]bool)
	fingerprints := make(map[string]string)
	for _, txn := range s.Transactions {
		if txn.ID == "" {
			result.addError("transaction", txn.ID, "ID", "", "transaction ID cannot be empty")
		}
		if txn.Date.IsZero() {
			result.addError("transaction", txn.ID, "Date", "", "transaction date cannot be empty")
		}
		if txn.MonthStr.IsZero() {
			result.addError("transaction", txn.ID, "MonthStr", "", "month_str cannot be empty")
		} else if !txn.Date.IsZero() && domain.MonthOf(txn.Date) != txn.MonthStr {
			result.addError("transaction", txn.ID, "MonthStr", txn.MonthStr.String(),
				fmt.Sprintf("month_str %s does not match date %s", txn.MonthStr, txn.Date.Format("2006-01-02")))
		}
		if txn.AccountID == "" {
			result.addError("transaction", txn.ID, "AccountID", "", "transaction accountId cannot be empty")
		}
		if s.ProfileID != "" && txn.ProfileID != s.ProfileID {
			result.addError("transaction", txn.ID, "ProfileID", txn.ProfileID,
				fmt.Sprintf("belongs to profile %q, snapshot is for %q", txn.ProfileID, s.ProfileID))
		}
		if !money.Round(txn.Amount).Equal(txn.Amount) {
			result.addError("transaction", txn.ID, "Amount", txn.Amount.String(), "amount exceeds minor-unit precision")
		}

		if txn.IsInstallment {
			if txn.InstallmentPosition <= 0 || txn.InstallmentPosition > txn.InstallmentTotal {
				result.addError("transaction", txn.ID, "InstallmentPosition", txn.InstallmentLabel(),
					fmt.Sprintf("installment position %d out of range [1,%d]", txn.InstallmentPosition, txn.InstallmentTotal))
			}
			if txn.InstallmentTotal > domain.MaxInstallments {
				result.addError("transaction", txn.ID, "InstallmentTotal", fmt.Sprint(txn.InstallmentTotal),
					fmt.Sprintf("installment total exceeds %d", domain.MaxInstallments))
			}
		} else if txn.InstallmentPosition != 0 || txn.InstallmentTotal != 0 {
			result.addError("transaction", txn.ID, "IsInstallment", "false",
				"non-installment transaction carries an installment fraction")
		}

		if txn.Fingerprint == "" {
			result.addError("transaction", txn.ID, "Fingerprint", "", "fingerprint cannot be empty")
		} else {
			if other, dup := fingerprints[txn.Fingerprint]; dup {
				result.addError("transaction", txn.ID, "Fingerprint", txn.Fingerprint,
					fmt.Sprintf("duplicate fingerprint (also on %s)", other))
			} else {
				fingerprints[txn.Fingerprint] = txn.ID
			}
		}

		if txn.ID != "" {
			if transactionIDs[txn.ID] {
				result.addError("transaction", txn.ID, "ID", txn.ID, "duplicate transaction ID")
			}
			transactionIDs[txn.ID] = true
		}

		if txn.StatementID == "" {
			result.addError("transaction", txn.ID, "StatementID", "", "transaction statementId cannot be empty")
		} else if stmt, ok := statements[txn.StatementID]; !ok {
			result.addError("transaction", txn.ID, "StatementID", txn.StatementID,
				fmt.Sprintf("references non-existent statement: %s", txn.StatementID))
		} else if stmt.AccountID != txn.AccountID {
			result.addError("transaction", txn.ID, "AccountID", txn.AccountID,
				fmt.Sprintf("account differs from statement account %s", stmt.AccountID))
		}

		if !txn.HasInvoiceMonth() && txn.IsInstallment {
			result.addWarning("transaction", txn.ID, "InvoiceMonth", "",
				"installment without invoice_month; invoice-mode queries fall back to month_str")
		}
	}

	result.checkTotalStability(s.Transactions)
	return result
}

// checkTotalStability warns when rows of one account and description report
// different installment totals. Such rows form separate purchase groups.
func (r *ValidationResult) checkTotalStability(txns []domain.Transaction) {
	totals := make(map[string]map[int]bool)
	for _, txn := range txns {
		if !txn.IsInstallment {
			continue
		}
		key := txn.AccountID + "|" + txn.Description
		if totals[key] == nil {
			totals[key] = make(map[int]bool)
		}
		totals[key][txn.InstallmentTotal] = true
	}

	keys := make([]string, 0, len(totals))
	for key, seen := range totals {
		if len(seen) > 1 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		var values []string
		for total := range totals[key] {
			values = append(values, fmt.Sprint(total))
		}
		sort.Strings(values)
		r.addWarning("purchase", key, "InstallmentTotal", strings.Join(values, ","),
			"installment total changes between rows of the same purchase description")
	}
}

func (r *ValidationResult) addError(entity, id, field, value, message string) {
	r.Errors = append(r.Errors, ValidationError{Entity: entity, ID: id, Field: field, Value: value, Message: message})
}

func (r *ValidationResult) addWarning(entity, id, field, value, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Entity: entity, ID: id, Field: field, Value: value, Message: message})
}
