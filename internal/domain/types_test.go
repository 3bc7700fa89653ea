package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValidateAccountType(t *testing.T) {
	t.Run("valid account types", func(t *testing.T) {
		for _, typ := range []AccountType{AccountTypeChecking, AccountTypeSavings, AccountTypeCredit} {
			if !ValidateAccountType(typ) {
				t.Errorf("Expected %s to be valid", typ)
			}
		}
	})

	t.Run("invalid account types", func(t *testing.T) {
		invalidCases := []AccountType{
			"credit_card", // wrong format
			"",            // empty
			"CHECKING",    // wrong case
			"checking ",   // trailing space
		}
		for _, typ := range invalidCases {
			if ValidateAccountType(typ) {
				t.Errorf("Expected %s to be invalid", typ)
			}
		}
	})
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    MonthAttributionMode
		wantErr bool
	}{
		{"invoice", ModeInvoice, false},
		{"transaction", ModeTransaction, false},
		{" Invoice ", ModeInvoice, false},
		{"TRANSACTION", ModeTransaction, false},
		{"", "", true},
		{"accrual", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func validTransaction() Transaction {
	return Transaction{
		ID:                  "tx1",
		AccountID:           "acct",
		Date:                time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		RawDescription:      "Widget - Install 1/6",
		Description:         "widget",
		Amount:              decimal.RequireFromString("-100.00"),
		IsInstallment:       true,
		InstallmentPosition: 1,
		InstallmentTotal:    6,
		MonthStr:            MustParseMonth("2026-01"),
		Fingerprint:         "abc",
	}
}

func TestTransaction_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		tx := validTransaction()
		if err := tx.Validate(); err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	})

	cases := map[string]func(*Transaction){
		"empty ID":           func(tx *Transaction) { tx.ID = "" },
		"empty account":      func(tx *Transaction) { tx.AccountID = "" },
		"zero date":          func(tx *Transaction) { tx.Date = time.Time{} },
		"empty month":        func(tx *Transaction) { tx.MonthStr = Month{} },
		"empty fingerprint":  func(tx *Transaction) { tx.Fingerprint = "" },
		"position zero":      func(tx *Transaction) { tx.InstallmentPosition = 0 },
		"position past end":  func(tx *Transaction) { tx.InstallmentPosition = 7 },
		"total above bound":  func(tx *Transaction) { tx.InstallmentPosition, tx.InstallmentTotal = 1, 61 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tx := validTransaction()
			mutate(&tx)
			if err := tx.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	t.Run("non-installment ignores positions", func(t *testing.T) {
		tx := validTransaction()
		tx.IsInstallment = false
		tx.InstallmentPosition, tx.InstallmentTotal = 0, 0
		if err := tx.Validate(); err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
	})
}

func TestTransaction_InstallmentLabel(t *testing.T) {
	tx := validTransaction()
	if got := tx.InstallmentLabel(); got != "1/6" {
		t.Errorf("Expected '1/6', got %q", got)
	}
	tx.IsInstallment = false
	if got := tx.InstallmentLabel(); got != "" {
		t.Errorf("Expected empty label, got %q", got)
	}
}

func TestNewProfile(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := NewProfile("", ModeInvoice, now); err == nil {
		t.Error("Expected error for empty profile ID")
	}
	if _, err := NewProfile("p1", "weekly", now); err == nil {
		t.Error("Expected error for invalid mode")
	}
	p, err := NewProfile("p1", ModeTransaction, now)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if p.Mode != ModeTransaction || !p.UpdatedAt.Equal(now) {
		t.Errorf("Unexpected profile: %+v", p)
	}
}

func TestMonth(t *testing.T) {
	t.Run("parse and format", func(t *testing.T) {
		m, err := ParseMonth("2026-02")
		if err != nil {
			t.Fatalf("ParseMonth failed: %v", err)
		}
		if m.String() != "2026-02" {
			t.Errorf("Expected 2026-02, got %s", m)
		}
	})

	t.Run("empty is zero", func(t *testing.T) {
		m, err := ParseMonth("")
		if err != nil || !m.IsZero() || m.String() != "" {
			t.Errorf("Expected zero month, got %v (%v)", m, err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		for _, s := range []string{"2026-13", "2026/01", "26-01", "january"} {
			if _, err := ParseMonth(s); err == nil {
				t.Errorf("Expected error for %q", s)
			}
		}
	})

	t.Run("arithmetic across years", func(t *testing.T) {
		m := MustParseMonth("2025-11")
		if got := m.AddMonths(3).String(); got != "2026-02" {
			t.Errorf("Expected 2026-02, got %s", got)
		}
		if got := m.AddMonths(-11).String(); got != "2024-12" {
			t.Errorf("Expected 2024-12, got %s", got)
		}
		if n := m.MonthsUntil(MustParseMonth("2026-05")); n != 6 {
			t.Errorf("Expected 6 months, got %d", n)
		}
		if !m.Before(MustParseMonth("2025-12")) || m.After(MustParseMonth("2025-12")) {
			t.Error("ordering broken")
		}
	})

	t.Run("text round trip", func(t *testing.T) {
		var m Month
		if err := m.UnmarshalText([]byte("2026-07")); err != nil {
			t.Fatal(err)
		}
		b, _ := m.MarshalText()
		if string(b) != "2026-07" {
			t.Errorf("Expected 2026-07, got %s", b)
		}
	})
}

func TestMonth_JSON(t *testing.T) {
	type row struct {
		Month   Month `json:"month"`
		Invoice Month `json:"invoice"`
	}
	b, err := json.Marshal(row{Month: MustParseMonth("2026-02")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"month":"2026-02","invoice":""}` {
		t.Errorf("unexpected JSON %s", b)
	}

	var got row
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Month != MustParseMonth("2026-02") || !got.Invoice.IsZero() {
		t.Errorf("unexpected round trip %+v", got)
	}

	if err := json.Unmarshal([]byte(`{"month":"Feb"}`), &got); err == nil {
		t.Error("expected error for malformed month")
	}
}

func TestErrors(t *testing.T) {
	t.Run("parse error unwraps", func(t *testing.T) {
		inner := fmt.Errorf("bad amount")
		var err error = &ParseError{File: "a.csv", Row: 3, Reason: "invalid amount", Err: inner}
		if !errors.Is(err, inner) {
			t.Error("Expected ParseError to unwrap")
		}
		if err.Error() != "a.csv row 3: invalid amount: bad amount" {
			t.Errorf("Unexpected message: %s", err)
		}
	})

	t.Run("typed errors match with errors.As", func(t *testing.T) {
		var err error = fmt.Errorf("ingest: %w", &UnknownBankFormatError{File: "x.bin"})
		var unknown *UnknownBankFormatError
		if !errors.As(err, &unknown) || unknown.File != "x.bin" {
			t.Errorf("Expected UnknownBankFormatError, got %v", err)
		}

		err = fmt.Errorf("load: %w", &InvoiceRuleUndefinedError{Format: "f", Detail: "missing"})
		var undefined *InvoiceRuleUndefinedError
		if !errors.As(err, &undefined) || undefined.Format != "f" {
			t.Errorf("Expected InvoiceRuleUndefinedError, got %v", err)
		}
	})
}
