package ingest

import (
	"testing"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    string
		expectError bool
	}{
		{"simple name with space", "Nu Pagamentos", "nu-pagamentos", false},
		{"accented", "Banco Itaú", "banco-itau", false},
		{"special characters", "Wells Fargo & Co.", "wells-fargo-co", false},
		{"multiple spaces", "Capital  One   Bank", "capital-one-bank", false},
		{"already a slug", "banco-itau", "banco-itau", false},
		{"numbers in name", "Bank 123", "bank-123", false},
		{"empty string", "", "", true},
		{"only special characters", "!@#$%^&*()", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Slugify(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("Slugify(%q) expected error, got %q", tt.input, result)
				}
				return
			}
			if err != nil {
				t.Fatalf("Slugify(%q) unexpected error: %v", tt.input, err)
			}
			if result != tt.expected {
				t.Errorf("Slugify(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestExtractLast4(t *testing.T) {
	tests := map[string]string{
		"5555444433331111": "1111",
		"12345":            "2345",
		"1234":             "1234",
		"123":              "123",
		"":                 "",
	}
	for input, want := range tests {
		if got := ExtractLast4(input); got != want {
			t.Errorf("ExtractLast4(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestGenerateAccountID(t *testing.T) {
	tests := []struct {
		name     string
		slug     string
		number   string
		expected string
		wantErr  bool
	}{
		{"numeric account", "nubank", "5555444433331111", "acc-nubank-1111", false},
		{"short numeric", "itau", "123", "acc-itau-123", false},
		{"named account", "banco-itau", "Conta Corrente", "acc-banco-itau-conta-corrente", false},
		{"padded", "nubank", "  1234 ", "acc-nubank-1234", false},
		{"grouped digits", "nubank", "5555 4444 3333 1111", "acc-nubank-1111", false},
		{"masked", "nubank", "**** **** **** 1111", "acc-nubank-1111", false},
		{"masked with x", "nubank", "XXXX-1111", "acc-nubank-1111", false},
		{"shared last four", "nubank", "4111222233331111", "acc-nubank-1111", false},
		{"mask only", "nubank", "****", "", true},
		{"empty", "nubank", "", "", true},
		{"unsluggable", "nubank", "***", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateAccountID(tt.slug, tt.number)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("GenerateAccountID(%q, %q) = %q, want %q", tt.slug, tt.number, got, tt.expected)
			}
		})
	}
}

func TestGenerateStatementID(t *testing.T) {
	got := GenerateStatementID("acc-nubank-1111", domain.MustParseMonth("2026-02"))
	if got != "stmt-acc-nubank-1111-2026-02" {
		t.Errorf("GenerateStatementID = %q", got)
	}

	// Stable across calls
	if again := GenerateStatementID("acc-nubank-1111", domain.MustParseMonth("2026-02")); again != got {
		t.Errorf("statement ID not deterministic: %q vs %q", got, again)
	}
}
