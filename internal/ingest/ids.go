package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a name to a URL-safe slug.
// Examples: "Nu Pagamentos" → "nu-pagamentos", "Banco Itaú" → "banco-itau"
func Slugify(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalize name %q: %w", name, err)
	}

	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(normalized), "-"), "-")
	if slug == "" {
		return "", fmt.Errorf("name %q contains no alphanumeric characters", name)
	}
	return slug, nil
}

// ExtractLast4 returns the last 4 characters of the account number.
// If the account number has fewer than 4 characters, returns the full number.
// Examples: "12345" → "2345", "123" → "123", "" → ""
func ExtractLast4(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return accountNumber
	}
	return accountNumber[len(accountNumber)-4:]
}

// GenerateAccountID creates a deterministic account ID.
// Format: "acc-{institutionSlug}-{account}" where account is the last 4
// digits of a card or account number, or the slugified name otherwise.
// Grouped and masked numbers ("5555 4444 3333 1111", "**** 1111") reduce to
// the same digits as the plain number. Two cards of one institution sharing
// their last 4 digits therefore share an ID.
// Example: GenerateAccountID("nubank", "5555444433331111") → "acc-nubank-1111"
//
//	GenerateAccountID("banco-itau", "Conta Corrente") → "acc-banco-itau-conta-corrente"
func GenerateAccountID(institutionSlug, accountNumber string) (string, error) {
	account := strings.TrimSpace(accountNumber)
	if account == "" {
		return "", fmt.Errorf("account number cannot be empty")
	}
	if digits, ok := cardDigits(account); ok {
		account = ExtractLast4(digits)
	} else {
		slug, err := Slugify(account)
		if err != nil {
			return "", err
		}
		account = slug
	}
	return fmt.Sprintf("acc-%s-%s", institutionSlug, account), nil
}

// GenerateStatementID creates a deterministic statement ID.
// Format: "stmt-{accountID}-{YYYY-MM}"
// Example: GenerateStatementID("acc-nubank-1111", 2026-02) → "stmt-acc-nubank-1111-2026-02"
func GenerateStatementID(accountID string, label domain.Month) string {
	return fmt.Sprintf("stmt-%s-%s", accountID, label)
}

// cardDigits strips separators and mask characters from a printed number
func cardDigits(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '*' || r == 'x' || r == 'X' || r == '•':
		default:
			return "", false
		}
	}
	return b.String(), isDigits(b.String())
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
