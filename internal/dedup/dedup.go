// Package dedup provides transaction identity via SHA256 content fingerprints
// and an in-memory fingerprint index.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// transactionNamespace scopes UUIDv5 transaction IDs
var transactionNamespace = uuid.MustParse("6f1c2a7e-3b9d-5e4f-8a21-0c7d9e5b4a13")

// GenerateFingerprint creates a SHA256 hash of account, date, raw description and amount.
// Format: SHA256("{account}|{YYYY-MM-DD}|{description}|{amount}")
// Amount is rounded to 2 decimal places. Description is lowercased and trimmed;
// the installment fraction is part of the raw description, so different
// positions of the same plan never collide.
func GenerateFingerprint(accountID string, date time.Time, rawDescription string, amount decimal.Decimal) string {
	normalizedDesc := strings.ToLower(strings.TrimSpace(rawDescription))
	input := fmt.Sprintf("%s|%s|%s|%s",
		accountID, date.Format("2006-01-02"), normalizedDesc, amount.StringFixed(2))

	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// TransactionID derives a stable ID for a fingerprint within a profile.
// Re-ingesting the same row always yields the same ID.
func TransactionID(profileID, fingerprint string) string {
	return uuid.NewSHA1(transactionNamespace, []byte(profileID+"|"+fingerprint)).String()
}

// FingerprintRecord tracks a transaction fingerprint across multiple observations.
type FingerprintRecord struct {
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	Count         int       `json:"count"`
	TransactionID string    `json:"transactionId"`
}

// Index is a concurrency-safe set of seen fingerprints
type Index struct {
	mu           sync.RWMutex
	fingerprints map[string]*FingerprintRecord
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{fingerprints: make(map[string]*FingerprintRecord)}
}

// IsDuplicate checks if a fingerprint exists in the index.
func (x *Index) IsDuplicate(fingerprint string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, exists := x.fingerprints[fingerprint]
	return exists
}

// Lookup returns the record for a fingerprint
func (x *Index) Lookup(fingerprint string) (FingerprintRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.fingerprints[fingerprint]
	if !ok {
		return FingerprintRecord{}, false
	}
	return *rec, true
}

// RecordTransaction records a transaction fingerprint and reports whether it was new.
// If new: creates record with firstSeen=timestamp, count=1.
// If exists: updates lastSeen=timestamp, increments count; the first
// transaction ID is kept.
func (x *Index) RecordTransaction(fingerprint, transactionID string, timestamp time.Time) (bool, error) {
	if fingerprint == "" {
		return false, fmt.Errorf("fingerprint cannot be empty")
	}
	if transactionID == "" {
		return false, fmt.Errorf("transaction ID cannot be empty")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if record, exists := x.fingerprints[fingerprint]; exists {
		if timestamp.After(record.LastSeen) {
			record.LastSeen = timestamp
		}
		record.Count++
		return false, nil
	}
	x.fingerprints[fingerprint] = &FingerprintRecord{
		FirstSeen:     timestamp,
		LastSeen:      timestamp,
		Count:         1,
		TransactionID: transactionID,
	}
	return true, nil
}

// Forget removes a fingerprint. Used to roll back a failed batch.
func (x *Index) Forget(fingerprint string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.fingerprints, fingerprint)
}

// TotalFingerprints returns the number of distinct fingerprints
func (x *Index) TotalFingerprints() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.fingerprints)
}
