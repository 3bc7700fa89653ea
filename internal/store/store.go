// Package store defines persistence for normalized transactions, profiles and
// reconciliation links. Only these records are persisted; groupings and
// projections are always recomputed from a Snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateLink is returned when a transaction is already linked to the same external record
	ErrDuplicateLink = errors.New("reconciliation link already exists")
)

// IngestResult reports the outcome of storing one statement batch
type IngestResult struct {
	Inserted   int
	Duplicates int
}

// Store is implemented by every persistence backend.
//
// IngestStatement is atomic: a concurrent Snapshot observes either none or
// all of a batch. Rows whose (profile, fingerprint) already exist are skipped
// and counted as duplicates, so re-ingesting a file is a no-op.
type Store interface {
	IngestStatement(ctx context.Context, batch domain.StatementBatch) (IngestResult, error)
	Snapshot(ctx context.Context, profileID string) (*domain.Snapshot, error)
	GetProfile(ctx context.Context, profileID string) (*domain.Profile, error)
	SaveProfile(ctx context.Context, profile *domain.Profile) error
	CreateLink(ctx context.Context, link domain.ReconciliationLink) error
	ListLinks(ctx context.Context, profileID string) ([]domain.ReconciliationLink, error)
	Close() error
}

// ValidateBatch checks a batch before it is written
func ValidateBatch(batch domain.StatementBatch) error {
	st := batch.Statement
	if st.ID == "" {
		return fmt.Errorf("statement ID cannot be empty")
	}
	if st.ProfileID == "" {
		return fmt.Errorf("statement %s: profile ID cannot be empty", st.ID)
	}
	for i := range batch.Transactions {
		txn := &batch.Transactions[i]
		if txn.ProfileID != st.ProfileID {
			return fmt.Errorf("transaction %s: profile %q does not match statement profile %q",
				txn.ID, txn.ProfileID, st.ProfileID)
		}
		if txn.StatementID != st.ID {
			return fmt.Errorf("transaction %s: statement %q does not match batch statement %q",
				txn.ID, txn.StatementID, st.ID)
		}
		if err := txn.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ResolveProfile returns the stored profile, or a new one in defaultMode when
// none has been saved yet
func ResolveProfile(ctx context.Context, s Store, profileID string, defaultMode domain.MonthAttributionMode) (*domain.Profile, error) {
	p, err := s.GetProfile(ctx, profileID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return domain.NewProfile(profileID, defaultMode, time.Time{})
}
