package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
)

// Store implements store.Store on Firestore. Transaction documents are keyed
// by the transaction ID, which is derived from (profile, fingerprint), so a
// repeated row maps onto an existing document.
type Store struct {
	client *firestore.Client
	cols   collections
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an open Firestore client
func New(client *firestore.Client) *Store {
	return &Store{client: client, cols: newCollections(collectionPrefix()), now: time.Now}
}

// Open connects to a project and returns a store
func Open(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	client, err := NewClient(ctx, projectID, credentialsFile)
	if err != nil {
		return nil, err
	}
	return New(client), nil
}

// Close closes the Firestore client
func (s *Store) Close() error {
	return s.client.Close()
}

// IngestStatement writes a batch in one Firestore transaction. Existing
// fingerprints are read inside the transaction and counted as duplicates.
func (s *Store) IngestStatement(ctx context.Context, batch domain.StatementBatch) (store.IngestResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return store.IngestResult{}, fmt.Errorf("invalid batch: %w", err)
	}

	st := batch.Statement
	stmtRef := s.client.Collection(s.cols.statements).Doc(statementDocID(st.ProfileID, st.ID))
	txns := s.client.Collection(s.cols.transactions)

	var result store.IngestResult
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = store.IngestResult{}

		refs := []*firestore.DocumentRef{stmtRef}
		for _, txn := range batch.Transactions {
			refs = append(refs, txns.Doc(txn.ID))
		}
		docs, err := tx.GetAll(refs)
		if err != nil {
			return fmt.Errorf("read existing documents: %w", err)
		}

		if !docs[0].Exists() {
			if err := tx.Create(stmtRef, toStatementDoc(st)); err != nil {
				return fmt.Errorf("create statement %s: %w", st.ID, err)
			}
		}

		now := s.now().UTC()
		seen := make(map[string]bool, len(batch.Transactions))
		for i, txn := range batch.Transactions {
			if docs[i+1].Exists() || seen[txn.ID] {
				result.Duplicates++
				continue
			}
			seen[txn.ID] = true
			if err := tx.Create(txns.Doc(txn.ID), toTransactionDoc(txn, now)); err != nil {
				return fmt.Errorf("create transaction %s: %w", txn.ID, err)
			}
			result.Inserted++
		}
		return nil
	})
	if err != nil {
		return store.IngestResult{}, fmt.Errorf("ingest statement %s: %w", st.ID, err)
	}
	return result, nil
}

// Snapshot reads a profile's statements and transactions in one read-only
// transaction so a concurrent batch is seen whole or not at all.
func (s *Store) Snapshot(ctx context.Context, profileID string) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{ProfileID: profileID, TakenAt: s.now()}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap.Statements = nil
		snap.Transactions = nil

		stmts := tx.Documents(s.client.Collection(s.cols.statements).Where("profileId", "==", profileID))
		if err := each(stmts, func(doc *firestore.DocumentSnapshot) error {
			var d statementDoc
			if err := doc.DataTo(&d); err != nil {
				return fmt.Errorf("failed to parse statement %s: %w", doc.Ref.ID, err)
			}
			st, err := d.toDomain()
			if err != nil {
				return err
			}
			snap.Statements = append(snap.Statements, st)
			return nil
		}); err != nil {
			return err
		}

		txns := tx.Documents(s.client.Collection(s.cols.transactions).Where("profileId", "==", profileID))
		return each(txns, func(doc *firestore.DocumentSnapshot) error {
			var d transactionDoc
			if err := doc.DataTo(&d); err != nil {
				return fmt.Errorf("failed to parse transaction %s: %w", doc.Ref.ID, err)
			}
			txn, err := d.toDomain()
			if err != nil {
				return err
			}
			snap.Transactions = append(snap.Transactions, txn)
			return nil
		})
	}, firestore.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("snapshot profile %s: %w", profileID, err)
	}

	sort.Slice(snap.Statements, func(i, j int) bool { return snap.Statements[i].ID < snap.Statements[j].ID })
	domain.SortTransactions(snap.Transactions)
	return snap, nil
}

// GetProfile returns a stored profile or store.ErrNotFound
func (s *Store) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	docs, err := s.client.GetAll(ctx, []*firestore.DocumentRef{s.client.Collection(s.cols.profiles).Doc(profileID)})
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileID, err)
	}
	if !docs[0].Exists() {
		return nil, fmt.Errorf("profile %s: %w", profileID, store.ErrNotFound)
	}
	var d profileDoc
	if err := docs[0].DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", profileID, err)
	}
	return d.toDomain()
}

// SaveProfile creates or replaces a profile
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if profile == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	if profile.ID == "" {
		return fmt.Errorf("profile ID is required")
	}
	_, err := s.client.Collection(s.cols.profiles).Doc(profile.ID).Set(ctx, toProfileDoc(profile))
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profile.ID, err)
	}
	return nil
}

// CreateLink stores a reconciliation link. A transaction may be linked to a
// given external record once.
func (s *Store) CreateLink(ctx context.Context, link domain.ReconciliationLink) error {
	ref := s.client.Collection(s.cols.links).Doc(linkDocID(link.ProfileID, link.TransactionID, link.ExternalRef))
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.GetAll([]*firestore.DocumentRef{ref})
		if err != nil {
			return fmt.Errorf("read link: %w", err)
		}
		if docs[0].Exists() {
			return fmt.Errorf("transaction %s -> %s: %w", link.TransactionID, link.ExternalRef, store.ErrDuplicateLink)
		}
		return tx.Create(ref, toLinkDoc(link))
	})
}

// ListLinks returns a profile's links ordered by creation time
func (s *Store) ListLinks(ctx context.Context, profileID string) ([]domain.ReconciliationLink, error) {
	iter := s.client.Collection(s.cols.links).Where("profileId", "==", profileID).Documents(ctx)

	var links []domain.ReconciliationLink
	err := each(iter, func(doc *firestore.DocumentSnapshot) error {
		var d linkDoc
		if err := doc.DataTo(&d); err != nil {
			return fmt.Errorf("failed to parse link %s: %w", doc.Ref.ID, err)
		}
		link, err := d.toDomain()
		if err != nil {
			return err
		}
		links = append(links, link)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list links for profile %s: %w", profileID, err)
	}
	sort.SliceStable(links, func(i, j int) bool {
		if !links[i].CreatedAt.Equal(links[j].CreatedAt) {
			return links[i].CreatedAt.Before(links[j].CreatedAt)
		}
		return links[i].ID < links[j].ID
	})
	return links, nil
}

func each(iter *firestore.DocumentIterator, fn func(*firestore.DocumentSnapshot) error) error {
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}
