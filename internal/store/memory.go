package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rumor-ml/commons.systems/cardflow/internal/dedup"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

type profileData struct {
	index        *dedup.Index
	statements   map[string]domain.Statement
	transactions []domain.Transaction
	links        []domain.ReconciliationLink
}

// Memory is an in-process Store. A single mutex makes each batch atomic with
// respect to Snapshot.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]*domain.Profile
	data     map[string]*profileData
	now      func() time.Time
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]*domain.Profile),
		data:     make(map[string]*profileData),
		now:      time.Now,
	}
}

func (m *Memory) profileData(profileID string) *profileData {
	d, ok := m.data[profileID]
	if !ok {
		d = &profileData{
			index:      dedup.NewIndex(),
			statements: make(map[string]domain.Statement),
		}
		m.data[profileID] = d
	}
	return d
}

// IngestStatement stores a batch, skipping rows whose fingerprint is known
func (m *Memory) IngestStatement(ctx context.Context, batch domain.StatementBatch) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}
	if err := ValidateBatch(batch); err != nil {
		return IngestResult{}, fmt.Errorf("invalid batch: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.profileData(batch.Statement.ProfileID)
	if _, ok := d.statements[batch.Statement.ID]; !ok {
		d.statements[batch.Statement.ID] = batch.Statement
	}

	var res IngestResult
	now := m.now()
	for _, txn := range batch.Transactions {
		isNew, err := d.index.RecordTransaction(txn.Fingerprint, txn.ID, now)
		if err != nil {
			return IngestResult{}, err
		}
		if !isNew {
			res.Duplicates++
			continue
		}
		d.transactions = append(d.transactions, txn)
		res.Inserted++
	}
	return res, nil
}

// Snapshot returns a copy of the profile's statements and transactions
func (m *Memory) Snapshot(ctx context.Context, profileID string) (*domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &domain.Snapshot{ProfileID: profileID, TakenAt: m.now()}
	d, ok := m.data[profileID]
	if !ok {
		return snap, nil
	}
	for _, st := range d.statements {
		snap.Statements = append(snap.Statements, st)
	}
	sort.Slice(snap.Statements, func(i, j int) bool { return snap.Statements[i].ID < snap.Statements[j].ID })

	snap.Transactions = append([]domain.Transaction(nil), d.transactions...)
	domain.SortTransactions(snap.Transactions)
	return snap, nil
}

// GetProfile returns a stored profile or ErrNotFound
func (m *Memory) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[profileID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", profileID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// SaveProfile creates or replaces a profile
func (m *Memory) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if profile == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *profile
	m.profiles[profile.ID] = &cp
	return nil
}

// CreateLink stores a reconciliation link. A transaction may be linked to a
// given external record once.
func (m *Memory) CreateLink(ctx context.Context, link domain.ReconciliationLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.profileData(link.ProfileID)
	for _, existing := range d.links {
		if existing.TransactionID == link.TransactionID && existing.ExternalRef == link.ExternalRef {
			return fmt.Errorf("transaction %s -> %s: %w", link.TransactionID, link.ExternalRef, ErrDuplicateLink)
		}
	}
	d.links = append(d.links, link)
	return nil
}

// ListLinks returns a profile's links ordered by creation time
func (m *Memory) ListLinks(ctx context.Context, profileID string) ([]domain.ReconciliationLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data[profileID]
	if !ok {
		return nil, nil
	}
	links := append([]domain.ReconciliationLink(nil), d.links...)
	sort.SliceStable(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

// Close is a no-op
func (m *Memory) Close() error { return nil }
