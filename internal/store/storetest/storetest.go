// Package storetest holds the behavioural suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/dedup"
	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) store.Store

// Txn builds a valid transaction for statement st
func Txn(st domain.Statement, date time.Time, raw, amount string, pos, total int) domain.Transaction {
	amt := decimal.RequireFromString(amount)
	fp := dedup.GenerateFingerprint(st.AccountID, date, raw, amt)
	return domain.Transaction{
		ID:                  dedup.TransactionID(st.ProfileID, fp),
		ProfileID:           st.ProfileID,
		AccountID:           st.AccountID,
		StatementID:         st.ID,
		FormatID:            st.FormatID,
		Date:                date,
		RawDescription:      raw,
		Description:         raw,
		Amount:              amt,
		IsInstallment:       total > 0,
		InstallmentPosition: pos,
		InstallmentTotal:    total,
		MonthStr:            domain.MonthOf(date),
		InvoiceMonth:        st.Label,
		Fingerprint:         fp,
	}
}

// Statement builds a statement for the default test account
func Statement(profileID, label string) domain.Statement {
	return domain.Statement{
		ID:         "stmt-acc-card-" + label,
		ProfileID:  profileID,
		AccountID:  "acc-card",
		FormatID:   "card-statement-csv",
		SourceFile: "/stmts/card/" + label + ".csv",
		Label:      domain.MustParseMonth(label),
	}
}

func day(m time.Month, d int) time.Time {
	return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC)
}

// Run executes the suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("IngestIsIdempotent", func(t *testing.T) { testIngestIdempotent(t, newStore(t)) })
	t.Run("DuplicateWithinBatch", func(t *testing.T) { testDuplicateWithinBatch(t, newStore(t)) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, newStore(t)) })
	t.Run("ProfilesAreIsolated", func(t *testing.T) { testProfilesIsolated(t, newStore(t)) })
	t.Run("InvalidBatchRejected", func(t *testing.T) { testInvalidBatch(t, newStore(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore(t)) })
	t.Run("Links", func(t *testing.T) { testLinks(t, newStore(t)) })
	t.Run("ConcurrentIngestAndSnapshot", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func janBatch(profileID string) domain.StatementBatch {
	st := Statement(profileID, "2026-01")
	return domain.StatementBatch{
		Statement: st,
		Transactions: []domain.Transaction{
			Txn(st, day(1, 5), "Widget - Install 1/6", "-100.00", 1, 6),
			Txn(st, day(1, 5), "Widget - Install 2/6", "-100.00", 2, 6),
			Txn(st, day(1, 9), "Coffee", "-4.50", 0, 0),
		},
	}
}

func testIngestIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	res, err := s.IngestStatement(ctx, janBatch("p1"))
	require.NoError(t, err)
	assert.Equal(t, store.IngestResult{Inserted: 3}, res)

	first, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)

	res, err = s.IngestStatement(ctx, janBatch("p1"))
	require.NoError(t, err)
	assert.Equal(t, store.IngestResult{Duplicates: 3}, res)

	second, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, first.Transactions, second.Transactions)
	assert.Len(t, second.Statements, 1)
}

func testDuplicateWithinBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	batch := janBatch("p1")
	batch.Transactions = append(batch.Transactions, batch.Transactions[2])

	res, err := s.IngestStatement(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
}

func testSnapshotRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	batch := janBatch("p1")
	batch.Transactions[2].InvoiceMonth = domain.Month{}
	_, err := s.IngestStatement(ctx, batch)
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, snap.Transactions, 3)
	assert.Equal(t, "p1", snap.ProfileID)
	assert.False(t, snap.TakenAt.IsZero())

	byID := make(map[string]domain.Transaction)
	for _, txn := range snap.Transactions {
		byID[txn.ID] = txn
	}
	for _, want := range batch.Transactions {
		got, ok := byID[want.ID]
		require.True(t, ok, "missing %s", want.RawDescription)
		assert.True(t, want.Date.Equal(got.Date))
		assert.True(t, want.Amount.Equal(got.Amount), "amount %s != %s", want.Amount, got.Amount)
		assert.Equal(t, want.RawDescription, got.RawDescription)
		assert.Equal(t, want.Description, got.Description)
		assert.Equal(t, want.IsInstallment, got.IsInstallment)
		assert.Equal(t, want.InstallmentPosition, got.InstallmentPosition)
		assert.Equal(t, want.InstallmentTotal, got.InstallmentTotal)
		assert.Equal(t, want.MonthStr, got.MonthStr)
		assert.Equal(t, want.InvoiceMonth, got.InvoiceMonth)
		assert.Equal(t, want.Fingerprint, got.Fingerprint)
		assert.Equal(t, want.StatementID, got.StatementID)
		assert.Equal(t, want.FormatID, got.FormatID)
	}

	// Ordered by date, then ID
	for i := 1; i < len(snap.Transactions); i++ {
		a, b := snap.Transactions[i-1], snap.Transactions[i]
		assert.True(t, a.Date.Before(b.Date) || (a.Date.Equal(b.Date) && a.ID < b.ID))
	}

	require.Len(t, snap.Statements, 1)
	assert.Equal(t, batch.Statement.ID, snap.Statements[0].ID)
	assert.Equal(t, batch.Statement.Label, snap.Statements[0].Label)
}

func testProfilesIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.IngestStatement(ctx, janBatch("p1"))
	require.NoError(t, err)
	res, err := s.IngestStatement(ctx, janBatch("p2"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted, "same rows in another profile are not duplicates")

	empty, err := s.Snapshot(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty.Transactions)
}

func testInvalidBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	batch := janBatch("p1")
	batch.Transactions[1].Fingerprint = ""
	_, err := s.IngestStatement(ctx, batch)
	require.Error(t, err)

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, snap.Transactions, "a rejected batch writes nothing")
}

func testProfiles(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.GetProfile(ctx, "p1")
	assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)

	resolved, err := store.ResolveProfile(ctx, s, "p1", domain.ModeTransaction)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeTransaction, resolved.Mode)

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	p, err := domain.NewProfile("p1", domain.ModeInvoice, now)
	require.NoError(t, err)
	require.NoError(t, s.SaveProfile(ctx, p))

	p.Mode = domain.ModeTransaction
	p.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, s.SaveProfile(ctx, p))

	got, err := s.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeTransaction, got.Mode)
	assert.True(t, got.UpdatedAt.Equal(now.Add(time.Hour)))
}

func testLinks(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	link := domain.ReconciliationLink{
		ID:            "link-1",
		ProfileID:     "p1",
		TransactionID: "txn-1",
		ExternalRef:   "bill-rent",
		Month:         domain.MustParseMonth("2026-02"),
		Mode:          domain.ModeInvoice,
		Fallback:      true,
		CreatedAt:     created,
	}
	require.NoError(t, s.CreateLink(ctx, link))

	dup := link
	dup.ID = "link-2"
	err := s.CreateLink(ctx, dup)
	assert.True(t, errors.Is(err, store.ErrDuplicateLink), "got %v", err)

	other := link
	other.ID = "link-3"
	other.ExternalRef = "bill-gym"
	other.CreatedAt = created.Add(time.Minute)
	other.Fallback = false
	require.NoError(t, s.CreateLink(ctx, other))

	links, err := s.ListLinks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "link-1", links[0].ID)
	assert.Equal(t, domain.MustParseMonth("2026-02"), links[0].Month)
	assert.Equal(t, domain.ModeInvoice, links[0].Mode)
	assert.True(t, links[0].Fallback)
	assert.Equal(t, "bill-gym", links[1].ExternalRef)

	none, err := s.ListLinks(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// testConcurrent checks that a snapshot never observes part of a batch
func testConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	defer s.Close()

	const batches = 8
	const perBatch = 5

	var wg sync.WaitGroup
	for b := 0; b < batches; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			st := Statement("p1", time.Date(2026, time.Month(b+1), 1, 0, 0, 0, 0, time.UTC).Format("2006-01"))
			batch := domain.StatementBatch{Statement: st}
			for i := 0; i < perBatch; i++ {
				batch.Transactions = append(batch.Transactions,
					Txn(st, day(time.Month(b+1), i+1), "Shop", "-1.00", 0, 0))
			}
			_, err := s.IngestStatement(ctx, batch)
			assert.NoError(t, err)
		}(b)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		snap, err := s.Snapshot(ctx, "p1")
		require.NoError(t, err)
		assert.Zero(t, len(snap.Transactions)%perBatch, "partial batch observed: %d rows", len(snap.Transactions))
		select {
		case <-done:
			final, err := s.Snapshot(ctx, "p1")
			require.NoError(t, err)
			assert.Len(t, final.Transactions, batches*perBatch)
			return
		default:
		}
	}
}
