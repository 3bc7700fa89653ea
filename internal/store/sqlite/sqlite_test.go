package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store/storetest"
)

var zeroTime time.Time

func domainBatch(st domain.Statement) domain.StatementBatch {
	return domain.StatementBatch{
		Statement: st,
		Transactions: []domain.Transaction{
			storetest.Txn(st, time.Date(2026, 1, 5, 12, 30, 0, 0, time.UTC), "Coffee", "-4.50", 0, 0),
		},
	}
}

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "cardflow.db"))
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cardflow.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	batch := storetest.Statement("p1", "2026-01")
	_, err = s.IngestStatement(ctx, domainBatch(batch))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Migrations are a no-op on an existing database and data survives
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, snap.Transactions, 1)
}

func TestIngestStatement_RollsBackOnError(t *testing.T) {
	s := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	ctxCancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := s.IngestStatement(ctxCancelled, domainBatch(storetest.Statement("p1", "2026-01")))
	require.Error(t, err)

	snap, err := s.Snapshot(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, snap.Transactions)
	assert.Empty(t, snap.Statements)
}

func TestTimeRoundTrip(t *testing.T) {
	got, err := parseTime(formatTime(storetest.Statement("p", "2026-01").Label.FirstDay()))
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())

	zero, err := parseTime(formatTime(zeroTime))
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}
