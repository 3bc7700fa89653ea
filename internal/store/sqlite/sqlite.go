// Package sqlite is the SQLite-backed store. The (profile, fingerprint)
// unique constraint enforces idempotent ingestion, and each statement batch
// is written in one SQL transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/money"
	"github.com/rumor-ml/commons.systems/cardflow/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store implements store.Store on a SQLite database file
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// RunMigrations applies the embedded schema migrations to dbPath
func RunMigrations(dbPath string) error {
	// Separate connection so migrate can close it without touching the store's pool
	migrateDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer migrateDB.Close()

	driver, err := migratesqlite.WithInstance(migrateDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Open creates the database file if needed, migrates it and returns a store
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer; transactions serialize on the single connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IngestStatement writes a batch in one transaction
func (s *Store) IngestStatement(ctx context.Context, batch domain.StatementBatch) (store.IngestResult, error) {
	var res store.IngestResult
	if err := store.ValidateBatch(batch); err != nil {
		return res, fmt.Errorf("invalid batch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st := batch.Statement
	_, err = tx.ExecContext(ctx, `
		INSERT INTO statements (profile_id, id, account_id, format_id, source_file, label, period_start, period_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, id) DO NOTHING`,
		st.ProfileID, st.ID, st.AccountID, st.FormatID, st.SourceFile,
		st.Label.String(), formatTime(st.PeriodStart), formatTime(st.PeriodEnd))
	if err != nil {
		return res, fmt.Errorf("insert statement %s: %w", st.ID, err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			profile_id, id, account_id, statement_id, format_id, date,
			raw_description, description, amount_minor, is_installment,
			installment_position, installment_total, month_str, invoice_month, fingerprint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return res, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	for _, txn := range batch.Transactions {
		r, err := insert.ExecContext(ctx,
			txn.ProfileID, txn.ID, txn.AccountID, txn.StatementID, txn.FormatID, formatTime(txn.Date),
			txn.RawDescription, txn.Description, money.ToMinorUnits(txn.Amount), boolToInt(txn.IsInstallment),
			txn.InstallmentPosition, txn.InstallmentTotal, txn.MonthStr.String(), txn.InvoiceMonth.String(), txn.Fingerprint)
		if err != nil {
			return store.IngestResult{}, fmt.Errorf("insert transaction %s: %w", txn.ID, err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return store.IngestResult{}, fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return store.IngestResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Snapshot reads statements and transactions inside one read transaction
func (s *Store) Snapshot(ctx context.Context, profileID string) (*domain.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	snap := &domain.Snapshot{ProfileID: profileID, TakenAt: s.now()}

	stRows, err := tx.QueryContext(ctx, `
		SELECT id, account_id, format_id, source_file, label, period_start, period_end
		FROM statements WHERE profile_id = ? ORDER BY id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query statements: %w", err)
	}
	for stRows.Next() {
		st := domain.Statement{ProfileID: profileID}
		var label, start, end string
		if err := stRows.Scan(&st.ID, &st.AccountID, &st.FormatID, &st.SourceFile, &label, &start, &end); err != nil {
			stRows.Close()
			return nil, fmt.Errorf("scan statement: %w", err)
		}
		if st.Label, err = domain.ParseMonth(label); err != nil {
			stRows.Close()
			return nil, err
		}
		if st.PeriodStart, err = parseTime(start); err != nil {
			stRows.Close()
			return nil, err
		}
		if st.PeriodEnd, err = parseTime(end); err != nil {
			stRows.Close()
			return nil, err
		}
		snap.Statements = append(snap.Statements, st)
	}
	if err := stRows.Err(); err != nil {
		stRows.Close()
		return nil, fmt.Errorf("iterate statements: %w", err)
	}
	stRows.Close()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, account_id, statement_id, format_id, date, raw_description, description,
		       amount_minor, is_installment, installment_position, installment_total,
		       month_str, invoice_month, fingerprint
		FROM transactions WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txn.ProfileID = profileID
		snap.Transactions = append(snap.Transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}

	domain.SortTransactions(snap.Transactions)
	return snap, nil
}

func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var (
		txn                       domain.Transaction
		date, month, invoiceMonth string
		amountMinor               int64
		isInstallment             int
	)
	err := rows.Scan(&txn.ID, &txn.AccountID, &txn.StatementID, &txn.FormatID, &date,
		&txn.RawDescription, &txn.Description, &amountMinor, &isInstallment,
		&txn.InstallmentPosition, &txn.InstallmentTotal, &month, &invoiceMonth, &txn.Fingerprint)
	if err != nil {
		return txn, fmt.Errorf("scan transaction: %w", err)
	}

	if txn.Date, err = parseTime(date); err != nil {
		return txn, err
	}
	if txn.MonthStr, err = domain.ParseMonth(month); err != nil {
		return txn, err
	}
	if txn.InvoiceMonth, err = domain.ParseMonth(invoiceMonth); err != nil {
		return txn, err
	}
	txn.Amount = money.FromMinorUnits(amountMinor)
	txn.IsInstallment = isInstallment != 0
	return txn, nil
}

// GetProfile returns a stored profile or store.ErrNotFound
func (s *Store) GetProfile(ctx context.Context, profileID string) (*domain.Profile, error) {
	var mode, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, updated_at FROM profiles WHERE id = ?`, profileID).Scan(&mode, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", profileID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", profileID, err)
	}

	parsedMode, err := domain.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	return &domain.Profile{ID: profileID, Mode: parsedMode, UpdatedAt: updatedAt}, nil
}

// SaveProfile creates or replaces a profile
func (s *Store) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	if profile == nil {
		return fmt.Errorf("profile cannot be nil")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, mode, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET mode = excluded.mode, updated_at = excluded.updated_at`,
		profile.ID, string(profile.Mode), formatTime(profile.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profile.ID, err)
	}
	return nil
}

// CreateLink stores a reconciliation link
func (s *Store) CreateLink(ctx context.Context, link domain.ReconciliationLink) error {
	r, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_links (id, profile_id, transaction_id, external_ref, month, mode, fallback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, transaction_id, external_ref) DO NOTHING`,
		link.ID, link.ProfileID, link.TransactionID, link.ExternalRef,
		link.Month.String(), string(link.Mode), boolToInt(link.Fallback), formatTime(link.CreatedAt))
	if err != nil {
		return fmt.Errorf("create link %s: %w", link.ID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s -> %s: %w", link.TransactionID, link.ExternalRef, store.ErrDuplicateLink)
	}
	return nil
}

// ListLinks returns a profile's links ordered by creation time
func (s *Store) ListLinks(ctx context.Context, profileID string) ([]domain.ReconciliationLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, external_ref, month, mode, fallback, created_at
		FROM reconciliation_links WHERE profile_id = ? ORDER BY created_at, id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []domain.ReconciliationLink
	for rows.Next() {
		link := domain.ReconciliationLink{ProfileID: profileID}
		var month, mode, created string
		var fallback int
		if err := rows.Scan(&link.ID, &link.TransactionID, &link.ExternalRef, &month, &mode, &fallback, &created); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if link.Month, err = domain.ParseMonth(month); err != nil {
			return nil, err
		}
		link.Mode = domain.MonthAttributionMode(mode)
		link.Fallback = fallback != 0
		if link.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
