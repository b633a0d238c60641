// Package postgres implements the ledger store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/domain/ledger"
	"github.com/handlebank/settlement-layer/internal/storage"
)

// Store implements storage.LedgerStore against a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	return New(db), db, nil
}

// EnsureSchema creates the ledger tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	identity   TEXT PRIMARY KEY,
	balance    NUMERIC(30, 9) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	idempotency_key TEXT PRIMARY KEY,
	identity        TEXT NOT NULL REFERENCES ledger_accounts (identity),
	delta           NUMERIC(30, 9) NOT NULL,
	balance_after   NUMERIC(30, 9) NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_identity ON ledger_entries (identity, applied_at DESC);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

// Balance reads an identity's balance; unknown identities read as zero.
func (s *Store) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	if identity == "" {
		return decimal.Zero, storage.ErrEmptyIdentity
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE identity = $1
	`, identity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored balance: %w", err)
	}
	return balance, nil
}

// ApplyDelta applies delta at most once per idempotency key, inside one
// database transaction with the account row locked.
func (s *Store) ApplyDelta(ctx context.Context, identity string, delta decimal.Decimal, idempotencyKey string) (storage.ApplyResult, error) {
	if identity == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdentity
	}
	if idempotencyKey == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdempotencyKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (identity, balance, created_at, updated_at)
		VALUES ($1, 0, $2, $2)
		ON CONFLICT (identity) DO NOTHING
	`, identity, now); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE identity = $1 FOR UPDATE
	`, identity).Scan(&raw); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	current, err := decimal.NewFromString(raw)
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("parse stored balance: %w", err)
	}

	var settled bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)
	`, idempotencyKey).Scan(&settled); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	if settled {
		return storage.ApplyResult{NewBalance: current, Applied: false}, nil
	}

	newBalance := current.Add(delta)
	if newBalance.IsNegative() {
		return storage.ApplyResult{}, storage.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = $2, updated_at = $3 WHERE identity = $1
	`, identity, newBalance.String(), now); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (idempotency_key, identity, delta, balance_after, applied_at)
		VALUES ($1, $2, $3, $4, $5)
	`, idempotencyKey, identity, delta.String(), newBalance.String(), now); err != nil {
		// A concurrent writer settled the same key first.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return storage.ApplyResult{NewBalance: current, Applied: false}, nil
		}
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}

	return storage.ApplyResult{NewBalance: newBalance, Applied: true}, nil
}

// SetBalance writes an absolute balance. First-touch initialization only.
func (s *Store) SetBalance(ctx context.Context, identity string, balance decimal.Decimal) error {
	if identity == "" {
		return storage.ErrEmptyIdentity
	}
	if balance.IsNegative() {
		return storage.ErrInsufficientBalance
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_accounts (identity, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (identity) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, identity, balance.String(), now)
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	return nil
}

// Entries lists applied deltas for an identity, newest first.
func (s *Store) Entries(ctx context.Context, identity string) ([]ledger.Entry, error) {
	if identity == "" {
		return nil, storage.ErrEmptyIdentity
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, identity, delta, balance_after, applied_at
		FROM ledger_entries
		WHERE identity = $1
		ORDER BY applied_at DESC
	`, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			entry    ledger.Entry
			rawDelta string
			rawAfter string
		)
		if err := rows.Scan(&entry.IdempotencyKey, &entry.Identity, &rawDelta, &rawAfter, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
		}
		if entry.Delta, err = decimal.NewFromString(rawDelta); err != nil {
			return nil, fmt.Errorf("parse stored delta: %w", err)
		}
		if entry.BalanceAfter, err = decimal.NewFromString(rawAfter); err != nil {
			return nil, fmt.Errorf("parse stored balance: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
