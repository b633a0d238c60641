// Package memory is an in-memory implementation of the ledger store. It is
// safe for concurrent use and is primarily intended for tests and local
// development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/domain/ledger"
	"github.com/handlebank/settlement-layer/internal/storage"
)

// Store is an in-memory ledger store.
type Store struct {
	mu      sync.RWMutex
	records map[string]ledger.Record
	entries map[string]ledger.Entry   // idempotencyKey -> entry
	byIdent map[string][]ledger.Entry // identity -> applied entries
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[string]ledger.Record),
		entries: make(map[string]ledger.Entry),
		byIdent: make(map[string][]ledger.Entry),
	}
}

// Balance reads an identity's balance; unknown identities read as zero.
func (s *Store) Balance(_ context.Context, identity string) (decimal.Decimal, error) {
	if identity == "" {
		return decimal.Zero, storage.ErrEmptyIdentity
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[identity]
	if !ok {
		return decimal.Zero, nil
	}
	return rec.Balance, nil
}

// ApplyDelta applies delta at most once per idempotency key.
func (s *Store) ApplyDelta(_ context.Context, identity string, delta decimal.Decimal, idempotencyKey string) (storage.ApplyResult, error) {
	if identity == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdentity
	}
	if idempotencyKey == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdempotencyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.entries[idempotencyKey]; ok {
		current := s.records[prior.Identity].Balance
		return storage.ApplyResult{NewBalance: current, Applied: false}, nil
	}

	now := time.Now().UTC()
	rec, ok := s.records[identity]
	if !ok {
		rec = ledger.Record{Identity: identity, Balance: decimal.Zero, CreatedAt: now}
	}

	newBalance := rec.Balance.Add(delta)
	if newBalance.IsNegative() {
		return storage.ApplyResult{}, storage.ErrInsufficientBalance
	}

	rec.Balance = newBalance
	rec.UpdatedAt = now
	s.records[identity] = rec

	entry := ledger.Entry{
		IdempotencyKey: idempotencyKey,
		Identity:       identity,
		Delta:          delta,
		BalanceAfter:   newBalance,
		AppliedAt:      now,
	}
	s.entries[idempotencyKey] = entry
	s.byIdent[identity] = append(s.byIdent[identity], entry)

	return storage.ApplyResult{NewBalance: newBalance, Applied: true}, nil
}

// SetBalance writes an absolute balance, creating the record when absent.
func (s *Store) SetBalance(_ context.Context, identity string, balance decimal.Decimal) error {
	if identity == "" {
		return storage.ErrEmptyIdentity
	}
	if balance.IsNegative() {
		return storage.ErrInsufficientBalance
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[identity]
	if !ok {
		rec = ledger.Record{Identity: identity, CreatedAt: now}
	}
	rec.Balance = balance
	rec.UpdatedAt = now
	s.records[identity] = rec
	return nil
}

// Entries lists applied deltas for an identity, newest first.
func (s *Store) Entries(_ context.Context, identity string) ([]ledger.Entry, error) {
	if identity == "" {
		return nil, storage.ErrEmptyIdentity
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]ledger.Entry, len(s.byIdent[identity]))
	copy(entries, s.byIdent[identity])
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AppliedAt.After(entries[j].AppliedAt)
	})
	return entries, nil
}
