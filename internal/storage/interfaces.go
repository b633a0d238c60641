// Package storage defines the ledger persistence contract.
package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/domain/ledger"
)

var (
	// ErrInsufficientBalance is returned when a delta would drive a balance
	// negative. The ledger never goes below zero.
	ErrInsufficientBalance = errors.New("insufficient ledger balance")
	// ErrLedgerUnavailable marks transient failures reaching the ledger
	// persistence backend.
	ErrLedgerUnavailable = errors.New("ledger backend unavailable")
	// ErrEmptyIdentity is returned for ledger operations without an identity.
	ErrEmptyIdentity = errors.New("identity required")
	// ErrEmptyIdempotencyKey is returned for delta application without a key.
	ErrEmptyIdempotencyKey = errors.New("idempotency key required")
)

// ApplyResult reports the outcome of a delta application. Applied is false
// when the idempotency key had already been settled; NewBalance then carries
// the unchanged current balance.
type ApplyResult struct {
	NewBalance decimal.Decimal
	Applied    bool
}

// LedgerStore persists identity-keyed custodial balances.
//
// ApplyDelta must be safe to call more than once with the same idempotency
// key without double-applying the delta: implementations keep a settled-key
// record consulted before applying.
type LedgerStore interface {
	// Balance reads the balance for an identity. Unknown identities read as
	// zero; this is not an error.
	Balance(ctx context.Context, identity string) (decimal.Decimal, error)

	// ApplyDelta atomically applies delta to the identity's balance, keyed
	// by idempotencyKey, creating the record at zero when absent.
	ApplyDelta(ctx context.Context, identity string, delta decimal.Decimal, idempotencyKey string) (ApplyResult, error)

	// SetBalance writes an absolute balance. First-touch initialization only.
	SetBalance(ctx context.Context, identity string, balance decimal.Decimal) error

	// Entries lists applied deltas for an identity, newest first.
	Entries(ctx context.Context, identity string) ([]ledger.Entry, error)
}
