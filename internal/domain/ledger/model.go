// Package ledger defines the off-chain balance domain model.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the custodial balance for one identity. Balances are denominated
// in the external ledger's native unit at full decimal precision and are
// never negative. Records are created lazily on first touch and mutated only
// by the settlement engine.
type Record struct {
	Identity  string          `json:"identity"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is the settled-key record behind at-most-once delta application. One
// entry exists per applied idempotency key (the external transaction ID).
type Entry struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Identity       string          `json:"identity"`
	Delta          decimal.Decimal `json:"delta"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	AppliedAt      time.Time       `json:"applied_at"`
}
