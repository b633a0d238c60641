// Package settlement defines the settlement request and outcome model.
package settlement

import (
	"time"

	"github.com/handlebank/settlement-layer/internal/chain"
	"github.com/shopspring/decimal"
)

// Kind distinguishes the two settlement flows.
type Kind string

const (
	KindDeposit    Kind = "deposit"
	KindWithdrawal Kind = "withdrawal"
)

// State is the terminal classification of one settlement attempt.
type State string

const (
	// StateConfirmed means the transfer landed on chain and the ledger delta
	// was applied.
	StateConfirmed State = "confirmed"
	// StateFailed means the transfer definitively did not happen; the ledger
	// was not touched.
	StateFailed State = "failed"
	// StateTimedOutUnknown means the confirmation deadline elapsed without a
	// terminal observation. The transaction may still land; the ledger was
	// not touched and the transaction ID must be kept for reconciliation.
	StateTimedOutUnknown State = "timed_out_unknown"
)

// Request describes one settlement attempt. It lives only for the duration
// of the attempt and is never persisted beyond logs.
type Request struct {
	ID           string
	Kind         Kind
	Identity     string
	Payer        string
	Counterparty string
	Amount       decimal.Decimal
	Checkpoint   chain.Checkpoint
}

// Outcome is what every settlement flow returns to the caller. It is never
// partial: FinalState is always one of the three variants, Reason is always
// human readable, and ExternalTxID is set whenever a submission happened.
type Outcome struct {
	RequestID    string          `json:"request_id"`
	Kind         Kind            `json:"kind"`
	Identity     string          `json:"identity"`
	ExternalTxID string          `json:"external_tx_id,omitempty"`
	FinalState   State           `json:"final_state"`
	AppliedDelta decimal.Decimal `json:"applied_delta"`
	NewBalance   decimal.Decimal `json:"new_balance"`
	Reason       string          `json:"reason"`
	ExplorerURL  string          `json:"explorer_url,omitempty"`
	SettledAt    time.Time       `json:"settled_at"`
}

// Pending tracks a settlement whose outcome is unknown after the deadline.
// The engine keeps these for later reconciliation.
type Pending struct {
	RequestID    string           `json:"request_id"`
	Kind         Kind             `json:"kind"`
	Identity     string           `json:"identity"`
	ExternalTxID string           `json:"external_tx_id"`
	Delta        decimal.Decimal  `json:"delta"`
	Checkpoint   chain.Checkpoint `json:"checkpoint"`
	CreatedAt    time.Time        `json:"created_at"`
}
