package chain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Checkpoint is a freshness reference a transaction is built against. A
// transaction is only accepted by the network while the current block height
// is at or below LastValidBlockHeight.
type Checkpoint struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// ConfirmationState is the result of a single confirmation probe.
type ConfirmationState string

const (
	StatePending           ConfirmationState = "pending"
	StateConfirmed         ConfirmationState = "confirmed"
	StateFailedOnChain     ConfirmationState = "failed_on_chain"
	StateCheckpointExpired ConfirmationState = "checkpoint_expired"
)

// Confirmation is a point-in-time view of a submitted transaction.
type Confirmation struct {
	State   ConfirmationState
	Slot    uint64
	ErrCode string // populated when State is StateFailedOnChain
}

// ErrUpstreamUnavailable marks transient failures reaching the external
// ledger node. Callers retry these with bounded backoff; everything else is
// terminal for the attempt.
var ErrUpstreamUnavailable = errors.New("external ledger unavailable")

// RejectedError is returned when the network rejects a submitted transaction
// outright. It is terminal for the attempt and never retried automatically.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transaction rejected by network: %s (code %d)", e.Reason, e.Code)
}

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// latestBlockhashResult mirrors the getLatestBlockhash RPC response value.
type latestBlockhashResult struct {
	Context rpcContext `json:"context"`
	Value   struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

// signatureStatusesResult mirrors the getSignatureStatuses RPC response value.
type signatureStatusesResult struct {
	Context rpcContext         `json:"context"`
	Value   []*signatureStatus `json:"value"`
}

type signatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// balanceResult mirrors the getBalance RPC response value (lamports).
type balanceResult struct {
	Context rpcContext `json:"context"`
	Value   uint64     `json:"value"`
}

type rpcContext struct {
	Slot uint64 `json:"slot"`
}
