// Package chain provides external ledger interaction for the settlement layer.
//
// The client is a thin facade over the node's JSON-RPC surface: fetch a
// freshness checkpoint, submit a signed transfer, probe confirmation status,
// read an address balance. No business logic lives here.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// LamportsPerUnit is the number of lamports in one native unit.
const LamportsPerUnit = 1_000_000_000

// Client provides JSON-RPC client functionality against a single node.
type Client struct {
	rpcURL     string
	commitment string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Config holds client configuration.
type Config struct {
	RPCURL         string
	Commitment     string // processed, confirmed or finalized
	Timeout        time.Duration
	RequestsPerSec float64
	RequestBurst   int
}

// NewClient creates a new external ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		commitment: commitment,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: limiter,
	}, nil
}

// Call makes a JSON-RPC call to the node. Transport and protocol-envelope
// failures are wrapped as ErrUpstreamUnavailable; node-side errors are
// returned as *rpcError for the typed wrappers to classify.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: node returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrUpstreamUnavailable, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// LatestCheckpoint fetches a recent blockhash and its validity horizon.
func (c *Client) LatestCheckpoint(ctx context.Context) (Checkpoint, error) {
	result, err := c.Call(ctx, "getLatestBlockhash", []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	})
	if err != nil {
		return Checkpoint{}, classifyTransient(err)
	}

	var parsed latestBlockhashResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decode blockhash: %v", ErrUpstreamUnavailable, err)
	}
	if parsed.Value.Blockhash == "" {
		return Checkpoint{}, fmt.Errorf("%w: empty blockhash", ErrUpstreamUnavailable)
	}

	return Checkpoint{
		Blockhash:            parsed.Value.Blockhash,
		LastValidBlockHeight: parsed.Value.LastValidBlockHeight,
	}, nil
}

// SubmitTransaction broadcasts a signed, base64-encoded transaction and
// returns the network transaction ID. A node-side rejection is returned as
// *RejectedError and is terminal for the attempt.
func (c *Client) SubmitTransaction(ctx context.Context, signedTxBase64 string) (string, error) {
	result, err := c.Call(ctx, "sendTransaction", []interface{}{
		signedTxBase64,
		map[string]interface{}{
			"encoding":            "base64",
			"preflightCommitment": c.commitment,
		},
	})
	if err != nil {
		if rpcErr, ok := err.(*rpcError); ok {
			return "", &RejectedError{Code: rpcErr.Code, Reason: rpcErr.Message}
		}
		return "", err
	}

	var txID string
	if err := json.Unmarshal(result, &txID); err != nil {
		return "", fmt.Errorf("%w: decode tx id: %v", ErrUpstreamUnavailable, err)
	}
	return txID, nil
}

// ProbeConfirmation performs a single non-blocking status probe for the
// given transaction against its freshness checkpoint.
func (c *Client) ProbeConfirmation(ctx context.Context, txID string, cp Checkpoint) (Confirmation, error) {
	result, err := c.Call(ctx, "getSignatureStatuses", []interface{}{
		[]string{txID},
		map[string]interface{}{"searchTransactionHistory": true},
	})
	if err != nil {
		return Confirmation{}, classifyTransient(err)
	}

	var parsed signatureStatusesResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return Confirmation{}, fmt.Errorf("%w: decode statuses: %v", ErrUpstreamUnavailable, err)
	}

	if len(parsed.Value) > 0 && parsed.Value[0] != nil {
		status := parsed.Value[0]
		if status.Err != nil {
			code, _ := json.Marshal(status.Err)
			return Confirmation{
				State:   StateFailedOnChain,
				Slot:    status.Slot,
				ErrCode: string(code),
			}, nil
		}
		switch status.ConfirmationStatus {
		case "confirmed", "finalized":
			return Confirmation{State: StateConfirmed, Slot: status.Slot}, nil
		}
		return Confirmation{State: StatePending, Slot: status.Slot}, nil
	}

	// Unknown signature: the checkpoint decides whether the transaction can
	// still land.
	height, err := c.blockHeight(ctx)
	if err != nil {
		return Confirmation{}, err
	}
	if cp.LastValidBlockHeight > 0 && height > cp.LastValidBlockHeight {
		return Confirmation{State: StateCheckpointExpired}, nil
	}
	return Confirmation{State: StatePending}, nil
}

// AddressBalance reads the current balance of an address in native units.
func (c *Client) AddressBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	result, err := c.Call(ctx, "getBalance", []interface{}{
		address,
		map[string]interface{}{"commitment": c.commitment},
	})
	if err != nil {
		return decimal.Zero, classifyTransient(err)
	}

	var parsed balanceResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode balance: %v", ErrUpstreamUnavailable, err)
	}

	return LamportsToAmount(parsed.Value), nil
}

func (c *Client) blockHeight(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getBlockHeight", []interface{}{
		map[string]interface{}{"commitment": c.commitment},
	})
	if err != nil {
		return 0, classifyTransient(err)
	}

	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("%w: decode block height: %v", ErrUpstreamUnavailable, err)
	}
	return height, nil
}

// LamportsToAmount converts lamports into native units at full precision.
func LamportsToAmount(lamports uint64) decimal.Decimal {
	return decimal.New(int64(lamports), -9)
}

// AmountToLamports converts a native unit amount to lamports. It fails when
// the amount carries more precision than a lamport can represent.
func AmountToLamports(amount decimal.Decimal) (uint64, error) {
	shifted := amount.Shift(9)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-lamport precision", amount)
	}
	if shifted.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}
	return uint64(shifted.IntPart()), nil
}

// classifyTransient folds node-side RPC errors into the transient bucket for
// read paths: every failure short of an explicit rejection is retryable.
func classifyTransient(err error) error {
	if rpcErr, ok := err.(*rpcError); ok {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, rpcErr)
	}
	return err
}
