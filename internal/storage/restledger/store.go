// Package restledger implements the ledger store against an HTTP ledger
// persistence backend. The backend exposes balance reads as
// GET /balance?identity=... and writes as POST /balance and POST /entries;
// any non-2xx response is treated as the backend being unavailable.
package restledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/domain/ledger"
	"github.com/handlebank/settlement-layer/internal/storage"
)

// Config holds backend connection configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Store implements storage.LedgerStore over the backend's request/response API.
type Store struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a store talking to the given backend.
func New(cfg Config) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ledger backend URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type balancePayload struct {
	Identity string `json:"identity"`
	Balance  string `json:"balance"`
}

type applyPayload struct {
	Identity       string `json:"identity"`
	Delta          string `json:"delta"`
	IdempotencyKey string `json:"idempotency_key"`
}

type applyResponse struct {
	Balance string `json:"balance"`
	Applied bool   `json:"applied"`
}

type entryPayload struct {
	IdempotencyKey string    `json:"idempotency_key"`
	Identity       string    `json:"identity"`
	Delta          string    `json:"delta"`
	BalanceAfter   string    `json:"balance_after"`
	AppliedAt      time.Time `json:"applied_at"`
}

// Balance reads an identity's balance; an unknown identity reads as zero.
func (s *Store) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	if identity == "" {
		return decimal.Zero, storage.ErrEmptyIdentity
	}

	endpoint := fmt.Sprintf("%s/balance?identity=%s", s.baseURL, url.QueryEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return decimal.Zero, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, backendError(resp)
	}

	var payload balancePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode balance: %v", storage.ErrLedgerUnavailable, err)
	}
	balance, err := decimal.NewFromString(payload.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse backend balance: %w", err)
	}
	return balance, nil
}

// ApplyDelta forwards the delta application to the backend, which owns the
// settled-key record and the atomicity of the read-modify-write.
func (s *Store) ApplyDelta(ctx context.Context, identity string, delta decimal.Decimal, idempotencyKey string) (storage.ApplyResult, error) {
	if identity == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdentity
	}
	if idempotencyKey == "" {
		return storage.ApplyResult{}, storage.ErrEmptyIdempotencyKey
	}

	body, err := json.Marshal(applyPayload{
		Identity:       identity,
		Delta:          delta.String(),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return storage.ApplyResult{}, err
	}

	resp, err := s.post(ctx, "/balance/deltas", body)
	if err != nil {
		return storage.ApplyResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The key was already settled; the backend returns the unchanged
		// balance.
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return storage.ApplyResult{}, storage.ErrInsufficientBalance
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return storage.ApplyResult{}, backendError(resp)
	}

	var payload applyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return storage.ApplyResult{}, fmt.Errorf("%w: decode apply response: %v", storage.ErrLedgerUnavailable, err)
	}
	balance, err := decimal.NewFromString(payload.Balance)
	if err != nil {
		return storage.ApplyResult{}, fmt.Errorf("parse backend balance: %w", err)
	}
	return storage.ApplyResult{
		NewBalance: balance,
		Applied:    payload.Applied && resp.StatusCode != http.StatusConflict,
	}, nil
}

// SetBalance writes an absolute balance. First-touch initialization only.
func (s *Store) SetBalance(ctx context.Context, identity string, balance decimal.Decimal) error {
	if identity == "" {
		return storage.ErrEmptyIdentity
	}
	if balance.IsNegative() {
		return storage.ErrInsufficientBalance
	}

	body, err := json.Marshal(balancePayload{Identity: identity, Balance: balance.String()})
	if err != nil {
		return err
	}

	resp, err := s.post(ctx, "/balance", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backendError(resp)
	}
	return nil
}

// Entries lists applied deltas for an identity, newest first.
func (s *Store) Entries(ctx context.Context, identity string) ([]ledger.Entry, error) {
	if identity == "" {
		return nil, storage.ErrEmptyIdentity
	}

	endpoint := fmt.Sprintf("%s/entries?identity=%s", s.baseURL, url.QueryEscape(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, backendError(resp)
	}

	var payloads []entryPayload
	if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
		return nil, fmt.Errorf("%w: decode entries: %v", storage.ErrLedgerUnavailable, err)
	}

	entries := make([]ledger.Entry, 0, len(payloads))
	for _, p := range payloads {
		delta, err := decimal.NewFromString(p.Delta)
		if err != nil {
			return nil, fmt.Errorf("parse backend delta: %w", err)
		}
		after, err := decimal.NewFromString(p.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("parse backend balance: %w", err)
		}
		entries = append(entries, ledger.Entry{
			IdempotencyKey: p.IdempotencyKey,
			Identity:       p.Identity,
			Delta:          delta,
			BalanceAfter:   after,
			AppliedAt:      p.AppliedAt,
		})
	}
	return entries, nil
}

func (s *Store) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.setHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLedgerUnavailable, err)
	}
	return resp, nil
}

func (s *Store) setHeaders(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

func backendError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%w: backend returned status %d: %s", storage.ErrLedgerUnavailable, resp.StatusCode, bytes.TrimSpace(body))
}
