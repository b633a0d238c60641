// Package signing provides clients for the external wallet signing
// collaborator. The settlement layer never holds keys; withdrawals are
// signed out of process.
package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/handlebank/settlement-layer/internal/settlement"
	"github.com/handlebank/settlement-layer/internal/txbuilder"
)

// RemoteSigner signs transfers through the custody collaborator's HTTP API.
type RemoteSigner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ settlement.Signer = (*RemoteSigner)(nil)

// Config holds collaborator connection configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewRemote creates a signer client for the collaborator at cfg.BaseURL.
func NewRemote(cfg Config) (*RemoteSigner, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("signer URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSigner{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type signRequest struct {
	Transaction string `json:"transaction"`
	Payer       string `json:"payer"`
}

type signResponse struct {
	SignedTransaction string `json:"signed_transaction"`
}

// Sign submits the unsigned transfer for signing and returns the signed,
// base64-encoded transaction.
func (s *RemoteSigner) Sign(ctx context.Context, transfer *txbuilder.UnsignedTransfer) (string, error) {
	unsigned, err := transfer.Base64()
	if err != nil {
		return "", fmt.Errorf("serialize transfer: %w", err)
	}

	body, err := json.Marshal(signRequest{Transaction: unsigned, Payer: transfer.Payer})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", settlement.ErrSigningUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return "", settlement.ErrUserRejected
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: collaborator returned status %d", settlement.ErrSigningUnavailable, resp.StatusCode)
	}

	var payload signResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", settlement.ErrSigningUnavailable, err)
	}
	if payload.SignedTransaction == "" {
		return "", fmt.Errorf("%w: empty signed transaction", settlement.ErrSigningUnavailable)
	}
	return payload.SignedTransaction, nil
}

// Disabled is a signer used when no collaborator is configured; every
// withdrawal fails with ErrSigningUnavailable.
type Disabled struct{}

var _ settlement.Signer = Disabled{}

// Sign always fails.
func (Disabled) Sign(context.Context, *txbuilder.UnsignedTransfer) (string, error) {
	return "", settlement.ErrSigningUnavailable
}
