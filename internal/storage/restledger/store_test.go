package restledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/storage"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store, err := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestStore_Balance(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing auth header, got %q", got)
		}
		switch r.URL.Query().Get("identity") {
		case "alice":
			json.NewEncoder(w).Encode(balancePayload{Identity: "alice", Balance: "4.5"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	balance, err := store.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("expected 4.5, got %s", balance)
	}

	// Unknown identities read as zero, not as an error.
	balance, err = store.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unknown identity: %v", err)
	}
	if !balance.IsZero() {
		t.Fatalf("expected zero, got %s", balance)
	}
}

func TestStore_BalanceBackendDown(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream off", http.StatusBadGateway)
	}))

	if _, err := store.Balance(context.Background(), "alice"); !errors.Is(err, storage.ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}
}

func TestStore_ApplyDelta(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance/deltas" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload applyPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.IdempotencyKey != "tx-1" || payload.Delta != "2.5" {
			t.Errorf("unexpected payload %+v", payload)
		}
		json.NewEncoder(w).Encode(applyResponse{Balance: "7", Applied: true})
	}))

	result, err := store.ApplyDelta(context.Background(), "alice", decimal.RequireFromString("2.5"), "tx-1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Applied || !result.NewBalance.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestStore_ApplyDeltaAlreadySettled(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(applyResponse{Balance: "7", Applied: false})
	}))

	result, err := store.ApplyDelta(context.Background(), "alice", decimal.NewFromInt(2), "tx-1")
	if err != nil {
		t.Fatalf("replay must not error: %v", err)
	}
	if result.Applied {
		t.Fatalf("settled key must not apply again")
	}
	if !result.NewBalance.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("expected unchanged balance 7, got %s", result.NewBalance)
	}
}

func TestStore_ApplyDeltaInsufficient(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))

	if _, err := store.ApplyDelta(context.Background(), "alice", decimal.NewFromInt(-5), "tx-1"); !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestStore_Entries(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/entries" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]entryPayload{
			{IdempotencyKey: "tx-2", Identity: "alice", Delta: "-1", BalanceAfter: "4"},
			{IdempotencyKey: "tx-1", Identity: "alice", Delta: "5", BalanceAfter: "5"},
		})
	}))

	entries, err := store.Entries(context.Background(), "alice")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].IdempotencyKey != "tx-2" || !entries[0].Delta.Equal(decimal.NewFromInt(-1)) {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
}

func TestStore_Validation(t *testing.T) {
	store, err := New(Config{BaseURL: "http://localhost:1"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if _, err := store.Balance(context.Background(), ""); !errors.Is(err, storage.ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
	if _, err := store.ApplyDelta(context.Background(), "alice", decimal.NewFromInt(1), ""); !errors.Is(err, storage.ErrEmptyIdempotencyKey) {
		t.Fatalf("expected ErrEmptyIdempotencyKey, got %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing base URL")
	}
}
