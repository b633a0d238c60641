// Package httpapi exposes the settlement engine's REST surface to the UI
// layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/metrics"
	"github.com/handlebank/settlement-layer/internal/settlement"
	"github.com/handlebank/settlement-layer/internal/storage"
	"github.com/handlebank/settlement-layer/internal/txbuilder"
	"github.com/handlebank/settlement-layer/pkg/logger"
)

// handler bundles HTTP endpoints for the settlement engine.
type handler struct {
	engine *settlement.Engine
	log    *logger.Logger
}

// NewHandler returns a router exposing the settlement REST API.
func NewHandler(engine *settlement.Engine, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{engine: engine, log: log}

	r := mux.NewRouter()
	r.Use(requestLogMiddleware(log))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/deposits", metrics.InstrumentHandler("/api/v1/deposits",
		http.HandlerFunc(h.createDeposit))).Methods(http.MethodPost)
	api.Handle("/withdrawals", metrics.InstrumentHandler("/api/v1/withdrawals",
		http.HandlerFunc(h.createWithdrawal))).Methods(http.MethodPost)
	api.Handle("/balance", metrics.InstrumentHandler("/api/v1/balance",
		http.HandlerFunc(h.balance))).Methods(http.MethodGet)
	api.Handle("/settlements/{txID}", metrics.InstrumentHandler("/api/v1/settlements",
		http.HandlerFunc(h.checkSettlement))).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

func (h *handler) createDeposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identity string `json:"identity"`
		SignedTx string `json:"signed_tx"`
		Amount   string `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.engine.RequestDeposit(r.Context(), strings.TrimSpace(payload.Identity), payload.SignedTx, amount)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identity  string `json:"identity"`
		Amount    string `json:"amount"`
		Recipient string `json:"recipient"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	amount, err := parseAmount(payload.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	outcome, err := h.engine.RequestWithdrawal(r.Context(), strings.TrimSpace(payload.Identity), amount, strings.TrimSpace(payload.Recipient))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	address := strings.TrimSpace(r.URL.Query().Get("address"))

	view, err := h.engine.DisplayBalance(r.Context(), identity, address)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) checkSettlement(w http.ResponseWriter, r *http.Request) {
	txID := mux.Vars(r)["txID"]

	outcome, err := h.engine.CheckSettlement(r.Context(), txID)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeEngineError maps engine errors onto HTTP statuses: validation fails
// with 400, insufficient balance with 409, unknown settlements with 404 and
// unavailable collaborators with 503.
func (h *handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrInsufficientLedgerBalance):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, settlement.ErrUnknownSettlement):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, settlement.ErrSettlementUnavailable),
		errors.Is(err, settlement.ErrSigningUnavailable),
		errors.Is(err, storage.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, settlement.ErrUserRejected):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, txbuilder.ErrInvalidAmount),
		errors.Is(err, txbuilder.ErrInvalidAddress),
		errors.Is(err, txbuilder.ErrInvalidRecipient),
		errors.Is(err, storage.ErrEmptyIdentity):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.log.WithError(err).Error("unhandled settlement error")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount required")
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func decodeJSON(body io.Reader, target interface{}) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
