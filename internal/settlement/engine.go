// Package settlement implements the settlement engine: the only component
// allowed to mutate the off-chain ledger, composing the chain gateway,
// transaction builder and confirmation watcher into the deposit and
// withdrawal flows.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/chain"
	domain "github.com/handlebank/settlement-layer/internal/domain/settlement"
	"github.com/handlebank/settlement-layer/internal/metrics"
	"github.com/handlebank/settlement-layer/internal/storage"
	"github.com/handlebank/settlement-layer/internal/txbuilder"
	"github.com/handlebank/settlement-layer/internal/watcher"
	"github.com/handlebank/settlement-layer/pkg/logger"
)

var (
	// ErrInsufficientLedgerBalance rejects a withdrawal exceeding the
	// off-chain balance. Raised before any signing or submission.
	ErrInsufficientLedgerBalance = errors.New("insufficient ledger balance")
	// ErrSettlementUnavailable is returned when the external ledger stayed
	// unreachable through the bounded checkpoint retries.
	ErrSettlementUnavailable = errors.New("settlement temporarily unavailable")
	// ErrUnknownSettlement is returned when a transaction ID is not tracked
	// for reconciliation.
	ErrUnknownSettlement = errors.New("no pending settlement for transaction")
	// ErrUserRejected is surfaced when the wallet collaborator declines to
	// sign.
	ErrUserRejected = errors.New("signing rejected by user")
	// ErrSigningUnavailable is surfaced when the wallet collaborator cannot
	// sign.
	ErrSigningUnavailable = errors.New("signing unavailable")
)

// Gateway is the chain-facing dependency of the engine.
type Gateway interface {
	LatestCheckpoint(ctx context.Context) (chain.Checkpoint, error)
	SubmitTransaction(ctx context.Context, signedTxBase64 string) (string, error)
	ProbeConfirmation(ctx context.Context, txID string, cp chain.Checkpoint) (chain.Confirmation, error)
	AddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// ExternalBalanceReader reads an address balance, possibly through a cache.
type ExternalBalanceReader interface {
	AddressBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Signer is the external wallet collaborator. It signs withdrawals moving
// funds out of custody and may fail with ErrUserRejected or
// ErrSigningUnavailable.
type Signer interface {
	Sign(ctx context.Context, transfer *txbuilder.UnsignedTransfer) (string, error)
}

// Config holds engine tunables.
type Config struct {
	CustodialAddress    string
	ConfirmDeadline     time.Duration
	ConfirmPollInterval time.Duration
	CheckpointRetries   int
	CheckpointBackoff   time.Duration
	ExplorerBaseURL     string
}

// Engine orchestrates the settlement flows.
type Engine struct {
	cfg      Config
	gateway  Gateway
	external ExternalBalanceReader
	store    storage.LedgerStore
	signer   Signer
	watcher  *watcher.Watcher
	locks    *keyedMutex
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string]domain.Pending // externalTxID -> pending intent
}

// New creates a settlement engine. The gateway, store and signer are
// injected with explicit lifecycles owned by the caller.
func New(cfg Config, gateway Gateway, store storage.LedgerStore, signer Signer, log *logger.Logger, opts ...Option) *Engine {
	if cfg.ConfirmDeadline <= 0 {
		cfg.ConfirmDeadline = watcher.DefaultDeadline
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = 2 * time.Second
	}
	if cfg.CheckpointRetries <= 0 {
		cfg.CheckpointRetries = 3
	}
	if cfg.CheckpointBackoff <= 0 {
		cfg.CheckpointBackoff = time.Second
	}
	if log == nil {
		log = logger.NewDefault("settlement")
	}

	e := &Engine{
		cfg:      cfg,
		gateway:  gateway,
		external: gateway,
		store:    store,
		signer:   signer,
		watcher:  watcher.New(gateway, cfg.ConfirmPollInterval, log.Named("watcher")),
		locks:    newKeyedMutex(),
		log:      log,
		pending:  make(map[string]domain.Pending),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option customizes engine construction.
type Option func(*Engine)

// WithExternalBalanceReader routes display-balance chain reads through the
// given reader (typically the Redis-backed cache).
func WithExternalBalanceReader(reader ExternalBalanceReader) Option {
	return func(e *Engine) { e.external = reader }
}

// RequestDeposit settles an externally signed transfer into the off-chain
// ledger. The ledger is credited only after on-chain confirmation, keyed by
// the external transaction ID.
func (e *Engine) RequestDeposit(ctx context.Context, identity, signedTxBase64 string, amount decimal.Decimal) (domain.Outcome, error) {
	started := time.Now()
	if identity == "" {
		return domain.Outcome{}, storage.ErrEmptyIdentity
	}
	if !amount.IsPositive() {
		return domain.Outcome{}, txbuilder.ErrInvalidAmount
	}
	if signedTxBase64 == "" {
		return domain.Outcome{}, fmt.Errorf("signed transaction required")
	}

	req := domain.Request{
		ID:       uuid.NewString(),
		Kind:     domain.KindDeposit,
		Identity: identity,
		Amount:   amount,
	}

	cp, err := e.checkpointWithRetry(ctx)
	if err != nil {
		return domain.Outcome{}, err
	}
	req.Checkpoint = cp

	txID, err := e.gateway.SubmitTransaction(ctx, signedTxBase64)
	if err != nil {
		var rejected *chain.RejectedError
		if errors.As(err, &rejected) {
			e.log.WithField("request_id", req.ID).Warnf("deposit rejected by network: %s", rejected.Reason)
			return e.finish(req, "", domain.StateFailed, decimal.Zero, decimal.Zero,
				fmt.Sprintf("deposit rejected by the network: %s", rejected.Reason), started), nil
		}
		return domain.Outcome{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}

	result := e.watcher.Await(ctx, txID, cp, e.cfg.ConfirmDeadline)
	switch result.State {
	case watcher.StateConfirmed:
		return e.applyConfirmed(ctx, req, txID, amount, started)

	case watcher.StateFailedOnChain:
		return e.finish(req, txID, domain.StateFailed, decimal.Zero, decimal.Zero,
			fmt.Sprintf("deposit failed on chain: %s", result.ErrCode), started), nil

	default:
		e.trackPending(req, txID, amount)
		e.log.WithFields(map[string]interface{}{
			"request_id": req.ID,
			"tx_id":      txID,
			"identity":   identity,
		}).Warn("deposit outcome unknown after deadline; check status later by transaction id")
		return e.finish(req, txID, domain.StateTimedOutUnknown, decimal.Zero, decimal.Zero,
			"deposit not confirmed before the deadline; the transfer may still land, check status by transaction id", started), nil
	}
}

// RequestWithdrawal moves funds from custody to the recipient and debits the
// off-chain ledger after on-chain confirmation.
func (e *Engine) RequestWithdrawal(ctx context.Context, identity string, amount decimal.Decimal, recipient string) (domain.Outcome, error) {
	started := time.Now()
	if identity == "" {
		return domain.Outcome{}, storage.ErrEmptyIdentity
	}
	if !amount.IsPositive() {
		return domain.Outcome{}, txbuilder.ErrInvalidAmount
	}
	if err := txbuilder.ValidateAddress(recipient); err != nil {
		return domain.Outcome{}, err
	}

	// The balance check happens before any signing or on-chain action.
	balance, err := e.store.Balance(ctx, identity)
	if err != nil {
		return domain.Outcome{}, err
	}
	if amount.GreaterThan(balance) {
		return domain.Outcome{}, fmt.Errorf("%w: have %s, want %s", ErrInsufficientLedgerBalance, balance, amount)
	}

	req := domain.Request{
		ID:           uuid.NewString(),
		Kind:         domain.KindWithdrawal,
		Identity:     identity,
		Payer:        e.cfg.CustodialAddress,
		Counterparty: recipient,
		Amount:       amount,
	}

	cp, err := e.checkpointWithRetry(ctx)
	if err != nil {
		return domain.Outcome{}, err
	}
	req.Checkpoint = cp

	transfer, err := txbuilder.Build(e.cfg.CustodialAddress, recipient, amount, cp)
	if err != nil {
		return domain.Outcome{}, err
	}

	signedTx, err := e.signer.Sign(ctx, transfer)
	if err != nil {
		return domain.Outcome{}, err
	}

	txID, err := e.gateway.SubmitTransaction(ctx, signedTx)
	if err != nil {
		var rejected *chain.RejectedError
		if errors.As(err, &rejected) {
			e.log.WithField("request_id", req.ID).Warnf("withdrawal rejected by network: %s", rejected.Reason)
			return e.finish(req, "", domain.StateFailed, decimal.Zero, balance,
				fmt.Sprintf("withdrawal rejected by the network: %s", rejected.Reason), started), nil
		}
		return domain.Outcome{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}

	result := e.watcher.Await(ctx, txID, cp, e.cfg.ConfirmDeadline)
	switch result.State {
	case watcher.StateConfirmed:
		return e.applyConfirmed(ctx, req, txID, amount.Neg(), started)

	case watcher.StateFailedOnChain:
		return e.finish(req, txID, domain.StateFailed, decimal.Zero, balance,
			fmt.Sprintf("withdrawal failed on chain: %s", result.ErrCode), started), nil

	default:
		// Highest risk state: funds may have left custody without a ledger
		// decrement. Keep the intent for out-of-band recovery.
		e.trackPending(req, txID, amount.Neg())
		e.log.WithFields(map[string]interface{}{
			"request_id": req.ID,
			"tx_id":      txID,
			"identity":   identity,
			"amount":     amount.String(),
		}).Warn("withdrawal outcome unknown after deadline; funds may have left custody, manual reconciliation required")
		return e.finish(req, txID, domain.StateTimedOutUnknown, decimal.Zero, balance,
			"withdrawal not confirmed before the deadline; check status by transaction id before retrying", started), nil
	}
}

// BalanceView is the blended balance answer. The two sub-values live in
// different custody domains and are never merged into one number; either may
// be independently unavailable.
type BalanceView struct {
	Identity    string          `json:"identity"`
	OffChain    decimal.Decimal `json:"off_chain"`
	OffChainOK  bool            `json:"off_chain_ok"`
	OffChainErr string          `json:"off_chain_error,omitempty"`
	External    decimal.Decimal `json:"external"`
	ExternalOK  bool            `json:"external_ok"`
	ExternalErr string          `json:"external_error,omitempty"`
}

// DisplayBalance fetches the off-chain and external balances independently.
// It never fails as a unit: each sub-value degrades on its own.
func (e *Engine) DisplayBalance(ctx context.Context, identity, externalAddress string) (BalanceView, error) {
	if identity == "" {
		return BalanceView{}, storage.ErrEmptyIdentity
	}

	view := BalanceView{Identity: identity}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		balance, err := e.store.Balance(ctx, identity)
		if err != nil {
			view.OffChainErr = "off-chain balance unavailable"
			e.log.WithError(err).WithField("identity", identity).Warn("ledger balance read failed")
			return
		}
		view.OffChain = balance
		view.OffChainOK = true
	}()

	go func() {
		defer wg.Done()
		if externalAddress == "" {
			view.ExternalErr = "no external address"
			return
		}
		balance, err := e.external.AddressBalance(ctx, externalAddress)
		if err != nil {
			view.ExternalErr = "external balance unavailable"
			e.log.WithError(err).WithField("address", externalAddress).Warn("external balance read failed")
			return
		}
		view.External = balance
		view.ExternalOK = true
	}()

	wg.Wait()
	return view, nil
}

// CheckSettlement re-probes a settlement whose outcome was unknown and, when
// a terminal state is now visible, resolves it: confirmed settlements apply
// their recorded delta idempotently, failures are dropped.
func (e *Engine) CheckSettlement(ctx context.Context, txID string) (domain.Outcome, error) {
	e.mu.Lock()
	intent, ok := e.pending[txID]
	e.mu.Unlock()
	if !ok {
		return domain.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSettlement, txID)
	}

	started := time.Now()
	req := domain.Request{
		ID:         intent.RequestID,
		Kind:       intent.Kind,
		Identity:   intent.Identity,
		Amount:     intent.Delta.Abs(),
		Checkpoint: intent.Checkpoint,
	}

	conf, err := e.gateway.ProbeConfirmation(ctx, txID, intent.Checkpoint)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}

	switch conf.State {
	case chain.StateConfirmed:
		outcome, err := e.applyConfirmed(ctx, req, txID, intent.Delta, started)
		if err == nil && outcome.FinalState == domain.StateConfirmed {
			e.dropPending(txID)
		}
		return outcome, err

	case chain.StateFailedOnChain:
		e.dropPending(txID)
		return e.finish(req, txID, domain.StateFailed, decimal.Zero, decimal.Zero,
			fmt.Sprintf("%s failed on chain: %s", req.Kind, conf.ErrCode), started), nil

	case chain.StateCheckpointExpired:
		// With history search exhausted and the validity window closed the
		// transfer can no longer land.
		e.dropPending(txID)
		return e.finish(req, txID, domain.StateFailed, decimal.Zero, decimal.Zero,
			fmt.Sprintf("%s expired without confirmation", req.Kind), started), nil

	default:
		return e.finish(req, txID, domain.StateTimedOutUnknown, decimal.Zero, decimal.Zero,
			"still awaiting confirmation", started), nil
	}
}

// PendingSettlements lists settlements awaiting reconciliation.
func (e *Engine) PendingSettlements() []domain.Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Pending, 0, len(e.pending))
	for _, p := range e.pending {
		out = append(out, p)
	}
	return out
}

// applyConfirmed applies the confirmed settlement's delta to the ledger,
// keyed by the external transaction ID, under the identity's lock. This is
// the sole point where the off-chain balance changes.
func (e *Engine) applyConfirmed(ctx context.Context, req domain.Request, txID string, delta decimal.Decimal, started time.Time) (domain.Outcome, error) {
	unlock := e.locks.Lock(req.Identity)
	defer unlock()

	result, err := e.store.ApplyDelta(ctx, req.Identity, delta, txID)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			// Can only happen when the ledger moved between the pre-check
			// and confirmation; surfaced as a failure needing attention.
			e.log.WithField("tx_id", txID).Error("confirmed settlement would drive balance negative")
			return e.finish(req, txID, domain.StateFailed, decimal.Zero, decimal.Zero,
				"ledger update rejected: balance would go negative", started), nil
		}
		// Confirmed on chain but the ledger write failed: keep the intent so
		// the refresher or a manual check applies it later.
		e.trackPending(req, txID, delta)
		e.log.WithError(err).WithField("tx_id", txID).Warn("ledger update failed after confirmation; queued for reconciliation")
		return e.finish(req, txID, domain.StateTimedOutUnknown, decimal.Zero, decimal.Zero,
			"confirmed on chain; ledger update pending reconciliation", started), nil
	}

	applied := delta
	if !result.Applied {
		applied = decimal.Zero
	}
	return e.finish(req, txID, domain.StateConfirmed, applied, result.NewBalance,
		fmt.Sprintf("%s confirmed", req.Kind), started), nil
}

// checkpointWithRetry fetches a freshness checkpoint with bounded retry.
// Only transient upstream failures are retried; anything else fails fast.
func (e *Engine) checkpointWithRetry(ctx context.Context) (chain.Checkpoint, error) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.CheckpointRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return chain.Checkpoint{}, ctx.Err()
			case <-time.After(e.cfg.CheckpointBackoff):
			}
		}

		cp, err := e.gateway.LatestCheckpoint(ctx)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, chain.ErrUpstreamUnavailable) {
			return chain.Checkpoint{}, err
		}
		lastErr = err
		e.log.WithError(err).Warnf("checkpoint fetch failed (attempt %d/%d)", attempt+1, e.cfg.CheckpointRetries)
	}
	return chain.Checkpoint{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, lastErr)
}

func (e *Engine) trackPending(req domain.Request, txID string, delta decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[txID]; ok {
		return
	}
	e.pending[txID] = domain.Pending{
		RequestID:    req.ID,
		Kind:         req.Kind,
		Identity:     req.Identity,
		ExternalTxID: txID,
		Delta:        delta,
		Checkpoint:   req.Checkpoint,
		CreatedAt:    time.Now().UTC(),
	}
	metrics.SetPendingSettlements(len(e.pending))
}

func (e *Engine) dropPending(txID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, txID)
	metrics.SetPendingSettlements(len(e.pending))
}

func (e *Engine) finish(req domain.Request, txID string, state domain.State, applied, newBalance decimal.Decimal, reason string, started time.Time) domain.Outcome {
	metrics.ObserveSettlement(string(req.Kind), string(state), time.Since(started))

	outcome := domain.Outcome{
		RequestID:    req.ID,
		Kind:         req.Kind,
		Identity:     req.Identity,
		ExternalTxID: txID,
		FinalState:   state,
		AppliedDelta: applied,
		NewBalance:   newBalance,
		Reason:       reason,
		SettledAt:    time.Now().UTC(),
	}
	if txID != "" && e.cfg.ExplorerBaseURL != "" {
		outcome.ExplorerURL = e.cfg.ExplorerBaseURL + txID
	}
	return outcome
}
