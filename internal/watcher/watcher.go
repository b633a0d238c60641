// Package watcher races a submitted transaction's confirmation against a
// deadline and classifies the outcome.
package watcher

import (
	"context"
	"time"

	"github.com/handlebank/settlement-layer/internal/chain"
	"github.com/handlebank/settlement-layer/pkg/logger"
)

// Prober performs a single non-blocking confirmation probe.
type Prober interface {
	ProbeConfirmation(ctx context.Context, txID string, cp chain.Checkpoint) (chain.Confirmation, error)
}

// State classifies the watch result for one transaction.
type State string

const (
	// StateConfirmed means a terminal success was observed on chain.
	StateConfirmed State = "confirmed"
	// StateFailedOnChain means the chain reported the transaction failed.
	StateFailedOnChain State = "failed_on_chain"
	// StateDeadlineExceeded means no terminal observation arrived before the
	// deadline. The outcome is unknown, not failed: the transaction may
	// still land after the checkpoint's validity window closes.
	StateDeadlineExceeded State = "deadline_exceeded"
)

// Result is the watch outcome for one transaction.
type Result struct {
	State   State
	ErrCode string // set when State is StateFailedOnChain
	Slot    uint64
}

// Watcher polls confirmation status on a fixed interval.
type Watcher struct {
	prober   Prober
	interval time.Duration
	log      *logger.Logger
}

// DefaultDeadline bounds a watch when the caller supplies none.
const DefaultDeadline = 30 * time.Second

// New creates a watcher polling the given prober.
func New(prober Prober, interval time.Duration, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("watcher")
	}
	return &Watcher{prober: prober, interval: interval, log: log}
}

// Await polls until a terminal on-chain state is observed or the deadline
// elapses, whichever is first. The first terminal observation wins: polling
// stops immediately on Confirmed or FailedOnChain. CheckpointExpired maps to
// DeadlineExceeded because the transaction may still land on some chains.
// Cancelling ctx stops the waiting only; it cannot retract the broadcast.
func (w *Watcher) Await(ctx context.Context, txID string, cp chain.Checkpoint, deadline time.Duration) Result {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	watchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		probeResult, done := w.probe(watchCtx, txID, cp)
		if done {
			return probeResult
		}

		select {
		case <-watchCtx.Done():
			w.log.WithField("tx_id", txID).Warn("confirmation deadline elapsed, outcome unknown")
			return Result{State: StateDeadlineExceeded}
		case <-ticker.C:
		}
	}
}

// probe performs one probe. done is true when a terminal result was reached.
func (w *Watcher) probe(ctx context.Context, txID string, cp chain.Checkpoint) (Result, bool) {
	conf, err := w.prober.ProbeConfirmation(ctx, txID, cp)
	if err != nil {
		// Transient probe failures do not decide the outcome; keep polling
		// until the deadline does.
		w.log.WithError(err).WithField("tx_id", txID).Debug("confirmation probe failed")
		return Result{}, false
	}

	switch conf.State {
	case chain.StateConfirmed:
		return Result{State: StateConfirmed, Slot: conf.Slot}, true
	case chain.StateFailedOnChain:
		return Result{State: StateFailedOnChain, ErrCode: conf.ErrCode, Slot: conf.Slot}, true
	case chain.StateCheckpointExpired:
		w.log.WithField("tx_id", txID).Warn("checkpoint expired before confirmation, outcome unknown")
		return Result{State: StateDeadlineExceeded}, true
	default:
		return Result{}, false
	}
}
