package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/handlebank/settlement-layer/internal/domain/settlement"
	"github.com/handlebank/settlement-layer/pkg/logger"
)

// Refresher periodically re-checks settlements whose outcome was unknown and
// resolves the ones that have since reached a terminal state. Its lifetime is
// bound to the context it is started with, not a free-running timer.
type Refresher struct {
	engine   *Engine
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRefresher creates a refresher driving the engine's reconciliation.
func NewRefresher(engine *Engine, interval time.Duration, log *logger.Logger) *Refresher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("settlement-refresher")
	}
	return &Refresher{engine: engine, interval: interval, log: log}
}

// Name identifies the refresher to the lifecycle manager.
func (r *Refresher) Name() string { return "settlement-refresher" }

// Start launches the refresh loop. Idempotent.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("settlement refresher started")
	return nil
}

// Stop halts the loop and waits for the in-flight tick, bounded by ctx.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Refresher) tick(ctx context.Context) {
	for _, pending := range r.engine.PendingSettlements() {
		outcome, err := r.engine.CheckSettlement(ctx, pending.ExternalTxID)
		if err != nil {
			if errors.Is(err, ErrUnknownSettlement) {
				continue // resolved concurrently
			}
			r.log.WithError(err).Warnf("reconciliation probe for %s failed", pending.ExternalTxID)
			continue
		}
		if outcome.FinalState != domain.StateTimedOutUnknown {
			r.log.WithFields(map[string]interface{}{
				"tx_id":    pending.ExternalTxID,
				"identity": pending.Identity,
				"state":    outcome.FinalState,
			}).Info("pending settlement resolved")
		}
	}
}
