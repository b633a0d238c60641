package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/chain"
	domain "github.com/handlebank/settlement-layer/internal/domain/settlement"
	"github.com/handlebank/settlement-layer/internal/storage"
	"github.com/handlebank/settlement-layer/internal/storage/memory"
	"github.com/handlebank/settlement-layer/pkg/testutil"
)

const (
	testCustodial = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	testRecipient = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testBlockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"
)

func testConfig() Config {
	return Config{
		CustodialAddress:    testCustodial,
		ConfirmDeadline:     60 * time.Millisecond,
		ConfirmPollInterval: 5 * time.Millisecond,
		CheckpointRetries:   3,
		CheckpointBackoff:   time.Millisecond,
		ExplorerBaseURL:     "https://solscan.io/tx/",
	}
}

func newTestEngine(gw *testutil.MockGateway, store storage.LedgerStore) *Engine {
	return New(testConfig(), gw, store, testutil.NewMockSigner("c2lnbmVk"), nil)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEngine_DepositCreditsAfterConfirmation(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if outcome.FinalState != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", outcome.FinalState, outcome.Reason)
	}
	if !outcome.AppliedDelta.Equal(dec("2")) {
		t.Fatalf("expected applied delta 2, got %s", outcome.AppliedDelta)
	}
	if !outcome.NewBalance.Equal(dec("2")) {
		t.Fatalf("expected new balance 2, got %s", outcome.NewBalance)
	}
	if outcome.ExplorerURL != "https://solscan.io/tx/tx-1" {
		t.Fatalf("unexpected explorer url %q", outcome.ExplorerURL)
	}

	balance, err := store.Balance(context.Background(), "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(dec("2")) {
		t.Fatalf("expected ledger balance 2, got %s", balance)
	}
}

func TestEngine_DepositCreditedAtMostOnce(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	engine := newTestEngine(gw, store)

	// Both submissions resolve to the same external transaction ID.
	first, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	if !first.AppliedDelta.Equal(dec("2")) {
		t.Fatalf("expected first delta 2, got %s", first.AppliedDelta)
	}

	second, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if second.FinalState != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s", second.FinalState)
	}
	if !second.AppliedDelta.IsZero() {
		t.Fatalf("replayed settlement must not apply a delta, got %s", second.AppliedDelta)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("2")) {
		t.Fatalf("balance credited more than once: %s", balance)
	}
}

func TestEngine_DepositNoPrematureCredit(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StatePending}, nil)
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if outcome.FinalState != domain.StateTimedOutUnknown {
		t.Fatalf("expected timed out unknown, got %s", outcome.FinalState)
	}
	if !outcome.AppliedDelta.IsZero() {
		t.Fatalf("unconfirmed deposit must not credit, got delta %s", outcome.AppliedDelta)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.IsZero() {
		t.Fatalf("balance mutated before confirmation: %s", balance)
	}
	if len(engine.PendingSettlements()) != 1 {
		t.Fatalf("expected one pending settlement, got %d", len(engine.PendingSettlements()))
	}
}

func TestEngine_DepositRejectedByNetwork(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.QueueSubmit("", &chain.RejectedError{Code: -32002, Reason: "Blockhash not found"})
	// Consume the default submit first.
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StateConfirmed}, nil)
	engine := newTestEngine(gw, store)

	if _, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("1")); err != nil {
		t.Fatalf("first deposit: %v", err)
	}

	outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("1"))
	if err != nil {
		t.Fatalf("rejection is a settled failure, not an error: %v", err)
	}
	if outcome.FinalState != domain.StateFailed {
		t.Fatalf("expected failed, got %s", outcome.FinalState)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("1")) {
		t.Fatalf("rejected deposit must not change the ledger, got %s", balance)
	}
}

func TestEngine_DepositFailedOnChain(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StateFailedOnChain, ErrCode: `{"InstructionError":[0,{"Custom":1}]}`}, nil)
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if outcome.FinalState != domain.StateFailed {
		t.Fatalf("expected failed, got %s", outcome.FinalState)
	}
	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.IsZero() {
		t.Fatalf("failed deposit must not credit, got %s", balance)
	}
	if len(engine.PendingSettlements()) != 0 {
		t.Fatalf("terminal failure must not be tracked as pending")
	}
}

func TestEngine_CheckpointRetriesTransientFailures(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetCheckpoints()
	gw.QueueCheckpoint(chain.Checkpoint{}, fmt.Errorf("%w: connection refused", chain.ErrUpstreamUnavailable))
	gw.QueueCheckpoint(chain.Checkpoint{}, fmt.Errorf("%w: connection refused", chain.ErrUpstreamUnavailable))
	gw.QueueCheckpoint(chain.Checkpoint{Blockhash: testBlockhash, LastValidBlockHeight: 900}, nil)
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("1"))
	if err != nil {
		t.Fatalf("deposit should succeed on third checkpoint attempt: %v", err)
	}
	if outcome.FinalState != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome.FinalState)
	}
	if gw.CheckpointCalls != 3 {
		t.Fatalf("expected 3 checkpoint attempts, got %d", gw.CheckpointCalls)
	}
}

func TestEngine_CheckpointRetriesExhausted(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetCheckpoints()
	gw.QueueCheckpoint(chain.Checkpoint{}, fmt.Errorf("%w: connection refused", chain.ErrUpstreamUnavailable))
	engine := newTestEngine(gw, store)

	_, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("1"))
	if !errors.Is(err, ErrSettlementUnavailable) {
		t.Fatalf("expected ErrSettlementUnavailable, got %v", err)
	}
	if gw.CheckpointCalls != 3 {
		t.Fatalf("expected bounded retry of 3 attempts, got %d", gw.CheckpointCalls)
	}
	if gw.SubmitCalls != 0 {
		t.Fatalf("nothing may be submitted without a checkpoint")
	}
}

func TestEngine_CheckpointTerminalErrorFailsFast(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetCheckpoints()
	terminal := errors.New("rpc method not found")
	gw.QueueCheckpoint(chain.Checkpoint{}, terminal)
	engine := newTestEngine(gw, store)

	_, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("1"))
	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error surfaced directly, got %v", err)
	}
	if gw.CheckpointCalls != 1 {
		t.Fatalf("terminal checkpoint errors must not be retried, got %d attempts", gw.CheckpointCalls)
	}
}

func TestEngine_WithdrawalInsufficientBalance(t *testing.T) {
	store := memory.New()
	if err := store.SetBalance(context.Background(), "alice", dec("1")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	gw := testutil.NewMockGateway()
	signer := testutil.NewMockSigner("c2lnbmVk")
	engine := New(testConfig(), gw, store, signer, nil)

	_, err := engine.RequestWithdrawal(context.Background(), "alice", dec("2"), testRecipient)
	if !errors.Is(err, ErrInsufficientLedgerBalance) {
		t.Fatalf("expected ErrInsufficientLedgerBalance, got %v", err)
	}
	if signer.Calls != 0 {
		t.Fatalf("insufficient balance must be detected before signing")
	}
	if gw.SubmitCalls != 0 {
		t.Fatalf("insufficient balance must be detected before submission")
	}
}

func TestEngine_WithdrawalDebitsAfterConfirmation(t *testing.T) {
	store := memory.New()
	if err := store.SetBalance(context.Background(), "alice", dec("5")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	gw := testutil.NewMockGateway()
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestWithdrawal(context.Background(), "alice", dec("2"), testRecipient)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if outcome.FinalState != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s (%s)", outcome.FinalState, outcome.Reason)
	}
	if !outcome.AppliedDelta.Equal(dec("-2")) {
		t.Fatalf("expected applied delta -2, got %s", outcome.AppliedDelta)
	}
	if !outcome.NewBalance.Equal(dec("3")) {
		t.Fatalf("expected new balance 3, got %s", outcome.NewBalance)
	}
}

func TestEngine_WithdrawalTimeoutDoesNotDebit(t *testing.T) {
	store := memory.New()
	if err := store.SetBalance(context.Background(), "alice", dec("5")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	gw := testutil.NewMockGateway()
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StatePending}, nil)
	engine := newTestEngine(gw, store)

	outcome, err := engine.RequestWithdrawal(context.Background(), "alice", dec("2"), testRecipient)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if outcome.FinalState != domain.StateTimedOutUnknown {
		t.Fatalf("expected timed out unknown, got %s", outcome.FinalState)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("5")) {
		t.Fatalf("unknown outcome must not mutate the ledger, got %s", balance)
	}
	pending := engine.PendingSettlements()
	if len(pending) != 1 {
		t.Fatalf("expected one pending settlement, got %d", len(pending))
	}
	if !pending[0].Delta.Equal(dec("-2")) {
		t.Fatalf("pending withdrawal must record the debit, got %s", pending[0].Delta)
	}
}

func TestEngine_WithdrawalSigningRejected(t *testing.T) {
	store := memory.New()
	if err := store.SetBalance(context.Background(), "alice", dec("5")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	gw := testutil.NewMockGateway()
	signer := testutil.NewMockSigner("")
	signer.Err = ErrUserRejected
	engine := New(testConfig(), gw, store, signer, nil)

	_, err := engine.RequestWithdrawal(context.Background(), "alice", dec("2"), testRecipient)
	if !errors.Is(err, ErrUserRejected) {
		t.Fatalf("expected ErrUserRejected, got %v", err)
	}
	if gw.SubmitCalls != 0 {
		t.Fatalf("nothing may be submitted without a signature")
	}
	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("5")) {
		t.Fatalf("rejected signing must not change the ledger, got %s", balance)
	}
}

// Concurrent deposit and withdrawal on one identity must serialize at the
// ledger: starting from 2.5, a confirmed deposit of 3.0 and a confirmed
// withdrawal of 1.0 always end at 4.5 regardless of interleaving.
func TestEngine_ConcurrentSettlementsSerialize(t *testing.T) {
	store := memory.New()
	if err := store.SetBalance(context.Background(), "alice", dec("2.5")); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	gw := testutil.NewMockGateway()
	gw.QueueSubmit("tx-2", nil)
	engine := newTestEngine(gw, store)

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)

	go func() {
		defer wg.Done()
		outcome, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("3.0"))
		if err != nil {
			errs <- fmt.Errorf("deposit: %w", err)
			return
		}
		if outcome.FinalState != domain.StateConfirmed {
			errs <- fmt.Errorf("deposit state %s: %s", outcome.FinalState, outcome.Reason)
		}
	}()
	go func() {
		defer wg.Done()
		outcome, err := engine.RequestWithdrawal(context.Background(), "alice", dec("1.0"), testRecipient)
		if err != nil {
			errs <- fmt.Errorf("withdrawal: %w", err)
			return
		}
		if outcome.FinalState != domain.StateConfirmed {
			errs <- fmt.Errorf("withdrawal state %s: %s", outcome.FinalState, outcome.Reason)
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("4.5")) {
		t.Fatalf("expected final balance 4.5, got %s", balance)
	}
	entries, _ := store.Entries(context.Background(), "alice")
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
}

func TestEngine_CheckSettlementResolvesPendingDeposit(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StatePending}, nil)
	engine := newTestEngine(gw, store)

	timedOut, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if timedOut.FinalState != domain.StateTimedOutUnknown {
		t.Fatalf("expected timed out unknown, got %s", timedOut.FinalState)
	}

	// The transfer landed after the deadline.
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StateConfirmed, Slot: 42}, nil)

	outcome, err := engine.CheckSettlement(context.Background(), timedOut.ExternalTxID)
	if err != nil {
		t.Fatalf("check settlement: %v", err)
	}
	if outcome.FinalState != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome.FinalState)
	}
	if !outcome.AppliedDelta.Equal(dec("2")) {
		t.Fatalf("expected credit of 2, got %s", outcome.AppliedDelta)
	}
	if len(engine.PendingSettlements()) != 0 {
		t.Fatalf("resolved settlement must be dropped from pending")
	}

	if _, err := engine.CheckSettlement(context.Background(), timedOut.ExternalTxID); !errors.Is(err, ErrUnknownSettlement) {
		t.Fatalf("expected ErrUnknownSettlement after resolution, got %v", err)
	}

	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.Equal(dec("2")) {
		t.Fatalf("expected balance 2 after reconciliation, got %s", balance)
	}
}

func TestEngine_CheckSettlementExpiredCheckpoint(t *testing.T) {
	store := memory.New()
	gw := testutil.NewMockGateway()
	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StatePending}, nil)
	engine := newTestEngine(gw, store)

	timedOut, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("2"))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	gw.ResetConfirmations()
	gw.QueueConfirmation(chain.Confirmation{State: chain.StateCheckpointExpired}, nil)

	outcome, err := engine.CheckSettlement(context.Background(), timedOut.ExternalTxID)
	if err != nil {
		t.Fatalf("check settlement: %v", err)
	}
	if outcome.FinalState != domain.StateFailed {
		t.Fatalf("expected failed once the validity window closed, got %s", outcome.FinalState)
	}
	if len(engine.PendingSettlements()) != 0 {
		t.Fatalf("expired settlement must be dropped from pending")
	}
	balance, _ := store.Balance(context.Background(), "alice")
	if !balance.IsZero() {
		t.Fatalf("expired deposit must not credit, got %s", balance)
	}
}

type failingStore struct {
	storage.LedgerStore
}

func (failingStore) Balance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, storage.ErrLedgerUnavailable
}

func TestEngine_DisplayBalanceDegradesIndependently(t *testing.T) {
	ctx := context.Background()

	t.Run("external unavailable", func(t *testing.T) {
		store := memory.New()
		if err := store.SetBalance(ctx, "alice", dec("7")); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
		gw := testutil.NewMockGateway()
		gw.SetBalance(decimal.Zero, chain.ErrUpstreamUnavailable)
		engine := newTestEngine(gw, store)

		view, err := engine.DisplayBalance(ctx, "alice", testRecipient)
		if err != nil {
			t.Fatalf("display balance must not fail as a unit: %v", err)
		}
		if !view.OffChainOK || !view.OffChain.Equal(dec("7")) {
			t.Fatalf("off-chain side must still resolve: %+v", view)
		}
		if view.ExternalOK || view.ExternalErr == "" {
			t.Fatalf("external side must degrade with an error marker: %+v", view)
		}
	})

	t.Run("ledger unavailable", func(t *testing.T) {
		gw := testutil.NewMockGateway()
		gw.SetBalance(dec("1.5"), nil)
		engine := newTestEngine(gw, failingStore{})

		view, err := engine.DisplayBalance(ctx, "alice", testRecipient)
		if err != nil {
			t.Fatalf("display balance must not fail as a unit: %v", err)
		}
		if view.OffChainOK || view.OffChainErr == "" {
			t.Fatalf("off-chain side must degrade with an error marker: %+v", view)
		}
		if !view.ExternalOK || !view.External.Equal(dec("1.5")) {
			t.Fatalf("external side must still resolve: %+v", view)
		}
	})
}

func TestEngine_DepositValidation(t *testing.T) {
	engine := newTestEngine(testutil.NewMockGateway(), memory.New())

	if _, err := engine.RequestDeposit(context.Background(), "", "dGVzdA==", dec("1")); !errors.Is(err, storage.ErrEmptyIdentity) {
		t.Fatalf("expected ErrEmptyIdentity, got %v", err)
	}
	if _, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("0")); err == nil {
		t.Fatalf("expected error for non-positive amount")
	}
	if _, err := engine.RequestDeposit(context.Background(), "alice", "dGVzdA==", dec("-1")); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := engine.RequestDeposit(context.Background(), "alice", "", dec("1")); err == nil {
		t.Fatalf("expected error for missing signed transaction")
	}
}
