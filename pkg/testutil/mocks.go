// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/chain"
	"github.com/handlebank/settlement-layer/internal/txbuilder"
)

// MockGateway is a scriptable chain gateway for engine and watcher tests.
// Responses are consumed in order; when a queue runs out the last scripted
// response repeats.
type MockGateway struct {
	mu sync.Mutex

	checkpoints   []checkpointStep
	checkpointIdx int
	submitResults []submitStep
	submitIdx     int
	confirmations []probeStep
	confirmIdx    int
	balance       decimal.Decimal
	balanceErr    error

	CheckpointCalls int
	SubmitCalls     int
	ProbeCalls      int
	Submitted       []string
}

type checkpointStep struct {
	cp  chain.Checkpoint
	err error
}

type submitStep struct {
	txID string
	err  error
}

type probeStep struct {
	conf chain.Confirmation
	err  error
}

// NewMockGateway creates a gateway that confirms everything immediately with
// sensible defaults; tests override behavior with the Queue methods.
func NewMockGateway() *MockGateway {
	g := &MockGateway{}
	g.QueueCheckpoint(chain.Checkpoint{Blockhash: "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N", LastValidBlockHeight: 1000}, nil)
	g.QueueSubmit("tx-1", nil)
	g.QueueConfirmation(chain.Confirmation{State: chain.StateConfirmed}, nil)
	return g
}

// QueueCheckpoint appends a LatestCheckpoint response.
func (g *MockGateway) QueueCheckpoint(cp chain.Checkpoint, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkpoints = append(g.checkpoints, checkpointStep{cp: cp, err: err})
}

// ResetCheckpoints clears scripted LatestCheckpoint responses.
func (g *MockGateway) ResetCheckpoints() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkpoints = nil
	g.checkpointIdx = 0
}

// QueueSubmit appends a SubmitTransaction response.
func (g *MockGateway) QueueSubmit(txID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitResults = append(g.submitResults, submitStep{txID: txID, err: err})
}

// QueueConfirmation appends a ProbeConfirmation response.
func (g *MockGateway) QueueConfirmation(conf chain.Confirmation, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmations = append(g.confirmations, probeStep{conf: conf, err: err})
}

// ResetConfirmations clears scripted ProbeConfirmation responses.
func (g *MockGateway) ResetConfirmations() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmations = nil
	g.confirmIdx = 0
}

// SetBalance scripts the AddressBalance response.
func (g *MockGateway) SetBalance(balance decimal.Decimal, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = balance
	g.balanceErr = err
}

// LatestCheckpoint returns the next scripted checkpoint.
func (g *MockGateway) LatestCheckpoint(_ context.Context) (chain.Checkpoint, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CheckpointCalls++
	step := g.checkpoints[lastIdx(g.checkpointIdx, len(g.checkpoints))]
	g.checkpointIdx++
	return step.cp, step.err
}

// SubmitTransaction records the submission and returns the next scripted
// result.
func (g *MockGateway) SubmitTransaction(_ context.Context, signedTxBase64 string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SubmitCalls++
	g.Submitted = append(g.Submitted, signedTxBase64)
	step := g.submitResults[lastIdx(g.submitIdx, len(g.submitResults))]
	g.submitIdx++
	return step.txID, step.err
}

// ProbeConfirmation returns the next scripted confirmation.
func (g *MockGateway) ProbeConfirmation(_ context.Context, _ string, _ chain.Checkpoint) (chain.Confirmation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ProbeCalls++
	step := g.confirmations[lastIdx(g.confirmIdx, len(g.confirmations))]
	g.confirmIdx++
	return step.conf, step.err
}

// AddressBalance returns the scripted balance.
func (g *MockGateway) AddressBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, g.balanceErr
}

// MockSigner signs by returning a fixed payload; tests can script a failure.
type MockSigner struct {
	mu     sync.Mutex
	Signed string
	Err    error
	Calls  int
}

// NewMockSigner creates a signer returning the given signed transaction.
func NewMockSigner(signed string) *MockSigner {
	return &MockSigner{Signed: signed}
}

// Sign returns the scripted signed transaction or error.
func (s *MockSigner) Sign(_ context.Context, _ *txbuilder.UnsignedTransfer) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	if s.Err != nil {
		return "", s.Err
	}
	return s.Signed, nil
}

func lastIdx(i, n int) int {
	if i >= n {
		return n - 1
	}
	return i
}
