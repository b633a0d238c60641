package txbuilder

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/chain"
)

const (
	payerAddr     = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	recipientAddr = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	blockhash     = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"
)

func testCheckpoint() chain.Checkpoint {
	return chain.Checkpoint{Blockhash: blockhash, LastValidBlockHeight: 5000}
}

func TestBuild_Transfer(t *testing.T) {
	amount := decimal.RequireFromString("1.5")
	transfer, err := Build(payerAddr, recipientAddr, amount, testCheckpoint())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if transfer.Lamports != 1_500_000_000 {
		t.Fatalf("expected 1500000000 lamports, got %d", transfer.Lamports)
	}
	if transfer.Payer != payerAddr || transfer.Recipient != recipientAddr {
		t.Fatalf("unexpected parties: %s -> %s", transfer.Payer, transfer.Recipient)
	}
	if transfer.Checkpoint != testCheckpoint() {
		t.Fatalf("transfer must stay bound to its checkpoint: %+v", transfer.Checkpoint)
	}

	tx := transfer.Transaction()
	if tx == nil {
		t.Fatalf("expected an underlying transaction")
	}
	if got := tx.Message.RecentBlockhash.String(); got != blockhash {
		t.Fatalf("expected recent blockhash %s, got %s", blockhash, got)
	}
	if feePayer := tx.Message.AccountKeys[0].String(); feePayer != payerAddr {
		t.Fatalf("expected payer as fee payer, got %s", feePayer)
	}

	encoded, err := transfer.Base64()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if encoded == "" {
		t.Fatalf("expected non-empty serialized transaction")
	}
}

func TestBuild_RejectsNonPositiveAmounts(t *testing.T) {
	for _, raw := range []string{"0", "-1", "-0.000000001"} {
		if _, err := Build(payerAddr, recipientAddr, decimal.RequireFromString(raw), testCheckpoint()); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestBuild_RejectsSubLamportPrecision(t *testing.T) {
	amount := decimal.RequireFromString("0.0000000005")
	if _, err := Build(payerAddr, recipientAddr, amount, testCheckpoint()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for sub-lamport amount, got %v", err)
	}
}

func TestBuild_RejectsBadAddresses(t *testing.T) {
	amount := decimal.NewFromInt(1)

	if _, err := Build("not-base58-0OIl", recipientAddr, amount, testCheckpoint()); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for payer, got %v", err)
	}
	if _, err := Build(payerAddr, "", amount, testCheckpoint()); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress for recipient, got %v", err)
	}
	if _, err := Build(payerAddr, payerAddr, amount, testCheckpoint()); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient for self transfer, got %v", err)
	}
}

func TestBuild_RejectsBadCheckpoint(t *testing.T) {
	cp := chain.Checkpoint{Blockhash: "bogus", LastValidBlockHeight: 1}
	if _, err := Build(payerAddr, recipientAddr, decimal.NewFromInt(1), cp); err == nil {
		t.Fatalf("expected error for invalid blockhash")
	}
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress(payerAddr); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	if err := ValidateAddress("nope"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
