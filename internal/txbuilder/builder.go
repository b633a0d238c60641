// Package txbuilder constructs unsigned native transfer transactions.
//
// Building is pure: the builder validates its inputs, binds the transfer to
// the supplied freshness checkpoint and returns an unsigned transaction.
// Signing is the wallet collaborator's responsibility.
package txbuilder

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"

	"github.com/handlebank/settlement-layer/internal/chain"
)

var (
	// ErrInvalidAmount is returned for zero, negative or sub-lamport amounts.
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	// ErrInvalidAddress is returned when an address is not valid base58.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidRecipient is returned when payer and recipient coincide.
	ErrInvalidRecipient = errors.New("payer and recipient must differ")
)

// UnsignedTransfer is a built but unsigned transfer instruction, bound to the
// checkpoint it was constructed against.
type UnsignedTransfer struct {
	Payer      string
	Recipient  string
	Amount     decimal.Decimal
	Lamports   uint64
	Checkpoint chain.Checkpoint
	tx         *solana.Transaction
}

// Base64 serializes the unsigned transaction for handoff to a signer.
func (t *UnsignedTransfer) Base64() (string, error) {
	return t.tx.ToBase64()
}

// Transaction exposes the underlying unsigned transaction.
func (t *UnsignedTransfer) Transaction() *solana.Transaction {
	return t.tx
}

// Build constructs an unsigned transfer of amount native units from payer to
// recipient, with payer as fee payer, bound to the given checkpoint.
func Build(payer, recipient string, amount decimal.Decimal, cp chain.Checkpoint) (*UnsignedTransfer, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	lamports, err := chain.AmountToLamports(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if lamports == 0 {
		return nil, ErrInvalidAmount
	}

	payerKey, err := solana.PublicKeyFromBase58(payer)
	if err != nil {
		return nil, fmt.Errorf("%w: payer %q", ErrInvalidAddress, payer)
	}
	recipientKey, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, recipient)
	}
	if payerKey.Equals(recipientKey) {
		return nil, ErrInvalidRecipient
	}

	blockhash, err := solana.HashFromBase58(cp.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint blockhash: %w", err)
	}

	transfer := system.NewTransferInstruction(lamports, payerKey, recipientKey).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer},
		blockhash,
		solana.TransactionPayer(payerKey),
	)
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	return &UnsignedTransfer{
		Payer:      payer,
		Recipient:  recipient,
		Amount:     amount,
		Lamports:   lamports,
		Checkpoint: cp,
		tx:         tx,
	}, nil
}

// ValidateAddress reports whether addr is a plausible on-chain address.
func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
