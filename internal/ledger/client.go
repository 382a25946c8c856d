// Package ledger talks to the external token ledger: balances, mint metadata,
// transaction submission and confirmation.
package ledger

import (
	"context"        // Cancellation for ledger I/O
	"crypto/ed25519" // Signer keys
	"errors"         // Sentinel errors
)

// Ledger client errors
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionFailed   = errors.New("transaction failed on ledger")
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")
)

// MintInfo is the on-ledger metadata of a token mint
type MintInfo struct {
	Authority *PublicKey // Current minting authority, nil when supply is frozen
	Decimals  uint8      // Base-unit exponent
	Supply    uint64     // Total supply in base units
}

// TokenBalanceChange is a token account's balance before and after a transaction
type TokenBalanceChange struct {
	Account PublicKey
	Owner   PublicKey
	Mint    PublicKey
	Pre     uint64
	Post    uint64
}

// NativeBalanceChange is an account's native-currency balance before and after a transaction
type NativeBalanceChange struct {
	Account PublicKey
	Pre     uint64
	Post    uint64
}

// TransactionEffects summarises what a confirmed transaction did to balances
type TransactionEffects struct {
	Signature string
	Failed    bool
	Tokens    []TokenBalanceChange
	Native    []NativeBalanceChange
}

// TokenDelta returns how much the (owner, mint) token balance rose (positive) or fell (negative)
func (e *TransactionEffects) TokenDelta(owner, mint PublicKey) int64 {
	var delta int64
	for _, c := range e.Tokens {
		if c.Owner == owner && c.Mint == mint {
			delta += int64(c.Post) - int64(c.Pre)
		}
	}
	return delta
}

// NativeDelta returns the native balance change of account
func (e *TransactionEffects) NativeDelta(account PublicKey) int64 {
	var delta int64
	for _, c := range e.Native {
		if c.Account == account {
			delta += int64(c.Post) - int64(c.Pre)
		}
	}
	return delta
}

// Client is the set of ledger primitives the marketplace depends on
type Client interface {
	// AccountExists reports whether an account has been created on the ledger
	AccountExists(ctx context.Context, account PublicKey) (bool, error)
	// TokenAccountBalance returns the base-unit balance, or ErrAccountNotFound
	TokenAccountBalance(ctx context.Context, account PublicKey) (uint64, error)
	// MintInfo reads the mint's current authority and decimals
	MintInfo(ctx context.Context, mint PublicKey) (*MintInfo, error)
	// SendTransaction signs and submits instructions, returning the transaction signature
	SendTransaction(ctx context.Context, instructions []Instruction, signer ed25519.PrivateKey) (string, error)
	// ConfirmTransaction blocks until the transaction is confirmed, fails, or ctx ends
	ConfirmTransaction(ctx context.Context, signature string) error
	// TransactionEffects returns balance changes of a confirmed transaction
	TransactionEffects(ctx context.Context, signature string) (*TransactionEffects, error)
}
