// Package memledger provides an in-memory ledger that executes token instructions. It backs
// LEDGER_MODE=memory local runs and the test suites.
package memledger

import (
	"context"        // Client interface signatures
	"crypto/ed25519" // Signer keys
	"errors"         // Sentinel errors
	"fmt"            // Error formatting
	"sync"           // Guards ledger state
	"time"           // Stalled sends

	"github.com/google/uuid"    // Unique transaction ids
	"github.com/mr-tron/base58" // Signature encoding

	"marketplace/internal/ledger"
)

// Errors produced by instruction execution
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMissingSignature  = errors.New("missing required signature")
	ErrBadAuthority      = errors.New("owner does not match")
	ErrUnknownProgram    = errors.New("unsupported program")
)

type tokenAccount struct {
	owner   ledger.PublicKey
	mint    ledger.PublicKey
	balance uint64
}

type mint struct {
	authority *ledger.PublicKey
	decimals  uint8
	supply    uint64
}

// Ledger is a single-node, instantly confirming ledger. The zero value is not usable; call New.
type Ledger struct {
	mu       sync.Mutex
	accounts map[ledger.PublicKey]*tokenAccount
	native   map[ledger.PublicKey]uint64
	mints    map[ledger.PublicKey]*mint
	txs      map[string]*ledger.TransactionEffects

	// Failure injection, consulted on every call
	SendErr    func(instructions []ledger.Instruction) error
	ConfirmErr func(signature string) error

	sends     int
	stallLeft int
	stallFor  time.Duration
}

// New returns an empty ledger
func New() *Ledger {
	return &Ledger{
		accounts: map[ledger.PublicKey]*tokenAccount{},
		native:   map[ledger.PublicKey]uint64{},
		mints:    map[ledger.PublicKey]*mint{},
		txs:      map[string]*ledger.TransactionEffects{},
	}
}

var _ ledger.Client = (*Ledger)(nil)

// NewKey returns a fresh random signer and its address
func NewKey() (ed25519.PrivateKey, ledger.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return priv, ledger.PublicKeyFromEd25519(pub)
}

// CreateMint registers a mint controlled by authority (nil freezes supply)
func (l *Ledger) CreateMint(address ledger.PublicKey, authority *ledger.PublicKey, decimals uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[address] = &mint{authority: authority, decimals: decimals}
}

// SetMintAuthority changes a mint's authority, as an external revocation would
func (l *Ledger) SetMintAuthority(address ledger.PublicKey, authority *ledger.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.mints[address]; ok {
		m.authority = authority
	}
}

// Credit creates the associated token account if needed and adds base units to it
func (l *Ledger) Credit(owner, mintAddr ledger.PublicKey, amount uint64) ledger.PublicKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	ata, _ := ledger.FindAssociatedTokenAddress(owner, mintAddr)
	acc := l.ensureAccount(ata, owner, mintAddr)
	acc.balance += amount
	return ata
}

// SetNative sets an account's native balance
func (l *Ledger) SetNative(account ledger.PublicKey, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.native[account] = amount
}

// Balance returns the base-unit balance of owner's associated account for mint
func (l *Ledger) Balance(owner, mintAddr ledger.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ata, _ := ledger.FindAssociatedTokenAddress(owner, mintAddr)
	if acc, ok := l.accounts[ata]; ok {
		return acc.balance
	}
	return 0
}

// Sends returns the number of transactions that executed successfully
func (l *Ledger) Sends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sends
}

// Transfer moves tokens between owners' associated accounts as a signed user transaction
// outside the service, returning its signature.
func (l *Ledger) Transfer(from, to, mintAddr ledger.PublicKey, amount uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, _ := ledger.FindAssociatedTokenAddress(from, mintAddr)
	dst, _ := ledger.FindAssociatedTokenAddress(to, mintAddr)
	ix := []ledger.Instruction{
		ledger.NewCreateAssociatedTokenAccountInstruction(from, dst, to, mintAddr),
		ledger.NewTransferInstruction(src, dst, from, amount),
	}
	return l.execute(ix, from)
}

// PayNative moves native currency between accounts, returning the signature
func (l *Ledger) PayNative(from, to ledger.PublicKey, amount uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.native[from] < amount {
		return "", ErrInsufficientFunds
	}
	fx := &ledger.TransactionEffects{Signature: newSignature()}
	fx.Native = []ledger.NativeBalanceChange{
		{Account: from, Pre: l.native[from], Post: l.native[from] - amount},
		{Account: to, Pre: l.native[to], Post: l.native[to] + amount},
	}
	l.native[from] -= amount
	l.native[to] += amount
	l.txs[fx.Signature] = fx
	return fx.Signature, nil
}

// AccountExists implements ledger.Client
func (l *Ledger) AccountExists(_ context.Context, account ledger.PublicKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, isToken := l.accounts[account]
	_, isMint := l.mints[account]
	return isToken || isMint, nil
}

// TokenAccountBalance implements ledger.Client
func (l *Ledger) TokenAccountBalance(_ context.Context, account ledger.PublicKey) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[account]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return acc.balance, nil
}

// MintInfo implements ledger.Client
func (l *Ledger) MintInfo(_ context.Context, address ledger.PublicKey) (*ledger.MintInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mints[address]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	info := &ledger.MintInfo{Decimals: m.decimals, Supply: m.supply}
	if m.authority != nil {
		a := *m.authority
		info.Authority = &a
	}
	return info, nil
}

// SendTransaction implements ledger.Client. Instructions execute atomically: on any failure no
// balance changes.
func (l *Ledger) SendTransaction(ctx context.Context, instructions []ledger.Instruction, signer ed25519.PrivateKey) (string, error) {
	if err := l.stall(ctx); err != nil {
		return "", err
	}
	if l.SendErr != nil {
		if err := l.SendErr(instructions); err != nil {
			return "", err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.execute(instructions, ledger.PublicKeyFromEd25519(signer.Public().(ed25519.PublicKey)))
}

// StallSends makes the next n sends hang for d before executing, like a slow node. A stalled send
// whose context ends first returns the context error and executes nothing.
func (l *Ledger) StallSends(n int, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stallLeft, l.stallFor = n, d
}

func (l *Ledger) stall(ctx context.Context) error {
	l.mu.Lock()
	if l.stallLeft == 0 {
		l.mu.Unlock()
		return nil
	}
	l.stallLeft--
	d := l.stallFor
	l.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfirmTransaction implements ledger.Client
func (l *Ledger) ConfirmTransaction(_ context.Context, signature string) error {
	if l.ConfirmErr != nil {
		if err := l.ConfirmErr(signature); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[signature]; !ok {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

// TransactionEffects implements ledger.Client
func (l *Ledger) TransactionEffects(_ context.Context, signature string) (*ledger.TransactionEffects, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fx, ok := l.txs[signature]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	out := *fx
	return &out, nil
}

func (l *Ledger) ensureAccount(address, owner, mintAddr ledger.PublicKey) *tokenAccount {
	acc, ok := l.accounts[address]
	if !ok {
		acc = &tokenAccount{owner: owner, mint: mintAddr}
		l.accounts[address] = acc
	}
	return acc
}

// execute runs instructions against a scratch copy and commits only if all succeed.
// Caller holds l.mu.
func (l *Ledger) execute(instructions []ledger.Instruction, signer ledger.PublicKey) (string, error) {
	scratch := make(map[ledger.PublicKey]tokenAccount, len(l.accounts))
	for k, v := range l.accounts {
		scratch[k] = *v
	}
	supply := map[ledger.PublicKey]uint64{}
	pre := map[ledger.PublicKey]uint64{}
	touched := []ledger.PublicKey{}
	note := func(pk ledger.PublicKey) {
		if _, ok := pre[pk]; ok {
			return
		}
		pre[pk] = scratch[pk].balance
		touched = append(touched, pk)
	}
	signed := func(pk ledger.PublicKey) bool { return pk == signer }

	for i, ix := range instructions {
		switch ix.ProgramID {
		case ledger.AssociatedTokenProgramID:
			if len(ix.Accounts) < 4 || !signed(ix.Accounts[0].PublicKey) {
				return "", fmt.Errorf("instruction %d: %w", i, ErrMissingSignature)
			}
			addr, owner, mintAddr := ix.Accounts[1].PublicKey, ix.Accounts[2].PublicKey, ix.Accounts[3].PublicKey
			if want, _ := ledger.FindAssociatedTokenAddress(owner, mintAddr); want != addr {
				return "", fmt.Errorf("instruction %d: associated address mismatch", i)
			}
			if _, ok := scratch[addr]; !ok {
				scratch[addr] = tokenAccount{owner: owner, mint: mintAddr}
			}
			note(addr)
		case ledger.TokenProgramID:
			tag, amount, ok := ledger.DecodeAmountInstruction(ix.Data)
			if !ok || len(ix.Accounts) < 3 {
				return "", fmt.Errorf("instruction %d: malformed token instruction", i)
			}
			switch tag {
			case ledger.TokenInstructionMintTo:
				mintAddr, dst, auth := ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, ix.Accounts[2].PublicKey
				m, ok := l.mints[mintAddr]
				if !ok {
					return "", fmt.Errorf("instruction %d: %w", i, ledger.ErrAccountNotFound)
				}
				if m.authority == nil || *m.authority != auth || !signed(auth) {
					return "", fmt.Errorf("instruction %d: %w", i, ErrBadAuthority)
				}
				acc, ok := scratch[dst]
				if !ok || acc.mint != mintAddr {
					return "", fmt.Errorf("instruction %d: destination %w", i, ledger.ErrAccountNotFound)
				}
				note(dst)
				acc.balance += amount
				scratch[dst] = acc
				supply[mintAddr] += amount
			case ledger.TokenInstructionTransfer:
				src, dst, owner := ix.Accounts[0].PublicKey, ix.Accounts[1].PublicKey, ix.Accounts[2].PublicKey
				from, ok := scratch[src]
				if !ok {
					return "", fmt.Errorf("instruction %d: source %w", i, ledger.ErrAccountNotFound)
				}
				to, ok := scratch[dst]
				if !ok || to.mint != from.mint {
					return "", fmt.Errorf("instruction %d: destination %w", i, ledger.ErrAccountNotFound)
				}
				if from.owner != owner || !signed(owner) {
					return "", fmt.Errorf("instruction %d: %w", i, ErrBadAuthority)
				}
				if from.balance < amount {
					return "", fmt.Errorf("instruction %d: %w", i, ErrInsufficientFunds)
				}
				note(src)
				note(dst)
				from.balance -= amount
				scratch[src] = from
				to = scratch[dst]
				to.balance += amount
				scratch[dst] = to
			default:
				return "", fmt.Errorf("instruction %d: %w: token tag %d", i, ErrUnknownProgram, tag)
			}
		default:
			return "", fmt.Errorf("instruction %d: %w", i, ErrUnknownProgram)
		}
	}

	fx := &ledger.TransactionEffects{Signature: newSignature()}
	for _, pk := range touched {
		acc := scratch[pk]
		fx.Tokens = append(fx.Tokens, ledger.TokenBalanceChange{
			Account: pk, Owner: acc.owner, Mint: acc.mint, Pre: pre[pk], Post: acc.balance,
		})
	}
	for k, v := range scratch {
		v := v
		l.accounts[k] = &v
	}
	for k, n := range supply {
		l.mints[k].supply += n
	}
	l.txs[fx.Signature] = fx
	l.sends++
	return fx.Signature, nil
}

// newSignature returns a unique 64-byte base58 signature
func newSignature() string {
	raw := make([]byte, 0, 64)
	for len(raw) < 64 {
		id := uuid.New()
		raw = append(raw, id[:]...)
	}
	return base58.Encode(raw)
}
