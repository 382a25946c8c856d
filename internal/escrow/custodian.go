// Package escrow moves tokens on behalf of the service authority: minting to users, paying out
// escrowed listing tokens to buyers, and verifying deposits and payments after the fact.
package escrow

import (
	"context"        // Ledger I/O cancellation
	"crypto/ed25519" // Authority key
	"errors"         // Error inspection
	"fmt"            // Error formatting
	"math"           // Overflow bounds
	"time"           // Confirmation timeout

	"github.com/mr-tron/base58"     // Secret key decoding
	"github.com/shopspring/decimal" // Token and native amounts
	"github.com/sirupsen/logrus"    // Audit logging
	"golang.org/x/sync/errgroup"    // Concurrent balance reads

	"marketplace/internal/domain"  // Assets and errors
	"marketplace/internal/ledger"  // Ledger client and instructions
	"marketplace/internal/metrics" // Ledger operation counters
)

// NativeDecimals is the exponent of the ledger's native currency
const NativeDecimals = 9

// DefaultConfirmTimeout bounds every confirmation wait when Options leaves it unset
const DefaultConfirmTimeout = 60 * time.Second

// Authority is the service key that owns every escrow account and holds mint authority
type Authority struct {
	Key    ed25519.PrivateKey
	Public ledger.PublicKey
}

// NewAuthority decodes a base58 secret key: 64 bytes (seed followed by public key) or a 32-byte seed
func NewAuthority(secret string) (*Authority, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("authority key is not base58: %w", err)
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key := ed25519.PrivateKey(raw)
		// The trailing half must be the public key of the seed
		derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !derived.Equal(key) {
			return nil, errors.New("authority key public half does not match its seed")
		}
		return AuthorityFromKey(key), nil
	case ed25519.SeedSize:
		return AuthorityFromKey(ed25519.NewKeyFromSeed(raw)), nil
	}
	return nil, fmt.Errorf("authority key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
}

// AuthorityFromKey wraps an existing key
func AuthorityFromKey(key ed25519.PrivateKey) *Authority {
	return &Authority{Key: key, Public: ledger.PublicKeyFromEd25519(key.Public().(ed25519.PublicKey))}
}

// Options tunes a Custodian
type Options struct {
	ConfirmTimeout time.Duration
	Metrics        *metrics.Metrics
}

// Custodian performs every fund movement the service authority signs
type Custodian struct {
	client    ledger.Client
	authority *Authority
	assets    *domain.AssetRegistry
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// New returns a Custodian signing with authority
func New(client ledger.Client, authority *Authority, assets *domain.AssetRegistry, opts Options) *Custodian {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Custodian{client: client, authority: authority, assets: assets, timeout: opts.ConfirmTimeout, metrics: opts.Metrics}
}

// Authority returns the escrow owner address
func (c *Custodian) Authority() ledger.PublicKey {
	return c.authority.Public
}

// TokenAccount is an owner's token sub-account for one asset
type TokenAccount struct {
	Address       ledger.PublicKey
	Owner         ledger.PublicKey
	NeedsCreation bool // Not on the ledger yet; the next transaction must create it
}

// ResolveOrCreateTokenAccount derives owner's account for asset and reports whether it still has
// to be created. Creation is folded into the caller's transaction via createIfNeeded.
func (c *Custodian) ResolveOrCreateTokenAccount(ctx context.Context, asset domain.Asset, owner ledger.PublicKey) (TokenAccount, error) {
	address, err := ledger.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return TokenAccount{}, domain.Wrap(domain.ErrInvalidAddress, err)
	}
	exists, err := c.client.AccountExists(ctx, address)
	if err != nil {
		return TokenAccount{}, domain.Wrap(domain.ErrLedgerUnavailable, err)
	}
	return TokenAccount{Address: address, Owner: owner, NeedsCreation: !exists}, nil
}

// createIfNeeded returns the idempotent creation instruction for acc when it is missing
func (c *Custodian) createIfNeeded(asset domain.Asset, acc TokenAccount) []ledger.Instruction {
	if !acc.NeedsCreation {
		return nil
	}
	return []ledger.Instruction{ledger.NewCreateAssociatedTokenAccountInstruction(c.authority.Public, acc.Address, acc.Owner, asset.Mint)}
}

// MintToUser mints amount whole tokens of asset to recipient in one transaction and waits for
// confirmation. It never retries: a resubmitted mint could land twice.
func (c *Custodian) MintToUser(ctx context.Context, asset domain.Asset, recipient ledger.PublicKey, amount uint64) (string, error) {
	sig, err := c.mintToUser(ctx, asset, recipient, amount)
	c.metrics.LedgerOp("mint", err)
	return sig, err
}

func (c *Custodian) mintToUser(ctx context.Context, asset domain.Asset, recipient ledger.PublicKey, amount uint64) (string, error) {
	units, err := asset.ToBaseUnits(amount)
	if err != nil || amount == 0 {
		return "", domain.Wrap(domain.ErrInvalidAmount, err)
	}
	// Authority can be revoked externally, so read it fresh every time
	info, err := c.client.MintInfo(ctx, asset.Mint)
	if err != nil {
		return "", domain.Wrap(domain.ErrMintFailed, err)
	}
	if info.Authority == nil || *info.Authority != c.authority.Public {
		logrus.WithFields(logrus.Fields{
			"token":     asset.Type,
			"mint":      asset.Mint.String(),
			"authority": c.authority.Public.String(),
		}).Error("Mint authority mismatch")
		return "", domain.ErrAuthorityMismatch
	}
	dest, err := c.ResolveOrCreateTokenAccount(ctx, asset, recipient)
	if err != nil {
		return "", err
	}
	ixs := append(c.createIfNeeded(asset, dest), ledger.NewMintToInstruction(asset.Mint, dest.Address, c.authority.Public, units))
	sig, err := c.submit(ctx, ixs, domain.ErrMintFailed)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"token":     asset.Type,
		"recipient": recipient.String(),
		"amount":    amount,
		"signature": sig,
	}).Info("Tokens minted")
	return sig, nil
}

// SettleFromEscrow pays amount whole tokens of asset from the escrow account to buyer. The
// returned signature is only produced once the ledger has confirmed the transfer.
func (c *Custodian) SettleFromEscrow(ctx context.Context, asset domain.Asset, buyer ledger.PublicKey, amount uint64) (string, error) {
	sig, err := c.settleFromEscrow(ctx, asset, buyer, amount)
	c.metrics.LedgerOp("settle", err)
	return sig, err
}

func (c *Custodian) settleFromEscrow(ctx context.Context, asset domain.Asset, buyer ledger.PublicKey, amount uint64) (string, error) {
	units, err := asset.ToBaseUnits(amount)
	if err != nil || amount == 0 {
		return "", domain.Wrap(domain.ErrEscrowTransferFailed, err)
	}
	escrowAcc, err := ledger.FindAssociatedTokenAddress(c.authority.Public, asset.Mint)
	if err != nil {
		return "", domain.Wrap(domain.ErrEscrowTransferFailed, err)
	}
	// Fail fast on an obviously short escrow; the ledger still has the final say
	held, err := c.ReadBalance(ctx, asset, c.authority.Public)
	if err != nil {
		return "", domain.Wrap(domain.ErrEscrowTransferFailed, err)
	}
	if held < units {
		return "", domain.Wrap(domain.ErrEscrowTransferFailed, fmt.Errorf("escrow holds %d base units, need %d", held, units))
	}
	dest, err := c.ResolveOrCreateTokenAccount(ctx, asset, buyer)
	if err != nil {
		return "", domain.Wrap(domain.ErrEscrowTransferFailed, err)
	}
	ixs := append(c.createIfNeeded(asset, dest), ledger.NewTransferInstruction(escrowAcc, dest.Address, c.authority.Public, units))
	sig, err := c.submit(ctx, ixs, domain.ErrEscrowTransferFailed)
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"token":     asset.Type,
		"buyer":     buyer.String(),
		"amount":    amount,
		"signature": sig,
	}).Info("Escrow settled")
	return sig, nil
}

// submit sends instructions signed by the authority and waits a bounded time for confirmation.
// Any failure, including a timeout, is reported as sentinel.
func (c *Custodian) submit(ctx context.Context, ixs []ledger.Instruction, sentinel *domain.Error) (string, error) {
	sig, err := c.client.SendTransaction(ctx, ixs, c.authority.Key)
	if err != nil {
		logrus.WithError(err).WithField("operation", sentinel.Code).Error("Ledger submission failed")
		return "", domain.Wrap(sentinel, err)
	}
	confirmCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.ConfirmTransaction(confirmCtx, sig); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ledger.ErrConfirmationTimeout
		}
		logrus.WithError(err).WithFields(logrus.Fields{"operation": sentinel.Code, "signature": sig}).Error("Ledger confirmation failed")
		return "", domain.Wrap(sentinel, err)
	}
	return sig, nil
}

// ReadBalance returns owner's base-unit balance of asset; a missing account reads as zero
func (c *Custodian) ReadBalance(ctx context.Context, asset domain.Asset, owner ledger.PublicKey) (uint64, error) {
	address, err := ledger.FindAssociatedTokenAddress(owner, asset.Mint)
	if err != nil {
		return 0, nil // No derivable account, nothing can be held there
	}
	units, err := c.client.TokenAccountBalance(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Wrap(domain.ErrLedgerUnavailable, err)
	}
	return units, nil
}

// EscrowBalance returns the base units currently held in asset's escrow account
func (c *Custodian) EscrowBalance(ctx context.Context, asset domain.Asset) (uint64, error) {
	return c.ReadBalance(ctx, asset, c.authority.Public)
}

// Balances reads owner's balance of every asset concurrently, in whole-token decimals. Assets
// without a configured mint report zero.
func (c *Custodian) Balances(ctx context.Context, owner ledger.PublicKey) (map[domain.AssetType]decimal.Decimal, error) {
	configured := c.assets.Configured()
	results := make([]decimal.Decimal, len(configured))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range configured {
		g.Go(func() error {
			units, err := c.ReadBalance(gctx, asset, owner)
			if err != nil {
				return err
			}
			results[i] = asset.FromBaseUnits(units)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[domain.AssetType]decimal.Decimal, len(domain.AssetTypes))
	for _, t := range domain.AssetTypes {
		out[t] = decimal.Zero
	}
	for i, asset := range configured {
		out[asset.Type] = results[i]
	}
	return out, nil
}

// EscrowInfo tells a seller where to deposit asset
type EscrowInfo struct {
	TokenType       domain.AssetType `json:"tokenType"`
	TokenMint       string           `json:"tokenMint"`
	EscrowAuthority string           `json:"escrowAuthority"`
	EscrowAccount   string           `json:"escrowAccount"`
}

// EscrowInfo returns the escrow owner and token account for asset
func (c *Custodian) EscrowInfo(asset domain.Asset) (EscrowInfo, error) {
	account, err := ledger.FindAssociatedTokenAddress(c.authority.Public, asset.Mint)
	if err != nil {
		return EscrowInfo{}, domain.Wrap(domain.ErrLedgerUnavailable, err)
	}
	return EscrowInfo{
		TokenType:       asset.Type,
		TokenMint:       asset.Mint.String(),
		EscrowAuthority: c.authority.Public.String(),
		EscrowAccount:   account.String(),
	}, nil
}

// VerifyDeposit checks that signature is a successful transaction that moved at least amount
// whole tokens of asset from seller into the escrow account
func (c *Custodian) VerifyDeposit(ctx context.Context, asset domain.Asset, seller ledger.PublicKey, signature string, amount uint64) error {
	units, err := asset.ToBaseUnits(amount)
	if err != nil || units > math.MaxInt64 {
		return domain.Wrap(domain.ErrInvalidAmount, err)
	}
	fx, err := c.effects(ctx, signature, domain.ErrDepositNotVerified)
	if err != nil {
		return err
	}
	if fx.TokenDelta(c.authority.Public, asset.Mint) < int64(units) || fx.TokenDelta(seller, asset.Mint) > -int64(units) {
		return domain.Wrap(domain.ErrDepositNotVerified, fmt.Errorf("transaction %s does not move %d base units from %s to escrow", signature, units, seller))
	}
	return nil
}

// VerifyPayment checks that signature is a successful transaction paying seller at least price
// in native currency from buyer
func (c *Custodian) VerifyPayment(ctx context.Context, buyer, seller ledger.PublicKey, price decimal.Decimal, signature string) error {
	lamports := price.Shift(NativeDecimals).Ceil()
	if !lamports.IsPositive() || lamports.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return domain.ErrInvalidPrice
	}
	want := lamports.IntPart()
	fx, err := c.effects(ctx, signature, domain.ErrPaymentNotVerified)
	if err != nil {
		return err
	}
	// The buyer also pays fees, so only its debit is bounded below
	if fx.NativeDelta(seller) < want || fx.NativeDelta(buyer) > -want {
		return domain.Wrap(domain.ErrPaymentNotVerified, fmt.Errorf("transaction %s does not pay %d to %s", signature, want, seller))
	}
	return nil
}

// effects loads a successful transaction's balance changes, mapping every failure onto sentinel
func (c *Custodian) effects(ctx context.Context, signature string, sentinel *domain.Error) (*ledger.TransactionEffects, error) {
	fx, err := c.client.TransactionEffects(ctx, signature)
	if err != nil {
		return nil, domain.Wrap(sentinel, err)
	}
	if fx.Failed {
		return nil, domain.Wrap(sentinel, ledger.ErrTransactionFailed)
	}
	return fx, nil
}
