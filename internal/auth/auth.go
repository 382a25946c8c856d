// Package auth implements wallet login: a single-use nonce is issued per wallet, the wallet signs
// a fixed challenge containing it, and a verified signature is exchanged for a session token.
package auth

import (
	"context"        // Request-scoped store calls
	"crypto/ed25519" // Detached signature verification
	"crypto/rand"    // Nonce entropy
	"errors"         // Error inspection
	"fmt"            // Challenge formatting
	"math/big"       // Uniform random digits
	"strings"        // Bearer header parsing
	"time"           // Login timestamps and token TTL

	"github.com/mr-tron/base58"  // Signature encoding
	"github.com/sirupsen/logrus" // Audit logging

	"marketplace/internal/domain" // Domain models and errors
	"marketplace/internal/ledger" // Wallet address parsing
	"marketplace/internal/utils"  // JWT helpers
)

// UserStore is the persistence the authenticator needs
type UserStore interface {
	FindByWallet(ctx context.Context, wallet string) (*domain.User, error)
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	SetNonce(ctx context.Context, wallet, nonce string, now time.Time) (*domain.User, error)
	RotateNonce(ctx context.Context, id uint, current, next string, now time.Time) (bool, error)
}

// Config configures an Authenticator
type Config struct {
	ServiceName string        // Appears in the challenge message
	Secret      string        // HS256 signing secret
	TTL         time.Duration // Session lifetime
}

// DefaultTTL is the session lifetime when Config.TTL is zero
const DefaultTTL = 7 * 24 * time.Hour

const nonceDigits = 16

// Identity is the wallet bound to a verified session token
type Identity struct {
	WalletAddress string
	UserID        uint
}

// Session is the result of a successful verification
type Session struct {
	Token string
	User  *domain.User
}

// Authenticator issues nonces, verifies signatures and validates session tokens
type Authenticator struct {
	users UserStore
	cfg   Config
	now   func() time.Time
}

// New returns an Authenticator over users
func New(users UserStore, cfg Config) *Authenticator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Authenticator{users: users, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// Challenge returns the exact message a wallet must sign for nonce
func (a *Authenticator) Challenge(nonce string) string {
	return fmt.Sprintf("Login to %s Marketplace\nNonce: %s", a.cfg.ServiceName, nonce)
}

// IssueNonce creates the user if needed and gives it a fresh nonce
func (a *Authenticator) IssueNonce(ctx context.Context, wallet string) (string, error) {
	if _, err := ledger.ParsePublicKey(wallet); err != nil {
		return "", domain.ErrInvalidAddress // Malformed addresses never reach the store
	}
	previous := ""
	if u, err := a.users.FindByWallet(ctx, wallet); err == nil {
		previous = u.Nonce
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return "", err
	}
	nonce, err := newNonce(previous)
	if err != nil {
		return "", domain.Wrap(domain.ErrStorage, err)
	}
	if _, err := a.users.SetNonce(ctx, wallet, nonce, a.now()); err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{"wallet": wallet}).Info("Nonce issued")
	return nonce, nil
}

// Verify checks signatureB58 over the wallet's current challenge. On success the nonce is
// consumed and a session token is minted; a nonce can back at most one successful call.
func (a *Authenticator) Verify(ctx context.Context, wallet, signatureB58 string) (*Session, error) {
	pub, err := ledger.ParsePublicKey(wallet)
	if err != nil {
		return nil, domain.ErrInvalidAddress
	}
	sig, err := base58.Decode(signatureB58)
	if err != nil || signatureB58 == "" {
		return nil, domain.ErrBadSignatureEncoding
	}
	user, err := a.users.FindByWallet(ctx, wallet)
	if err != nil {
		return nil, err // UserNotFound when no nonce was ever issued
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(ed25519.PublicKey(pub.Bytes()), []byte(a.Challenge(user.Nonce)), sig) {
		logrus.WithFields(logrus.Fields{"wallet": wallet}).Warn("Signature verification failed")
		return nil, domain.ErrInvalidSignature
	}

	next, err := newNonce(user.Nonce)
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	now := a.now()
	// Only the caller that swaps the nonce it verified against wins
	rotated, err := a.users.RotateNonce(ctx, user.ID, user.Nonce, next, now)
	if err != nil {
		return nil, err
	}
	if !rotated {
		return nil, domain.ErrInvalidSignature
	}
	user.Nonce = next
	user.LastLogin = now

	token, err := utils.GenerateJWT(user.ID, user.WalletAddress, a.cfg.Secret, a.cfg.TTL)
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	logrus.WithFields(logrus.Fields{"wallet": wallet, "user_id": user.ID}).Info("Wallet logged in")
	return &Session{Token: token, User: user}, nil
}

// Authenticate validates a bearer token, given either raw or as an Authorization header value
func (a *Authenticator) Authenticate(bearer string) (*Identity, error) {
	token := strings.TrimSpace(bearer)
	if scheme, rest, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(rest)
	} else if strings.EqualFold(token, "Bearer") {
		token = "" // Scheme without credentials
	}
	if token == "" {
		return nil, domain.ErrMissingToken
	}
	claims, err := utils.ParseJWT(token, a.cfg.Secret)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTokenInvalid, err)
	}
	return &Identity{WalletAddress: claims.WalletAddress, UserID: claims.UserID}, nil
}

// Me returns the profile behind an identity
func (a *Authenticator) Me(ctx context.Context, id *Identity) (*domain.User, error) {
	return a.users.FindByID(ctx, id.UserID)
}

// newNonce returns a random numeric string that differs from previous
func newNonce(previous string) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(nonceDigits), nil)
	for {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		nonce := fmt.Sprintf("%0*d", nonceDigits, n.Int64())
		if nonce != previous {
			return nonce, nil
		}
	}
}
