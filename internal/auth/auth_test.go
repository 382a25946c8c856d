package auth

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/db"
	"marketplace/internal/domain"
	"marketplace/internal/ledger"
	"marketplace/internal/store"
)

type wallet struct {
	priv    ed25519.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return wallet{priv: priv, address: ledger.PublicKeyFromEd25519(pub).String()}
}

func (w wallet) sign(a *Authenticator, nonce string) string {
	return base58.Encode(ed25519.Sign(w.priv, []byte(a.Challenge(nonce))))
}

func setup(t *testing.T) *Authenticator {
	t.Helper()
	gdb, err := db.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	return New(store.NewUsers(gdb), Config{ServiceName: "test", Secret: "secret"})
}

func TestChallengeFormat(t *testing.T) {
	a := New(nil, Config{ServiceName: "monster-cocktail"})
	assert.Equal(t, "Login to monster-cocktail Marketplace\nNonce: 42", a.Challenge("42"))
}

func TestIssueNonceRejectsBadAddress(t *testing.T) {
	a := setup(t)
	_, err := a.IssueNonce(context.Background(), "not-a-wallet")
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestLoginFlow(t *testing.T) {
	ctx := context.Background()
	a := setup(t)
	w := newWallet(t)

	nonce, err := a.IssueNonce(ctx, w.address)
	require.NoError(t, err)
	assert.Len(t, nonce, nonceDigits)
	oldSig := w.sign(a, nonce)

	session, err := a.Verify(ctx, w.address, oldSig)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, w.address, session.User.WalletAddress)

	id, err := a.Authenticate("Bearer " + session.Token)
	require.NoError(t, err)
	assert.Equal(t, w.address, id.WalletAddress)
	assert.Equal(t, session.User.ID, id.UserID)

	me, err := a.Me(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, w.address, me.WalletAddress)

	// Replaying the consumed signature fails
	_, err = a.Verify(ctx, w.address, oldSig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// A fresh nonce does not revive the old signature
	fresh, err := a.IssueNonce(ctx, w.address)
	require.NoError(t, err)
	assert.NotEqual(t, nonce, fresh)
	_, err = a.Verify(ctx, w.address, oldSig)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = a.Verify(ctx, w.address, w.sign(a, fresh))
	assert.NoError(t, err)
}

func TestVerifyFailures(t *testing.T) {
	ctx := context.Background()
	a := setup(t)
	w, other := newWallet(t), newWallet(t)

	_, err := a.Verify(ctx, w.address, w.sign(a, "1"))
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	nonce, err := a.IssueNonce(ctx, w.address)
	require.NoError(t, err)

	_, err = a.Verify(ctx, w.address, other.sign(a, nonce))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature, "wrong key")

	_, err = a.Verify(ctx, w.address, "0OIl")
	assert.ErrorIs(t, err, domain.ErrBadSignatureEncoding)

	_, err = a.Verify(ctx, w.address, base58.Encode([]byte("short")))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	msg := []byte(a.Challenge(nonce) + " ")
	_, err = a.Verify(ctx, w.address, base58.Encode(ed25519.Sign(w.priv, msg)))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature, "tampered message")
}

func TestConcurrentVerifySucceedsOnce(t *testing.T) {
	ctx := context.Background()
	a := setup(t)
	w := newWallet(t)
	nonce, err := a.IssueNonce(ctx, w.address)
	require.NoError(t, err)
	sig := w.sign(a, nonce)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Verify(ctx, w.address, sig); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestAuthenticate(t *testing.T) {
	a := New(nil, Config{ServiceName: "test", Secret: "secret", TTL: time.Minute})

	_, err := a.Authenticate("")
	assert.ErrorIs(t, err, domain.ErrMissingToken)
	_, err = a.Authenticate("Bearer ")
	assert.ErrorIs(t, err, domain.ErrMissingToken)
	_, err = a.Authenticate("Bearer nope")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	other := New(nil, Config{Secret: "different"})
	_, err = other.Authenticate(mustToken(t, a))
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
}

func mustToken(t *testing.T, a *Authenticator) string {
	t.Helper()
	a.users = stubUsers{}
	w := newWallet(t)
	s, err := a.Verify(context.Background(), w.address, w.sign(a, "n"))
	require.NoError(t, err)
	return s.Token
}

// stubUsers accepts any wallet with nonce "n"
type stubUsers struct{}

func (stubUsers) FindByWallet(_ context.Context, wallet string) (*domain.User, error) {
	return &domain.User{ID: 1, WalletAddress: wallet, Nonce: "n"}, nil
}

func (stubUsers) FindByID(context.Context, uint) (*domain.User, error) {
	return nil, domain.ErrUserNotFound
}

func (stubUsers) SetNonce(context.Context, string, string, time.Time) (*domain.User, error) {
	return nil, nil
}

func (stubUsers) RotateNonce(context.Context, uint, string, string, time.Time) (bool, error) {
	return true, nil
}
