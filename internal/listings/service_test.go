package listings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/db"
	"marketplace/internal/domain"
	"marketplace/internal/escrow"
	"marketplace/internal/ledger"
	"marketplace/internal/ledger/memledger"
	"marketplace/internal/store"
)

const unit = 1_000_000_000

// spyCustodian counts settlement attempts
type spyCustodian struct {
	*escrow.Custodian
	settles atomic.Int32
}

func (s *spyCustodian) SettleFromEscrow(ctx context.Context, asset domain.Asset, buyer ledger.PublicKey, amount uint64) (string, error) {
	s.settles.Add(1)
	return s.Custodian.SettleFromEscrow(ctx, asset, buyer, amount)
}

// flakyStore fails the next N sold transitions
type flakyStore struct {
	*store.Listings
	failMarkSold atomic.Int32
}

func (f *flakyStore) MarkSold(ctx context.Context, sale store.Sale) (bool, error) {
	if f.failMarkSold.Add(-1) >= 0 {
		return false, errors.New("database went away")
	}
	return f.Listings.MarkSold(ctx, sale)
}

type fixture struct {
	svc       *Service
	ledger    *memledger.Ledger
	custodian *spyCustodian
	store     *flakyStore
	users     *store.Users
	authority *escrow.Authority
	apple     domain.Asset
	seller    ledger.PublicKey
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory(uuid.NewString())
	require.NoError(t, err)

	key, _ := memledger.NewKey()
	authority := escrow.AuthorityFromKey(key)
	_, appleMint := memledger.NewKey()
	l := memledger.New()
	l.CreateMint(appleMint, &authority.Public, 9)
	reg, err := domain.NewAssetRegistry(map[domain.AssetType]string{domain.AppleJuice: appleMint.String()}, 9)
	require.NoError(t, err)
	apple, err := reg.Lookup(domain.AppleJuice)
	require.NoError(t, err)

	spy := &spyCustodian{Custodian: escrow.New(l, authority, reg, escrow.Options{ConfirmTimeout: time.Second})}
	flaky := &flakyStore{Listings: store.NewListings(gdb)}
	users := store.NewUsers(gdb)
	_, seller := memledger.NewKey()
	f := &fixture{
		svc:       NewService(flaky, spy, reg, cfg),
		ledger:    l,
		custodian: spy,
		store:     flaky,
		users:     users,
		authority: authority,
		apple:     apple,
		seller:    seller,
	}
	f.register(t, seller)
	return f
}

func (f *fixture) register(t *testing.T, wallet ledger.PublicKey) {
	t.Helper()
	_, err := f.users.SetNonce(context.Background(), wallet.String(), "1", time.Now().UTC())
	require.NoError(t, err)
}

func (f *fixture) newBuyer(t *testing.T) ledger.PublicKey {
	t.Helper()
	_, buyer := memledger.NewKey()
	f.register(t, buyer)
	return buyer
}

// list deposits amount tokens into escrow and creates the listing
func (f *fixture) list(t *testing.T, price string, amount uint64) *domain.Listing {
	t.Helper()
	f.ledger.Credit(f.authority.Public, f.apple.Mint, amount*unit)
	l, err := f.svc.Create(context.Background(), CreateInput{
		Seller:    f.seller.String(),
		TokenType: domain.AppleJuice,
		Price:     decimal.RequireFromString(price),
		Amount:    amount,
	})
	require.NoError(t, err)
	return l
}

func (f *fixture) escrowHeld(t *testing.T) uint64 {
	t.Helper()
	held, err := f.custodian.EscrowBalance(context.Background(), f.apple)
	require.NoError(t, err)
	return held
}

func TestCreateValidation(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	in := CreateInput{Seller: f.seller.String(), TokenType: domain.AppleJuice, Price: decimal.RequireFromString("0.01"), Amount: 1}

	bad := in
	bad.TokenType = "BANANA"
	_, err := f.svc.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidAssetType)

	bad = in
	bad.TokenType = domain.GrapeSoda
	_, err = f.svc.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrAssetNotConfigured)

	bad = in
	bad.Price = decimal.RequireFromString("0.0009")
	_, err = f.svc.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	bad = in
	bad.Amount = 0
	_, err = f.svc.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	bad = in
	bad.Seller = "nope"
	_, err = f.svc.Create(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	for _, alias := range []domain.AssetType{"APPLE", "apple", "apple_juice"} {
		bad = in
		bad.TokenType = alias
		_, err = f.svc.Create(ctx, bad)
		assert.ErrorIs(t, err, domain.ErrInvalidAssetType, alias)
	}
}

func TestCreateRejectsPricesStorageCannotHold(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	in := CreateInput{Seller: f.seller.String(), TokenType: domain.AppleJuice, Amount: 1}

	for _, price := range []string{
		"123456789012345678.5", // far past the column
		"1000000",              // seven whole digits
		"0.0123456789",         // ten decimals
	} {
		in.Price = decimal.RequireFromString(price)
		_, err := f.svc.Create(ctx, in)
		assert.ErrorIs(t, err, domain.ErrInvalidPrice, price)
	}

	// The widest accepted price comes back unchanged
	in.Price = decimal.RequireFromString("999999.123456789")
	created, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(in.Price), got.Price.String())

	// Trailing zeros past the scale do not change the value
	in.Price = decimal.RequireFromString("0.5000000000000")
	_, err = f.svc.Create(ctx, in)
	assert.NoError(t, err)
}

func TestCreateRoundTrip(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	created := f.list(t, "0.01", 5)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, domain.AppleJuice, got.TokenType)
	assert.Equal(t, "Apple Juice", got.TokenName)
	assert.Equal(t, f.apple.Mint.String(), got.TokenMint)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, uint64(5), got.Amount)
	assert.Equal(t, domain.StatusActive, got.Status)

	u, err := f.users.FindByWallet(ctx, f.seller.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalListingsCreated)

	active, err := f.svc.List(ctx, domain.ListingFilter{TokenType: domain.AppleJuice})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, created.ID, active[0].ID)
}

func TestPurchaseFlow(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	buyer := f.newBuyer(t)
	before := f.escrowHeld(t)

	details, err := f.svc.InitiatePurchase(ctx, listing.ID, buyer.String())
	require.NoError(t, err)
	assert.Equal(t, f.seller.String(), details.Seller)
	assert.Equal(t, uint64(5), details.Amount)
	assert.Equal(t, listing.ID, details.ListingID)
	assert.True(t, details.Price.Equal(listing.Price))

	sold, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "payment-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, sold.Status)
	require.NotNil(t, sold.Buyer)
	assert.Equal(t, buyer.String(), *sold.Buyer)
	require.NotNil(t, sold.SettlementProof)
	assert.Equal(t, "payment-1", *sold.SettlementProof)
	require.NotNil(t, sold.ReleaseSignature)

	assert.Equal(t, before-5*unit, f.escrowHeld(t))
	assert.Equal(t, uint64(5*unit), f.ledger.Balance(buyer, f.apple.Mint))

	mine, err := f.svc.MyListings(ctx, f.seller.String(), domain.StatusSold)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, listing.ID, mine[0].ID)

	u, err := f.users.FindByWallet(ctx, buyer.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalPurchases)

	// Retrying after success is a conflict, not a second payout
	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "payment-2")
	assert.ErrorIs(t, err, domain.ErrNotActive)
	assert.Equal(t, int32(1), f.custodian.settles.Load())

	// Sold is terminal
	assert.ErrorIs(t, f.svc.Cancel(ctx, listing.ID, f.seller.String()), domain.ErrNotActive)
	_, err = f.svc.InitiatePurchase(ctx, listing.ID, buyer.String())
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestSelfPurchaseMakesNoLedgerCall(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	sends := f.ledger.Sends()

	_, err := f.svc.InitiatePurchase(ctx, listing.ID, f.seller.String())
	assert.ErrorIs(t, err, domain.ErrSelfPurchase)
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, f.seller.String(), "p")
	assert.ErrorIs(t, err, domain.ErrSelfPurchase)

	assert.Zero(t, f.custodian.settles.Load())
	assert.Equal(t, sends, f.ledger.Sends())
}

func TestConcurrentConfirmSettlesOnce(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	before := f.escrowHeld(t)

	const racers = 6
	buyers := make([]ledger.PublicKey, racers)
	for i := range buyers {
		buyers[i] = f.newBuyer(t)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make([]error, racers)
	start := make(chan struct{})
	for i := range buyers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.ConfirmPurchase(ctx, listing.ID, buyers[i].String(), uuid.NewString())
			if errs[i] == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	for _, err := range errs {
		if err != nil {
			assert.Equal(t, domain.KindConflict, domain.KindOf(err), err.Error())
		}
	}
	assert.Equal(t, int32(1), f.custodian.settles.Load())
	assert.Equal(t, before-5*unit, f.escrowHeld(t), "escrow debited exactly once")
}

func TestConcurrentCancelAndConfirm(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 1)
	buyer := f.newBuyer(t)

	var wg sync.WaitGroup
	var cancelErr, confirmErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		cancelErr = f.svc.Cancel(ctx, listing.ID, f.seller.String())
	}()
	go func() {
		defer wg.Done()
		_, confirmErr = f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	}()
	wg.Wait()

	assert.True(t, (cancelErr == nil) != (confirmErr == nil), "exactly one transition wins: cancel=%v confirm=%v", cancelErr, confirmErr)
	got, err := f.svc.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
	if got.Status == domain.StatusCancelled {
		assert.Zero(t, f.ledger.Balance(buyer, f.apple.Mint), "a cancelled listing pays nobody")
	}
}

func TestSettlementFailureLeavesListingActive(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	buyer := f.newBuyer(t)

	// The node rejects the transfer outright, so nothing moves
	f.ledger.SendErr = func([]ledger.Instruction) error { return errors.New("blockhash not found") }
	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	assert.ErrorIs(t, err, domain.ErrEscrowTransferFailed)
	assert.Equal(t, domain.KindLedger, domain.KindOf(err))

	got, err := f.svc.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.ClaimID, "failed settlement releases its claim")

	// The caller may retry once the ledger recovers
	f.ledger.SendErr = nil
	sold, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, sold.Status)
}

func TestStalledSettlementEndsBeforeClaimGoesStale(t *testing.T) {
	f := setup(t, Config{Lease: 300 * time.Millisecond, SettleTimeout: 150 * time.Millisecond})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	first, second := f.newBuyer(t), f.newBuyer(t)

	// The node hangs on the first send for longer than the whole lease
	f.ledger.StallSends(1, 500*time.Millisecond)
	start := time.Now()
	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, first.String(), "pay-first")
	assert.ErrorIs(t, err, domain.ErrEscrowTransferFailed)
	assert.Less(t, time.Since(start), 300*time.Millisecond, "settlement gives up while the claim is still live")

	// The first transfer's fate is unknown, so its claim keeps other buyers out
	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, second.String(), "pay-second")
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)
	assert.EqualValues(t, 1, f.custodian.settles.Load())

	// Once the lease is stale the next buyer may take over
	time.Sleep(time.Until(start.Add(400 * time.Millisecond)))
	sold, err := f.svc.ConfirmPurchase(ctx, listing.ID, second.String(), "pay-second")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, sold.Status)
	assert.Equal(t, second.String(), *sold.Buyer)

	assert.Zero(t, f.ledger.Balance(first, f.apple.Mint))
	assert.Equal(t, uint64(5*unit), f.ledger.Balance(second, f.apple.Mint))
	held, err := f.custodian.EscrowBalance(ctx, f.apple)
	require.NoError(t, err)
	assert.Zero(t, held, "escrow debited exactly once")
}

func TestConfirmationTimeoutHoldsClaim(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	first, second := f.newBuyer(t), f.newBuyer(t)

	f.ledger.ConfirmErr = func(string) error { return context.DeadlineExceeded }
	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, first.String(), "pay-first")
	assert.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
	f.ledger.ConfirmErr = nil

	got, err := f.svc.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.NotNil(t, got.ClaimID, "an unconfirmed transfer keeps its claim")

	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, second.String(), "pay-second")
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)
	assert.EqualValues(t, 1, f.custodian.settles.Load())
}

func TestInsufficientEscrowKeepsListingActive(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	// Listing created without any deposit
	listing, err := f.svc.Create(ctx, CreateInput{Seller: f.seller.String(), TokenType: domain.AppleJuice, Price: decimal.RequireFromString("1"), Amount: 3})
	require.NoError(t, err)
	buyer := f.newBuyer(t)

	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	assert.ErrorIs(t, err, domain.ErrEscrowTransferFailed)
	got, err := f.svc.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestRecordFailureAfterPayoutFinalizesWithoutSecondPayout(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 5)
	buyer := f.newBuyer(t)
	other := f.newBuyer(t)

	f.store.failMarkSold.Store(1)
	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.Equal(t, uint64(5*unit), f.ledger.Balance(buyer, f.apple.Mint), "payout already happened")

	got, err := f.svc.Get(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	require.NotNil(t, got.ReleaseSignature)

	// Nobody else can claim or cancel a paid-out listing
	_, err = f.svc.ConfirmPurchase(ctx, listing.ID, other.String(), "q")
	assert.ErrorIs(t, err, domain.ErrSettlementInProgress)
	assert.ErrorIs(t, f.svc.Cancel(ctx, listing.ID, f.seller.String()), domain.ErrSettlementInProgress)

	sold, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "p")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, sold.Status)
	assert.Equal(t, int32(1), f.custodian.settles.Load())
	assert.Equal(t, uint64(5*unit), f.ledger.Balance(buyer, f.apple.Mint))
}

func TestProofCannotBeReused(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	first := f.list(t, "0.01", 1)
	second := f.list(t, "0.01", 1)
	buyer := f.newBuyer(t)

	_, err := f.svc.ConfirmPurchase(ctx, first.ID, buyer.String(), "same")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPurchase(ctx, second.ID, buyer.String(), "same")
	assert.ErrorIs(t, err, domain.ErrProofAlreadyUsed)

	_, err = f.svc.ConfirmPurchase(ctx, second.ID, buyer.String(), "")
	assert.ErrorIs(t, err, domain.ErrProofRequired)
}

func TestCancel(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	listing := f.list(t, "0.01", 1)
	stranger := f.newBuyer(t)

	assert.ErrorIs(t, f.svc.Cancel(ctx, "missing", f.seller.String()), domain.ErrListingNotFound)
	assert.ErrorIs(t, f.svc.Cancel(ctx, listing.ID, stranger.String()), domain.ErrForbidden)
	require.NoError(t, f.svc.Cancel(ctx, listing.ID, f.seller.String()))
	assert.ErrorIs(t, f.svc.Cancel(ctx, listing.ID, f.seller.String()), domain.ErrNotActive)

	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, stranger.String(), "p")
	assert.ErrorIs(t, err, domain.ErrNotActive)

	active, err := f.svc.MyListings(ctx, f.seller.String(), "")
	require.NoError(t, err)
	assert.Empty(t, active)
	cancelled, err := f.svc.MyListings(ctx, f.seller.String(), domain.StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)

	_, err = f.svc.MyListings(ctx, f.seller.String(), "pending")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestDepositProof(t *testing.T) {
	f := setup(t, Config{RequireDeposit: true})
	ctx := context.Background()
	f.ledger.Credit(f.seller, f.apple.Mint, 10*unit)
	in := CreateInput{Seller: f.seller.String(), TokenType: domain.AppleJuice, Price: decimal.RequireFromString("0.5"), Amount: 4}

	_, err := f.svc.Create(ctx, in)
	assert.ErrorIs(t, err, domain.ErrDepositRequired)

	sig, err := f.ledger.Transfer(f.seller, f.authority.Public, f.apple.Mint, 4*unit)
	require.NoError(t, err)

	short := in
	short.Amount = 5
	short.DepositSignature = sig
	_, err = f.svc.Create(ctx, short)
	assert.ErrorIs(t, err, domain.ErrDepositNotVerified)

	in.DepositSignature = sig
	l, err := f.svc.Create(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, l.DepositProof)
	assert.Equal(t, sig, *l.DepositProof)

	_, err = f.svc.Create(ctx, in)
	assert.ErrorIs(t, err, domain.ErrProofAlreadyUsed, "one deposit backs one listing")
}

func TestVerifyPayments(t *testing.T) {
	f := setup(t, Config{VerifyPayments: true})
	ctx := context.Background()
	listing := f.list(t, "0.01", 1)
	buyer := f.newBuyer(t)
	f.ledger.SetNative(buyer, unit)

	_, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), "made-up")
	assert.ErrorIs(t, err, domain.ErrPaymentNotVerified)
	assert.Zero(t, f.custodian.settles.Load())

	paid, err := f.ledger.PayNative(buyer, f.seller, 10_000_000)
	require.NoError(t, err)
	sold, err := f.svc.ConfirmPurchase(ctx, listing.ID, buyer.String(), paid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSold, sold.Status)
}

func TestListFiltersAndSorts(t *testing.T) {
	f := setup(t, Config{})
	ctx := context.Background()
	f.list(t, "0.5", 1)
	f.list(t, "0.01", 2)
	f.list(t, "2", 3)

	byPrice, err := f.svc.List(ctx, domain.ListingFilter{SortBy: domain.SortPrice, Ascending: true})
	require.NoError(t, err)
	require.Len(t, byPrice, 3)
	assert.Equal(t, uint64(2), byPrice[0].Amount)
	assert.Equal(t, uint64(3), byPrice[2].Amount)

	byAmount, err := f.svc.List(ctx, domain.ListingFilter{SortBy: domain.SortAmount, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byAmount, 1)
	assert.Equal(t, uint64(3), byAmount[0].Amount)

	none, err := f.svc.List(ctx, domain.ListingFilter{Seller: "someone-else"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
