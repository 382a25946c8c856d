// Package listings runs the listing lifecycle: active listings are created against escrowed
// tokens and leave active exactly once, either sold to a buyer or cancelled by their seller.
package listings

import (
	"context" // Request-scoped calls
	"errors"  // Error inspection
	"time"    // Lease timestamps

	"github.com/google/uuid"        // Listing and claim ids
	"github.com/shopspring/decimal" // Prices
	"github.com/sirupsen/logrus"    // Audit logging

	"marketplace/internal/domain"  // Domain models and errors
	"marketplace/internal/ledger"  // Wallet addresses
	"marketplace/internal/metrics" // Transition counters
	"marketplace/internal/store"   // Sale record
)

// Store is the listing persistence the service needs
type Store interface {
	Create(ctx context.Context, l *domain.Listing) error
	Get(ctx context.Context, id string) (*domain.Listing, error)
	Query(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error)
	ProofUsed(ctx context.Context, signature string) (bool, error)
	Claim(ctx context.Context, id, claimID, buyer string, now, staleBefore time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, claimID string) error
	RecordRelease(ctx context.Context, id, claimID, releaseSignature string) error
	MarkSold(ctx context.Context, sale store.Sale) (bool, error)
	Cancel(ctx context.Context, id, seller string, now, staleBefore time.Time) (bool, error)
}

// Custodian is the escrow side of a sale
type Custodian interface {
	SettleFromEscrow(ctx context.Context, asset domain.Asset, buyer ledger.PublicKey, amount uint64) (string, error)
	VerifyDeposit(ctx context.Context, asset domain.Asset, seller ledger.PublicKey, signature string, amount uint64) error
	VerifyPayment(ctx context.Context, buyer, seller ledger.PublicKey, price decimal.Decimal, signature string) error
}

// Config tunes a Service
type Config struct {
	MinPrice       decimal.Decimal  // Smallest accepted price
	RequireDeposit bool             // Create needs a verified escrow deposit signature
	VerifyPayments bool             // ConfirmPurchase verifies the buyer paid the seller
	Lease          time.Duration    // How long a settlement claim blocks other buyers
	SettleTimeout  time.Duration    // Upper bound on one whole settlement, must be shorter than Lease
	Metrics        *metrics.Metrics // Optional
}

// Defaults for zero Config fields
var (
	DefaultMinPrice = decimal.New(1, -3)
	DefaultLease    = 2 * time.Minute
)

// Service is the listing state machine
type Service struct {
	store     Store
	custodian Custodian
	assets    *domain.AssetRegistry
	cfg       Config
	now       func() time.Time
}

// NewService returns a Service
func NewService(s Store, custodian Custodian, assets *domain.AssetRegistry, cfg Config) *Service {
	if cfg.MinPrice.IsZero() {
		cfg.MinPrice = DefaultMinPrice
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.SettleTimeout <= 0 || cfg.SettleTimeout >= cfg.Lease {
		cfg.SettleTimeout = cfg.Lease * 3 / 4
	}
	return &Service{store: s, custodian: custodian, assets: assets, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput describes a new listing
type CreateInput struct {
	Seller           string
	TokenType        domain.AssetType
	Price            decimal.Decimal
	Amount           uint64
	DepositSignature string // Escrow deposit transaction, optional unless deposits are required
}

// Create validates in and stores a new active listing
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Listing, error) {
	seller, err := ledger.ParsePublicKey(in.Seller)
	if err != nil {
		return nil, domain.ErrInvalidAddress
	}
	// Listings take the canonical names only; aliases are a mint convenience
	if !in.TokenType.Valid() {
		return nil, domain.ErrInvalidAssetType
	}
	asset, err := s.asset(in.TokenType)
	if err != nil {
		return nil, err
	}
	if in.Price.LessThan(s.cfg.MinPrice) || !domain.PriceFits(in.Price) {
		return nil, domain.ErrInvalidPrice
	}
	if in.Amount < 1 {
		return nil, domain.ErrInvalidAmount
	}

	var deposit *string
	switch {
	case in.DepositSignature != "":
		if err := s.checkProofUnused(ctx, in.DepositSignature); err != nil {
			return nil, err
		}
		if err := s.custodian.VerifyDeposit(ctx, asset, seller, in.DepositSignature, in.Amount); err != nil {
			return nil, err
		}
		deposit = &in.DepositSignature
	case s.cfg.RequireDeposit:
		return nil, domain.ErrDepositRequired
	}

	now := s.now()
	listing := &domain.Listing{
		ID:           uuid.NewString(),
		TokenType:    asset.Type,
		TokenMint:    asset.Mint.String(),
		TokenName:    asset.Name,
		Seller:       in.Seller,
		Price:        in.Price,
		Amount:       in.Amount,
		Status:       domain.StatusActive,
		DepositProof: deposit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, listing); err != nil {
		return nil, err
	}
	s.cfg.Metrics.ListingTransition(string(domain.StatusActive))
	logrus.WithFields(logrus.Fields{
		"listing_id": listing.ID,
		"seller":     listing.Seller,
		"token":      listing.TokenType,
		"price":      listing.Price.String(),
		"amount":     listing.Amount,
	}).Info("Listing created")
	return listing, nil
}

// Get returns a listing by id
func (s *Service) Get(ctx context.Context, id string) (*domain.Listing, error) {
	return s.store.Get(ctx, id)
}

// List returns active listings matching f
func (s *Service) List(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error) {
	f.Status = domain.StatusActive
	return s.store.Query(ctx, f)
}

// MyListings returns seller's listings in status, newest first
func (s *Service) MyListings(ctx context.Context, seller string, status domain.ListingStatus) ([]domain.Listing, error) {
	if status == "" {
		status = domain.StatusActive
	}
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}
	return s.store.Query(ctx, domain.ListingFilter{Status: status, Seller: seller, SortBy: domain.SortCreatedAt})
}

// Cancel moves requester's own active listing to cancelled. Escrowed tokens stay where they are.
func (s *Service) Cancel(ctx context.Context, id, requester string) error {
	listing, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if listing.Seller != requester {
		return domain.ErrForbidden
	}
	if listing.Status != domain.StatusActive {
		return domain.ErrNotActive
	}
	now := s.now()
	ok, err := s.store.Cancel(ctx, id, requester, now, now.Add(-s.cfg.Lease))
	if err != nil {
		return err
	}
	if !ok {
		return s.lostRace(ctx, id)
	}
	s.cfg.Metrics.ListingTransition(string(domain.StatusCancelled))
	logrus.WithFields(logrus.Fields{"listing_id": id, "seller": requester}).Info("Listing cancelled")
	return nil
}

// InitiatePurchase returns what the buyer must pay, and to whom. Nothing is reserved.
func (s *Service) InitiatePurchase(ctx context.Context, id, requester string) (*domain.SettlementDetails, error) {
	listing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.StatusActive {
		return nil, domain.ErrNotActive
	}
	if listing.Seller == requester {
		return nil, domain.ErrSelfPurchase
	}
	return &domain.SettlementDetails{
		Seller:    listing.Seller,
		TokenMint: listing.TokenMint,
		TokenType: listing.TokenType,
		Price:     listing.Price,
		Amount:    listing.Amount,
		ListingID: listing.ID,
	}, nil
}

// ConfirmPurchase pays the listing's tokens out of escrow to requester and marks it sold. The
// payout happens first; the listing only becomes sold once the ledger has confirmed it. Concurrent
// buyers are serialized by a claim on the listing, so at most one payout is made.
func (s *Service) ConfirmPurchase(ctx context.Context, id, requester, proof string) (*domain.Listing, error) {
	if proof == "" {
		return nil, domain.ErrProofRequired
	}
	buyer, err := ledger.ParsePublicKey(requester)
	if err != nil {
		return nil, domain.ErrInvalidAddress
	}
	listing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Status != domain.StatusActive {
		return nil, domain.ErrNotActive
	}
	if listing.Seller == requester {
		return nil, domain.ErrSelfPurchase
	}
	if listing.ReleaseSignature != nil {
		// Tokens already left escrow under an earlier claim; only its holder may finish the sale
		return s.finalize(ctx, listing, requester, proof)
	}
	if err := s.checkProofUnused(ctx, proof); err != nil {
		return nil, err
	}
	asset, err := s.listingAsset(listing)
	if err != nil {
		return nil, err
	}
	if s.cfg.VerifyPayments {
		seller, err := ledger.ParsePublicKey(listing.Seller)
		if err != nil {
			return nil, domain.Wrap(domain.ErrStorage, err)
		}
		if err := s.custodian.VerifyPayment(ctx, buyer, seller, listing.Price, proof); err != nil {
			return nil, err
		}
	}

	claimID := uuid.NewString()
	now := s.now()
	claimed, err := s.store.Claim(ctx, id, claimID, requester, now, now.Add(-s.cfg.Lease))
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, s.lostRace(ctx, id)
	}

	// The claim goes stale after Lease, so the settlement must be over well before then
	settleCtx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
	release, err := s.custodian.SettleFromEscrow(settleCtx, asset, buyer, listing.Amount)
	cancel()
	if err != nil {
		if outcomeUnknown(err) {
			// A submitted transfer may still land; hold the claim until the lease runs out
			logrus.WithError(err).WithFields(logrus.Fields{"listing_id": id, "buyer": requester}).Warn("Settlement outcome unknown, claim held until lease expiry")
			return nil, err
		}
		// Nothing moved; let the next buyer try
		if rerr := s.store.ReleaseClaim(context.WithoutCancel(ctx), id, claimID); rerr != nil {
			logrus.WithError(rerr).WithField("listing_id", id).Error("Failed to release settlement claim")
		}
		return nil, err
	}

	sold, err := s.store.MarkSold(ctx, store.Sale{
		ListingID:        id,
		ClaimID:          claimID,
		Buyer:            requester,
		SettlementProof:  proof,
		ReleaseSignature: release,
		At:               s.now(),
	})
	if err != nil || !sold {
		return nil, s.recordOrphanedRelease(ctx, id, claimID, requester, release, err)
	}
	return s.sold(ctx, id, requester, release)
}

// finalize completes a sale whose payout was confirmed but whose sold transition was not written
func (s *Service) finalize(ctx context.Context, listing *domain.Listing, requester, proof string) (*domain.Listing, error) {
	if listing.ClaimID == nil || listing.ClaimedBy == nil || *listing.ClaimedBy != requester {
		return nil, domain.ErrSettlementInProgress
	}
	if err := s.checkProofUnused(ctx, proof); err != nil {
		return nil, err
	}
	sold, err := s.store.MarkSold(ctx, store.Sale{
		ListingID:        listing.ID,
		ClaimID:          *listing.ClaimID,
		Buyer:            requester,
		SettlementProof:  proof,
		ReleaseSignature: *listing.ReleaseSignature,
		At:               s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !sold {
		return nil, s.lostRace(ctx, listing.ID)
	}
	return s.sold(ctx, listing.ID, requester, *listing.ReleaseSignature)
}

// recordOrphanedRelease keeps the payout signature on the claim after the sold write failed, so the
// buyer's retry finalizes instead of paying out again
func (s *Service) recordOrphanedRelease(ctx context.Context, id, claimID, buyer, release string, cause error) error {
	entry := logrus.WithFields(logrus.Fields{"listing_id": id, "buyer": buyer, "release_signature": release})
	if err := s.store.RecordRelease(context.WithoutCancel(ctx), id, claimID, release); err != nil {
		entry.WithError(err).Error("Escrow paid out but the sale could not be recorded")
	} else {
		entry.WithError(cause).Warn("Escrow paid out, sale pending finalization")
	}
	if cause == nil {
		cause = errors.New("listing changed during settlement")
	}
	if errors.Is(cause, domain.ErrProofAlreadyUsed) {
		return cause
	}
	return domain.Wrap(domain.ErrStorage, cause)
}

func (s *Service) sold(ctx context.Context, id, buyer, release string) (*domain.Listing, error) {
	s.cfg.Metrics.ListingTransition(string(domain.StatusSold))
	logrus.WithFields(logrus.Fields{"listing_id": id, "buyer": buyer, "release_signature": release}).Info("Listing sold")
	return s.store.Get(ctx, id)
}

// outcomeUnknown reports whether a failed settlement may still have moved tokens
func outcomeUnknown(err error) bool {
	return errors.Is(err, ledger.ErrConfirmationTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// lostRace explains why a conditional transition on id matched nothing
func (s *Service) lostRace(ctx context.Context, id string) error {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != domain.StatusActive {
		return domain.ErrNotActive
	}
	return domain.ErrSettlementInProgress
}

func (s *Service) checkProofUnused(ctx context.Context, signature string) error {
	used, err := s.store.ProofUsed(ctx, signature)
	if err != nil {
		return err
	}
	if used {
		return domain.ErrProofAlreadyUsed
	}
	return nil
}

// asset resolves a configured asset type
func (s *Service) asset(t domain.AssetType) (domain.Asset, error) {
	parsed, ok := domain.ParseAssetType(string(t))
	if !ok {
		return domain.Asset{}, domain.ErrInvalidAssetType
	}
	return s.assets.Lookup(parsed)
}

// listingAsset returns the asset a listing was created against. The recorded mint wins over the
// current configuration, since that is where the seller deposited.
func (s *Service) listingAsset(l *domain.Listing) (domain.Asset, error) {
	asset, err := s.asset(l.TokenType)
	if err != nil {
		return domain.Asset{}, err
	}
	mint, err := ledger.ParsePublicKey(l.TokenMint)
	if err != nil {
		return domain.Asset{}, domain.Wrap(domain.ErrStorage, err)
	}
	asset.Mint = mint
	return asset, nil
}
