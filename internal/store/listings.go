package store

import (
	"context" // Request-scoped queries
	"errors"  // Error inspection
	"time"    // Timestamps

	"gorm.io/gorm" // GORM ORM library

	"marketplace/internal/domain" // Domain models
)

// Listings is the listing repository. Every transition out of active is a conditional update
// keyed on status, so concurrent callers cannot both succeed.
type Listings struct {
	db *gorm.DB
}

// NewListings returns a listing repository over db
func NewListings(db *gorm.DB) *Listings {
	return &Listings{db: db}
}

// Create inserts an active listing and bumps the seller's listing counter atomically
func (s *Listings) Create(ctx context.Context, l *domain.Listing) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(l).Error; err != nil {
			return err // Return error to rollback
		}
		// Increment the seller's counter
		return tx.Model(&domain.User{}).
			Where("wallet_address = ?", l.Seller).
			Update("total_listings_created", gorm.Expr("total_listings_created + ?", 1)).Error
	})
	return translate(err)
}

// Get returns the listing with id
func (s *Listings) Get(ctx context.Context, id string) (*domain.Listing, error) {
	var l domain.Listing
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		return nil, notFound(err, domain.ErrListingNotFound)
	}
	return &l, nil
}

var sortColumns = map[domain.SortField]string{
	domain.SortCreatedAt: "created_at",
	domain.SortPrice:     "price",
	domain.SortAmount:    "amount",
}

// Query returns listings matching f, capped at domain.MaxListingResults
func (s *Listings) Query(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error) {
	query := s.db.WithContext(ctx).Model(&domain.Listing{}).Where("status = ?", f.Status) // Start building the query
	if f.TokenType != "" {
		query = query.Where("token_type = ?", f.TokenType) // Filter by asset
	}
	if f.Seller != "" {
		query = query.Where("seller = ?", f.Seller) // Filter by seller
	}
	column, ok := sortColumns[f.SortBy]
	if !ok {
		column = "created_at" // Unknown sort fields fall back to newest first
	}
	direction := " desc"
	if f.Ascending {
		direction = " asc"
	}
	limit := f.Limit
	if limit <= 0 || limit > domain.MaxListingResults {
		limit = domain.MaxListingResults // Always bound the response size
	}
	var listings []domain.Listing
	if err := query.Order(column + direction).Order("id").Limit(limit).Find(&listings).Error; err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	return listings, nil
}

// ProofUsed reports whether signature is already recorded as a deposit or settlement proof
func (s *Listings) ProofUsed(ctx context.Context, signature string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&domain.Listing{}).
		Where("deposit_proof = ? OR settlement_proof = ?", signature, signature).
		Count(&n).Error
	if err != nil {
		return false, domain.Wrap(domain.ErrStorage, err)
	}
	return n > 0, nil
}

// Claim takes the settlement lease on an active listing for buyer. It fails (false) when the
// listing is not active, has already been paid out, or holds a lease newer than staleBefore.
func (s *Listings) Claim(ctx context.Context, id, claimID, buyer string, now, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Listing{}).
		Where("id = ? AND status = ? AND release_signature IS NULL AND (claim_id IS NULL OR claimed_at < ?)", id, domain.StatusActive, staleBefore).
		Updates(map[string]any{"claim_id": claimID, "claimed_by": buyer, "claimed_at": now})
	if res.Error != nil {
		return false, domain.Wrap(domain.ErrStorage, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim drops the lease if claimID still holds it
func (s *Listings) ReleaseClaim(ctx context.Context, id, claimID string) error {
	err := s.db.WithContext(ctx).Model(&domain.Listing{}).
		Where("id = ? AND claim_id = ? AND release_signature IS NULL", id, claimID).
		Updates(map[string]any{"claim_id": nil, "claimed_by": nil, "claimed_at": nil}).Error
	if err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}
	return nil
}

// RecordRelease stores the escrow payout signature against the lease so the sale can be
// finalised later without paying out twice
func (s *Listings) RecordRelease(ctx context.Context, id, claimID, releaseSignature string) error {
	err := s.db.WithContext(ctx).Model(&domain.Listing{}).
		Where("id = ? AND claim_id = ?", id, claimID).
		Update("release_signature", releaseSignature).Error
	if err != nil {
		return domain.Wrap(domain.ErrStorage, err)
	}
	return nil
}

// Sale is the outcome recorded when a listing is sold
type Sale struct {
	ListingID        string
	ClaimID          string
	Buyer            string
	SettlementProof  string
	ReleaseSignature string
	At               time.Time
}

// MarkSold moves a claimed active listing to sold and bumps the buyer's purchase counter in one
// transaction. It reports false when the listing is no longer active under this claim.
func (s *Listings) MarkSold(ctx context.Context, sale Sale) (bool, error) {
	sold := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Listing{}).
			Where("id = ? AND status = ? AND claim_id = ?", sale.ListingID, domain.StatusActive, sale.ClaimID).
			Updates(map[string]any{
				"status":            domain.StatusSold,
				"buyer":             sale.Buyer,
				"settlement_proof":  sale.SettlementProof,
				"release_signature": sale.ReleaseSignature,
				"claim_id":          nil,
				"claimed_by":        nil,
				"claimed_at":        nil,
				"updated_at":        sale.At,
			})
		if res.Error != nil {
			return res.Error // Return error to rollback
		}
		if res.RowsAffected != 1 {
			return nil // Lost the listing, nothing to count
		}
		sold = true
		// Increment the buyer's counter
		return tx.Model(&domain.User{}).
			Where("wallet_address = ?", sale.Buyer).
			Update("total_purchases", gorm.Expr("total_purchases + ?", 1)).Error
	})
	if err != nil {
		return false, translate(err)
	}
	return sold, nil
}

// Cancel moves seller's active listing to cancelled unless a live settlement lease holds it
func (s *Listings) Cancel(ctx context.Context, id, seller string, now, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Listing{}).
		Where("id = ? AND seller = ? AND status = ? AND release_signature IS NULL AND (claim_id IS NULL OR claimed_at < ?)", id, seller, domain.StatusActive, staleBefore).
		Updates(map[string]any{
			"status":     domain.StatusCancelled,
			"claim_id":   nil,
			"claimed_by": nil,
			"claimed_at": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, domain.Wrap(domain.ErrStorage, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// translate maps unique-index violations onto ErrProofAlreadyUsed
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.Wrap(domain.ErrProofAlreadyUsed, err)
	}
	return domain.Wrap(domain.ErrStorage, err)
}
