package domain

import (
	"time" // Timestamps

	"github.com/shopspring/decimal" // Exact prices
)

// ListingStatus is the lifecycle state of a listing
type ListingStatus string

// Listing states. Sold and cancelled are terminal.
const (
	StatusActive    ListingStatus = "active"
	StatusSold      ListingStatus = "sold"
	StatusCancelled ListingStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s ListingStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSold, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s
func (s ListingStatus) Terminal() bool {
	return s == StatusSold || s == StatusCancelled
}

// Listing Model. Price and amount never change after creation; status only moves
// out of active once.
type Listing struct {
	ID               string          `gorm:"primaryKey;size:36" json:"id"`
	TokenType        AssetType       `gorm:"size:32;not null;index:idx_listing_token_status" json:"tokenType"`
	TokenMint        string          `gorm:"size:44;not null" json:"tokenMint"`
	TokenName        string          `gorm:"size:32;not null" json:"tokenName"`
	Seller           string          `gorm:"size:44;not null;index:idx_listing_seller_status" json:"seller"`
	Price            decimal.Decimal `gorm:"type:decimal(20,9);not null" json:"price"`
	Amount           uint64          `gorm:"not null" json:"amount"`
	Status           ListingStatus   `gorm:"size:16;not null;default:active;index:idx_listing_token_status;index:idx_listing_seller_status;index:idx_listing_status_created" json:"status"`
	Buyer            *string         `gorm:"size:44" json:"buyer,omitempty"`
	SettlementProof  *string         `gorm:"size:128;uniqueIndex" json:"settlementProof,omitempty"`
	DepositProof     *string         `gorm:"size:128;uniqueIndex" json:"depositProof,omitempty"`
	ReleaseSignature *string         `gorm:"size:128" json:"releaseSignature,omitempty"`
	ClaimID          *string         `gorm:"size:36" json:"-"`
	ClaimedBy        *string         `gorm:"size:44" json:"-"`
	ClaimedAt        *time.Time      `json:"-"`
	CreatedAt        time.Time       `gorm:"index:idx_listing_status_created" json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// SettlementDetails is what a buyer needs to pay the seller directly
type SettlementDetails struct {
	Seller    string          `json:"seller"`
	TokenMint string          `json:"tokenMint"`
	TokenType AssetType       `json:"tokenType"`
	Price     decimal.Decimal `json:"price"`
	Amount    uint64          `json:"amount"`
	ListingID string          `json:"listingId"`
}

// SortField is a whitelisted listing sort column
type SortField string

// Sortable columns
const (
	SortCreatedAt SortField = "createdAt"
	SortPrice     SortField = "price"
	SortAmount    SortField = "amount"
)

// ListingFilter narrows a listing query
type ListingFilter struct {
	Status    ListingStatus // Required, usually active
	TokenType AssetType     // Optional
	Seller    string        // Optional
	SortBy    SortField     // Defaults to createdAt
	Ascending bool          // Defaults to descending
	Limit     int           // Clamped to MaxListingResults
}

// MaxListingResults bounds every listing query
const MaxListingResults = 100

// PriceDecimals is the scale of the price column, decimal(20,9)
const PriceDecimals = 9

// MaxPrice is the exclusive upper price bound. SQLite keeps the column as a REAL, exact to 15
// significant digits, which leaves six whole digits next to nine decimals.
var MaxPrice = decimal.New(1, 6)

// PriceFits reports whether p is stored and read back unchanged
func PriceFits(p decimal.Decimal) bool {
	return p.Equal(p.Truncate(PriceDecimals)) && p.LessThan(MaxPrice)
}
