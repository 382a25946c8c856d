package domain

import "time" // Timestamps

// User Model, keyed by wallet address. There is no password: ownership of the
// wallet key is proven by signing the current nonce.
type User struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`                              // Primary key
	WalletAddress        string    `gorm:"size:44;uniqueIndex;not null" json:"walletAddress"` // Base58 wallet address
	Nonce                string    `gorm:"size:32;not null" json:"-"`                         // Current single-use login nonce
	CreatedAt            time.Time `json:"createdAt"`                                         // First nonce request
	LastLogin            time.Time `json:"lastLogin"`                                         // Last successful verification
	TotalListingsCreated int64     `gorm:"not null;default:0" json:"totalListingsCreated"`    // Listings created by this wallet
	TotalPurchases       int64     `gorm:"not null;default:0" json:"totalPurchases"`          // Purchases settled to this wallet
}
