// Package store persists users and listings with GORM.
package store

import (
	"context" // Request-scoped queries
	"errors"  // Error inspection
	"time"    // Login timestamps

	"gorm.io/gorm"        // GORM ORM library
	"gorm.io/gorm/clause" // Upsert clauses

	"marketplace/internal/domain" // Domain models
)

// Users is the user repository
type Users struct {
	db *gorm.DB
}

// NewUsers returns a user repository over db
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// FindByWallet returns the user for a wallet address
func (s *Users) FindByWallet(ctx context.Context, wallet string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&user).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound)
	}
	return &user, nil
}

// FindByID returns the user with the given primary key
func (s *Users) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, domain.ErrUserNotFound)
	}
	return &user, nil
}

// SetNonce creates the user if needed and stores nonce as its current login nonce
func (s *Users) SetNonce(ctx context.Context, wallet, nonce string, now time.Time) (*domain.User, error) {
	user := domain.User{WalletAddress: wallet, Nonce: nonce, CreatedAt: now, LastLogin: now}
	// Insert or overwrite the nonce in one statement so concurrent first requests cannot collide
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoUpdates: clause.Assignments(map[string]any{"nonce": nonce}),
	}).Create(&user).Error
	if err != nil {
		return nil, domain.Wrap(domain.ErrStorage, err)
	}
	return s.FindByWallet(ctx, wallet)
}

// RotateNonce replaces the nonce only if it still equals current. It reports false when another
// verification already consumed it.
func (s *Users) RotateNonce(ctx context.Context, id uint, current, next string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND nonce = ?", id, current).
		Updates(map[string]any{"nonce": next, "last_login": now})
	if res.Error != nil {
		return false, domain.Wrap(domain.ErrStorage, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// notFound maps gorm.ErrRecordNotFound to sentinel and anything else to a storage error
func notFound(err error, sentinel *domain.Error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return domain.Wrap(domain.ErrStorage, err)
}
