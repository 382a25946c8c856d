package db

import (
	"marketplace/internal/domain" // Importing domain models

	"github.com/sirupsen/logrus" // Structured logging
	"gorm.io/gorm"               // GORM ORM library
)

// Migrate performs automatic migration for the database schema
func Migrate(db *gorm.DB) error {
	// AutoMigrate will create tables, missing foreign keys, constraints, columns and indexes
	if err := db.AutoMigrate(&domain.User{}, &domain.Listing{}); err != nil {
		return err // Surface migration failure to the caller
	}
	logrus.Info("Migration completed.") // Log successful migration
	return nil
}
