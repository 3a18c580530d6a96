package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Transact runs fn in one transaction and tags retryable failures.
func Transact(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	return Classify(conn.WithContext(ctx).Transaction(fn))
}

// ForUpdate adds a row lock on dialects that support it.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
