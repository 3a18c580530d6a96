package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertIfMissing(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByOwner(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID) (*Subscription, error)
	FindByOwnerForUpdate(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID) (*Subscription, error)
	ListRenewalsDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ListExpirationsDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	InsertPayment(ctx context.Context, db *gorm.DB, payment *SubscriptionPayment) error
	PaymentExists(ctx context.Context, db *gorm.DB, orgID, ownerID snowflake.ID, idempotencyKey string) (bool, error)
}
