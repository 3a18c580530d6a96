package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) InsertIfMissing(ctx context.Context, conn *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return conn.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(subscription).Error
}

func (r *repo) Update(ctx context.Context, conn *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return conn.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", subscription.ID).
		Updates(map[string]any{
			"tier":              subscription.Tier,
			"status":            subscription.Status,
			"billing_cycle":     subscription.BillingCycle,
			"billing_currency":  subscription.BillingCurrency,
			"auto_renew":        subscription.AutoRenew,
			"start_date":        subscription.StartDate,
			"end_date":          subscription.EndDate,
			"next_billing_date": subscription.NextBillingDate,
			"cancelled_at":      subscription.CancelledAt,
			"updated_at":        subscription.UpdatedAt,
		}).Error
}

func (r *repo) FindByOwner(ctx context.Context, conn *gorm.DB, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(conn.WithContext(ctx), orgID, ownerID)
}

func (r *repo) FindByOwnerForUpdate(ctx context.Context, conn *gorm.DB, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(db.ForUpdate(conn.WithContext(ctx)), orgID, ownerID)
}

func (r *repo) find(conn *gorm.DB, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := conn.Where("org_id = ? AND owner_id = ?", orgID, ownerID).Take(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) ListRenewalsDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).
		Where("status = ? AND auto_renew = ? AND tier <> ?", subscriptiondomain.SubscriptionStatusActive, true, plan.TierFree).
		Where("next_billing_date IS NOT NULL AND next_billing_date <= ?", now).
		Order("next_billing_date ASC").
		Limit(limit).
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// ListExpirationsDue returns paid subscriptions past end_date that will not
// renew: cancelled ones and active ones with auto-renew off.
func (r *repo) ListExpirationsDue(ctx context.Context, conn *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).
		Where("tier <> ? AND end_date IS NOT NULL AND end_date <= ?", plan.TierFree, now).
		Where("(status = ? OR (status = ? AND auto_renew = ?))",
			subscriptiondomain.SubscriptionStatusCancelled,
			subscriptiondomain.SubscriptionStatusActive,
			false,
		).
		Order("end_date ASC").
		Limit(limit).
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) InsertPayment(ctx context.Context, conn *gorm.DB, payment *subscriptiondomain.SubscriptionPayment) error {
	return conn.WithContext(ctx).Create(payment).Error
}

func (r *repo) PaymentExists(ctx context.Context, conn *gorm.DB, orgID, ownerID snowflake.ID, idempotencyKey string) (bool, error) {
	var count int64
	err := conn.WithContext(ctx).
		Model(&subscriptiondomain.SubscriptionPayment{}).
		Where("org_id = ? AND owner_id = ? AND idempotency_key = ?", orgID, ownerID, idempotencyKey).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
