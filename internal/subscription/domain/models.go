// Package domain contains persistence models for plan subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/plan"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

type PaymentMethod string

const (
	PaymentMethodWallet   PaymentMethod = "wallet"
	PaymentMethodExternal PaymentMethod = "external"
)

type PaymentKind string

const (
	PaymentKindUpgrade PaymentKind = "upgrade"
	PaymentKindRenewal PaymentKind = "renewal"
)

// Subscription is the single plan subscription an owner holds.
type Subscription struct {
	ID              snowflake.ID       `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscriptions_owner,priority:1" json:"org_id"`
	OwnerID         snowflake.ID       `gorm:"not null;uniqueIndex:ux_subscriptions_owner,priority:2" json:"owner_id"`
	Tier            plan.Tier          `gorm:"type:text;not null" json:"tier"`
	Status          SubscriptionStatus `gorm:"type:text;not null;index" json:"status"`
	BillingCycle    plan.Cycle         `gorm:"type:text;not null" json:"billing_cycle"`
	BillingCurrency string             `gorm:"type:text;not null" json:"billing_currency"`
	AutoRenew       bool               `gorm:"not null;default:false" json:"auto_renew"`
	StartDate       time.Time          `gorm:"not null" json:"start_date"`
	EndDate         *time.Time         `json:"end_date,omitempty"`
	NextBillingDate *time.Time         `gorm:"index" json:"next_billing_date,omitempty"`
	CancelledAt     *time.Time         `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time          `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// EffectiveTier is the tier whose entitlements apply. Expired subscriptions
// fall back to free.
func (s *Subscription) EffectiveTier() plan.Tier {
	if s.Status == SubscriptionStatusExpired {
		return plan.TierFree
	}
	return s.Tier
}

// SubscriptionPayment records how a paid period was settled.
type SubscriptionPayment struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID  `gorm:"not null;uniqueIndex:ux_subscription_payments_key,priority:1" json:"org_id"`
	OwnerID         snowflake.ID  `gorm:"not null;uniqueIndex:ux_subscription_payments_key,priority:2" json:"owner_id"`
	IdempotencyKey  string        `gorm:"type:text;not null;uniqueIndex:ux_subscription_payments_key,priority:3" json:"idempotency_key"`
	SubscriptionID  snowflake.ID  `gorm:"not null;index" json:"subscription_id"`
	Kind            PaymentKind   `gorm:"type:text;not null" json:"kind"`
	Method          PaymentMethod `gorm:"type:text;not null" json:"method"`
	Tier            plan.Tier     `gorm:"type:text;not null" json:"tier"`
	BillingCycle    plan.Cycle    `gorm:"type:text;not null" json:"billing_cycle"`
	Amount          int64         `gorm:"not null" json:"amount"`
	Currency        string        `gorm:"type:text;not null" json:"currency"`
	CanonicalAmount int64         `gorm:"not null" json:"canonical_amount"`
	ExternalRef     *string       `gorm:"type:text" json:"external_ref,omitempty"`
	LedgerEntryKey  *string       `gorm:"type:text" json:"ledger_entry_key,omitempty"`
	PaidAt          time.Time     `gorm:"not null" json:"paid_at"`
}

func (SubscriptionPayment) TableName() string { return "subscription_payments" }
