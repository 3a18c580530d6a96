package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/smallbiznis/gigpay/internal/plan"
)

type PreviewRequest struct {
	OrgID    snowflake.ID
	OwnerID  snowflake.ID
	Target   plan.Tier
	Cycle    plan.Cycle
	Currency money.Currency
}

// Preview describes what a plan change would do without applying it.
type Preview struct {
	Current        plan.Tier       `json:"current_tier"`
	Target         plan.Tier       `json:"target_tier"`
	Transition     plan.Transition `json:"transition"`
	Price          *money.Money    `json:"price,omitempty"`
	CanonicalPrice *money.Money    `json:"canonical_price,omitempty"`
	CapabilityLoss []string        `json:"capability_loss"`
}

type UpgradeRequest struct {
	OrgID          snowflake.ID
	OwnerID        snowflake.ID
	Target         plan.Tier
	Cycle          plan.Cycle
	Currency       money.Currency
	PaymentMethod  PaymentMethod
	ExternalRef    string
	IdempotencyKey string
}

type DowngradeRequest struct {
	OrgID     snowflake.ID
	OwnerID   snowflake.ID
	Target    plan.Tier
	Confirmed bool
}

// SweepResult counts the outcome of one scheduler pass.
type SweepResult struct {
	Processed int
	Lapsed    int
	Failed    int
}

type Service interface {
	Get(ctx context.Context, orgID, ownerID snowflake.ID) (*Subscription, error)
	Preview(ctx context.Context, req PreviewRequest) (*Preview, error)
	Upgrade(ctx context.Context, req UpgradeRequest) (*Subscription, error)
	Downgrade(ctx context.Context, req DowngradeRequest) (*Subscription, error)
	Cancel(ctx context.Context, orgID, ownerID snowflake.ID) (*Subscription, error)
	SetAutoRenew(ctx context.Context, orgID, ownerID snowflake.ID, enabled bool) (*Subscription, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) (SweepResult, error)
	RenewDue(ctx context.Context, now time.Time, limit int) (SweepResult, error)
}
