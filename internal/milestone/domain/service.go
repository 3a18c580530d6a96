package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
	"gorm.io/gorm"
)

type MilestoneInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	// Currency defaults to the plan currency and must match it.
	Currency     money.Currency `json:"currency,omitempty"`
	DurationDays int            `json:"duration_days"`
}

type ProposeRequest struct {
	OrgID        snowflake.ID
	EngagementID snowflake.ID
	ProposerID   snowflake.ID
	ClientID     snowflake.ID
	Currency     money.Currency
	Milestones   []MilestoneInput
}

type ReviseRequest struct {
	OrgID      snowflake.ID
	PlanID     snowflake.ID
	Milestones []MilestoneInput
}

type ApproveRequest struct {
	OrgID          snowflake.ID
	PlanID         snowflake.ID
	IdempotencyKey string
}

type MilestoneReview struct {
	NeedsRevision bool   `json:"needs_revision"`
	Feedback      string `json:"feedback"`
}

type RevisionRequest struct {
	OrgID      snowflake.ID
	PlanID     snowflake.ID
	Feedback   string
	Milestones map[snowflake.ID]MilestoneReview
}

type Service interface {
	Propose(ctx context.Context, req ProposeRequest) (*MilestonePlan, error)
	Revise(ctx context.Context, req ReviseRequest) (*MilestonePlan, error)
	Submit(ctx context.Context, orgID, planID snowflake.ID) (*MilestonePlan, error)
	Approve(ctx context.Context, req ApproveRequest) (*MilestonePlan, error)
	RequestRevision(ctx context.Context, req RevisionRequest) (*MilestonePlan, error)
	Get(ctx context.Context, orgID, planID snowflake.ID) (*MilestonePlan, error)
	ListByEngagement(ctx context.Context, orgID, engagementID snowflake.ID) ([]MilestonePlan, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *MilestonePlan) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*MilestonePlan, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*MilestonePlan, error)
	ListByEngagement(ctx context.Context, db *gorm.DB, orgID, engagementID snowflake.ID) ([]MilestonePlan, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, plan *MilestonePlan) error
	ReplaceMilestones(ctx context.Context, db *gorm.DB, plan *MilestonePlan) error
	UpdateMilestoneReview(ctx context.Context, db *gorm.DB, milestone *Milestone) error
}
