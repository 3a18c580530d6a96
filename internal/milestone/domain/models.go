// Package domain contains the milestone fee schedule an engagement's client
// reviews and approves.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type PlanStatus string

const (
	PlanStatusNotSubmitted      PlanStatus = "not_submitted"
	PlanStatusSubmitted         PlanStatus = "submitted"
	PlanStatusRevisionRequested PlanStatus = "revision_requested"
	PlanStatusApproved          PlanStatus = "approved"
)

// Editable reports whether milestones may still be replaced.
func (s PlanStatus) Editable() bool {
	return s == PlanStatusNotSubmitted || s == PlanStatusRevisionRequested
}

type MilestonePlan struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID `gorm:"not null;index" json:"org_id"`
	EngagementID snowflake.ID `gorm:"not null;index" json:"engagement_id"`
	ProposerID   snowflake.ID `gorm:"not null" json:"proposer_id"`
	ClientID     snowflake.ID `gorm:"not null;index" json:"client_id"`
	Currency     string       `gorm:"type:text;not null" json:"currency"`
	Status       PlanStatus   `gorm:"type:text;not null" json:"status"`
	// TotalAmount is in Currency minor units.
	TotalAmount int64 `gorm:"not null" json:"total_amount"`
	// EscrowAmount is the canonical amount locked on approval.
	EscrowAmount *int64     `json:"escrow_amount,omitempty"`
	Feedback     *string    `gorm:"type:text" json:"feedback,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`

	Milestones []Milestone `gorm:"foreignKey:PlanID" json:"milestones"`
}

func (MilestonePlan) TableName() string { return "milestone_plans" }

type Milestone struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID `gorm:"not null" json:"-"`
	PlanID           snowflake.ID `gorm:"not null;index" json:"plan_id"`
	Position         int          `gorm:"not null" json:"position"`
	Title            string       `gorm:"type:text;not null" json:"title"`
	Description      string       `gorm:"type:text;not null;default:''" json:"description"`
	Amount           int64        `gorm:"not null" json:"amount"`
	DurationDays     int          `gorm:"not null" json:"duration_days"`
	NeedsRevision    bool         `gorm:"not null;default:false" json:"needs_revision"`
	RevisionFeedback *string      `gorm:"type:text" json:"revision_feedback,omitempty"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null" json:"updated_at"`
}

func (Milestone) TableName() string { return "milestones" }

// Sum adds up milestone amounts.
func Sum(milestones []Milestone) int64 {
	var total int64
	for _, m := range milestones {
		total += m.Amount
	}
	return total
}
