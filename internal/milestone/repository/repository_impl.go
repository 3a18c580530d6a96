package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() milestonedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, plan *milestonedomain.MilestonePlan) error {
	tx := conn.WithContext(ctx)
	if err := tx.Omit(clause.Associations).Create(plan).Error; err != nil {
		return err
	}
	if len(plan.Milestones) == 0 {
		return nil
	}
	return tx.Create(&plan.Milestones).Error
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (*milestonedomain.MilestonePlan, error) {
	return r.find(ctx, conn.WithContext(ctx), conn, orgID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (*milestonedomain.MilestonePlan, error) {
	return r.find(ctx, db.ForUpdate(conn.WithContext(ctx)), conn, orgID, id)
}

func (r *repo) find(ctx context.Context, query, conn *gorm.DB, orgID, id snowflake.ID) (*milestonedomain.MilestonePlan, error) {
	var plan milestonedomain.MilestonePlan
	err := query.Where("org_id = ? AND id = ?", orgID, id).Take(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	milestones, err := r.listMilestones(ctx, conn, []snowflake.ID{plan.ID})
	if err != nil {
		return nil, err
	}
	plan.Milestones = milestones[plan.ID]
	return &plan, nil
}

func (r *repo) ListByEngagement(ctx context.Context, conn *gorm.DB, orgID, engagementID snowflake.ID) ([]milestonedomain.MilestonePlan, error) {
	var plans []milestonedomain.MilestonePlan
	err := conn.WithContext(ctx).
		Where("org_id = ? AND engagement_id = ?", orgID, engagementID).
		Order("created_at ASC, id ASC").
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return plans, nil
	}

	ids := make([]snowflake.ID, 0, len(plans))
	for _, p := range plans {
		ids = append(ids, p.ID)
	}
	milestones, err := r.listMilestones(ctx, conn, ids)
	if err != nil {
		return nil, err
	}
	for i := range plans {
		plans[i].Milestones = milestones[plans[i].ID]
	}
	return plans, nil
}

func (r *repo) listMilestones(ctx context.Context, conn *gorm.DB, planIDs []snowflake.ID) (map[snowflake.ID][]milestonedomain.Milestone, error) {
	var rows []milestonedomain.Milestone
	err := conn.WithContext(ctx).
		Where("plan_id IN ?", planIDs).
		Order("plan_id ASC, position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID][]milestonedomain.Milestone, len(planIDs))
	for _, m := range rows {
		out[m.PlanID] = append(out[m.PlanID], m)
	}
	return out, nil
}

func (r *repo) UpdatePlan(ctx context.Context, conn *gorm.DB, plan *milestonedomain.MilestonePlan) error {
	return conn.WithContext(ctx).
		Model(&milestonedomain.MilestonePlan{}).
		Where("id = ?", plan.ID).
		Updates(map[string]any{
			"status":        plan.Status,
			"total_amount":  plan.TotalAmount,
			"escrow_amount": plan.EscrowAmount,
			"feedback":      plan.Feedback,
			"submitted_at":  plan.SubmittedAt,
			"reviewed_at":   plan.ReviewedAt,
			"approved_at":   plan.ApprovedAt,
			"updated_at":    plan.UpdatedAt,
		}).Error
}

func (r *repo) ReplaceMilestones(ctx context.Context, conn *gorm.DB, plan *milestonedomain.MilestonePlan) error {
	tx := conn.WithContext(ctx)
	if err := tx.Where("plan_id = ?", plan.ID).Delete(&milestonedomain.Milestone{}).Error; err != nil {
		return err
	}
	if len(plan.Milestones) == 0 {
		return nil
	}
	return tx.Create(&plan.Milestones).Error
}

func (r *repo) UpdateMilestoneReview(ctx context.Context, conn *gorm.DB, milestone *milestonedomain.Milestone) error {
	return conn.WithContext(ctx).
		Model(&milestonedomain.Milestone{}).
		Where("id = ?", milestone.ID).
		Updates(map[string]any{
			"needs_revision":    milestone.NeedsRevision,
			"revision_feedback": milestone.RevisionFeedback,
			"updated_at":        milestone.UpdatedAt,
		}).Error
}
