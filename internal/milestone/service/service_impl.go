package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      milestonedomain.Repository
	converter currency.Converter
	wallet    walletdomain.Ledger
	locker    ownerlock.Locker

	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      milestonedomain.Repository
	Converter currency.Converter
	Wallet    walletdomain.Ledger
	Locker    ownerlock.Locker

	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) milestonedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("milestone.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		converter: p.Converter,
		wallet:    p.Wallet,
		locker:    p.Locker,

		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Propose(ctx context.Context, req milestonedomain.ProposeRequest) (*milestonedomain.MilestonePlan, error) {
	if req.OrgID == 0 {
		return nil, milestonedomain.ErrInvalidOrganization
	}
	if req.EngagementID == 0 {
		return nil, milestonedomain.ErrInvalidEngagement
	}
	if req.ProposerID == 0 || req.ClientID == 0 || req.ProposerID == req.ClientID {
		return nil, milestonedomain.ErrInvalidParty
	}
	if !s.converter.Supported(req.Currency) {
		return nil, money.ErrUnsupportedCurrency
	}

	now := s.clock.Now()
	plan := &milestonedomain.MilestonePlan{
		ID:           s.genID.Generate(),
		OrgID:        req.OrgID,
		EngagementID: req.EngagementID,
		ProposerID:   req.ProposerID,
		ClientID:     req.ClientID,
		Currency:     req.Currency.String(),
		Status:       milestonedomain.PlanStatusNotSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	milestones, err := s.buildMilestones(plan, req.Milestones)
	if err != nil {
		return nil, err
	}
	plan.Milestones = milestones
	plan.TotalAmount = milestonedomain.Sum(milestones)

	if err := db.Transact(ctx, s.db, func(tx *gorm.DB) error {
		return s.repo.Insert(ctx, tx, plan)
	}); err != nil {
		return nil, err
	}
	return plan, nil
}

// Revise replaces the milestones of a plan that is not under review.
func (s *Service) Revise(ctx context.Context, req milestonedomain.ReviseRequest) (*milestonedomain.MilestonePlan, error) {
	return s.mutatePlan(ctx, req.OrgID, req.PlanID, func(tx *gorm.DB, plan *milestonedomain.MilestonePlan) error {
		if !plan.Status.Editable() {
			return milestonedomain.ErrInvalidState
		}
		milestones, err := s.buildMilestones(plan, req.Milestones)
		if err != nil {
			return err
		}
		plan.Milestones = milestones
		plan.TotalAmount = milestonedomain.Sum(milestones)
		plan.UpdatedAt = s.clock.Now()
		if err := s.repo.ReplaceMilestones(ctx, tx, plan); err != nil {
			return err
		}
		return s.repo.UpdatePlan(ctx, tx, plan)
	})
}

func (s *Service) Submit(ctx context.Context, orgID, planID snowflake.ID) (*milestonedomain.MilestonePlan, error) {
	return s.mutatePlan(ctx, orgID, planID, func(tx *gorm.DB, plan *milestonedomain.MilestonePlan) error {
		if !plan.Status.Editable() {
			return milestonedomain.ErrInvalidState
		}
		if len(plan.Milestones) == 0 {
			return milestonedomain.ErrEmptyPlan
		}
		for _, m := range plan.Milestones {
			if m.Amount <= 0 {
				return milestonedomain.ErrInvalidMilestoneAmount
			}
		}
		if milestonedomain.Sum(plan.Milestones) != plan.TotalAmount {
			return milestonedomain.ErrTotalMismatch
		}

		now := s.clock.Now()
		for i := range plan.Milestones {
			m := &plan.Milestones[i]
			if !m.NeedsRevision && m.RevisionFeedback == nil {
				continue
			}
			m.NeedsRevision = false
			m.RevisionFeedback = nil
			m.UpdatedAt = now
			if err := s.repo.UpdateMilestoneReview(ctx, tx, m); err != nil {
				return err
			}
		}

		plan.Status = milestonedomain.PlanStatusSubmitted
		plan.SubmittedAt = &now
		plan.UpdatedAt = now
		if err := s.repo.UpdatePlan(ctx, tx, plan); err != nil {
			return err
		}
		return s.publish(ctx, tx, plan, events.EventMilestonePlanSubmitted)
	})
}

// Approve locks the plan total in the client's wallet and marks the plan
// approved in one transaction. Nothing changes when the lock fails.
func (s *Service) Approve(ctx context.Context, req milestonedomain.ApproveRequest) (*milestonedomain.MilestonePlan, error) {
	current, err := s.Get(ctx, req.OrgID, req.PlanID)
	if err != nil {
		return nil, err
	}

	var plan *milestonedomain.MilestonePlan
	err = ownerlock.WithOwner(ctx, s.locker, current.OrgID, current.ClientID, func() error {
		return db.Transact(ctx, s.db, func(tx *gorm.DB) error {
			var err error
			plan, err = s.repo.FindByIDForUpdate(ctx, tx, req.OrgID, req.PlanID)
			if err != nil {
				return err
			}
			if plan == nil {
				return milestonedomain.ErrPlanNotFound
			}
			if plan.Status != milestonedomain.PlanStatusSubmitted {
				return milestonedomain.ErrInvalidState
			}

			escrow, err := s.converter.ToCanonical(money.New(plan.TotalAmount, money.Currency(plan.Currency)))
			if err != nil {
				return err
			}
			// Keyed by plan so a plan can never be locked twice.
			if _, err := s.wallet.Lock(ctx, tx, walletdomain.Mutation{
				OrgID:          plan.OrgID,
				OwnerID:        plan.ClientID,
				Amount:         escrow,
				IdempotencyKey: fmt.Sprintf("milestone_plan:%d:approve", plan.ID),
				SourceType:     ledgerdomain.SourceTypeEscrowLock,
				SourceID:       plan.ID,
			}); err != nil {
				return err
			}

			now := s.clock.Now()
			plan.Status = milestonedomain.PlanStatusApproved
			plan.EscrowAmount = &escrow.Amount
			plan.ReviewedAt = &now
			plan.ApprovedAt = &now
			plan.UpdatedAt = now
			if err := s.repo.UpdatePlan(ctx, tx, plan); err != nil {
				return err
			}
			return s.publish(ctx, tx, plan, events.EventMilestonePlanApproved)
		})
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordMilestoneApproval(ctx)
	s.log.Info("milestone plan approved",
		zap.String("plan_id", plan.ID.String()),
		zap.String("engagement_id", plan.EngagementID.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	return plan, nil
}

func (s *Service) RequestRevision(ctx context.Context, req milestonedomain.RevisionRequest) (*milestonedomain.MilestonePlan, error) {
	overall := strings.TrimSpace(req.Feedback)
	flagged := 0
	for _, review := range req.Milestones {
		if review.NeedsRevision {
			flagged++
		}
	}
	if overall == "" && flagged == 0 {
		return nil, milestonedomain.ErrEmptyFeedback
	}

	return s.mutatePlan(ctx, req.OrgID, req.PlanID, func(tx *gorm.DB, plan *milestonedomain.MilestonePlan) error {
		if plan.Status != milestonedomain.PlanStatusSubmitted {
			return milestonedomain.ErrInvalidState
		}

		known := make(map[snowflake.ID]struct{}, len(plan.Milestones))
		for _, m := range plan.Milestones {
			known[m.ID] = struct{}{}
		}
		for id := range req.Milestones {
			if _, ok := known[id]; !ok {
				return milestonedomain.ErrUnknownMilestone
			}
		}

		now := s.clock.Now()
		lines := []string{}
		if overall != "" {
			lines = append(lines, overall)
		}
		for i := range plan.Milestones {
			m := &plan.Milestones[i]
			review := req.Milestones[m.ID]
			m.NeedsRevision = review.NeedsRevision
			m.RevisionFeedback = nil
			if review.NeedsRevision {
				note := strings.TrimSpace(review.Feedback)
				if note != "" {
					m.RevisionFeedback = &note
				}
				lines = append(lines, milestoneNote(m, note))
			}
			m.UpdatedAt = now
			if err := s.repo.UpdateMilestoneReview(ctx, tx, m); err != nil {
				return err
			}
		}

		feedback := strings.Join(lines, "\n")
		plan.Status = milestonedomain.PlanStatusRevisionRequested
		plan.Feedback = &feedback
		plan.ReviewedAt = &now
		plan.UpdatedAt = now
		if err := s.repo.UpdatePlan(ctx, tx, plan); err != nil {
			return err
		}
		return s.publish(ctx, tx, plan, events.EventMilestonePlanRevision)
	})
}

func (s *Service) Get(ctx context.Context, orgID, planID snowflake.ID) (*milestonedomain.MilestonePlan, error) {
	if orgID == 0 {
		return nil, milestonedomain.ErrInvalidOrganization
	}
	plan, err := s.repo.FindByID(ctx, s.db, orgID, planID)
	if err != nil {
		return nil, db.Classify(err)
	}
	if plan == nil {
		return nil, milestonedomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListByEngagement(ctx context.Context, orgID, engagementID snowflake.ID) ([]milestonedomain.MilestonePlan, error) {
	if orgID == 0 {
		return nil, milestonedomain.ErrInvalidOrganization
	}
	if engagementID == 0 {
		return nil, milestonedomain.ErrInvalidEngagement
	}
	plans, err := s.repo.ListByEngagement(ctx, s.db, orgID, engagementID)
	if err != nil {
		return nil, db.Classify(err)
	}
	return plans, nil
}

// mutatePlan loads the plan for update and applies fn in one transaction.
func (s *Service) mutatePlan(ctx context.Context, orgID, planID snowflake.ID, fn func(tx *gorm.DB, plan *milestonedomain.MilestonePlan) error) (*milestonedomain.MilestonePlan, error) {
	if orgID == 0 {
		return nil, milestonedomain.ErrInvalidOrganization
	}
	var plan *milestonedomain.MilestonePlan
	err := db.Transact(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		plan, err = s.repo.FindByIDForUpdate(ctx, tx, orgID, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return milestonedomain.ErrPlanNotFound
		}
		return fn(tx, plan)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) buildMilestones(plan *milestonedomain.MilestonePlan, inputs []milestonedomain.MilestoneInput) ([]milestonedomain.Milestone, error) {
	if len(inputs) == 0 {
		return nil, milestonedomain.ErrEmptyPlan
	}
	now := s.clock.Now()
	out := make([]milestonedomain.Milestone, 0, len(inputs))
	for i, in := range inputs {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return nil, milestonedomain.ErrInvalidTitle
		}
		if in.Amount <= 0 {
			return nil, milestonedomain.ErrInvalidMilestoneAmount
		}
		if in.DurationDays <= 0 {
			return nil, milestonedomain.ErrInvalidDuration
		}
		if in.Currency != "" && in.Currency.String() != plan.Currency {
			return nil, money.ErrCurrencyMismatch
		}
		out = append(out, milestonedomain.Milestone{
			ID:           s.genID.Generate(),
			OrgID:        plan.OrgID,
			PlanID:       plan.ID,
			Position:     i + 1,
			Title:        title,
			Description:  strings.TrimSpace(in.Description),
			Amount:       in.Amount,
			DurationDays: in.DurationDays,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, plan *milestonedomain.MilestonePlan, eventType string) error {
	if s.outbox == nil {
		return nil
	}
	flagged := []string{}
	for _, m := range plan.Milestones {
		if m.NeedsRevision {
			flagged = append(flagged, m.ID.String())
		}
	}
	sort.Strings(flagged)

	payload := map[string]any{
		"plan_id":       plan.ID.String(),
		"engagement_id": plan.EngagementID.String(),
		"proposer_id":   plan.ProposerID.String(),
		"client_id":     plan.ClientID.String(),
		"status":        string(plan.Status),
		"total_amount":  plan.TotalAmount,
		"currency":      plan.Currency,
	}
	if len(flagged) > 0 {
		payload["flagged_milestones"] = flagged
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:     plan.OrgID,
		Type:      eventType,
		Payload:   payload,
		DedupeKey: fmt.Sprintf("milestone_plan:%d:%s:%d", plan.ID, plan.Status, plan.UpdatedAt.UnixNano()),
	})
}

func milestoneNote(m *milestonedomain.Milestone, note string) string {
	if note == "" {
		return fmt.Sprintf("Milestone %d (%s)", m.Position, m.Title)
	}
	return fmt.Sprintf("Milestone %d (%s): %s", m.Position, m.Title, note)
}
