package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gigpay/internal/authorization"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	"github.com/smallbiznis/gigpay/internal/money"
)

type proposePlanRequest struct {
	EngagementID string                           `json:"engagement_id"`
	ClientID     string                           `json:"client_id"`
	Currency     string                           `json:"currency"`
	Milestones   []milestonedomain.MilestoneInput `json:"milestones"`
}

type revisePlanRequest struct {
	Milestones []milestonedomain.MilestoneInput `json:"milestones"`
}

type milestoneReviewRequest struct {
	ID            string `json:"id"`
	NeedsRevision bool   `json:"needs_revision"`
	Feedback      string `json:"feedback"`
}

type requestRevisionRequest struct {
	Feedback   string                   `json:"feedback"`
	Milestones []milestoneReviewRequest `json:"milestones"`
}

func (s *Server) ProposeMilestonePlan(c *gin.Context) {
	var req proposePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	actor, _ := actorFromContext(c)
	proposerID, err := bodyID("actor_id", actor.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	engagementID, err := bodyID("engagement_id", req.EngagementID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	clientID, err := bodyID("client_id", req.ClientID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	currency, err := money.ParseCurrency(req.Currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	plan, err := s.milestoneSvc.Propose(c.Request.Context(), milestonedomain.ProposeRequest{
		OrgID:        orgID,
		EngagementID: engagementID,
		ProposerID:   proposerID,
		ClientID:     clientID,
		Currency:     currency,
		Milestones:   req.Milestones,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": plan})
}

func (s *Server) GetMilestonePlan(c *gin.Context) {
	plan, ok := s.loadPlan(c)
	if !ok {
		return
	}
	if !s.isPlanParty(c, plan) {
		AbortWithError(c, ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) ListMilestonePlans(c *gin.Context) {
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	engagementID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	plans, err := s.milestoneSvc.ListByEngagement(c.Request.Context(), orgID, engagementID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	visible := make([]milestonedomain.MilestonePlan, 0, len(plans))
	for i := range plans {
		if s.isPlanParty(c, &plans[i]) {
			visible = append(visible, plans[i])
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": visible})
}

func (s *Server) ReviseMilestonePlan(c *gin.Context) {
	var req revisePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	plan, ok := s.loadPlan(c)
	if !ok {
		return
	}
	if !s.isProposer(c, plan) {
		AbortWithError(c, ErrForbidden)
		return
	}

	updated, err := s.milestoneSvc.Revise(c.Request.Context(), milestonedomain.ReviseRequest{
		OrgID:      plan.OrgID,
		PlanID:     plan.ID,
		Milestones: req.Milestones,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) SubmitMilestonePlan(c *gin.Context) {
	plan, ok := s.loadPlan(c)
	if !ok {
		return
	}
	if !s.isProposer(c, plan) {
		AbortWithError(c, ErrForbidden)
		return
	}

	updated, err := s.milestoneSvc.Submit(c.Request.Context(), plan.OrgID, plan.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) ApproveMilestonePlan(c *gin.Context) {
	plan, ok := s.loadPlan(c)
	if !ok {
		return
	}
	if !s.isClient(c, plan) {
		AbortWithError(c, ErrForbidden)
		return
	}

	updated, err := s.milestoneSvc.Approve(c.Request.Context(), milestonedomain.ApproveRequest{
		OrgID:          plan.OrgID,
		PlanID:         plan.ID,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) RequestMilestoneRevision(c *gin.Context) {
	var req requestRevisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	plan, ok := s.loadPlan(c)
	if !ok {
		return
	}
	if !s.isClient(c, plan) {
		AbortWithError(c, ErrForbidden)
		return
	}

	reviews := make(map[snowflake.ID]milestonedomain.MilestoneReview, len(req.Milestones))
	for _, item := range req.Milestones {
		id, err := bodyID("milestone_id", item.ID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		reviews[id] = milestonedomain.MilestoneReview{
			NeedsRevision: item.NeedsRevision,
			Feedback:      strings.TrimSpace(item.Feedback),
		}
	}

	updated, err := s.milestoneSvc.RequestRevision(c.Request.Context(), milestonedomain.RevisionRequest{
		OrgID:      plan.OrgID,
		PlanID:     plan.ID,
		Feedback:   req.Feedback,
		Milestones: reviews,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": updated})
}

func (s *Server) loadPlan(c *gin.Context) (*milestonedomain.MilestonePlan, bool) {
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	planID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	plan, err := s.milestoneSvc.Get(c.Request.Context(), orgID, planID)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	return plan, true
}

func (s *Server) isProposer(c *gin.Context, plan *milestonedomain.MilestonePlan) bool {
	return actorIs(c, plan.ProposerID)
}

func (s *Server) isClient(c *gin.Context, plan *milestonedomain.MilestonePlan) bool {
	return actorIs(c, plan.ClientID)
}

func (s *Server) isPlanParty(c *gin.Context, plan *milestonedomain.MilestonePlan) bool {
	return actorIs(c, plan.ProposerID) || actorIs(c, plan.ClientID)
}

// actorIs reports whether the caller is id. Admin and system callers act on
// behalf of any party.
func actorIs(c *gin.Context, id snowflake.ID) bool {
	actor, ok := actorFromContext(c)
	if !ok {
		return false
	}
	if actor.Role == authorization.RoleAdmin || actor.Role == authorization.RoleSystem {
		return true
	}
	return strings.TrimSpace(actor.ID) == id.String()
}
