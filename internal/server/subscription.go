package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/smallbiznis/gigpay/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
)

type planChangeRequest struct {
	OwnerID       string `json:"owner_id"`
	TargetTier    string `json:"target_tier"`
	BillingCycle  string `json:"billing_cycle"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	ExternalRef   string `json:"external_ref"`
	Confirmed     bool   `json:"confirmed"`
}

// terms parses the optional cycle and currency. Empty values keep the
// subscription's current billing terms.
func (r planChangeRequest) terms() (plan.Cycle, money.Currency, error) {
	var (
		cycle    plan.Cycle
		currency money.Currency
		err      error
	)
	if strings.TrimSpace(r.BillingCycle) != "" {
		if cycle, err = plan.ParseCycle(r.BillingCycle); err != nil {
			return "", "", err
		}
	}
	if strings.TrimSpace(r.Currency) != "" {
		if currency, err = money.ParseCurrency(r.Currency); err != nil {
			return "", "", err
		}
	}
	return cycle, currency, nil
}

type autoRenewRequest struct {
	OwnerID string `json:"owner_id"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) GetSubscription(c *gin.Context) {
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := pathID(c, "owner_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}

	sub, err := s.subscriptionSvc.Get(c.Request.Context(), orgID, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) PreviewSubscription(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := bodyID("owner_id", req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}
	target, err := plan.ParseTier(req.TargetTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	cycle, currency, err := req.terms()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	preview, err := s.subscriptionSvc.Preview(c.Request.Context(), subscriptiondomain.PreviewRequest{
		OrgID:    orgID,
		OwnerID:  ownerID,
		Target:   target,
		Cycle:    cycle,
		Currency: currency,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": preview})
}

func (s *Server) UpgradeSubscription(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := bodyID("owner_id", req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}
	target, err := plan.ParseTier(req.TargetTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	cycle, currency, err := req.terms()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	method := subscriptiondomain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod)))
	if method == "" {
		method = subscriptiondomain.PaymentMethodWallet
	}

	sub, err := s.subscriptionSvc.Upgrade(c.Request.Context(), subscriptiondomain.UpgradeRequest{
		OrgID:          orgID,
		OwnerID:        ownerID,
		Target:         target,
		Cycle:          cycle,
		Currency:       currency,
		PaymentMethod:  method,
		ExternalRef:    strings.TrimSpace(req.ExternalRef),
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) DowngradeSubscription(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := bodyID("owner_id", req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}
	target, err := plan.ParseTier(req.TargetTier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subscriptionSvc.Downgrade(c.Request.Context(), subscriptiondomain.DowngradeRequest{
		OrgID:     orgID,
		OwnerID:   ownerID,
		Target:    target,
		Confirmed: req.Confirmed,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := bodyID("owner_id", req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), orgID, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) SetSubscriptionAutoRenew(c *gin.Context) {
	var req autoRenewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Enabled == nil {
		AbortWithError(c, newValidationError("enabled", "required", "enabled is required"))
		return
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ownerID, err := bodyID("owner_id", req.OwnerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return
	}

	sub, err := s.subscriptionSvc.SetAutoRenew(c.Request.Context(), orgID, ownerID, *req.Enabled)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sub})
}
