package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/smallbiznis/gigpay/internal/withdrawal/kyc"
)

type withdrawalRequest struct {
	amountRequest
	OwnerID  string `json:"owner_id"`
	MethodID string `json:"method_id"`
}

type kycStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) ValidateWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, ownerID, ok := s.withdrawalOwner(c, req.OwnerID)
	if !ok {
		return
	}
	amount, err := req.toMoney()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	quote, err := s.withdrawalSvc.Validate(c.Request.Context(), orgID, ownerID, amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": quote})
}

func (s *Server) RequestWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, ownerID, ok := s.withdrawalOwner(c, req.OwnerID)
	if !ok {
		return
	}
	amount, err := req.toMoney()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	record, err := s.withdrawalSvc.Request(c.Request.Context(), withdrawaldomain.Request{
		OrgID:          orgID,
		OwnerID:        ownerID,
		Amount:         amount,
		MethodID:       strings.TrimSpace(req.MethodID),
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": record})
}

func (s *Server) ListWithdrawals(c *gin.Context) {
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
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.withdrawalSvc.ListByOwner(c.Request.Context(), orgID, ownerID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) SetKYCStatus(c *gin.Context) {
	if s.kycStore == nil {
		AbortWithError(c, ErrNotFound)
		return
	}
	var req kycStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
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
	status, err := kyc.ParseStatus(req.Status)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	row, err := s.kycStore.SetStatus(c.Request.Context(), orgID, ownerID, status)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": row})
}

// withdrawalOwner resolves the org and owner for a self-service withdrawal.
func (s *Server) withdrawalOwner(c *gin.Context, rawOwnerID string) (snowflake.ID, snowflake.ID, bool) {
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return 0, 0, false
	}
	ownerID, err := bodyID("owner_id", rawOwnerID)
	if err != nil {
		AbortWithError(c, err)
		return 0, 0, false
	}
	if !actorIs(c, ownerID) {
		AbortWithError(c, ErrForbidden)
		return 0, 0, false
	}
	return orgID, ownerID, true
}
