package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
)

type walletMutationRequest struct {
	amountRequest
	// SourceID links the entry to the plan or payment that caused it.
	SourceID string `json:"source_id"`
}

func (s *Server) GetWallet(c *gin.Context) {
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

	var currency money.Currency
	if raw := strings.TrimSpace(c.Query("currency")); raw != "" {
		if currency, err = money.ParseCurrency(raw); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	view, err := s.walletSvc.Display(c.Request.Context(), orgID, ownerID, currency)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (s *Server) DepositWallet(c *gin.Context) {
	s.mutateWallet(c, ledgerdomain.SourceTypeDeposit, s.walletSvc.Deposit)
}

func (s *Server) UnlockWallet(c *gin.Context) {
	s.mutateWallet(c, ledgerdomain.SourceTypeEscrowUnlock, s.walletSvc.Unlock)
}

func (s *Server) ReleaseWallet(c *gin.Context) {
	s.mutateWallet(c, ledgerdomain.SourceTypeEscrowRelease, s.walletSvc.Release)
}

func (s *Server) mutateWallet(
	c *gin.Context,
	sourceType ledgerdomain.LedgerSourceType,
	apply func(ctx context.Context, m walletdomain.Mutation) (*walletdomain.Wallet, error),
) {
	var req walletMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := idempotencyKey(c)
	if key == "" {
		AbortWithError(c, newValidationError("idempotency_key", "missing_idempotency_key", "Idempotency-Key header is required"))
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
	amount, err := req.toMoney()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	m := walletdomain.Mutation{
		OrgID:          orgID,
		OwnerID:        ownerID,
		Amount:         amount,
		IdempotencyKey: key,
		SourceType:     sourceType,
	}
	if strings.TrimSpace(req.SourceID) != "" {
		if m.SourceID, err = bodyID("source_id", req.SourceID); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	wallet, err := apply(c.Request.Context(), m)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": wallet})
}
