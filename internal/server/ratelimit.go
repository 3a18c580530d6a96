package server

import (
	"context"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	obslogger "github.com/smallbiznis/gigpay/internal/observability/logger"
	"github.com/smallbiznis/gigpay/internal/ratelimit"
	"go.uber.org/zap"
)

// MoneyLimiter budgets fund-moving requests per caller.
type MoneyLimiter interface {
	Allow(ctx context.Context, orgID, callerID string) (*ratelimit.Result, error)
}

// throttleMoney fails open when the limiter backend errors; the owner lock
// and idempotency keys still guard the ledger.
func (s *Server) throttleMoney() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		orgID, err := orgIDFromRequest(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, orgID.String(), actor.Subject())
		if err != nil {
			obslogger.FromContext(ctx).Warn("money rate limit unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int64(math.Ceil(res.RetryAfter.Seconds()))))
			AbortWithError(c, ratelimit.ErrRateLimited)
			return
		}
		c.Next()
	}
}

func rateLimitedPayload() (int, errorPayload) {
	return http.StatusTooManyRequests, errorPayload{
		Type:      "rate_limited",
		Code:      ratelimit.ErrRateLimited.Error(),
		Message:   "too many requests, retry later",
		Retryable: true,
	}
}
