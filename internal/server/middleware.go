package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gigpay/internal/authorization"
	obscontext "github.com/smallbiznis/gigpay/internal/observability/context"
	"github.com/smallbiznis/gigpay/internal/orgcontext"
)

const (
	HeaderOrg            = "X-Org-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"

	contextActorKey = "actor"
)

// OrgContext resolves the tenant from X-Org-ID.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderOrg)))
		if err != nil || orgID == 0 {
			AbortWithError(c, newValidationError("org_id", "invalid_organization", "missing or invalid X-Org-ID"))
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID)
		ctx = obscontext.WithOrgID(ctx, orgID.String())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ActorContext reads the caller identity asserted by the upstream gateway.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := authorization.Actor{
			ID:   strings.TrimSpace(c.GetHeader(HeaderActorID)),
			Role: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole))),
		}
		if actor.Role == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(obscontext.WithActor(c.Request.Context(), actor.Role, actor.ID))
		c.Next()
	}
}

func orgIDFromRequest(c *gin.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		return 0, newValidationError("org_id", "invalid_organization", "missing or invalid X-Org-ID")
	}
	return orgID, nil
}

func actorFromContext(c *gin.Context) (authorization.Actor, bool) {
	value, ok := c.Get(contextActorKey)
	if !ok {
		return authorization.Actor{}, false
	}
	actor, ok := value.(authorization.Actor)
	return actor, ok
}

func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
}
