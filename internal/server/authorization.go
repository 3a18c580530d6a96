package server

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/gigpay/internal/authorization"
)

func (s *Server) authorizeOrgAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeOrgActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeOrgActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		return err
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}

	err = s.authzSvc.Authorize(c.Request.Context(), actor, orgID.String(), object, action)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authorization.ErrForbidden):
		return ErrForbidden
	case errors.Is(err, authorization.ErrInvalidActor),
		errors.Is(err, authorization.ErrInvalidRole):
		return ErrUnauthorized
	default:
		return err
	}
}
