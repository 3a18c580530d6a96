package authorization

import (
	"context"
	"errors"
)

var (
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidRole         = errors.New("invalid_role")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrForbidden           = errors.New("forbidden")
)

const (
	RoleFreelancer = "freelancer"
	RoleClient     = "client"
	RoleAdmin      = "admin"
	RoleSystem     = "system"
)

// Actor is the caller as asserted by the gateway in front of the API.
type Actor struct {
	ID   string
	Role string
}

// Subject is the casbin subject for the actor.
func (a Actor) Subject() string {
	if a.Role == RoleSystem {
		return RoleSystem
	}
	return "user:" + a.ID
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, orgID string, object string, action string) error
}
