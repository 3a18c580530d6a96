package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/gigpay/internal/plan"
)

var (
	ErrInvalidOrganization       = errors.New("invalid_organization")
	ErrInvalidOwner              = errors.New("invalid_owner")
	ErrSubscriptionNotFound      = errors.New("subscription_not_found")
	ErrInvalidTransition         = errors.New("invalid_transition")
	ErrAlreadyOnPlan             = errors.New("already_on_plan")
	ErrCapabilityLossUnconfirmed = errors.New("capability_loss_unconfirmed")
	ErrInvalidPaymentMethod      = errors.New("invalid_payment_method")
	ErrMissingExternalRef        = errors.New("missing_external_reference")
	ErrMissingIdempotencyKey     = errors.New("missing_idempotency_key")
)

// CapabilityLossError lists the features a downgrade would remove. It is
// returned until the caller confirms the downgrade.
type CapabilityLossError struct {
	Current plan.Tier `json:"current_tier"`
	Target  plan.Tier `json:"target_tier"`
	Lost    []string  `json:"lost_features"`
}

func (e *CapabilityLossError) Error() string {
	return fmt.Sprintf("capability_loss_unconfirmed: %s -> %s loses %s",
		e.Current, e.Target, strings.Join(e.Lost, ","))
}

func (e *CapabilityLossError) Is(target error) bool {
	return target == ErrCapabilityLossUnconfirmed
}
