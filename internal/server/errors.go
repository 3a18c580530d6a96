package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/smallbiznis/gigpay/internal/plan"
	"github.com/smallbiznis/gigpay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type      string            `json:"type"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`

	Required  *int64   `json:"required,omitempty"`
	Available *int64   `json:"available,omitempty"`
	Shortfall *int64   `json:"shortfall,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Lost      []string `json:"capability_loss,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var insufficient *walletdomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_balance",
			Code:      "insufficient_balance",
			Message:   insufficient.Error(),
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
			Shortfall: &insufficient.Shortfall,
			Currency:  insufficient.Currency.String(),
		}
	}

	var loss *subscriptiondomain.CapabilityLossError
	if errors.As(err, &loss) {
		return http.StatusConflict, errorPayload{
			Type:    "state_conflict",
			Code:    subscriptiondomain.ErrCapabilityLossUnconfirmed.Error(),
			Message: "downgrade removes capabilities and must be confirmed",
			Lost:    loss.Lost,
		}
	}

	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    code,
			Message: err.Error(),
			Errors: []ValidationError{
				{Code: code, Message: err.Error()},
			},
		}
	}

	if code, ok := stateConflictCode(err); ok {
		return http.StatusConflict, errorPayload{
			Type:    "state_conflict",
			Code:    code,
			Message: err.Error(),
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return rateLimitedPayload()
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, withdrawaldomain.ErrKYCNotApproved):
		return http.StatusForbidden, errorPayload{
			Type:    "kyc_not_approved",
			Code:    "kyc_not_approved",
			Message: "identity verification is required before withdrawing",
		}
	case errors.Is(err, money.ErrUnsupportedCurrency):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unsupported_currency",
			Code:    "unsupported_currency",
			Message: "currency is not supported",
		}
	case errors.Is(err, plan.ErrUnknownPlan):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unknown_plan",
			Code:    "unknown_plan",
			Message: "plan does not exist",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case db.IsTransient(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "transient",
			Message:   "temporarily unavailable, retry with the same idempotency key",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrors = []error{
	ErrInvalidRequest,
	money.ErrCurrencyMismatch,
	money.ErrNegativeAmount,
	plan.ErrInvalidCycle,
	walletdomain.ErrInvalidAmount,
	walletdomain.ErrInvalidOwner,
	subscriptiondomain.ErrInvalidOrganization,
	subscriptiondomain.ErrInvalidOwner,
	subscriptiondomain.ErrInvalidPaymentMethod,
	subscriptiondomain.ErrMissingExternalRef,
	subscriptiondomain.ErrMissingIdempotencyKey,
	milestonedomain.ErrInvalidOrganization,
	milestonedomain.ErrInvalidEngagement,
	milestonedomain.ErrInvalidParty,
	milestonedomain.ErrEmptyPlan,
	milestonedomain.ErrInvalidTitle,
	milestonedomain.ErrInvalidMilestoneAmount,
	milestonedomain.ErrInvalidDuration,
	milestonedomain.ErrTotalMismatch,
	milestonedomain.ErrEmptyFeedback,
	milestonedomain.ErrUnknownMilestone,
	withdrawaldomain.ErrInvalidOrganization,
	withdrawaldomain.ErrInvalidOwner,
	withdrawaldomain.ErrInvalidAmount,
	withdrawaldomain.ErrInvalidMethod,
	withdrawaldomain.ErrMissingIdempotencyKey,
	withdrawaldomain.ErrBelowMinimum,
	withdrawaldomain.ErrInvalidKYCStatus,
}

func validationCode(err error) (string, bool) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

var stateConflictErrors = []error{
	milestonedomain.ErrInvalidState,
	subscriptiondomain.ErrInvalidTransition,
	subscriptiondomain.ErrAlreadyOnPlan,
	subscriptiondomain.ErrCapabilityLossUnconfirmed,
}

func stateConflictCode(err error) (string, bool) {
	for _, target := range stateConflictErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, walletdomain.ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, milestonedomain.ErrPlanNotFound),
		errors.Is(err, withdrawaldomain.ErrWithdrawalNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy the client sees.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
