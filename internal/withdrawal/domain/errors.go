package domain

import "errors"

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidOwner          = errors.New("invalid_owner")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidMethod         = errors.New("invalid_payout_method")
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrKYCNotApproved        = errors.New("kyc_not_approved")
	ErrBelowMinimum          = errors.New("below_minimum")
	ErrInvalidKYCStatus      = errors.New("invalid_kyc_status")
	ErrWithdrawalNotFound    = errors.New("withdrawal_not_found")
)
