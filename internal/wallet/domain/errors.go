package domain

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/gigpay/internal/money"
)

var (
	ErrNotFound            = errors.New("wallet_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	// ErrReplayed means the idempotency key was already applied.
	ErrReplayed = errors.New("idempotency_replayed")
)

const (
	BalanceAvailable = "available"
	BalanceLocked    = "locked"
)

// InsufficientBalanceError carries what a caller needs to offer a top-up.
type InsufficientBalanceError struct {
	Required  int64          `json:"required"`
	Available int64          `json:"available"`
	Shortfall int64          `json:"shortfall"`
	Currency  money.Currency `json:"currency"`
	// Balance names the bucket that was short, available or locked.
	Balance string `json:"balance"`
}

func NewInsufficientBalance(required, available int64, currency money.Currency, balance string) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		Required:  required,
		Available: available,
		Shortfall: required - available,
		Currency:  currency,
		Balance:   balance,
	}
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: required %d %s, available %d, shortfall %d",
		e.Required, e.Currency, e.Available, e.Shortfall)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
