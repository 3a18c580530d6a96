// Package money defines currency-tagged fixed-point amounts.
package money

import (
	"errors"
	"fmt"
	"strings"
)

// Currency is an ISO 4217 code from the supported set.
type Currency string

const (
	USD Currency = "USD"
	TWD Currency = "TWD"
	CNY Currency = "CNY"
)

var (
	ErrUnsupportedCurrency = errors.New("unsupported_currency")
	ErrCurrencyMismatch    = errors.New("currency_mismatch")
	ErrNegativeAmount      = errors.New("negative_amount")
)

// ParseCurrency normalizes a currency code. Membership in the supported set is
// checked by the converter, which owns the configured table.
func ParseCurrency(raw string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return "", ErrUnsupportedCurrency
	}
	return Currency(code), nil
}

func (c Currency) String() string { return string(c) }

// Money is an amount in integer minor units tagged with its currency.
type Money struct {
	Amount   int64    `json:"amount"`
	Currency Currency `json:"currency"`
}

func New(amount int64, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// Cmp returns -1, 0 or 1. Comparing different currencies is an error.
func (m Money) Cmp(other Money) (int, error) {
	if m.Currency != other.Currency {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case m.Amount < other.Amount:
		return -1, nil
	case m.Amount > other.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Sum adds amounts that must all share the given currency.
func Sum(currency Currency, amounts ...Money) (Money, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		total, err = total.Add(a)
		if err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Currency)
}
