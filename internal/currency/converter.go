// Package currency converts money between the configured currencies.
//
// Rates are expressed as units of a currency per one canonical unit. Results
// are rounded half away from zero to the target currency's minor unit. The
// converter is only used for display, comparison and normalization to the
// ledger currency; curated plan prices are never derived from it.
package currency

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/money"
)

type Converter interface {
	Canonical() money.Currency
	Supported(c money.Currency) bool
	Convert(amount money.Money, to money.Currency) (money.Money, error)
	ToCanonical(amount money.Money) (money.Money, error)
	RoundTripTolerance(a, b money.Currency) (int64, error)
}

type rate struct {
	exponent int32
	perUnit  decimal.Decimal
}

// Table is an immutable rate snapshot.
type Table struct {
	canonical money.Currency
	rates     map[money.Currency]rate
}

func NewTable(cfg config.BillingConfig) (*Table, error) {
	if err := config.ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	rates := make(map[money.Currency]rate, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		code, err := money.ParseCurrency(c.Code)
		if err != nil {
			return nil, err
		}
		perUnit, err := decimal.NewFromString(strings.TrimSpace(c.Rate))
		if err != nil {
			return nil, err
		}
		rates[code] = rate{exponent: c.Exponent, perUnit: perUnit}
	}

	canonical, err := money.ParseCurrency(cfg.CanonicalCurrency)
	if err != nil {
		return nil, err
	}
	return &Table{canonical: canonical, rates: rates}, nil
}

func (t *Table) Canonical() money.Currency { return t.canonical }

func (t *Table) Supported(c money.Currency) bool {
	_, ok := t.rates[c]
	return ok
}

// Exponent returns the number of minor-unit digits of c.
func (t *Table) Exponent(c money.Currency) (int32, error) {
	r, ok := t.rates[c]
	if !ok {
		return 0, money.ErrUnsupportedCurrency
	}
	return r.exponent, nil
}

func (t *Table) Convert(amount money.Money, to money.Currency) (money.Money, error) {
	from, ok := t.rates[amount.Currency]
	if !ok {
		return money.Money{}, money.ErrUnsupportedCurrency
	}
	target, ok := t.rates[to]
	if !ok {
		return money.Money{}, money.ErrUnsupportedCurrency
	}
	if amount.Currency == to {
		return amount, nil
	}

	converted := decimal.NewFromInt(amount.Amount).
		Mul(target.perUnit).
		Shift(target.exponent - from.exponent).
		Div(from.perUnit).
		Round(0)
	return money.New(converted.IntPart(), to), nil
}

func (t *Table) ToCanonical(amount money.Money) (money.Money, error) {
	return t.Convert(amount, t.canonical)
}

// RoundTripTolerance bounds |convert(convert(x, a, b), b, a) - x| in minor
// units of a. With k minor units of b per minor unit of a, the first rounding
// is off by at most half a b unit, i.e. 0.5/k units of a, and the second by
// half an a unit.
func (t *Table) RoundTripTolerance(a, b money.Currency) (int64, error) {
	ra, ok := t.rates[a]
	if !ok {
		return 0, money.ErrUnsupportedCurrency
	}
	rb, ok := t.rates[b]
	if !ok {
		return 0, money.ErrUnsupportedCurrency
	}
	if a == b {
		return 0, nil
	}

	k := rb.perUnit.Shift(rb.exponent - ra.exponent).Div(ra.perUnit)
	one := decimal.NewFromInt(1)
	if k.GreaterThanOrEqual(one) {
		return 1, nil
	}
	half := decimal.NewFromFloat(0.5)
	return half.Div(k).Add(half).Ceil().IntPart(), nil
}
