package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmeticRejectsMixedCurrencies(t *testing.T) {
	_, err := New(100, USD).Add(New(100, TWD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = New(100, USD).Sub(New(1, CNY))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	_, err = New(100, USD).Cmp(New(1, CNY))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestSum(t *testing.T) {
	total, err := Sum(USD, New(250, USD), New(750, USD))
	require.NoError(t, err)
	assert.Equal(t, New(1000, USD), total)

	_, err = Sum(USD, New(250, USD), New(750, TWD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency(" twd ")
	require.NoError(t, err)
	assert.Equal(t, TWD, c)

	_, err = ParseCurrency("dollars")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}
