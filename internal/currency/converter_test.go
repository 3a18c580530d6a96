package currency

import (
	"testing"

	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable(config.DefaultBillingConfig())
	require.NoError(t, err)
	return table
}

func TestConvert(t *testing.T) {
	table := newTestTable(t)

	cases := []struct {
		name string
		in   money.Money
		to   money.Currency
		want money.Money
	}{
		{"usd to twd", money.New(1000, money.USD), money.TWD, money.New(31500, money.TWD)},
		{"twd to usd", money.New(31500, money.TWD), money.USD, money.New(1000, money.USD)},
		{"usd to cny", money.New(1000, money.USD), money.CNY, money.New(7200, money.CNY)},
		{"cny to twd", money.New(720, money.CNY), money.TWD, money.New(3150, money.TWD)},
		{"rounds to minor unit", money.New(100, money.TWD), money.USD, money.New(3, money.USD)},
		{"same currency", money.New(42, money.CNY), money.CNY, money.New(42, money.CNY)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := table.Convert(tc.in, tc.to)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConvertUnsupported(t *testing.T) {
	table := newTestTable(t)

	_, err := table.Convert(money.New(100, "EUR"), money.USD)
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)

	_, err = table.Convert(money.New(100, money.USD), "JPY")
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)

	_, err = table.RoundTripTolerance(money.USD, "JPY")
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)
}

func TestRoundTripStaysWithinTolerance(t *testing.T) {
	table := newTestTable(t)
	currencies := []money.Currency{money.USD, money.TWD, money.CNY}

	for _, a := range currencies {
		for _, b := range currencies {
			tolerance, err := table.RoundTripTolerance(a, b)
			require.NoError(t, err)

			for x := int64(0); x <= 5000; x += 7 {
				there, err := table.Convert(money.New(x, a), b)
				require.NoError(t, err)
				back, err := table.Convert(there, a)
				require.NoError(t, err)

				diff := back.Amount - x
				if diff < 0 {
					diff = -diff
				}
				require.LessOrEqualf(t, diff, tolerance, "%s->%s->%s for %d", a, b, a, x)
			}
		}
	}
}

func TestRoundTripTolerance(t *testing.T) {
	table := newTestTable(t)

	// Through a finer currency the round trip is within one minor unit.
	tol, err := table.RoundTripTolerance(money.USD, money.TWD)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tol)

	tol, err = table.RoundTripTolerance(money.USD, money.CNY)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tol)

	// 1 cent is 31.5 TWD minor units: ceil(0.5*31.5 + 0.5).
	tol, err = table.RoundTripTolerance(money.TWD, money.USD)
	require.NoError(t, err)
	assert.Equal(t, int64(17), tol)

	tol, err = table.RoundTripTolerance(money.USD, money.USD)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tol)
}

func TestLiveFollowsReload(t *testing.T) {
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	live, err := NewLive(holder, zap.NewNop())
	require.NoError(t, err)

	got, err := live.Convert(money.New(1000, money.USD), money.TWD)
	require.NoError(t, err)
	assert.Equal(t, int64(31500), got.Amount)

	updated := config.DefaultBillingConfig()
	updated.Currencies[1].Rate = "30"
	require.NoError(t, holder.Update(updated))

	got, err = live.Convert(money.New(1000, money.USD), money.TWD)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), got.Amount)
	assert.Equal(t, money.USD, live.Canonical())
	assert.True(t, live.Supported(money.CNY))
	assert.False(t, live.Supported("EUR"))
}
