package currency

import (
	"sync"

	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/money"
	"go.uber.org/zap"
)

// Live follows the billing configuration, rebuilding its table whenever the
// holder reports a new version. Callers always see a complete snapshot.
type Live struct {
	holder *config.BillingConfigHolder
	log    *zap.Logger

	mu      sync.Mutex
	table   *Table
	version uint64
}

func NewLive(holder *config.BillingConfigHolder, log *zap.Logger) (*Live, error) {
	l := &Live{holder: holder, log: log.Named("currency.converter")}
	if _, err := l.current(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewConverter exposes Live through the Converter interface.
func NewConverter(holder *config.BillingConfigHolder, log *zap.Logger) (Converter, error) {
	return NewLive(holder, log)
}

func (l *Live) current() (*Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	version := l.holder.Version()
	if l.table != nil && l.version == version {
		return l.table, nil
	}
	table, err := NewTable(l.holder.Get())
	if err != nil {
		if l.table != nil {
			l.log.Warn("keeping previous rate table", zap.Error(err))
			return l.table, nil
		}
		return nil, err
	}
	l.table = table
	l.version = version
	return table, nil
}

// Snapshot returns the table currently in effect.
func (l *Live) Snapshot() (*Table, error) {
	return l.current()
}

func (l *Live) Canonical() money.Currency {
	table, err := l.current()
	if err != nil {
		return money.USD
	}
	return table.Canonical()
}

func (l *Live) Supported(c money.Currency) bool {
	table, err := l.current()
	if err != nil {
		return false
	}
	return table.Supported(c)
}

func (l *Live) Convert(amount money.Money, to money.Currency) (money.Money, error) {
	table, err := l.current()
	if err != nil {
		return money.Money{}, err
	}
	return table.Convert(amount, to)
}

func (l *Live) ToCanonical(amount money.Money) (money.Money, error) {
	table, err := l.current()
	if err != nil {
		return money.Money{}, err
	}
	return table.ToCanonical(amount)
}

func (l *Live) RoundTripTolerance(a, b money.Currency) (int64, error) {
	table, err := l.current()
	if err != nil {
		return 0, err
	}
	return table.RoundTripTolerance(a, b)
}
