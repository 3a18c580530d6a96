package plan

import (
	"sync"

	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/money"
	"go.uber.org/zap"
)

// Live rebuilds its snapshot when the billing configuration is reloaded.
type Live struct {
	holder *config.BillingConfigHolder
	log    *zap.Logger

	mu       sync.Mutex
	snapshot *Snapshot
	version  uint64
}

func NewLive(holder *config.BillingConfigHolder, log *zap.Logger) (*Live, error) {
	l := &Live{holder: holder, log: log.Named("plan.catalog")}
	if _, err := l.current(); err != nil {
		return nil, err
	}
	return l, nil
}

func NewCatalog(holder *config.BillingConfigHolder, log *zap.Logger) (Catalog, error) {
	return NewLive(holder, log)
}

func (l *Live) current() (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	version := l.holder.Version()
	if l.snapshot != nil && l.version == version {
		return l.snapshot, nil
	}
	snapshot, err := NewSnapshot(l.holder.Get())
	if err != nil {
		if l.snapshot != nil {
			l.log.Warn("keeping previous catalog", zap.Error(err))
			return l.snapshot, nil
		}
		return nil, err
	}
	l.snapshot = snapshot
	l.version = version
	return snapshot, nil
}

func (l *Live) PriceOf(tier Tier, cycle Cycle, currency money.Currency) (money.Money, error) {
	s, err := l.current()
	if err != nil {
		return money.Money{}, err
	}
	return s.PriceOf(tier, cycle, currency)
}

func (l *Live) RankOf(tier Tier) (int, error) {
	s, err := l.current()
	if err != nil {
		return 0, err
	}
	return s.RankOf(tier)
}

func (l *Live) Classify(current, target Tier) (Transition, error) {
	s, err := l.current()
	if err != nil {
		return "", err
	}
	return s.Classify(current, target)
}

func (l *Live) Features(tier Tier) ([]string, error) {
	s, err := l.current()
	if err != nil {
		return nil, err
	}
	return s.Features(tier)
}

func (l *Live) CapabilityLoss(current, target Tier) ([]string, error) {
	s, err := l.current()
	if err != nil {
		return nil, err
	}
	return s.CapabilityLoss(current, target)
}

func (l *Live) Tiers() []Tier {
	s, err := l.current()
	if err != nil {
		return nil
	}
	return s.Tiers()
}
