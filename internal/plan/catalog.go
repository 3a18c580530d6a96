package plan

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/money"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

type Transition string

const (
	TransitionUpgrade   Transition = "upgrade"
	TransitionDowngrade Transition = "downgrade"
	TransitionNoop      Transition = "noop"
)

var (
	ErrUnknownPlan  = errors.New("unknown_plan")
	ErrInvalidCycle = errors.New("invalid_billing_cycle")
)

func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if tier == "" {
		return "", ErrUnknownPlan
	}
	return tier, nil
}

func ParseCycle(raw string) (Cycle, error) {
	switch Cycle(strings.ToLower(strings.TrimSpace(raw))) {
	case CycleMonthly:
		return CycleMonthly, nil
	case CycleYearly:
		return CycleYearly, nil
	default:
		return "", ErrInvalidCycle
	}
}

// Advance returns the end of one billing period starting at from.
func (c Cycle) Advance(from time.Time) time.Time {
	if c == CycleYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

// Catalog answers tier and price questions. Prices are curated per currency
// and cycle and are never derived from exchange rates.
type Catalog interface {
	PriceOf(tier Tier, cycle Cycle, currency money.Currency) (money.Money, error)
	RankOf(tier Tier) (int, error)
	Classify(current, target Tier) (Transition, error)
	Features(tier Tier) ([]string, error)
	CapabilityLoss(current, target Tier) ([]string, error)
	Tiers() []Tier
}

type entry struct {
	rank     int
	features []string
	prices   map[Cycle]map[money.Currency]int64
}

// Snapshot is an immutable catalog built from one billing configuration.
type Snapshot struct {
	tiers      map[Tier]entry
	currencies map[money.Currency]struct{}
}

func NewSnapshot(cfg config.BillingConfig) (*Snapshot, error) {
	if err := config.ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	currencies := make(map[money.Currency]struct{}, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		code, err := money.ParseCurrency(c.Code)
		if err != nil {
			return nil, err
		}
		currencies[code] = struct{}{}
	}

	tiers := make(map[Tier]entry, len(cfg.Plans))
	for _, p := range cfg.Plans {
		tier, err := ParseTier(p.Tier)
		if err != nil {
			return nil, err
		}
		e := entry{
			rank:     p.Rank,
			features: normalizeFeatures(p.Features),
			prices:   map[Cycle]map[money.Currency]int64{},
		}
		for _, price := range p.Prices {
			cycle, err := ParseCycle(price.Cycle)
			if err != nil {
				return nil, err
			}
			code, err := money.ParseCurrency(price.Currency)
			if err != nil {
				return nil, err
			}
			if e.prices[cycle] == nil {
				e.prices[cycle] = map[money.Currency]int64{}
			}
			e.prices[cycle][code] = price.Amount
		}
		tiers[tier] = e
	}

	return &Snapshot{tiers: tiers, currencies: currencies}, nil
}

func (s *Snapshot) PriceOf(tier Tier, cycle Cycle, currency money.Currency) (money.Money, error) {
	e, ok := s.tiers[tier]
	if !ok {
		return money.Money{}, ErrUnknownPlan
	}
	if _, ok := s.currencies[currency]; !ok {
		return money.Money{}, money.ErrUnsupportedCurrency
	}
	if cycle != CycleMonthly && cycle != CycleYearly {
		return money.Money{}, ErrInvalidCycle
	}
	// Free carries no price entry.
	amount, ok := e.prices[cycle][currency]
	if !ok {
		return money.Money{}, ErrUnknownPlan
	}
	return money.New(amount, currency), nil
}

func (s *Snapshot) RankOf(tier Tier) (int, error) {
	e, ok := s.tiers[tier]
	if !ok {
		return 0, ErrUnknownPlan
	}
	return e.rank, nil
}

func (s *Snapshot) Classify(current, target Tier) (Transition, error) {
	from, err := s.RankOf(current)
	if err != nil {
		return "", err
	}
	to, err := s.RankOf(target)
	if err != nil {
		return "", err
	}
	switch {
	case to > from:
		return TransitionUpgrade, nil
	case to < from:
		return TransitionDowngrade, nil
	default:
		return TransitionNoop, nil
	}
}

func (s *Snapshot) Features(tier Tier) ([]string, error) {
	e, ok := s.tiers[tier]
	if !ok {
		return nil, ErrUnknownPlan
	}
	return append([]string(nil), e.features...), nil
}

// CapabilityLoss lists the feature codes of current that target lacks.
func (s *Snapshot) CapabilityLoss(current, target Tier) ([]string, error) {
	from, ok := s.tiers[current]
	if !ok {
		return nil, ErrUnknownPlan
	}
	to, ok := s.tiers[target]
	if !ok {
		return nil, ErrUnknownPlan
	}

	kept := make(map[string]struct{}, len(to.features))
	for _, f := range to.features {
		kept[f] = struct{}{}
	}
	lost := []string{}
	for _, f := range from.features {
		if _, ok := kept[f]; !ok {
			lost = append(lost, f)
		}
	}
	return lost, nil
}

// Tiers returns every tier ordered by rank.
func (s *Snapshot) Tiers() []Tier {
	out := make([]Tier, 0, len(s.tiers))
	for tier := range s.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.tiers[out[i]].rank < s.tiers[out[j]].rank
	})
	return out
}

func normalizeFeatures(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		code := strings.TrimSpace(f)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
