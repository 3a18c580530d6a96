package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig is the operator-curated money policy: supported currencies and
// their rates, the plan catalog and the withdrawal policy.
type BillingConfig struct {
	CanonicalCurrency string           `mapstructure:"canonicalCurrency"`
	Currencies        []CurrencyConfig `mapstructure:"currencies"`
	Plans             []PlanConfig     `mapstructure:"plans"`
	Withdrawal        WithdrawalConfig `mapstructure:"withdrawal"`
}

type CurrencyConfig struct {
	Code     string `mapstructure:"code"`
	Exponent int32  `mapstructure:"exponent"`
	// Rate is expressed in units of this currency per one canonical unit.
	Rate string `mapstructure:"rate"`
}

type PlanConfig struct {
	Tier     string        `mapstructure:"tier"`
	Rank     int           `mapstructure:"rank"`
	Features []string      `mapstructure:"features"`
	Prices   []PriceConfig `mapstructure:"prices"`
}

type PriceConfig struct {
	Cycle    string `mapstructure:"cycle"`
	Currency string `mapstructure:"currency"`
	Amount   int64  `mapstructure:"amount"`
}

type WithdrawalConfig struct {
	// MinimumAmount is in canonical minor units.
	MinimumAmount int64  `mapstructure:"minimumAmount"`
	FeeRate       string `mapstructure:"feeRate"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CanonicalCurrency: "USD",
		Currencies: []CurrencyConfig{
			{Code: "USD", Exponent: 2, Rate: "1"},
			{Code: "TWD", Exponent: 2, Rate: "31.5"},
			{Code: "CNY", Exponent: 2, Rate: "7.2"},
		},
		Plans: []PlanConfig{
			{
				Tier:     "free",
				Rank:     0,
				Features: []string{"profile.basic", "proposals.monthly_10"},
			},
			{
				Tier: "pro",
				Rank: 1,
				Features: []string{
					"profile.basic", "profile.featured", "proposals.unlimited",
					"escrow.milestones", "analytics.basic",
				},
				Prices: []PriceConfig{
					{Cycle: "monthly", Currency: "USD", Amount: 999},
					{Cycle: "yearly", Currency: "USD", Amount: 9900},
					{Cycle: "monthly", Currency: "TWD", Amount: 30000},
					{Cycle: "yearly", Currency: "TWD", Amount: 299000},
					{Cycle: "monthly", Currency: "CNY", Amount: 6800},
					{Cycle: "yearly", Currency: "CNY", Amount: 68000},
				},
			},
			{
				Tier: "enterprise",
				Rank: 2,
				Features: []string{
					"profile.basic", "profile.featured", "proposals.unlimited",
					"escrow.milestones", "analytics.basic", "analytics.advanced",
					"team.seats", "support.priority", "contracts.custom_templates",
				},
				Prices: []PriceConfig{
					{Cycle: "monthly", Currency: "USD", Amount: 2999},
					{Cycle: "yearly", Currency: "USD", Amount: 29900},
					{Cycle: "monthly", Currency: "TWD", Amount: 90000},
					{Cycle: "yearly", Currency: "TWD", Amount: 899000},
					{Cycle: "monthly", Currency: "CNY", Amount: 19800},
					{Cycle: "yearly", Currency: "CNY", Amount: 198000},
				},
			},
		},
		Withdrawal: WithdrawalConfig{
			MinimumAmount: 5000,
			FeeRate:       "0.02",
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds billingSnapshot
	version atomic.Uint64
}

type billingSnapshot struct {
	cfg     BillingConfig
	version uint64
}

// NewStaticBillingConfigHolder returns a holder that never reloads.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/gigpay/config")
	v.AddConfigPath("/etc/gigpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GIGPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultBillingConfig()
	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
		log.Info("billing config file not found, using defaults")
	}

	if fromFile {
		var fileCfg BillingConfig
		if err := v.UnmarshalKey("billing", &fileCfg); err != nil {
			return nil, err
		}
		cfg = withDefaults(fileCfg)
	}
	if err := ValidateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		updated = withDefaults(updated)
		if err := ValidateBillingConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// withDefaults fills sections the file leaves out.
func withDefaults(cfg BillingConfig) BillingConfig {
	defaults := DefaultBillingConfig()
	if strings.TrimSpace(cfg.CanonicalCurrency) == "" {
		cfg.CanonicalCurrency = defaults.CanonicalCurrency
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = defaults.Currencies
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = defaults.Plans
	}
	if strings.TrimSpace(cfg.Withdrawal.FeeRate) == "" {
		cfg.Withdrawal.FeeRate = defaults.Withdrawal.FeeRate
	}
	if cfg.Withdrawal.MinimumAmount == 0 {
		cfg.Withdrawal.MinimumAmount = defaults.Withdrawal.MinimumAmount
	}
	return cfg
}

func (h *BillingConfigHolder) store(cfg BillingConfig) {
	h.current.Store(billingSnapshot{cfg: cfg, version: h.version.Add(1)})
}

// Update validates cfg and swaps it in.
func (h *BillingConfigHolder) Update(cfg BillingConfig) error {
	if err := ValidateBillingConfig(cfg); err != nil {
		return err
	}
	h.store(cfg)
	return nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(billingSnapshot).cfg
}

// Version changes every time a new configuration is stored.
func (h *BillingConfigHolder) Version() uint64 {
	return h.current.Load().(billingSnapshot).version
}

func ValidateBillingConfig(cfg BillingConfig) error {
	canonical := strings.ToUpper(strings.TrimSpace(cfg.CanonicalCurrency))
	if canonical == "" {
		return errors.New("billing.canonicalCurrency cannot be empty")
	}
	if len(cfg.Currencies) == 0 {
		return errors.New("billing.currencies cannot be empty")
	}

	known := make(map[string]struct{}, len(cfg.Currencies))
	for _, c := range cfg.Currencies {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if len(code) != 3 {
			return fmt.Errorf("billing.currencies: invalid code %q", c.Code)
		}
		if c.Exponent < 0 || c.Exponent > 4 {
			return fmt.Errorf("billing.currencies[%s]: exponent out of range", code)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(c.Rate))
		if err != nil || !rate.IsPositive() {
			return fmt.Errorf("billing.currencies[%s]: rate must be a positive decimal", code)
		}
		if code == canonical && !rate.Equal(decimal.NewFromInt(1)) {
			return fmt.Errorf("billing.currencies[%s]: canonical rate must be 1", code)
		}
		known[code] = struct{}{}
	}
	if _, ok := known[canonical]; !ok {
		return errors.New("billing.canonicalCurrency must be listed in billing.currencies")
	}

	if len(cfg.Plans) == 0 {
		return errors.New("billing.plans cannot be empty")
	}
	ranks := make(map[int]string, len(cfg.Plans))
	for _, p := range cfg.Plans {
		if other, dup := ranks[p.Rank]; dup {
			return fmt.Errorf("billing.plans: %s and %s share rank %d", other, p.Tier, p.Rank)
		}
		ranks[p.Rank] = p.Tier
		for _, price := range p.Prices {
			if _, ok := known[strings.ToUpper(price.Currency)]; !ok {
				return fmt.Errorf("billing.plans[%s]: unknown price currency %q", p.Tier, price.Currency)
			}
			if price.Amount <= 0 {
				return fmt.Errorf("billing.plans[%s]: price must be positive", p.Tier)
			}
		}
	}

	fee, err := decimal.NewFromString(strings.TrimSpace(cfg.Withdrawal.FeeRate))
	if err != nil || fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("billing.withdrawal.feeRate must be in [0, 1)")
	}
	if cfg.Withdrawal.MinimumAmount < 0 {
		return errors.New("billing.withdrawal.minimumAmount cannot be negative")
	}
	return nil
}
