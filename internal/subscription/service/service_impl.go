package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	"github.com/smallbiznis/gigpay/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      subscriptiondomain.Repository
	catalog   plan.Catalog
	converter currency.Converter
	wallet    walletdomain.Ledger
	locker    ownerlock.Locker

	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      subscriptiondomain.Repository
	Catalog   plan.Catalog
	Converter currency.Converter
	Wallet    walletdomain.Ledger
	Locker    ownerlock.Locker

	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		catalog:   p.Catalog,
		converter: p.Converter,
		wallet:    p.Wallet,
		locker:    p.Locker,

		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// Get returns the owner's subscription, creating the free one on first access.
func (s *Service) Get(ctx context.Context, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if err := validateOwner(orgID, ownerID); err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByOwner(ctx, s.db, orgID, ownerID)
	if err != nil {
		return nil, db.Classify(err)
	}
	if existing != nil {
		return existing, nil
	}

	var sub *subscriptiondomain.Subscription
	err = s.transact(ctx, orgID, ownerID, func(tx *gorm.DB) error {
		var err error
		sub, err = s.ensureTx(ctx, tx, orgID, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) Preview(ctx context.Context, req subscriptiondomain.PreviewRequest) (*subscriptiondomain.Preview, error) {
	if _, err := s.catalog.RankOf(req.Target); err != nil {
		return nil, err
	}
	sub, err := s.Get(ctx, req.OrgID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	current := sub.EffectiveTier()
	transition, err := s.catalog.Classify(current, req.Target)
	if err != nil {
		return nil, err
	}

	preview := &subscriptiondomain.Preview{
		Current:        current,
		Target:         req.Target,
		Transition:     transition,
		CapabilityLoss: []string{},
	}

	switch transition {
	case plan.TransitionUpgrade:
		cycle, ccy := s.billingTerms(sub, req.Cycle, req.Currency)
		price, err := s.catalog.PriceOf(req.Target, cycle, ccy)
		if err != nil {
			return nil, err
		}
		canonical, err := s.converter.ToCanonical(price)
		if err != nil {
			return nil, err
		}
		preview.Price = &price
		preview.CanonicalPrice = &canonical
	case plan.TransitionDowngrade:
		lost, err := s.catalog.CapabilityLoss(current, req.Target)
		if err != nil {
			return nil, err
		}
		preview.CapabilityLoss = lost
	}

	return preview, nil
}

// Upgrade settles the new plan's price first and switches tier immediately.
// No proration is applied.
func (s *Service) Upgrade(ctx context.Context, req subscriptiondomain.UpgradeRequest) (*subscriptiondomain.Subscription, error) {
	if err := validateOwner(req.OrgID, req.OwnerID); err != nil {
		return nil, err
	}
	if _, err := s.catalog.RankOf(req.Target); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, subscriptiondomain.ErrMissingIdempotencyKey
	}
	switch req.PaymentMethod {
	case subscriptiondomain.PaymentMethodWallet:
	case subscriptiondomain.PaymentMethodExternal:
		if strings.TrimSpace(req.ExternalRef) == "" {
			return nil, subscriptiondomain.ErrMissingExternalRef
		}
	default:
		return nil, subscriptiondomain.ErrInvalidPaymentMethod
	}
	if req.Currency != "" && !s.converter.Supported(req.Currency) {
		return nil, money.ErrUnsupportedCurrency
	}

	var sub *subscriptiondomain.Subscription
	var transitioned bool
	err := s.transact(ctx, req.OrgID, req.OwnerID, func(tx *gorm.DB) error {
		var err error
		sub, err = s.ensureTx(ctx, tx, req.OrgID, req.OwnerID)
		if err != nil {
			return err
		}

		replayed, err := s.repo.PaymentExists(ctx, tx, req.OrgID, req.OwnerID, key)
		if err != nil {
			return err
		}
		if replayed {
			return nil
		}

		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			return subscriptiondomain.ErrInvalidTransition
		}
		transition, err := s.catalog.Classify(sub.EffectiveTier(), req.Target)
		if err != nil {
			return err
		}
		switch transition {
		case plan.TransitionNoop:
			return subscriptiondomain.ErrAlreadyOnPlan
		case plan.TransitionDowngrade:
			return subscriptiondomain.ErrInvalidTransition
		}

		cycle, ccy := s.billingTerms(sub, req.Cycle, req.Currency)
		price, err := s.catalog.PriceOf(req.Target, cycle, ccy)
		if err != nil {
			return err
		}
		canonical, err := s.converter.ToCanonical(price)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		payment := &subscriptiondomain.SubscriptionPayment{
			ID:              s.genID.Generate(),
			OrgID:           req.OrgID,
			OwnerID:         req.OwnerID,
			IdempotencyKey:  key,
			SubscriptionID:  sub.ID,
			Kind:            subscriptiondomain.PaymentKindUpgrade,
			Method:          req.PaymentMethod,
			Tier:            req.Target,
			BillingCycle:    cycle,
			Amount:          price.Amount,
			Currency:        price.Currency.String(),
			CanonicalAmount: canonical.Amount,
			PaidAt:          now,
		}
		if err := s.settle(ctx, tx, sub, payment, canonical, req.ExternalRef); err != nil {
			return err
		}

		end := cycle.Advance(now)
		sub.Tier = req.Target
		sub.Status = subscriptiondomain.SubscriptionStatusActive
		sub.BillingCycle = cycle
		sub.BillingCurrency = ccy.String()
		sub.StartDate = now
		sub.EndDate = &end
		sub.NextBillingDate = &end
		sub.AutoRenew = true
		sub.CancelledAt = nil
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		transitioned = true
		return s.publishChanged(ctx, tx, sub, plan.TransitionUpgrade, payment.ID.String())
	})
	if err != nil {
		return nil, err
	}

	if transitioned {
		s.obsMetrics.RecordSubscriptionTransition(ctx, string(plan.TransitionUpgrade), string(sub.Tier))
	}
	return sub, nil
}

// Downgrade never touches the wallet. It refuses to drop features until the
// caller confirms the loss.
func (s *Service) Downgrade(ctx context.Context, req subscriptiondomain.DowngradeRequest) (*subscriptiondomain.Subscription, error) {
	if err := validateOwner(req.OrgID, req.OwnerID); err != nil {
		return nil, err
	}
	if _, err := s.catalog.RankOf(req.Target); err != nil {
		return nil, err
	}

	var sub *subscriptiondomain.Subscription
	err := s.transact(ctx, req.OrgID, req.OwnerID, func(tx *gorm.DB) error {
		var err error
		sub, err = s.ensureTx(ctx, tx, req.OrgID, req.OwnerID)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.SubscriptionStatusActive {
			return subscriptiondomain.ErrInvalidTransition
		}

		transition, err := s.catalog.Classify(sub.Tier, req.Target)
		if err != nil {
			return err
		}
		switch transition {
		case plan.TransitionNoop:
			return subscriptiondomain.ErrAlreadyOnPlan
		case plan.TransitionUpgrade:
			return subscriptiondomain.ErrInvalidTransition
		}

		lost, err := s.catalog.CapabilityLoss(sub.Tier, req.Target)
		if err != nil {
			return err
		}
		if len(lost) > 0 && !req.Confirmed {
			return &subscriptiondomain.CapabilityLossError{Current: sub.Tier, Target: req.Target, Lost: lost}
		}

		sub.Tier = req.Target
		if req.Target == plan.TierFree {
			sub.EndDate = nil
			sub.NextBillingDate = nil
			sub.AutoRenew = false
		}
		sub.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.publishChanged(ctx, tx, sub, plan.TransitionDowngrade, "")
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSubscriptionTransition(ctx, string(plan.TransitionDowngrade), string(sub.Tier))
	return sub, nil
}

// Cancel stops renewal. Tier and end date stay until the expiry sweep.
func (s *Service) Cancel(ctx context.Context, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if err := validateOwner(orgID, ownerID); err != nil {
		return nil, err
	}

	var sub *subscriptiondomain.Subscription
	err := s.transact(ctx, orgID, ownerID, func(tx *gorm.DB) error {
		var err error
		sub, err = s.ensureTx(ctx, tx, orgID, ownerID)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.SubscriptionStatusActive || sub.Tier == plan.TierFree {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		sub.Status = subscriptiondomain.SubscriptionStatusCancelled
		sub.AutoRenew = false
		sub.NextBillingDate = nil
		sub.CancelledAt = &now
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.publishChanged(ctx, tx, sub, "cancel", "")
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordSubscriptionTransition(ctx, "cancel", string(sub.Tier))
	return sub, nil
}

func (s *Service) SetAutoRenew(ctx context.Context, orgID, ownerID snowflake.ID, enabled bool) (*subscriptiondomain.Subscription, error) {
	if err := validateOwner(orgID, ownerID); err != nil {
		return nil, err
	}

	var sub *subscriptiondomain.Subscription
	err := s.transact(ctx, orgID, ownerID, func(tx *gorm.DB) error {
		var err error
		sub, err = s.ensureTx(ctx, tx, orgID, ownerID)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.SubscriptionStatusActive || sub.Tier == plan.TierFree {
			return subscriptiondomain.ErrInvalidTransition
		}
		if sub.AutoRenew == enabled {
			return nil
		}

		sub.AutoRenew = enabled
		if enabled {
			sub.NextBillingDate = sub.EndDate
		} else {
			sub.NextBillingDate = nil
		}
		sub.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		return s.publishChanged(ctx, tx, sub, "auto_renew", "")
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ExpireDue moves paid subscriptions that will not renew to expired once
// their end date has passed.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (subscriptiondomain.SweepResult, error) {
	var result subscriptiondomain.SweepResult
	due, err := s.repo.ListExpirationsDue(ctx, s.db, now, limit)
	if err != nil {
		return result, db.Classify(err)
	}

	for _, candidate := range due {
		err := s.transact(ctx, candidate.OrgID, candidate.OwnerID, func(tx *gorm.DB) error {
			sub, err := s.repo.FindByOwnerForUpdate(ctx, tx, candidate.OrgID, candidate.OwnerID)
			if err != nil {
				return err
			}
			if sub == nil || !expirable(sub, now) {
				return nil
			}

			sub.Status = subscriptiondomain.SubscriptionStatusExpired
			sub.AutoRenew = false
			sub.NextBillingDate = nil
			sub.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, sub); err != nil {
				return err
			}
			result.Processed++
			return s.publishChanged(ctx, tx, sub, "expire", "")
		})
		if err != nil {
			result.Failed++
			s.log.Warn("expire subscription failed",
				zap.String("subscription_id", candidate.ID.String()),
				zap.Error(err),
			)
			continue
		}
	}
	return result, nil
}

// RenewDue charges the wallet for auto-renewing subscriptions whose next
// billing date has arrived. A shortfall turns auto-renew off so the
// subscription lapses at its end date.
func (s *Service) RenewDue(ctx context.Context, now time.Time, limit int) (subscriptiondomain.SweepResult, error) {
	var result subscriptiondomain.SweepResult
	due, err := s.repo.ListRenewalsDue(ctx, s.db, now, limit)
	if err != nil {
		return result, db.Classify(err)
	}

	for _, candidate := range due {
		outcome, err := s.renewOne(ctx, candidate.OrgID, candidate.OwnerID, now)
		if err != nil {
			result.Failed++
			s.log.Warn("renew subscription failed",
				zap.String("subscription_id", candidate.ID.String()),
				zap.Error(err),
			)
			continue
		}
		switch outcome {
		case renewalCharged:
			result.Processed++
		case renewalLapsed:
			result.Lapsed++
		}
	}
	return result, nil
}

type renewalOutcome int

const (
	renewalSkipped renewalOutcome = iota
	renewalCharged
	renewalLapsed
)

func (s *Service) renewOne(ctx context.Context, orgID, ownerID snowflake.ID, now time.Time) (renewalOutcome, error) {
	outcome := renewalSkipped
	var tier plan.Tier
	err := s.transact(ctx, orgID, ownerID, func(tx *gorm.DB) error {
		sub, err := s.repo.FindByOwnerForUpdate(ctx, tx, orgID, ownerID)
		if err != nil {
			return err
		}
		if sub == nil || !renewable(sub, now) {
			return nil
		}
		tier = sub.Tier

		price, err := s.catalog.PriceOf(sub.Tier, sub.BillingCycle, money.Currency(sub.BillingCurrency))
		if err != nil {
			return err
		}
		canonical, err := s.converter.ToCanonical(price)
		if err != nil {
			return err
		}

		periodStart := *sub.NextBillingDate
		if sub.EndDate != nil {
			periodStart = *sub.EndDate
		}
		key := fmt.Sprintf("renewal:%d:%d", sub.ID, periodStart.Unix())
		payment := &subscriptiondomain.SubscriptionPayment{
			ID:              s.genID.Generate(),
			OrgID:           orgID,
			OwnerID:         ownerID,
			IdempotencyKey:  key,
			SubscriptionID:  sub.ID,
			Kind:            subscriptiondomain.PaymentKindRenewal,
			Method:          subscriptiondomain.PaymentMethodWallet,
			Tier:            sub.Tier,
			BillingCycle:    sub.BillingCycle,
			Amount:          price.Amount,
			Currency:        price.Currency.String(),
			CanonicalAmount: canonical.Amount,
			PaidAt:          now,
		}

		err = s.settle(ctx, tx, sub, payment, canonical, "")
		if errors.Is(err, walletdomain.ErrInsufficientBalance) {
			sub.AutoRenew = false
			sub.NextBillingDate = nil
			sub.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, sub); err != nil {
				return err
			}
			outcome = renewalLapsed
			return s.publishChanged(ctx, tx, sub, "renewal_failed", "")
		}
		if err != nil {
			return err
		}

		end := sub.BillingCycle.Advance(periodStart)
		sub.StartDate = periodStart
		sub.EndDate = &end
		sub.NextBillingDate = &end
		sub.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, sub); err != nil {
			return err
		}
		outcome = renewalCharged
		return s.publishChanged(ctx, tx, sub, "renew", payment.ID.String())
	})
	if err != nil {
		return renewalSkipped, err
	}
	if outcome != renewalSkipped {
		s.obsMetrics.RecordSubscriptionTransition(ctx, renewalTransition(outcome), string(tier))
	}
	return outcome, nil
}

func renewalTransition(outcome renewalOutcome) string {
	if outcome == renewalLapsed {
		return "renewal_failed"
	}
	return "renew"
}

// settle records the payment. Wallet payments debit the canonical amount in
// the same transaction.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, payment *subscriptiondomain.SubscriptionPayment, canonical money.Money, externalRef string) error {
	switch payment.Method {
	case subscriptiondomain.PaymentMethodWallet:
		ledgerKey := string(payment.Kind) + ":" + payment.IdempotencyKey
		sourceType := ledgerdomain.SourceTypeSubscription
		if payment.Kind == subscriptiondomain.PaymentKindRenewal {
			ledgerKey = payment.IdempotencyKey
			sourceType = ledgerdomain.SourceTypeRenewal
		}
		if _, err := s.wallet.Debit(ctx, tx, walletdomain.Mutation{
			OrgID:          sub.OrgID,
			OwnerID:        sub.OwnerID,
			Amount:         canonical,
			IdempotencyKey: ledgerKey,
			SourceType:     sourceType,
			SourceID:       sub.ID,
		}); err != nil {
			return err
		}
		payment.LedgerEntryKey = &ledgerKey
	case subscriptiondomain.PaymentMethodExternal:
		ref := strings.TrimSpace(externalRef)
		payment.ExternalRef = &ref
	default:
		return subscriptiondomain.ErrInvalidPaymentMethod
	}
	return s.repo.InsertPayment(ctx, tx, payment)
}

// ensureTx returns the owner's subscription locked for update, creating the
// free one when missing.
func (s *Service) ensureTx(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByOwnerForUpdate(ctx, tx, orgID, ownerID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}

	now := s.clock.Now()
	if err := s.repo.InsertIfMissing(ctx, tx, &subscriptiondomain.Subscription{
		ID:              s.genID.Generate(),
		OrgID:           orgID,
		OwnerID:         ownerID,
		Tier:            plan.TierFree,
		Status:          subscriptiondomain.SubscriptionStatusActive,
		BillingCycle:    plan.CycleMonthly,
		BillingCurrency: s.converter.Canonical().String(),
		StartDate:       now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}); err != nil {
		return nil, err
	}

	sub, err = s.repo.FindByOwnerForUpdate(ctx, tx, orgID, ownerID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// billingTerms fills an omitted cycle or currency from the subscription.
func (s *Service) billingTerms(sub *subscriptiondomain.Subscription, cycle plan.Cycle, ccy money.Currency) (plan.Cycle, money.Currency) {
	if cycle == "" {
		cycle = sub.BillingCycle
	}
	if cycle == "" {
		cycle = plan.CycleMonthly
	}
	if ccy == "" {
		ccy = money.Currency(sub.BillingCurrency)
	}
	if ccy == "" {
		ccy = s.converter.Canonical()
	}
	return cycle, ccy
}

func (s *Service) publishChanged(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, transition plan.Transition, ref string) error {
	if s.outbox == nil {
		return nil
	}
	if ref == "" {
		ref = s.genID.Generate().String()
	}
	dedupe := "subscription:" + ref
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: sub.OrgID,
		Type:  events.EventSubscriptionChanged,
		Payload: map[string]any{
			"subscription_id": sub.ID.String(),
			"owner_id":        sub.OwnerID.String(),
			"tier":            string(sub.Tier),
			"status":          string(sub.Status),
			"transition":      string(transition),
			"auto_renew":      sub.AutoRenew,
		},
		DedupeKey: dedupe,
	})
}

func (s *Service) transact(ctx context.Context, orgID, ownerID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return ownerlock.WithOwner(ctx, s.locker, orgID, ownerID, func() error {
		return db.Transact(ctx, s.db, fn)
	})
}

func validateOwner(orgID, ownerID snowflake.ID) error {
	if orgID == 0 {
		return subscriptiondomain.ErrInvalidOrganization
	}
	if ownerID == 0 {
		return subscriptiondomain.ErrInvalidOwner
	}
	return nil
}

func renewable(sub *subscriptiondomain.Subscription, now time.Time) bool {
	return sub.Status == subscriptiondomain.SubscriptionStatusActive &&
		sub.AutoRenew &&
		sub.Tier != plan.TierFree &&
		sub.NextBillingDate != nil &&
		!sub.NextBillingDate.After(now)
}

func expirable(sub *subscriptiondomain.Subscription, now time.Time) bool {
	if sub.Tier == plan.TierFree || sub.EndDate == nil || sub.EndDate.After(now) {
		return false
	}
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusCancelled:
		return true
	case subscriptiondomain.SubscriptionStatusActive:
		return !sub.AutoRenew
	default:
		return false
	}
}
