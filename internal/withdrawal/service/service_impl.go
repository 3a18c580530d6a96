package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
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
	repo      withdrawaldomain.Repository
	billing   *config.BillingConfigHolder
	converter currency.Converter
	wallet    walletdomain.Ledger
	wallets   walletdomain.Repository
	kyc       withdrawaldomain.KYCProvider
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
	Repo      withdrawaldomain.Repository
	Billing   *config.BillingConfigHolder
	Converter currency.Converter
	Wallet    walletdomain.Ledger
	Wallets   walletdomain.Repository
	KYC       withdrawaldomain.KYCProvider
	Locker    ownerlock.Locker

	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) withdrawaldomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("withdrawal.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		billing:   p.Billing,
		converter: p.Converter,
		wallet:    p.Wallet,
		wallets:   p.Wallets,
		kyc:       p.KYC,
		locker:    p.Locker,

		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Validate(ctx context.Context, orgID, ownerID snowflake.ID, amount money.Money) (*withdrawaldomain.Quote, error) {
	quote, err := s.validate(ctx, orgID, ownerID, amount)
	if err != nil {
		s.obsMetrics.RecordWithdrawalRejected(ctx, rejectionReason(err))
		return nil, err
	}
	return quote, nil
}

func (s *Service) validate(ctx context.Context, orgID, ownerID snowflake.ID, amount money.Money) (*withdrawaldomain.Quote, error) {
	if orgID == 0 {
		return nil, withdrawaldomain.ErrInvalidOrganization
	}
	if ownerID == 0 {
		return nil, withdrawaldomain.ErrInvalidOwner
	}

	status, err := s.kyc.Status(ctx, orgID, ownerID)
	if err != nil {
		return nil, db.Classify(err)
	}
	if status != withdrawaldomain.KYCStatusApproved {
		return nil, withdrawaldomain.ErrKYCNotApproved
	}

	if !amount.IsPositive() {
		return nil, withdrawaldomain.ErrInvalidAmount
	}
	canonical, err := s.converter.ToCanonical(amount)
	if err != nil {
		return nil, err
	}

	policy := s.billing.Get().Withdrawal
	minimum := money.New(policy.MinimumAmount, canonical.Currency)
	if canonical.Amount < minimum.Amount {
		return nil, fmt.Errorf("%w: minimum %s", withdrawaldomain.ErrBelowMinimum, minimum)
	}

	// Request re-checks under the owner lock through the debit.
	w, err := s.wallets.FindByOwner(ctx, s.db, orgID, ownerID)
	if err != nil {
		return nil, db.Classify(err)
	}
	var available int64
	if w != nil {
		available = w.AvailableBalance
	}
	if canonical.Amount > available {
		return nil, walletdomain.NewInsufficientBalance(canonical.Amount, available, canonical.Currency, walletdomain.BalanceAvailable)
	}

	fee, err := computeFee(canonical.Amount, policy.FeeRate)
	if err != nil {
		return nil, err
	}
	return &withdrawaldomain.Quote{
		Requested: amount,
		Amount:    canonical,
		Fee:       money.New(fee, canonical.Currency),
		Net:       money.New(canonical.Amount-fee, canonical.Currency),
		Minimum:   minimum,
	}, nil
}

// Request debits the full amount and records the payout instruction. A
// replayed idempotency key returns the stored request.
func (s *Service) Request(ctx context.Context, req withdrawaldomain.Request) (*withdrawaldomain.WithdrawalRequest, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, withdrawaldomain.ErrMissingIdempotencyKey
	}
	methodID := strings.TrimSpace(req.MethodID)
	if methodID == "" {
		return nil, withdrawaldomain.ErrInvalidMethod
	}

	existing, err := s.repo.FindByKey(ctx, s.db, req.OrgID, req.OwnerID, key)
	if err != nil {
		return nil, db.Classify(err)
	}
	if existing != nil {
		return existing, nil
	}

	quote, err := s.Validate(ctx, req.OrgID, req.OwnerID, req.Amount)
	if err != nil {
		return nil, err
	}

	var record *withdrawaldomain.WithdrawalRequest
	err = ownerlock.WithOwner(ctx, s.locker, req.OrgID, req.OwnerID, func() error {
		return db.Transact(ctx, s.db, func(tx *gorm.DB) error {
			existing, err := s.repo.FindByKey(ctx, tx, req.OrgID, req.OwnerID, key)
			if err != nil {
				return err
			}
			if existing != nil {
				record = existing
				return nil
			}

			now := s.clock.Now()
			record = &withdrawaldomain.WithdrawalRequest{
				ID:                s.genID.Generate(),
				OrgID:             req.OrgID,
				OwnerID:           req.OwnerID,
				IdempotencyKey:    key,
				RequestedAmount:   quote.Requested.Amount,
				RequestedCurrency: quote.Requested.Currency.String(),
				Amount:            quote.Amount.Amount,
				Fee:               quote.Fee.Amount,
				NetAmount:         quote.Net.Amount,
				Currency:          quote.Amount.Currency.String(),
				MethodID:          methodID,
				Reference:         ulid.Make().String(),
				Status:            withdrawaldomain.WithdrawalStatusRequested,
				CreatedAt:         now,
			}

			if _, err := s.wallet.Debit(ctx, tx, walletdomain.Mutation{
				OrgID:          req.OrgID,
				OwnerID:        req.OwnerID,
				Amount:         quote.Amount,
				IdempotencyKey: "withdrawal:" + key,
				SourceType:     ledgerdomain.SourceTypeWithdrawal,
				SourceID:       record.ID,
			}); err != nil {
				return err
			}
			if err := s.repo.Insert(ctx, tx, record); err != nil {
				return err
			}
			return s.publish(ctx, tx, record)
		})
	})
	if err != nil {
		s.obsMetrics.RecordWithdrawalRejected(ctx, rejectionReason(err))
		return nil, err
	}

	s.obsMetrics.RecordWithdrawal(ctx, record.RequestedCurrency)
	s.log.Info("withdrawal requested",
		zap.String("withdrawal_id", record.ID.String()),
		zap.String("reference", record.Reference),
	)
	return record, nil
}

func (s *Service) ListByOwner(ctx context.Context, orgID, ownerID snowflake.ID, limit int) ([]withdrawaldomain.WithdrawalRequest, error) {
	if orgID == 0 {
		return nil, withdrawaldomain.ErrInvalidOrganization
	}
	out, err := s.repo.ListByOwner(ctx, s.db, orgID, ownerID, limit)
	if err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, record *withdrawaldomain.WithdrawalRequest) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID: record.OrgID,
		Type:  events.EventWithdrawalRequested,
		Payload: map[string]any{
			"withdrawal_id": record.ID.String(),
			"owner_id":      record.OwnerID.String(),
			"amount":        record.Amount,
			"fee":           record.Fee,
			"net_amount":    record.NetAmount,
			"currency":      record.Currency,
			"method_id":     record.MethodID,
			"reference":     record.Reference,
		},
		DedupeKey: "withdrawal:" + record.ID.String(),
	})
}

// computeFee rounds amount × rate half away from zero.
func computeFee(amount int64, rate string) (int64, error) {
	r, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return 0, fmt.Errorf("invalid fee rate %q: %w", rate, err)
	}
	return decimal.NewFromInt(amount).Mul(r).Round(0).IntPart(), nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, withdrawaldomain.ErrKYCNotApproved):
		return "kyc_not_approved"
	case errors.Is(err, withdrawaldomain.ErrBelowMinimum):
		return "below_minimum"
	case errors.Is(err, walletdomain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, money.ErrUnsupportedCurrency):
		return "unsupported_currency"
	case errors.Is(err, db.ErrTransient):
		return "transient"
	default:
		return "invalid"
	}
}
