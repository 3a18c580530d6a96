package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	"github.com/smallbiznis/gigpay/internal/money"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       walletdomain.Repository
	LedgerSvc  ledgerdomain.Service
	Converter  currency.Converter
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Ledger applies wallet mutations inside a caller-owned transaction.
type Ledger struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       walletdomain.Repository
	ledgerSvc  ledgerdomain.Service
	converter  currency.Converter
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Ledger {
	return &Ledger{
		log:        p.Log.Named("wallet.ledger"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledgerSvc:  p.LedgerSvc,
		converter:  p.Converter,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func NewLedger(l *Ledger) walletdomain.Ledger { return l }

type operation struct {
	name   string
	debit  ledgerdomain.LedgerAccountCode
	credit ledgerdomain.LedgerAccountCode
	apply  func(w *walletdomain.Wallet, amount int64) error
}

func (s *Ledger) Canonical() money.Currency {
	return s.converter.Canonical()
}

func (s *Ledger) Debit(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	counterparty := ledgerdomain.AccountCodePlatformRevenue
	if m.SourceType == ledgerdomain.SourceTypeWithdrawal {
		counterparty = ledgerdomain.AccountCodePayoutsClearing
	}
	return s.mutate(ctx, tx, m, operation{
		name:   "debit",
		debit:  ledgerdomain.AccountCodeWalletAvailable,
		credit: counterparty,
		apply: func(w *walletdomain.Wallet, amount int64) error {
			if w.AvailableBalance < amount {
				return walletdomain.NewInsufficientBalance(amount, w.AvailableBalance, money.Currency(w.Currency), walletdomain.BalanceAvailable)
			}
			w.AvailableBalance -= amount
			return nil
		},
	})
}

func (s *Ledger) Credit(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.mutate(ctx, tx, m, operation{
		name:   "credit",
		debit:  ledgerdomain.AccountCodeExternalFunding,
		credit: ledgerdomain.AccountCodeWalletAvailable,
		apply: func(w *walletdomain.Wallet, amount int64) error {
			w.AvailableBalance += amount
			return nil
		},
	})
}

// Lock moves the whole amount from available to locked or nothing at all.
func (s *Ledger) Lock(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.mutate(ctx, tx, m, operation{
		name:   "lock",
		debit:  ledgerdomain.AccountCodeWalletAvailable,
		credit: ledgerdomain.AccountCodeWalletLocked,
		apply: func(w *walletdomain.Wallet, amount int64) error {
			if w.AvailableBalance < amount {
				return walletdomain.NewInsufficientBalance(amount, w.AvailableBalance, money.Currency(w.Currency), walletdomain.BalanceAvailable)
			}
			w.AvailableBalance -= amount
			w.LockedBalance += amount
			return nil
		},
	})
}

func (s *Ledger) Unlock(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.mutate(ctx, tx, m, operation{
		name:   "unlock",
		debit:  ledgerdomain.AccountCodeWalletLocked,
		credit: ledgerdomain.AccountCodeWalletAvailable,
		apply: func(w *walletdomain.Wallet, amount int64) error {
			if w.LockedBalance < amount {
				return walletdomain.NewInsufficientBalance(amount, w.LockedBalance, money.Currency(w.Currency), walletdomain.BalanceLocked)
			}
			w.LockedBalance -= amount
			w.AvailableBalance += amount
			return nil
		},
	})
}

// Release pays locked funds out of the wallet for good.
func (s *Ledger) Release(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.mutate(ctx, tx, m, operation{
		name:   "release",
		debit:  ledgerdomain.AccountCodeWalletLocked,
		credit: ledgerdomain.AccountCodeEscrowPayout,
		apply: func(w *walletdomain.Wallet, amount int64) error {
			if w.LockedBalance < amount {
				return walletdomain.NewInsufficientBalance(amount, w.LockedBalance, money.Currency(w.Currency), walletdomain.BalanceLocked)
			}
			w.LockedBalance -= amount
			return nil
		},
	})
}

func (s *Ledger) Replayed(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	return s.ledgerSvc.ExistsTx(ctx, tx, orgID, ownerID, key)
}

func (s *Ledger) mutate(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation, op operation) (*walletdomain.Wallet, error) {
	if m.OrgID == 0 || m.OwnerID == 0 {
		return nil, walletdomain.ErrInvalidOwner
	}
	if !m.Amount.IsPositive() {
		return nil, walletdomain.ErrInvalidAmount
	}
	if m.Amount.Currency != s.converter.Canonical() {
		return nil, money.ErrCurrencyMismatch
	}

	wallet, err := s.openTx(ctx, tx, m.OrgID, m.OwnerID)
	if err != nil {
		return nil, err
	}

	// A replay must not be judged against the balance it already moved.
	replayed, err := s.Replayed(ctx, tx, m.OrgID, m.OwnerID, m.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if replayed {
		return nil, walletdomain.ErrReplayed
	}

	if err := op.apply(wallet, m.Amount.Amount); err != nil {
		s.obsMetrics.RecordInsufficientBalance(ctx, op.name)
		return nil, err
	}

	now := s.clock.Now()
	key := strings.TrimSpace(m.IdempotencyKey)
	if key == "" {
		key = op.name + ":" + s.genID.Generate().String()
	}
	sourceID := m.SourceID
	if sourceID == 0 {
		sourceID = wallet.ID
	}
	sourceType := m.SourceType
	if sourceType == "" {
		sourceType = ledgerdomain.SourceTypeManualAdjustment
	}

	entry, inserted, err := s.ledgerSvc.PostTx(ctx, tx, ledgerdomain.PostEntryRequest{
		OrgID:          m.OrgID,
		OwnerID:        m.OwnerID,
		IdempotencyKey: key,
		SourceType:     sourceType,
		SourceID:       sourceID,
		Currency:       wallet.Currency,
		OccurredAt:     now,
		Lines: []ledgerdomain.LedgerEntryLine{
			{AccountCode: op.debit, Direction: ledgerdomain.LedgerEntryDirectionDebit, Amount: m.Amount.Amount},
			{AccountCode: op.credit, Direction: ledgerdomain.LedgerEntryDirectionCredit, Amount: m.Amount.Amount},
		},
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, walletdomain.ErrReplayed
	}

	wallet.UpdatedAt = now
	if err := s.repo.UpdateBalances(ctx, tx, wallet); err != nil {
		return nil, err
	}

	if s.outbox != nil {
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			OrgID: m.OrgID,
			Type:  events.EventWalletChanged,
			Payload: map[string]any{
				"wallet_id":         wallet.ID.String(),
				"owner_id":          wallet.OwnerID.String(),
				"operation":         op.name,
				"amount":            m.Amount.Amount,
				"currency":          wallet.Currency,
				"available_balance": wallet.AvailableBalance,
				"locked_balance":    wallet.LockedBalance,
				"ledger_entry_id":   entry.ID.String(),
			},
			DedupeKey: "wallet:" + entry.ID.String(),
		}); err != nil {
			return nil, err
		}
	}

	s.obsMetrics.RecordWalletMutation(ctx, op.name)
	s.log.Debug("wallet mutated",
		zap.String("operation", op.name),
		zap.String("wallet_id", wallet.ID.String()),
		zap.String("ledger_entry_id", entry.ID.String()),
	)
	return wallet, nil
}

// openTx returns the owner's wallet row locked for update, creating it on
// first use.
func (s *Ledger) openTx(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	wallet, err := s.repo.FindByOwnerForUpdate(ctx, tx, orgID, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}

	now := s.clock.Now()
	if err := s.repo.InsertIfMissing(ctx, tx, &walletdomain.Wallet{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		OwnerID:   ownerID,
		Currency:  s.converter.Canonical().String(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	wallet, err = s.repo.FindByOwnerForUpdate(ctx, tx, orgID, ownerID)
	if err != nil {
		return nil, err
	}
	if wallet == nil {
		return nil, walletdomain.ErrNotFound
	}
	return wallet, nil
}
