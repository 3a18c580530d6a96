package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"github.com/smallbiznis/gigpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Ledger *Ledger
	Locker ownerlock.Locker
}

// Service is the standalone wallet API. Every mutation takes the owner lock
// and runs in its own transaction.
type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	ledger *Ledger
	locker ownerlock.Locker
}

func NewService(p ServiceParams) walletdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("wallet.service"),
		ledger: p.Ledger,
		locker: p.Locker,
	}
}

func (s *Service) Get(ctx context.Context, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	wallet, err := s.ledger.repo.FindByOwner(ctx, s.db, orgID, ownerID)
	if err != nil {
		return nil, db.Classify(err)
	}
	if wallet == nil {
		return nil, walletdomain.ErrNotFound
	}
	return wallet, nil
}

func (s *Service) Open(ctx context.Context, orgID, ownerID snowflake.ID) (*walletdomain.Wallet, error) {
	if orgID == 0 || ownerID == 0 {
		return nil, walletdomain.ErrInvalidOwner
	}
	var wallet *walletdomain.Wallet
	err := s.transact(ctx, orgID, ownerID, func(tx *gorm.DB) error {
		var err error
		wallet, err = s.ledger.openTx(ctx, tx, orgID, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Deposit credits funds settled by the external deposit flow.
func (s *Service) Deposit(ctx context.Context, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.apply(ctx, m, s.ledger.Credit)
}

func (s *Service) Unlock(ctx context.Context, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.apply(ctx, m, s.ledger.Unlock)
}

func (s *Service) Release(ctx context.Context, m walletdomain.Mutation) (*walletdomain.Wallet, error) {
	return s.apply(ctx, m, s.ledger.Release)
}

func (s *Service) Display(ctx context.Context, orgID, ownerID snowflake.ID, target money.Currency) (*walletdomain.View, error) {
	wallet, err := s.Get(ctx, orgID, ownerID)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = money.Currency(wallet.Currency)
	}
	available, err := s.ledger.converter.Convert(wallet.Available(), target)
	if err != nil {
		return nil, err
	}
	locked, err := s.ledger.converter.Convert(wallet.Locked(), target)
	if err != nil {
		return nil, err
	}
	return &walletdomain.View{
		OwnerID:            wallet.OwnerID,
		Available:          available,
		Locked:             locked,
		CanonicalAvailable: wallet.Available(),
		CanonicalLocked:    wallet.Locked(),
	}, nil
}

type txMutation func(ctx context.Context, tx *gorm.DB, m walletdomain.Mutation) (*walletdomain.Wallet, error)

// apply runs fn once per idempotency key. A replay returns the current wallet
// unchanged.
func (s *Service) apply(ctx context.Context, m walletdomain.Mutation, fn txMutation) (*walletdomain.Wallet, error) {
	var wallet *walletdomain.Wallet
	err := s.transact(ctx, m.OrgID, m.OwnerID, func(tx *gorm.DB) error {
		var err error
		wallet, err = fn(ctx, tx, m)
		return err
	})
	if errors.Is(err, walletdomain.ErrReplayed) {
		s.log.Debug("idempotent replay", zap.String("idempotency_key", m.IdempotencyKey))
		return s.Get(ctx, m.OrgID, m.OwnerID)
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *Service) transact(ctx context.Context, orgID, ownerID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return ownerlock.WithOwner(ctx, s.locker, orgID, ownerID, func() error {
		return db.Transact(ctx, s.db, fn)
	})
}
