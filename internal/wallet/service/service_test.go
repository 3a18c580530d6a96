package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	ledgerdomain "github.com/smallbiznis/gigpay/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/gigpay/internal/ledger/service"
	"github.com/smallbiznis/gigpay/internal/money"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	"github.com/smallbiznis/gigpay/internal/wallet/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	ledger  *Ledger
	service walletdomain.Service
}

func setupWallet(t *testing.T) fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&walletdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	outbox := events.NewOutbox(node)
	converter, err := currency.NewConverter(config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()), log)
	require.NoError(t, err)

	ledger := New(Params{
		Log:       log,
		GenID:     node,
		Clock:     clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Repo:      repository.Provide(),
		LedgerSvc: ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Outbox: outbox}),
		Converter: converter,
		Outbox:    outbox,
	})
	svc := NewService(ServiceParams{
		DB:     conn,
		Log:    log,
		Ledger: ledger,
		Locker: ownerlock.NewLocal(time.Second),
	})
	return fixture{db: conn, ledger: ledger, service: svc}
}

func usd(amount int64) money.Money { return money.New(amount, money.USD) }

func mutation(amount int64, key string) walletdomain.Mutation {
	return walletdomain.Mutation{OrgID: 1, OwnerID: 42, Amount: usd(amount), IdempotencyKey: key}
}

func TestDepositOpensWalletAndIsIdempotent(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Get(ctx, 1, 42)
	require.ErrorIs(t, err, walletdomain.ErrNotFound)

	w, err := f.service.Deposit(ctx, mutation(1200, "dep-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), w.AvailableBalance)
	assert.Equal(t, "USD", w.Currency)

	w, err = f.service.Deposit(ctx, mutation(1200, "dep-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), w.AvailableBalance)

	var entries int64
	require.NoError(t, f.db.Model(&ledgerdomain.LedgerEntry{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestLockThenUnlockRestoresBalances(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(1200, "dep-1"))
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Lock(ctx, tx, mutation(1000, "lock-1"))
		return err
	})
	require.NoError(t, err)

	w, err := f.service.Get(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(200), w.AvailableBalance)
	assert.Equal(t, int64(1000), w.LockedBalance)

	w, err = f.service.Unlock(ctx, mutation(1000, "unlock-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), w.AvailableBalance)
	assert.Equal(t, int64(0), w.LockedBalance)
}

func TestLockInsufficientLeavesWalletUntouched(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(500, "dep-1"))
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Lock(ctx, tx, mutation(1000, "lock-1"))
		return err
	})
	require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)

	var insufficient *walletdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(1000), insufficient.Required)
	assert.Equal(t, int64(500), insufficient.Available)
	assert.Equal(t, int64(500), insufficient.Shortfall)
	assert.Equal(t, walletdomain.BalanceAvailable, insufficient.Balance)

	w, err := f.service.Get(ctx, 1, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(500), w.AvailableBalance)
	assert.Equal(t, int64(0), w.LockedBalance)
}

func TestReleaseRequiresLockedFunds(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(1000, "dep-1"))
	require.NoError(t, err)

	_, err = f.service.Release(ctx, mutation(300, "rel-1"))
	var insufficient *walletdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, walletdomain.BalanceLocked, insufficient.Balance)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Lock(ctx, tx, mutation(300, "lock-1"))
		return err
	}))
	w, err := f.service.Release(ctx, mutation(300, "rel-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(700), w.AvailableBalance)
	assert.Equal(t, int64(0), w.LockedBalance)
}

func TestLedgerReplayReportsReplayed(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(1000, "dep-1"))
	require.NoError(t, err)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Lock(ctx, tx, mutation(1000, "lock-1"))
		return err
	}))

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.ledger.Lock(ctx, tx, mutation(1000, "lock-1"))
		return err
	})
	assert.ErrorIs(t, err, walletdomain.ErrReplayed)
}

func TestMutationValidation(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(0, "dep-0"))
	assert.ErrorIs(t, err, walletdomain.ErrInvalidAmount)

	m := mutation(100, "dep-twd")
	m.Amount = money.New(100, money.TWD)
	_, err = f.service.Deposit(ctx, m)
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)

	m = mutation(100, "dep-owner")
	m.OwnerID = 0
	_, err = f.service.Deposit(ctx, m)
	assert.ErrorIs(t, err, walletdomain.ErrInvalidOwner)
}

func TestDisplayConvertsFromCanonical(t *testing.T) {
	f := setupWallet(t)
	ctx := context.Background()

	_, err := f.service.Deposit(ctx, mutation(1000, "dep-1"))
	require.NoError(t, err)

	view, err := f.service.Display(ctx, 1, 42, money.TWD)
	require.NoError(t, err)
	assert.Equal(t, money.New(31500, money.TWD), view.Available)
	assert.Equal(t, money.New(0, money.TWD), view.Locked)
	assert.Equal(t, usd(1000), view.CanonicalAvailable)

	_, err = f.service.Display(ctx, 1, 42, money.Currency("EUR"))
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)
}
