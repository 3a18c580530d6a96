package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
	walletrepository "github.com/smallbiznis/gigpay/internal/wallet/repository"
	walletservice "github.com/smallbiznis/gigpay/internal/wallet/service"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/smallbiznis/gigpay/internal/withdrawal/kyc"
	"github.com/smallbiznis/gigpay/internal/withdrawal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	orgID   snowflake.ID = 1
	ownerID snowflake.ID = 77
)

type fixture struct {
	db     *gorm.DB
	kyc    *kyc.Static
	svc    withdrawaldomain.Service
	wallet walletdomain.Service
}

func setup(t *testing.T) fixture {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&withdrawaldomain.WithdrawalRequest{},
		&walletdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	converter, err := currency.NewConverter(holder, log)
	require.NoError(t, err)
	outbox := events.NewOutbox(node)
	locker := ownerlock.NewLocal(time.Second)
	kycProvider := kyc.NewStatic()

	ledger := walletservice.New(walletservice.Params{
		Log:       log,
		GenID:     node,
		Clock:     fake,
		Repo:      walletrepository.Provide(),
		LedgerSvc: ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Outbox: outbox}),
		Converter: converter,
		Outbox:    outbox,
	})

	svc := NewService(ServiceParam{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     fake,
		Repo:      repository.Provide(),
		Billing:   holder,
		Converter: converter,
		Wallet:    walletservice.NewLedger(ledger),
		Wallets:   walletrepository.Provide(),
		KYC:       kycProvider,
		Locker:    locker,
		Outbox:    outbox,
	})
	return fixture{
		db:     conn,
		kyc:    kycProvider,
		svc:    svc,
		wallet: walletservice.NewService(walletservice.ServiceParams{DB: conn, Log: log, Ledger: ledger, Locker: locker}),
	}
}

func (f fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := f.wallet.Deposit(context.Background(), walletdomain.Mutation{
		OrgID: orgID, OwnerID: ownerID, Amount: money.New(amount, money.USD), IdempotencyKey: "fund",
	})
	require.NoError(t, err)
}

func request(amount money.Money, key string) withdrawaldomain.Request {
	return withdrawaldomain.Request{
		OrgID:          orgID,
		OwnerID:        ownerID,
		Amount:         amount,
		MethodID:       "bank_1",
		IdempotencyKey: key,
	}
}

func TestValidateBelowMinimum(t *testing.T) {
	f := setup(t)
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)
	f.fund(t, 5000)

	_, err := f.svc.Validate(context.Background(), orgID, ownerID, money.New(3000, money.USD))
	assert.ErrorIs(t, err, withdrawaldomain.ErrBelowMinimum)

	quote, err := f.svc.Validate(context.Background(), orgID, ownerID, money.New(5000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, int64(100), quote.Fee.Amount)
}

func TestValidateInsufficientBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)

	_, err := f.svc.Validate(ctx, orgID, ownerID, money.New(10000, money.USD))
	var insufficient *walletdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(0), insufficient.Available)
	assert.Equal(t, int64(10000), insufficient.Shortfall)

	f.fund(t, 6000)
	_, err = f.svc.Validate(ctx, orgID, ownerID, money.New(100000, money.USD))
	require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(100000), insufficient.Required)
	assert.Equal(t, int64(6000), insufficient.Available)
	assert.Equal(t, int64(94000), insufficient.Shortfall)
	assert.Equal(t, money.USD, insufficient.Currency)
	assert.Equal(t, walletdomain.BalanceAvailable, insufficient.Balance)

	quote, err := f.svc.Validate(ctx, orgID, ownerID, money.New(6000, money.USD))
	require.NoError(t, err)
	assert.Equal(t, int64(120), quote.Fee.Amount)

	w, err := f.wallet.Get(ctx, orgID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), w.AvailableBalance)
}

func TestKYCGateComesFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Validate(ctx, orgID, ownerID, money.New(3000, money.USD))
	assert.ErrorIs(t, err, withdrawaldomain.ErrKYCNotApproved)

	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusPending)
	_, err = f.svc.Request(ctx, request(money.New(10000, money.USD), "w-1"))
	assert.ErrorIs(t, err, withdrawaldomain.ErrKYCNotApproved)

	var count int64
	require.NoError(t, f.db.Model(&withdrawaldomain.WithdrawalRequest{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRequestDebitsAmountAndQuotesFee(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)
	f.fund(t, 15000)

	record, err := f.svc.Request(ctx, request(money.New(10000, money.USD), "w-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), record.Amount)
	assert.Equal(t, int64(200), record.Fee)
	assert.Equal(t, int64(9800), record.NetAmount)
	assert.Equal(t, "USD", record.Currency)
	assert.Len(t, record.Reference, 26)
	assert.Equal(t, withdrawaldomain.WithdrawalStatusRequested, record.Status)

	w, err := f.wallet.Get(ctx, orgID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.AvailableBalance)

	replayed, err := f.svc.Request(ctx, request(money.New(10000, money.USD), "w-1"))
	require.NoError(t, err)
	assert.Equal(t, record.ID, replayed.ID)
	assert.Equal(t, record.Reference, replayed.Reference)

	w, err = f.wallet.Get(ctx, orgID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.AvailableBalance)

	list, err := f.svc.ListByOwner(ctx, orgID, ownerID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRequestConvertsToCanonical(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)
	f.fund(t, 20000)

	record, err := f.svc.Request(ctx, request(money.New(315000, money.TWD), "w-twd"))
	require.NoError(t, err)
	assert.Equal(t, int64(315000), record.RequestedAmount)
	assert.Equal(t, "TWD", record.RequestedCurrency)
	assert.Equal(t, int64(10000), record.Amount)
	assert.Equal(t, int64(9800), record.NetAmount)
}

func TestRequestInsufficientBalance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)
	f.fund(t, 6000)

	_, err := f.svc.Request(ctx, request(money.New(10000, money.USD), "w-1"))
	require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
	var insufficient *walletdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(4000), insufficient.Shortfall)

	var count int64
	require.NoError(t, f.db.Model(&withdrawaldomain.WithdrawalRequest{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestConcurrentRequestsDebitOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)
	f.fund(t, 15000)

	const callers = 6
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Request(ctx, request(money.New(10000, money.USD), fmt.Sprintf("w-%d", i)))
			if err == nil {
				succeeded.Add(1)
				return
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(1), succeeded.Load())
	for err := range errs {
		assert.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
	}

	w, err := f.wallet.Get(ctx, orgID, ownerID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), w.AvailableBalance)

	var count int64
	require.NoError(t, f.db.Model(&withdrawaldomain.WithdrawalRequest{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRequestValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.kyc.Set(ownerID, withdrawaldomain.KYCStatusApproved)

	_, err := f.svc.Request(ctx, request(money.New(10000, money.USD), ""))
	assert.ErrorIs(t, err, withdrawaldomain.ErrMissingIdempotencyKey)

	req := request(money.New(10000, money.USD), "w-1")
	req.MethodID = " "
	_, err = f.svc.Request(ctx, req)
	assert.ErrorIs(t, err, withdrawaldomain.ErrInvalidMethod)

	_, err = f.svc.Request(ctx, request(money.New(-5, money.USD), "w-2"))
	assert.ErrorIs(t, err, withdrawaldomain.ErrInvalidAmount)

	_, err = f.svc.Request(ctx, request(money.New(10000, money.Currency("EUR")), "w-3"))
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)
}

func TestComputeFeeRoundsHalfAwayFromZero(t *testing.T) {
	fee, err := computeFee(10025, "0.02")
	require.NoError(t, err)
	assert.Equal(t, int64(201), fee)

	fee, err = computeFee(10000, "0.02")
	require.NoError(t, err)
	assert.Equal(t, int64(200), fee)

	_, err = computeFee(10000, "abc")
	assert.Error(t, err)
}
