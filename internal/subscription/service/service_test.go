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
	"github.com/smallbiznis/gigpay/internal/plan"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	"github.com/smallbiznis/gigpay/internal/subscription/repository"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	walletrepository "github.com/smallbiznis/gigpay/internal/wallet/repository"
	walletservice "github.com/smallbiznis/gigpay/internal/wallet/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testOrg   snowflake.ID = 1
	testOwner snowflake.ID = 42
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Debit(ctx context.Context, tx *gorm.DB, mu walletdomain.Mutation) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, tx, mu)
	return args.Get(0).(*walletdomain.Wallet), args.Error(1)
}

func (m *mockLedger) Credit(ctx context.Context, tx *gorm.DB, mu walletdomain.Mutation) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, tx, mu)
	return args.Get(0).(*walletdomain.Wallet), args.Error(1)
}

func (m *mockLedger) Lock(ctx context.Context, tx *gorm.DB, mu walletdomain.Mutation) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, tx, mu)
	return args.Get(0).(*walletdomain.Wallet), args.Error(1)
}

func (m *mockLedger) Unlock(ctx context.Context, tx *gorm.DB, mu walletdomain.Mutation) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, tx, mu)
	return args.Get(0).(*walletdomain.Wallet), args.Error(1)
}

func (m *mockLedger) Release(ctx context.Context, tx *gorm.DB, mu walletdomain.Mutation) (*walletdomain.Wallet, error) {
	args := m.Called(ctx, tx, mu)
	return args.Get(0).(*walletdomain.Wallet), args.Error(1)
}

func (m *mockLedger) Replayed(ctx context.Context, tx *gorm.DB, orgID, ownerID snowflake.ID, key string) (bool, error) {
	args := m.Called(ctx, tx, orgID, ownerID, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) Canonical() money.Currency { return money.USD }

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	svc    subscriptiondomain.Service
	wallet walletdomain.Service
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.SubscriptionPayment{},
		&walletdomain.Wallet{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
	))
	return conn
}

// setup wires the subscription service against a real wallet ledger, or
// against ledger when it is non-nil.
func setup(t *testing.T, ledger walletdomain.Ledger) fixture {
	t.Helper()
	conn := openDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	fake := clock.NewFakeClock(start)
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	converter, err := currency.NewConverter(holder, log)
	require.NoError(t, err)
	catalog, err := plan.NewCatalog(holder, log)
	require.NoError(t, err)
	outbox := events.NewOutbox(node)
	locker := ownerlock.NewLocal(time.Second)

	walletLedger := walletservice.New(walletservice.Params{
		Log:       log,
		GenID:     node,
		Clock:     fake,
		Repo:      walletrepository.Provide(),
		LedgerSvc: ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, GenID: node, Outbox: outbox}),
		Converter: converter,
		Outbox:    outbox,
	})
	walletSvc := walletservice.NewService(walletservice.ServiceParams{DB: conn, Log: log, Ledger: walletLedger, Locker: locker})
	if ledger == nil {
		ledger = walletservice.NewLedger(walletLedger)
	}

	svc := NewService(ServiceParam{
		DB:        conn,
		Log:       log,
		GenID:     node,
		Clock:     fake,
		Repo:      repository.Provide(),
		Catalog:   catalog,
		Converter: converter,
		Wallet:    ledger,
		Locker:    locker,
		Outbox:    outbox,
	})
	return fixture{db: conn, clock: fake, svc: svc, wallet: walletSvc}
}

func (f fixture) deposit(t *testing.T, amount int64, key string) {
	t.Helper()
	_, err := f.wallet.Deposit(context.Background(), walletdomain.Mutation{
		OrgID: testOrg, OwnerID: testOwner, Amount: money.New(amount, money.USD), IdempotencyKey: key,
	})
	require.NoError(t, err)
}

func (f fixture) available(t *testing.T) int64 {
	t.Helper()
	w, err := f.wallet.Get(context.Background(), testOrg, testOwner)
	require.NoError(t, err)
	return w.AvailableBalance
}

func upgradeReq(target plan.Tier, key string) subscriptiondomain.UpgradeRequest {
	return subscriptiondomain.UpgradeRequest{
		OrgID:          testOrg,
		OwnerID:        testOwner,
		Target:         target,
		Cycle:          plan.CycleMonthly,
		Currency:       money.USD,
		PaymentMethod:  subscriptiondomain.PaymentMethodWallet,
		IdempotencyKey: key,
	}
}

func externalUpgrade(target plan.Tier, key string) subscriptiondomain.UpgradeRequest {
	req := upgradeReq(target, key)
	req.PaymentMethod = subscriptiondomain.PaymentMethodExternal
	req.ExternalRef = "psp_" + key
	return req
}

func TestGetCreatesFreeSubscription(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	sub, err := f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, sub.Tier)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.EndDate)
	assert.False(t, sub.AutoRenew)

	again, err := f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, again.ID)

	_, err = f.svc.Get(ctx, 0, testOwner)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidOrganization)
}

func TestUpgradeDebitsWalletOnce(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.deposit(t, 5000, "dep-1")

	sub, err := f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, "up-1"))
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, sub.Tier)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.AutoRenew)
	require.NotNil(t, sub.EndDate)
	assert.True(t, sub.EndDate.Equal(start.AddDate(0, 1, 0)))
	require.NotNil(t, sub.NextBillingDate)
	assert.True(t, sub.NextBillingDate.Equal(*sub.EndDate))
	assert.Equal(t, int64(4001), f.available(t))

	replayed, err := f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, "up-1"))
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, replayed.Tier)
	assert.Equal(t, int64(4001), f.available(t))

	var payments int64
	require.NoError(t, f.db.Model(&subscriptiondomain.SubscriptionPayment{}).Count(&payments).Error)
	assert.Equal(t, int64(1), payments)
}

func TestUpgradeConvertsCuratedPriceToCanonical(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.deposit(t, 1000, "dep-1")

	req := upgradeReq(plan.TierPro, "up-twd")
	req.Currency = money.TWD
	sub, err := f.svc.Upgrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "TWD", sub.BillingCurrency)
	// 300.00 TWD at 31.5 per USD is 9.52 USD.
	assert.Equal(t, int64(48), f.available(t))
}

func TestUpgradeInsufficientBalanceLeavesPlanUnchanged(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.deposit(t, 500, "dep-1")

	_, err := f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, "up-1"))
	require.ErrorIs(t, err, walletdomain.ErrInsufficientBalance)
	var insufficient *walletdomain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(999), insufficient.Required)
	assert.Equal(t, int64(499), insufficient.Shortfall)

	sub, err := f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, sub.Tier)
	assert.Equal(t, int64(500), f.available(t))
}

func TestUpgradeRejectsInvalidRequests(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.Upgrade(ctx, upgradeReq(plan.Tier("platinum"), "k"))
	assert.ErrorIs(t, err, plan.ErrUnknownPlan)

	req := upgradeReq(plan.TierPro, "k")
	req.Currency = money.Currency("EUR")
	_, err = f.svc.Upgrade(ctx, req)
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)

	_, err = f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, " "))
	assert.ErrorIs(t, err, subscriptiondomain.ErrMissingIdempotencyKey)

	req = externalUpgrade(plan.TierPro, "k")
	req.ExternalRef = ""
	_, err = f.svc.Upgrade(ctx, req)
	assert.ErrorIs(t, err, subscriptiondomain.ErrMissingExternalRef)

	_, err = f.svc.Upgrade(ctx, upgradeReq(plan.TierFree, "k"))
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadyOnPlan)

	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierEnterprise, "ent"))
	require.NoError(t, err)
	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro"))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestDowngradeNeverTouchesWallet(t *testing.T) {
	ledger := &mockLedger{}
	f := setup(t, ledger)
	ctx := context.Background()

	_, err := f.svc.Upgrade(ctx, externalUpgrade(plan.TierEnterprise, "ent"))
	require.NoError(t, err)

	_, err = f.svc.Downgrade(ctx, subscriptiondomain.DowngradeRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierPro,
	})
	require.ErrorIs(t, err, subscriptiondomain.ErrCapabilityLossUnconfirmed)
	var loss *subscriptiondomain.CapabilityLossError
	require.True(t, errors.As(err, &loss))
	assert.Equal(t, []string{"analytics.advanced", "contracts.custom_templates", "support.priority", "team.seats"}, loss.Lost)

	sub, err := f.svc.Downgrade(ctx, subscriptiondomain.DowngradeRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierPro, Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, plan.TierPro, sub.Tier)
	require.NotNil(t, sub.EndDate)
	assert.True(t, sub.EndDate.Equal(start.AddDate(0, 1, 0)))

	ledger.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything)
	ledger.AssertExpectations(t)
}

func TestDowngradeRules(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.Downgrade(ctx, subscriptiondomain.DowngradeRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierFree,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrAlreadyOnPlan)

	_, err = f.svc.Downgrade(ctx, subscriptiondomain.DowngradeRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierPro,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro"))
	require.NoError(t, err)

	sub, err := f.svc.Downgrade(ctx, subscriptiondomain.DowngradeRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierFree, Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, plan.TierFree, sub.Tier)
	assert.Nil(t, sub.EndDate)
	assert.Nil(t, sub.NextBillingDate)
	assert.False(t, sub.AutoRenew)
}

func TestCancelThenExpire(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.Cancel(ctx, testOrg, testOwner)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro"))
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	sub, err := f.svc.Cancel(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, plan.TierPro, sub.Tier)
	require.NotNil(t, sub.CancelledAt)
	require.NotNil(t, sub.EndDate)
	end := *sub.EndDate
	assert.True(t, end.Equal(start.AddDate(0, 1, 0)))

	_, err = f.svc.Cancel(ctx, testOrg, testOwner)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierEnterprise, "ent"))
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	result, err := f.svc.ExpireDue(ctx, end.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	result, err = f.svc.ExpireDue(ctx, end.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	sub, err = f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)
	assert.Equal(t, plan.TierFree, sub.EffectiveTier())

	f.clock.Set(end.Add(time.Hour))
	sub, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro-again"))
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.CancelledAt)
}

func TestRenewDueChargesWallet(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.deposit(t, 3000, "dep-1")

	sub, err := f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, "up-1"))
	require.NoError(t, err)
	end := *sub.EndDate
	assert.Equal(t, int64(2001), f.available(t))

	result, err := f.svc.RenewDue(ctx, end.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)

	result, err = f.svc.RenewDue(ctx, end, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, int64(1002), f.available(t))

	sub, err = f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.True(t, sub.StartDate.Equal(end))
	assert.True(t, sub.EndDate.Equal(end.AddDate(0, 1, 0)))
	assert.True(t, sub.AutoRenew)

	result, err = f.svc.RenewDue(ctx, end, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, int64(1002), f.available(t))
}

func TestRenewDueShortfallLapsesAtEndDate(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	f.deposit(t, 999, "dep-1")

	sub, err := f.svc.Upgrade(ctx, upgradeReq(plan.TierPro, "up-1"))
	require.NoError(t, err)
	end := *sub.EndDate

	result, err := f.svc.RenewDue(ctx, end, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Lapsed)
	assert.Equal(t, 0, result.Failed)

	sub, err = f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)

	result, err = f.svc.ExpireDue(ctx, end, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)

	sub, err = f.svc.Get(ctx, testOrg, testOwner)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, sub.Status)
}

func TestSetAutoRenew(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.SetAutoRenew(ctx, testOrg, testOwner, true)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro"))
	require.NoError(t, err)

	sub, err := f.svc.SetAutoRenew(ctx, testOrg, testOwner, false)
	require.NoError(t, err)
	assert.False(t, sub.AutoRenew)
	assert.Nil(t, sub.NextBillingDate)

	sub, err = f.svc.SetAutoRenew(ctx, testOrg, testOwner, true)
	require.NoError(t, err)
	assert.True(t, sub.AutoRenew)
	require.NotNil(t, sub.NextBillingDate)
	assert.True(t, sub.NextBillingDate.Equal(*sub.EndDate))
}

func TestPreview(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	preview, err := f.svc.Preview(ctx, subscriptiondomain.PreviewRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierEnterprise, Cycle: plan.CycleYearly, Currency: money.CNY,
	})
	require.NoError(t, err)
	assert.Equal(t, plan.TransitionUpgrade, preview.Transition)
	require.NotNil(t, preview.Price)
	assert.Equal(t, money.New(198000, money.CNY), *preview.Price)
	require.NotNil(t, preview.CanonicalPrice)
	assert.Equal(t, money.USD, preview.CanonicalPrice.Currency)
	assert.Empty(t, preview.CapabilityLoss)

	_, err = f.svc.Upgrade(ctx, externalUpgrade(plan.TierPro, "pro"))
	require.NoError(t, err)

	preview, err = f.svc.Preview(ctx, subscriptiondomain.PreviewRequest{
		OrgID: testOrg, OwnerID: testOwner, Target: plan.TierFree,
	})
	require.NoError(t, err)
	assert.Equal(t, plan.TransitionDowngrade, preview.Transition)
	assert.Nil(t, preview.Price)
	assert.Contains(t, preview.CapabilityLoss, "escrow.milestones")
}
