package authorization

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	enforcer, err := NewEnforcer(conn)
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer}), conn
}

func TestAuthorizeByRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	freelancer := Actor{ID: "1001", Role: RoleFreelancer}
	client := Actor{ID: "1002", Role: RoleClient}
	admin := Actor{ID: "1003", Role: "ADMIN"}
	system := Actor{Role: RoleSystem}

	cases := []struct {
		name    string
		actor   Actor
		object  string
		action  string
		allowed bool
	}{
		{"freelancer proposes", freelancer, ObjectMilestonePlan, ActionMilestonePlanPropose, true},
		{"freelancer cannot approve", freelancer, ObjectMilestonePlan, ActionMilestonePlanApprove, false},
		{"client approves", client, ObjectMilestonePlan, ActionMilestonePlanApprove, true},
		{"client cannot withdraw", client, ObjectWithdrawal, ActionWithdrawalRequest, false},
		{"freelancer withdraws", freelancer, ObjectWithdrawal, ActionWithdrawalRequest, true},
		{"client upgrades", client, ObjectSubscription, ActionSubscriptionUpgrade, true},
		{"freelancer cannot deposit", freelancer, ObjectWallet, ActionWalletDeposit, false},
		{"admin deposits", admin, ObjectWallet, ActionWalletDeposit, true},
		{"admin manages kyc", admin, ObjectKYC, ActionKYCManage, true},
		{"system settles escrow", system, ObjectWallet, ActionWalletSettle, true},
		{"system cannot upgrade", system, ObjectSubscription, ActionSubscriptionUpgrade, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(ctx, tc.actor, "1", tc.object, tc.action)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrForbidden)
		})
	}
}

func TestAuthorizeRebindsRolePerOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(ctx, Actor{ID: "1001", Role: RoleClient}, "1", ObjectMilestonePlan, ActionMilestonePlanApprove))
	require.NoError(t, svc.Authorize(ctx, Actor{ID: "1001", Role: RoleFreelancer}, "1", ObjectMilestonePlan, ActionMilestonePlanSubmit))

	err := svc.Authorize(ctx, Actor{ID: "1001", Role: RoleFreelancer}, "1", ObjectMilestonePlan, ActionMilestonePlanApprove)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.Authorize(ctx, Actor{ID: "1001", Role: RoleClient}, "2", ObjectMilestonePlan, ActionMilestonePlanApprove))
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	err := svc.Authorize(ctx, Actor{ID: "1001", Role: "guest"}, "1", ObjectWallet, ActionWalletView)
	assert.ErrorIs(t, err, ErrInvalidRole)

	err = svc.Authorize(ctx, Actor{ID: "abc", Role: RoleClient}, "1", ObjectWallet, ActionWalletView)
	assert.ErrorIs(t, err, ErrInvalidActor)

	err = svc.Authorize(ctx, Actor{ID: "1001", Role: RoleClient}, " ", ObjectWallet, ActionWalletView)
	assert.ErrorIs(t, err, ErrInvalidOrganization)

	err = svc.Authorize(ctx, Actor{ID: "1001", Role: RoleClient}, "1", "", ActionWalletView)
	assert.ErrorIs(t, err, ErrInvalidObject)

	err = svc.Authorize(ctx, Actor{ID: "1001", Role: RoleClient}, "1", ObjectWallet, "")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestPoliciesArePersisted(t *testing.T) {
	_, conn := newTestService(t)

	var count int64
	require.NoError(t, conn.Table("casbin_rule").Where("ptype = ?", "p").Count(&count).Error)
	assert.Positive(t, count)

	_, err := NewEnforcer(conn)
	require.NoError(t, err)
	var again int64
	require.NoError(t, conn.Table("casbin_rule").Where("ptype = ?", "p").Count(&again).Error)
	assert.Equal(t, count, again)
}
