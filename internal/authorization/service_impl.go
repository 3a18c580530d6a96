package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectWallet        = "wallet"
	ObjectSubscription  = "subscription"
	ObjectMilestonePlan = "milestone_plan"
	ObjectWithdrawal    = "withdrawal"
	ObjectKYC           = "kyc"
)

const (
	ActionWalletView    = "wallet.view"
	ActionWalletDeposit = "wallet.deposit"
	ActionWalletSettle  = "wallet.settle"

	ActionSubscriptionView      = "subscription.view"
	ActionSubscriptionPreview   = "subscription.preview"
	ActionSubscriptionUpgrade   = "subscription.upgrade"
	ActionSubscriptionDowngrade = "subscription.downgrade"
	ActionSubscriptionCancel    = "subscription.cancel"
	ActionSubscriptionAutoRenew = "subscription.auto_renew"

	ActionMilestonePlanView            = "milestone_plan.view"
	ActionMilestonePlanPropose         = "milestone_plan.propose"
	ActionMilestonePlanRevise          = "milestone_plan.revise"
	ActionMilestonePlanSubmit          = "milestone_plan.submit"
	ActionMilestonePlanApprove         = "milestone_plan.approve"
	ActionMilestonePlanRequestRevision = "milestone_plan.request_revision"

	ActionWithdrawalView     = "withdrawal.view"
	ActionWithdrawalValidate = "withdrawal.validate"
	ActionWithdrawalRequest  = "withdrawal.request"

	ActionKYCManage = "kyc.manage"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, orgID string, object string, action string) error {
	actor.ID = strings.TrimSpace(actor.ID)
	actor.Role = strings.ToLower(strings.TrimSpace(actor.Role))
	if !knownRole(actor.Role) {
		return ErrInvalidRole
	}
	if actor.Role != RoleSystem {
		if id, err := snowflake.ParseString(actor.ID); err != nil || id == 0 {
			return ErrInvalidActor
		}
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := actor.Subject()
	roleName := "role:" + actor.Role
	domain := fmt.Sprintf("org:%s", orgID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("role", actor.Role),
			zap.String("org_id", orgID),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping binds subject to exactly one role inside domain.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
				return err
			}
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func knownRole(role string) bool {
	switch role {
	case RoleFreelancer, RoleClient, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	owner := [][]string{
		{ObjectWallet, ActionWalletView},
		{ObjectSubscription, ActionSubscriptionView},
		{ObjectSubscription, ActionSubscriptionPreview},
		{ObjectSubscription, ActionSubscriptionUpgrade},
		{ObjectSubscription, ActionSubscriptionDowngrade},
		{ObjectSubscription, ActionSubscriptionCancel},
		{ObjectSubscription, ActionSubscriptionAutoRenew},
		{ObjectMilestonePlan, ActionMilestonePlanView},
	}

	policies := [][]string{
		// Freelancer: proposes plans and withdraws earnings
		{"role:freelancer", ObjectMilestonePlan, ActionMilestonePlanPropose},
		{"role:freelancer", ObjectMilestonePlan, ActionMilestonePlanRevise},
		{"role:freelancer", ObjectMilestonePlan, ActionMilestonePlanSubmit},
		{"role:freelancer", ObjectWithdrawal, ActionWithdrawalView},
		{"role:freelancer", ObjectWithdrawal, ActionWithdrawalValidate},
		{"role:freelancer", ObjectWithdrawal, ActionWithdrawalRequest},

		// Client: reviews plans and funds escrow
		{"role:client", ObjectMilestonePlan, ActionMilestonePlanApprove},
		{"role:client", ObjectMilestonePlan, ActionMilestonePlanRequestRevision},

		// Settlement collaborators
		{"role:system", ObjectWallet, ActionWalletView},
		{"role:system", ObjectWallet, ActionWalletDeposit},
		{"role:system", ObjectWallet, ActionWalletSettle},
		{"role:system", ObjectSubscription, ActionSubscriptionView},
		{"role:system", ObjectMilestonePlan, ActionMilestonePlanView},
		{"role:system", ObjectWithdrawal, ActionWithdrawalView},
		{"role:system", ObjectKYC, ActionKYCManage},

		{"role:admin", ObjectWallet, ActionWalletDeposit},
		{"role:admin", ObjectWallet, ActionWalletSettle},
		{"role:admin", ObjectWithdrawal, ActionWithdrawalView},
		{"role:admin", ObjectKYC, ActionKYCManage},
	}
	for _, role := range []string{"role:freelancer", "role:client", "role:admin"} {
		for _, rule := range owner {
			policies = append(policies, []string{role, rule[0], rule[1]})
		}
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
