package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/gigpay/internal/authorization"
	"github.com/smallbiznis/gigpay/internal/config"
	milestonedomain "github.com/smallbiznis/gigpay/internal/milestone/domain"
	"github.com/smallbiznis/gigpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/gigpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/gigpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/gigpay/internal/observability/tracing"
	"github.com/smallbiznis/gigpay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/gigpay/internal/subscription/domain"
	walletdomain "github.com/smallbiznis/gigpay/internal/wallet/domain"
	withdrawaldomain "github.com/smallbiznis/gigpay/internal/withdrawal/domain"
	"github.com/smallbiznis/gigpay/internal/withdrawal/kyc"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	authzSvc        authorization.Service
	walletSvc       walletdomain.Service
	subscriptionSvc subscriptiondomain.Service
	milestoneSvc    milestonedomain.Service
	withdrawalSvc   withdrawaldomain.Service
	kycStore        *kyc.Store
	limiter         MoneyLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	AuthzSvc        authorization.Service
	WalletSvc       walletdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	MilestoneSvc    milestonedomain.Service
	WithdrawalSvc   withdrawaldomain.Service
	KYCStore        *kyc.Store         `optional:"true"`
	Limiter         *ratelimit.Limiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		authzSvc:        p.AuthzSvc,
		walletSvc:       p.WalletSvc,
		subscriptionSvc: p.SubscriptionSvc,
		milestoneSvc:    p.MilestoneSvc,
		withdrawalSvc:   p.WithdrawalSvc,
		kycStore:        p.KYCStore,
	}
	if p.Limiter.Enabled() {
		svc.limiter = p.Limiter
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(OrgContext(), ActorContext())

	// -------- Subscription --------
	api.GET("/subscription/:owner_id", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionView), s.GetSubscription)
	api.POST("/subscription/preview", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionPreview), s.PreviewSubscription)
	api.POST("/subscription/upgrade", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionUpgrade), s.throttleMoney(), s.UpgradeSubscription)
	api.POST("/subscription/downgrade", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionDowngrade), s.DowngradeSubscription)
	api.POST("/subscription/cancel", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionCancel), s.CancelSubscription)
	api.POST("/subscription/auto-renew", s.authorizeOrgAction(authorization.ObjectSubscription, authorization.ActionSubscriptionAutoRenew), s.SetSubscriptionAutoRenew)

	// -------- Wallet --------
	api.GET("/wallet/:owner_id", s.authorizeOrgAction(authorization.ObjectWallet, authorization.ActionWalletView), s.GetWallet)
	api.POST("/wallet/:owner_id/deposits", s.authorizeOrgAction(authorization.ObjectWallet, authorization.ActionWalletDeposit), s.DepositWallet)
	api.POST("/wallet/:owner_id/unlock", s.authorizeOrgAction(authorization.ObjectWallet, authorization.ActionWalletSettle), s.UnlockWallet)
	api.POST("/wallet/:owner_id/release", s.authorizeOrgAction(authorization.ObjectWallet, authorization.ActionWalletSettle), s.ReleaseWallet)

	// -------- Milestones --------
	api.POST("/milestones/plans", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanPropose), s.ProposeMilestonePlan)
	api.GET("/milestones/plan/:id", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanView), s.GetMilestonePlan)
	api.PUT("/milestones/plan/:id/milestones", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanRevise), s.ReviseMilestonePlan)
	api.POST("/milestones/plan/:id/submit", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanSubmit), s.SubmitMilestonePlan)
	api.POST("/milestones/plan/:id/approve", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanApprove), s.throttleMoney(), s.ApproveMilestonePlan)
	api.POST("/milestones/plan/:id/request-revision", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanRequestRevision), s.RequestMilestoneRevision)
	api.GET("/milestones/engagements/:id/plans", s.authorizeOrgAction(authorization.ObjectMilestonePlan, authorization.ActionMilestonePlanView), s.ListMilestonePlans)

	// -------- Withdrawals --------
	api.POST("/withdrawals/validate", s.authorizeOrgAction(authorization.ObjectWithdrawal, authorization.ActionWithdrawalValidate), s.ValidateWithdrawal)
	api.POST("/withdrawals/request", s.authorizeOrgAction(authorization.ObjectWithdrawal, authorization.ActionWithdrawalRequest), s.throttleMoney(), s.RequestWithdrawal)
	api.GET("/withdrawals/:owner_id", s.authorizeOrgAction(authorization.ObjectWithdrawal, authorization.ActionWithdrawalView), s.ListWithdrawals)
	api.PUT("/kyc/:owner_id", s.authorizeOrgAction(authorization.ObjectKYC, authorization.ActionKYCManage), s.SetKYCStatus)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
