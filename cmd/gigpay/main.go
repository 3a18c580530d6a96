package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/authorization"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	"github.com/smallbiznis/gigpay/internal/ledger"
	"github.com/smallbiznis/gigpay/internal/migration"
	"github.com/smallbiznis/gigpay/internal/milestone"
	"github.com/smallbiznis/gigpay/internal/observability"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	"github.com/smallbiznis/gigpay/internal/plan"
	"github.com/smallbiznis/gigpay/internal/ratelimit"
	"github.com/smallbiznis/gigpay/internal/scheduler"
	"github.com/smallbiznis/gigpay/internal/server"
	"github.com/smallbiznis/gigpay/internal/subscription"
	"github.com/smallbiznis/gigpay/internal/wallet"
	"github.com/smallbiznis/gigpay/internal/withdrawal"
	"github.com/smallbiznis/gigpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ownerlock.Module,
		events.Module,

		// Functional Domains
		plan.Module,
		currency.Module,
		ledger.Module,
		wallet.Module,
		subscription.Module,
		milestone.Module,
		withdrawal.Module,
		authorization.Module,
		ratelimit.Module,

		// Runners
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
