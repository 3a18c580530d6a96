package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/gigpay/internal/clock"
	"github.com/smallbiznis/gigpay/internal/config"
	"github.com/smallbiznis/gigpay/internal/currency"
	"github.com/smallbiznis/gigpay/internal/events"
	"github.com/smallbiznis/gigpay/internal/ledger"
	"github.com/smallbiznis/gigpay/internal/observability"
	"github.com/smallbiznis/gigpay/internal/ownerlock"
	"github.com/smallbiznis/gigpay/internal/plan"
	"github.com/smallbiznis/gigpay/internal/scheduler"
	"github.com/smallbiznis/gigpay/internal/subscription"
	"github.com/smallbiznis/gigpay/internal/wallet"
	"github.com/smallbiznis/gigpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ownerlock.Module,
		events.Module,

		// Domain services required by scheduler
		plan.Module,
		currency.Module,
		ledger.Module,
		wallet.Module,
		subscription.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
