package wallet

import (
	"github.com/smallbiznis/gigpay/internal/wallet/repository"
	"github.com/smallbiznis/gigpay/internal/wallet/service"
	"go.uber.org/fx"
)

var Module = fx.Module("wallet.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(service.NewLedger),
	fx.Provide(service.NewService),
)
