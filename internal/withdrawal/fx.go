package withdrawal

import (
	"github.com/smallbiznis/gigpay/internal/withdrawal/kyc"
	"github.com/smallbiznis/gigpay/internal/withdrawal/repository"
	"github.com/smallbiznis/gigpay/internal/withdrawal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("withdrawal.service",
	fx.Provide(repository.Provide),
	fx.Provide(kyc.NewStore),
	fx.Provide(kyc.NewProvider),
	fx.Provide(service.NewService),
)
