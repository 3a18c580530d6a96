package milestone

import (
	"github.com/smallbiznis/gigpay/internal/milestone/repository"
	"github.com/smallbiznis/gigpay/internal/milestone/service"
	"go.uber.org/fx"
)

var Module = fx.Module("milestone.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
