package ownerlock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gigpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewLocker picks the Redis locker when REDIS_ADDR is set and the in-process
// one otherwise.
func NewLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	log = log.Named("ownerlock")
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("using in-process owner locks")
		return NewLocal(cfg.OwnerLockTimeout)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	log.Info("using redis owner locks", zap.String("addr", addr))
	return NewRedis(client, log, cfg.OwnerLockTTL, cfg.OwnerLockTimeout)
}

var Module = fx.Module("ownerlock",
	fx.Provide(NewLocker),
)
