package ownerlock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis holds owner locks in Redis so several instances share them. The
// lock expires after ttl in case the holder dies.
type Redis struct {
	client  *redis.Client
	script  *redis.Script
	log     *zap.Logger
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
}

func NewRedis(client *redis.Client, log *zap.Logger, ttl, timeout time.Duration) *Redis {
	return &Redis{
		client:  client,
		script:  redis.NewScript(lockReleaseScript),
		log:     log,
		ttl:     ttl,
		timeout: timeout,
		retry:   25 * time.Millisecond,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errEmptyKey
	}
	if r.ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	deadline := time.Now().Add(r.timeout)
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, errors.Join(ErrLockTimeout, err)
		}
		if ok {
			return func() { r.release(key, token) }, nil
		}
		if r.timeout > 0 && time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

func (r *Redis) release(key, token string) {
	// The caller's context may already be done; release must still run.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.script.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.log.Warn("owner lock release failed", zap.String("key", key), zap.Error(err))
	}
}
