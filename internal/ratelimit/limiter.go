// Package ratelimit throttles money-moving requests per owner with a Redis
// token bucket shared by every API replica.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gigpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyMoneyOwner = "gigpay:ratelimit:money:%s:%s"

var ErrRateLimited = errors.New("rate_limited")

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

type Limiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewLimiter returns nil when no rate or no Redis is configured; a nil
// Limiter allows everything.
func NewLimiter(p Params) (*Limiter, error) {
	log := p.Log.Named("ratelimit")
	addr := strings.TrimSpace(p.Cfg.RedisAddr)
	if p.Cfg.MoneyRateLimit <= 0 || addr == "" {
		log.Info("money rate limit disabled")
		return nil, nil
	}
	if p.Cfg.MoneyRateBurst <= 0 {
		return nil, errors.New("money rate limit burst must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: p.Cfg.RedisPassword,
		DB:       p.Cfg.RedisDB,
	})
	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("money rate limit enabled",
		zap.Float64("rate", p.Cfg.MoneyRateLimit),
		zap.Int("burst", p.Cfg.MoneyRateBurst),
	)
	return newLimiter(NewTokenBucket(client), p.Cfg.MoneyRateLimit, p.Cfg.MoneyRateBurst), nil
}

func newLimiter(bucket *TokenBucket, rate float64, burst int) *Limiter {
	return &Limiter{bucket: bucket, rate: rate, burst: burst}
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes one token from the caller's bucket within the org.
func (l *Limiter) Allow(ctx context.Context, orgID, callerID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyMoneyOwner, strings.TrimSpace(orgID), strings.TrimSpace(callerID))
	return l.bucket.Take(ctx, key, l.rate, l.burst)
}
