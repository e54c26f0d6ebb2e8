package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/curlara/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPaymentClient = "curlara:payment:%s:%s"

// PaymentLimiter throttles the public payment endpoints per client address.
// A nil or disabled limiter allows everything.
type PaymentLimiter struct {
	bucket Bucket
	rate   float64
	burst  int
}

type Params struct {
	fx.In

	Lc  fx.Lifecycle
	Cfg config.Config
	Log *zap.Logger
}

func NewPaymentLimiter(p Params) (*PaymentLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.PaymentRate <= 0 || limitCfg.PaymentBurst <= 0 {
		return nil, errors.New("payment rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})
	if p.Lc != nil {
		p.Lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	if p.Log != nil {
		p.Log.Named("ratelimit").Info("payment rate limit enabled",
			zap.String("redis_addr", addr),
			zap.Float64("rate", limitCfg.PaymentRate),
			zap.Int("burst", limitCfg.PaymentBurst),
		)
	}

	return NewPaymentLimiterWithBucket(NewTokenBucket(client), limitCfg.PaymentRate, limitCfg.PaymentBurst), nil
}

func NewPaymentLimiterWithBucket(bucket Bucket, rate float64, burst int) *PaymentLimiter {
	return &PaymentLimiter{bucket: bucket, rate: rate, burst: burst}
}

func (l *PaymentLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow takes a token for the client on the given endpoint.
func (l *PaymentLimiter) Allow(ctx context.Context, endpoint, clientIP string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyPaymentClient, strings.TrimSpace(endpoint), strings.TrimSpace(clientIP))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
