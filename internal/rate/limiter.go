package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds throttle tuning parameters.
type Config struct {
	EnableIPThrottle bool
	MaxLoginFailures int
	LoginWindow      time.Duration
	MaxResends       int
	ResendWindow     time.Duration
}

// Limiter enforces per-IP login and per-token resend budgets using Redis
// counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckLogin returns ErrRateLimited when ip has exhausted its failed-login
// budget for the current window.
func (l *Limiter) CheckLogin(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" {
		return nil
	}
	return l.checkCounter(ctx, loginIPKey(ip), l.config.MaxLoginFailures)
}

// RecordLoginFailure counts a failed login from ip.
func (l *Limiter) RecordLoginFailure(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" {
		return nil
	}
	_, err := l.incrementWithTTL(ctx, loginIPKey(ip), l.config.LoginWindow)
	return err
}

// AllowResend counts one resend for token and returns ErrRateLimited once
// the budget is exceeded.
func (l *Limiter) AllowResend(ctx context.Context, token string) error {
	if l.config.MaxResends <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, resendKey(token), l.config.ResendWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxResends) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count >= int64(maxAttempts) {
		return ErrRateLimited
	}

	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func loginIPKey(ip string) string {
	return "fri:" + ip
}

func resendKey(token string) string {
	return "frr:" + token
}
