package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, cfg), mr
}

func TestLoginThrottleByIP(t *testing.T) {
	l, mr := newTestLimiter(t, Config{EnableIPThrottle: true, MaxLoginFailures: 2, LoginWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.CheckLogin(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if err := l.RecordLoginFailure(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := l.CheckLogin(ctx, "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if err := l.CheckLogin(ctx, "10.0.0.2"); err != nil {
		t.Fatalf("other IP must not be throttled: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if err := l.CheckLogin(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestLoginThrottleDisabled(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxLoginFailures: 1, LoginWindow: time.Minute})
	ctx := context.Background()

	_ = l.RecordLoginFailure(ctx, "10.0.0.1")
	_ = l.RecordLoginFailure(ctx, "10.0.0.1")
	if err := l.CheckLogin(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("disabled throttle must allow, got %v", err)
	}
}

func TestResendBudget(t *testing.T) {
	l, _ := newTestLimiter(t, Config{MaxResends: 2, ResendWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.AllowResend(ctx, "tok"); err != nil {
			t.Fatalf("resend %d: %v", i, err)
		}
	}
	if err := l.AllowResend(ctx, "tok"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}
