package fedauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrEthical07/fedauth/identity"
)

func TestBuilderRequiresDependencies(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := testConfig(t)
	notifier := NotifierFunc(func(context.Context, Message) error { return nil })

	if _, err := New().WithConfig(cfg).WithNotifier(notifier).WithLocalStore(newMemoryLocal()).Build(); err == nil {
		t.Fatal("expected missing redis to fail")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithLocalStore(newMemoryLocal()).Build(); err == nil {
		t.Fatal("expected missing notifier to fail")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithNotifier(notifier).Build(); err == nil {
		t.Fatal("expected missing identity sources to fail")
	}

	bad := cfg
	bad.Lockout.Threshold = 0
	if _, err := New().WithConfig(bad).WithRedis(rdb).WithNotifier(notifier).WithLocalStore(newMemoryLocal()).Build(); err == nil {
		t.Fatal("expected invalid config to fail")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	_, rdb := newTestRedis(t)
	b := New().
		WithConfig(testConfig(t)).
		WithRedis(rdb).
		WithNotifier(NotifierFunc(func(context.Context, Message) error { return nil })).
		WithLocalStore(newMemoryLocal())

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Authenticate(context.Background(), LoginRequest{}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	e.Close()
	if e.AuditDropped() != 0 {
		t.Fatal("expected zero drops on a nil engine")
	}
}

func TestAuditEventsReachSink(t *testing.T) {
	sink := NewChannelAuditSink(64)
	env := newTestEnv(t, withConfig(func(cfg *Config) {
		cfg.Audit.Enabled = true
	}), func(_ *Config, b *Builder) {
		b.WithAuditSink(sink)
	})
	env.addLocalUser(t, &identity.Identity{Username: "AUDITED"})

	ctx := WithRequestID(WithClientIP(context.Background(), "203.0.113.9"), "req-42")
	if _, err := env.engine.Authenticate(ctx, LoginRequest{Username: "audited", Password: testPassword, ClientID: testClientID}); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != "login_success" {
				continue
			}
			if ev.Username != "AUDITED" || ev.IP != "203.0.113.9" || !ev.Success {
				t.Fatalf("unexpected event %+v", ev)
			}
			if ev.Metadata["request_id"] != "req-42" {
				t.Fatalf("expected request id metadata, got %v", ev.Metadata)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for login_success")
		}
	}
}
