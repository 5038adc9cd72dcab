package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLedger(t *testing.T, cfg Config) (*RedisLedger, *miniredis.Miniredis) {
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
	return NewRedisLedger(rdb, cfg), mr
}

func TestRedisLedgerLocksAtThreshold(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		st, err := l.RecordFailure(ctx, "ITAG_USER")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if st.Locked || st.Failures != i {
			t.Fatalf("failure %d: unexpected state %+v", i, st)
		}
	}

	st, err := l.RecordFailure(ctx, "ITAG_USER")
	if err != nil {
		t.Fatalf("third failure: %v", err)
	}
	if !st.Locked || st.Failures != 3 {
		t.Fatalf("expected locked at 3, got %+v", st)
	}

	st, err = l.RecordFailure(ctx, "ITAG_USER")
	if err != nil {
		t.Fatalf("fourth failure: %v", err)
	}
	if !st.Locked || st.Failures != 3 {
		t.Fatalf("failures past the lock must not count, got %+v", st)
	}
}

func TestRedisLedgerSuccessResets(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	_, _ = l.RecordFailure(ctx, "U")
	_, _ = l.RecordFailure(ctx, "U")
	if _, err := l.RecordSuccess(ctx, "U"); err != nil {
		t.Fatalf("success: %v", err)
	}

	st, err := l.State(ctx, "U")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Failures != 0 || st.Locked {
		t.Fatalf("expected clean state, got %+v", st)
	}

	st, _ = l.RecordFailure(ctx, "U")
	if st.Failures != 1 || st.Locked {
		t.Fatalf("near-lock state should be forgotten, got %+v", st)
	}
}

func TestRedisLedgerSuccessKeepsThresholdLock(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx, "RACER"); err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
	}
	st, err := l.RecordSuccess(ctx, "RACER")
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if !st.Locked || st.Administrative || st.Failures != 3 {
		t.Fatalf("success must report the threshold lock untouched, got %+v", st)
	}

	st, _ = l.State(ctx, "RACER")
	if !st.Locked || st.Failures != 3 {
		t.Fatalf("lock must survive success, got %+v", st)
	}
	if err := l.Reset(ctx, "RACER"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ = l.State(ctx, "RACER")
	if st.Locked || st.Failures != 0 {
		t.Fatalf("reset should clear the entry, got %+v", st)
	}
}

func TestRedisLedgerAdministrativeLockSurvivesSuccess(t *testing.T) {
	l, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	if err := l.Lock(ctx, "ADMIN_LOCKED"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	st, err := l.RecordSuccess(ctx, "ADMIN_LOCKED")
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	if !st.Locked || !st.Administrative {
		t.Fatalf("administrative lock must survive success, got %+v", st)
	}

	if err := l.Reset(ctx, "ADMIN_LOCKED"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ = l.State(ctx, "ADMIN_LOCKED")
	if st.Locked {
		t.Fatalf("reset should unlock, got %+v", st)
	}
}

func TestRedisLedgerConcurrentFailuresNeverUnderCount(t *testing.T) {
	l, _ := newTestLedger(t, Config{Threshold: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.RecordFailure(ctx, "RACE"); err != nil {
				t.Errorf("record failure: %v", err)
			}
		}()
	}
	wg.Wait()

	st, err := l.State(ctx, "RACE")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Failures != 20 {
		t.Fatalf("expected 20 failures, got %d", st.Failures)
	}
}

func TestRedisLedgerDurationExpiresLock(t *testing.T) {
	l, mr := newTestLedger(t, Config{Threshold: 1, Duration: time.Minute})
	ctx := context.Background()

	st, _ := l.RecordFailure(ctx, "TEMP")
	if !st.Locked {
		t.Fatalf("expected lock")
	}
	mr.FastForward(2 * time.Minute)

	st, err := l.State(ctx, "TEMP")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Locked || st.Failures != 0 {
		t.Fatalf("lock should have expired, got %+v", st)
	}
}

func TestRedisLedgerBackendDown(t *testing.T) {
	l, mr := newTestLedger(t, Config{})
	mr.Close()

	if _, err := l.RecordFailure(context.Background(), "U"); err == nil {
		t.Fatalf("expected error with backend down")
	}
}
