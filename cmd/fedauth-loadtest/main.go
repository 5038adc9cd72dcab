// Command fedauth-loadtest drives an in-process engine through login,
// strict validation and refresh, and prints latency percentiles per phase.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/password"
	"github.com/MrEthical07/fedauth/sqlstore"
)

const (
	loadClientID = "loadtest"
	loadPassword = "loadtest-password-1"
)

var errNoSession = errors.New("user has no session")

type userState struct {
	username string
	mu       sync.Mutex
	pair     *fedauth.TokenPair
}

func main() {
	var (
		users       = flag.Int("users", 1000, "number of local users to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per validate and refresh phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	if err := run(*users, *concurrency, *ops, *redisAddr); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(users, concurrency, ops int, addr string) error {
	ctx := context.Background()

	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, PoolSize: concurrency})
	defer rdb.Close()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		return err
	}

	engine, hasher, err := newEngine(rdb, db, users)
	if err != nil {
		return err
	}
	defer engine.Close()

	if _, _, err := engine.RegisterClient(ctx, loadClientID, clients.Config{Scopes: []string{"read"}}); err != nil {
		return err
	}

	states, err := seed(ctx, db, hasher, users)
	if err != nil {
		return err
	}

	loginStats := runPhase(len(states), concurrency, func(i int) error {
		s := states[i]
		res, err := engine.Authenticate(ctx, fedauth.LoginRequest{Username: s.username, Password: loadPassword, ClientID: loadClientID})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pair = res.Tokens
		s.mu.Unlock()
		return nil
	})
	validateStats := runPhase(ops, concurrency, func(int) error {
		s := states[mrand.IntN(len(states))]
		s.mu.Lock()
		pair := s.pair
		s.mu.Unlock()
		if pair == nil {
			return errNoSession
		}
		_, err := engine.ValidateAccessStrict(ctx, pair.AccessToken)
		return err
	})
	refreshStats := runPhase(ops, concurrency, func(int) error {
		s := states[mrand.IntN(len(states))]
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pair == nil {
			return errNoSession
		}
		next, err := engine.Refresh(ctx, s.pair.RefreshToken)
		if err != nil {
			return err
		}
		s.pair = next
		return nil
	})

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("validate-strict", validateStats)
	printStats("refresh", refreshStats)
	return nil
}

func newEngine(rdb *redis.Client, db *sqlx.DB, users int) (*fedauth.Engine, *password.Hasher, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	cfg := fedauth.DefaultConfig()
	cfg.JWT.SigningMethod = "ed25519"
	cfg.JWT.PrivateKey = priv
	cfg.Audit.Enabled = false
	cfg.RateLimit.EnableIPThrottle = false
	cfg.Password.UpgradeOnLogin = false
	// Seeded hashes are cheap so the login phase measures the engine.
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := fedauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithLocalStore(sqlstore.NewIdentityStore(db)).
		WithNotifier(fedauth.NotifierFunc(func(context.Context, fedauth.Message) error { return nil })).
		WithMetricsEnabled(false).
		Build()
	return engine, hasher, err
}

func seed(ctx context.Context, db *sqlx.DB, hasher *password.Hasher, n int) ([]*userState, error) {
	hash, err := hasher.Hash(loadPassword)
	if err != nil {
		return nil, err
	}
	store := sqlstore.NewIdentityStore(db)
	states := make([]*userState, n)
	fmt.Printf("seeding %d users...\n", n)
	start := time.Now()
	for i := range states {
		name := fmt.Sprintf("LOAD_USER_%d", i)
		if err := store.Create(ctx, &identity.Identity{Username: name, Enabled: true, PasswordHash: hash}); err != nil {
			return nil, fmt.Errorf("seed %s: %w", name, err)
		}
		states[i] = &userState{username: name}
	}
	fmt.Printf("seeded in %s\n", time.Since(start).Round(time.Millisecond))
	return states, nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

// runPhase calls op for 0..ops-1 across concurrency workers. Failures are
// counted, not fatal.
func runPhase(ops, concurrency int, op func(i int) error) phaseStats {
	var (
		g         errgroup.Group
		failures  atomic.Int64
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, ops)
	)
	g.SetLimit(concurrency)

	start := time.Now()
	for i := 0; i < ops; i++ {
		g.Go(func() error {
			t0 := time.Now()
			err := op(i)
			d := time.Since(t0)
			if err != nil {
				failures.Add(1)
			}
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return computeStats(time.Since(start), latencies, failures.Load())
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	slices.Sort(samples)
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[(len(sorted)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%-16s ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
