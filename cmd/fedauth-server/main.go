// Command fedauth-server runs the sign-in and token service over HTTP.
//
// Configuration is read from the TOML file named by -config (default
// fedauth.toml) and FEDAUTH_* environment variables, after loading a .env
// file when one is present.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/identity/httpsource"
	"github.com/MrEthical07/fedauth/lockout"
	otelexport "github.com/MrEthical07/fedauth/metrics/export/otel"
	promexport "github.com/MrEthical07/fedauth/metrics/export/prometheus"
	"github.com/MrEthical07/fedauth/sqlstore"
	"github.com/MrEthical07/fedauth/verification"
)

func main() {
	configPath := flag.String("config", "fedauth.toml", "path to the TOML configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("fedauth-server stopped", zap.Error(err))
	}
}

func run(cfg *serverConfig, logger *zap.Logger) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	db, err := sqlx.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer db.Close()
	if cfg.Database.Driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		return err
	}

	privateKey, err := loadPrivateKey(cfg, logger)
	if err != nil {
		return err
	}
	engineCfg, err := cfg.engineConfig(privateKey)
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}

	b := fedauth.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithLocalStore(sqlstore.NewIdentityStore(db)).
		WithClientStore(sqlstore.NewClientStore(db)).
		WithAuditSink(fedauth.NewZapAuditSink(logger)).
		WithLogger(logger)

	if cfg.Database.SQLLedger {
		b.WithLedger(sqlstore.NewLedger(db, lockout.Config{
			Threshold: engineCfg.Lockout.Threshold,
			Duration:  engineCfg.Lockout.Duration,
		}))
	}

	adapters := make([]identity.Adapter, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		opts := []httpsource.ClientOption{httpsource.WithLogger(logger)}
		if s.Token != "" {
			opts = append(opts, httpsource.WithToken(s.Token))
		}
		if s.RateLimit > 0 {
			opts = append(opts, httpsource.WithRateLimit(s.RateLimit))
		}
		if d, err := durationOr(s.Timeout, 0); err != nil {
			return fmt.Errorf("source %s timeout: %w", s.Name, err)
		} else if d > 0 {
			opts = append(opts, httpsource.WithTimeout(d))
		}
		adapters = append(adapters, httpsource.NewClient(identity.ParseSource(s.Name), s.BaseURL, opts...))
	}
	b.WithAdapters(adapters...)

	if cfg.Verification.BaseURL != "" {
		var opts []verification.ClientOption
		if cfg.Verification.Token != "" {
			opts = append(opts, verification.WithToken(cfg.Verification.Token))
		}
		b.WithVerificationService(verification.NewClient(cfg.Verification.BaseURL, opts...))
	}

	if cfg.Notify.URL != "" {
		b.WithNotifier(newWebhookNotifier(cfg.Notify.URL, cfg.Notify.Token))
	} else {
		logger.Warn("no notify url configured; one-time codes are written to the log")
		b.WithNotifier(logNotifier(logger))
	}

	engine, err := b.Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	bridge, err := otelexport.Register(otel.GetMeterProvider().Meter("github.com/MrEthical07/fedauth"), engine)
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	defer bridge.Close()

	handler := (&api{
		engine:         engine,
		logger:         logger,
		adminToken:     cfg.Admin.Token,
		trustForwarded: cfg.Server.TrustForwardedFor,
		metrics:        promexport.NewExporter(engine).Handler(),
	}).routes()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	grace, err := durationOr(cfg.Server.ShutdownTimeout, 10*time.Second)
	if err != nil {
		grace = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadPrivateKey reads the signing key. Outside production a missing key
// file yields an ephemeral Ed25519 key.
func loadPrivateKey(cfg *serverConfig, logger *zap.Logger) ([]byte, error) {
	if cfg.JWT.PrivateKeyFile != "" {
		key, err := os.ReadFile(cfg.JWT.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		return key, nil
	}
	if cfg.isProduction() {
		return nil, errors.New("jwt private_key_file required in production")
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	logger.Warn("no signing key configured; using an ephemeral ed25519 key")
	cfg.JWT.SigningMethod = "ed25519"
	return priv, nil
}
