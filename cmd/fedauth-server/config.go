package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/MrEthical07/fedauth"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/mfa"
)

// serverConfig is the on-disk configuration. Durations are Go duration
// strings; empty values keep the engine defaults.
type serverConfig struct {
	Environment  string             `toml:"environment"`
	Server       httpConfig         `toml:"server"`
	Redis        redisConfig        `toml:"redis"`
	Database     databaseConfig     `toml:"database"`
	Logging      loggingConfig      `toml:"logging"`
	JWT          jwtConfig          `toml:"jwt"`
	Lockout      lockoutConfig      `toml:"lockout"`
	MFA          mfaConfig          `toml:"mfa"`
	Account      accountConfig      `toml:"account"`
	Network      networkConfig      `toml:"network"`
	Sources      []sourceConfig     `toml:"sources"`
	Verification verificationConfig `toml:"verification"`
	Notify       notifyConfig       `toml:"notify"`
	Admin        adminConfig        `toml:"admin"`
}

type httpConfig struct {
	Addr            string `toml:"addr"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	// TrustForwardedFor takes the client address from X-Forwarded-For.
	TrustForwardedFor bool `toml:"trust_forwarded_for"`
}

type redisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type databaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	// SQLLedger keeps the failure ledger in the database instead of Redis.
	SQLLedger bool `toml:"sql_ledger"`
}

type loggingConfig struct {
	Level string `toml:"level"`
	Dev   bool   `toml:"dev"`
}

type jwtConfig struct {
	SigningMethod  string `toml:"signing_method"`
	PrivateKeyFile string `toml:"private_key_file"`
	KeyID          string `toml:"key_id"`
	Issuer         string `toml:"issuer"`
	Audience       string `toml:"audience"`
	AccessTTL      string `toml:"access_ttl"`
	RefreshTTL     string `toml:"refresh_ttl"`
}

type lockoutConfig struct {
	Threshold int    `toml:"threshold"`
	Duration  string `toml:"duration"`
}

type mfaConfig struct {
	CodeTTL   string            `toml:"code_ttl"`
	Templates map[string]string `toml:"templates"`
}

type accountConfig struct {
	VerificationTTL string `toml:"verification_ttl"`
	ResetTTL        string `toml:"reset_ttl"`
}

type networkConfig struct {
	ApprovedRanges []string `toml:"approved_ranges"`
}

type sourceConfig struct {
	Name      string `toml:"name"`
	BaseURL   string `toml:"base_url"`
	Token     string `toml:"token"`
	Timeout   string `toml:"timeout"`
	RateLimit int    `toml:"rate_limit"`
}

type verificationConfig struct {
	BaseURL string `toml:"base_url"`
	Token   string `toml:"token"`
}

type notifyConfig struct {
	// URL receives one JSON POST per code. Empty logs codes instead, which
	// is only accepted outside production.
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type adminConfig struct {
	Token string `toml:"token"`
}

func defaultServerConfig() *serverConfig {
	return &serverConfig{
		Environment: "development",
		Server: httpConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
		},
		Redis: redisConfig{
			Addr: "localhost:6379",
		},
		Database: databaseConfig{
			Driver: "sqlite",
			DSN:    "file:fedauth.db?_pragma=busy_timeout(5000)",
		},
		Logging: loggingConfig{
			Level: "info",
		},
		JWT: jwtConfig{
			SigningMethod: "rs256",
			Issuer:        "fedauth",
		},
	}
}

// loadConfig reads the first existing file in paths over the defaults and
// then applies FEDAUTH_* environment overrides.
func loadConfig(paths ...string) (*serverConfig, error) {
	cfg := defaultServerConfig()
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *serverConfig) {
	if v := os.Getenv("FEDAUTH_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("FEDAUTH_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FEDAUTH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FEDAUTH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FEDAUTH_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("FEDAUTH_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("FEDAUTH_SQL_LEDGER"); v != "" {
		cfg.Database.SQLLedger, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if os.Getenv("LOG_DEV") == "1" {
		cfg.Logging.Dev = true
	}
	if v := os.Getenv("FEDAUTH_JWT_PRIVATE_KEY_FILE"); v != "" {
		cfg.JWT.PrivateKeyFile = v
	}
	if v := os.Getenv("FEDAUTH_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("FEDAUTH_NOTIFY_URL"); v != "" {
		cfg.Notify.URL = v
	}
	if v := os.Getenv("FEDAUTH_NOTIFY_TOKEN"); v != "" {
		cfg.Notify.Token = v
	}
	if v := os.Getenv("FEDAUTH_VERIFICATION_URL"); v != "" {
		cfg.Verification.BaseURL = v
	}
}

func (c *serverConfig) isProduction() bool {
	return strings.EqualFold(c.Environment, "production") || strings.EqualFold(c.Environment, "prod")
}

func (c *serverConfig) validate() error {
	if c.Admin.Token == "" {
		return errors.New("admin token required")
	}
	if c.isProduction() && c.Notify.URL == "" {
		return errors.New("notify url required in production")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	for _, s := range c.Sources {
		src := identity.ParseSource(s.Name)
		if !src.Valid() || src == identity.SourceLocal {
			return fmt.Errorf("unknown identity source %q", s.Name)
		}
		if s.BaseURL == "" {
			return fmt.Errorf("source %s: base_url required", s.Name)
		}
	}
	return nil
}

// engineConfig maps the file configuration onto the engine defaults.
func (c *serverConfig) engineConfig(privateKey []byte) (fedauth.Config, error) {
	cfg := fedauth.DefaultConfig()
	cfg.JWT.PrivateKey = privateKey
	if c.JWT.SigningMethod != "" {
		cfg.JWT.SigningMethod = c.JWT.SigningMethod
	}
	cfg.JWT.KeyID = c.JWT.KeyID
	cfg.JWT.Issuer = c.JWT.Issuer
	cfg.JWT.Audience = c.JWT.Audience

	var err error
	if cfg.JWT.AccessTTL, err = durationOr(c.JWT.AccessTTL, cfg.JWT.AccessTTL); err != nil {
		return cfg, fmt.Errorf("jwt.access_ttl: %w", err)
	}
	if cfg.JWT.RefreshTTL, err = durationOr(c.JWT.RefreshTTL, cfg.JWT.RefreshTTL); err != nil {
		return cfg, fmt.Errorf("jwt.refresh_ttl: %w", err)
	}
	if c.Lockout.Threshold > 0 {
		cfg.Lockout.Threshold = c.Lockout.Threshold
	}
	if cfg.Lockout.Duration, err = durationOr(c.Lockout.Duration, cfg.Lockout.Duration); err != nil {
		return cfg, fmt.Errorf("lockout.duration: %w", err)
	}
	if cfg.MFA.CodeTTL, err = durationOr(c.MFA.CodeTTL, cfg.MFA.CodeTTL); err != nil {
		return cfg, fmt.Errorf("mfa.code_ttl: %w", err)
	}
	if len(c.MFA.Templates) > 0 {
		cfg.MFA.Templates = make(map[mfa.Channel]string, len(c.MFA.Templates))
		for raw, id := range c.MFA.Templates {
			ch, err := mfa.ParseChannel(raw)
			if err != nil {
				return cfg, fmt.Errorf("mfa.templates: %w", err)
			}
			cfg.MFA.Templates[ch] = id
		}
	}
	if cfg.Account.VerificationTTL, err = durationOr(c.Account.VerificationTTL, cfg.Account.VerificationTTL); err != nil {
		return cfg, fmt.Errorf("account.verification_ttl: %w", err)
	}
	if cfg.Account.ResetTTL, err = durationOr(c.Account.ResetTTL, cfg.Account.ResetTTL); err != nil {
		return cfg, fmt.Errorf("account.reset_ttl: %w", err)
	}
	cfg.Network.ApprovedRanges = c.Network.ApprovedRanges
	return cfg, cfg.Validate()
}

func durationOr(raw string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
