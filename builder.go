package fedauth

import (
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/internal/audit"
	"github.com/MrEthical07/fedauth/internal/rate"
	"github.com/MrEthical07/fedauth/internal/stores"
	"github.com/MrEthical07/fedauth/jwt"
	"github.com/MrEthical07/fedauth/lockout"
	"github.com/MrEthical07/fedauth/password"
	"github.com/MrEthical07/fedauth/verification"
)

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	local       identity.LocalStore
	adapters    []identity.Adapter
	ledger      lockout.Ledger
	clientStore clients.Store

	notifier  Notifier
	verifier  verification.Service
	auditSink AuditSink
	logger    *zap.Logger
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client holding challenges, flows, sessions, throttles
// and the default ledger.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithLocalStore sets the service's own account store.
func (b *Builder) WithLocalStore(store identity.LocalStore) *Builder {
	b.local = store
	return b
}

// WithAdapters sets the external identity sources in priority order.
func (b *Builder) WithAdapters(adapters ...identity.Adapter) *Builder {
	b.adapters = append([]identity.Adapter(nil), adapters...)
	return b
}

// WithLedger overrides the Redis failure ledger.
func (b *Builder) WithLedger(l lockout.Ledger) *Builder {
	b.ledger = l
	return b
}

// WithClientStore sets client persistence. The default keeps clients in
// memory.
func (b *Builder) WithClientStore(s clients.Store) *Builder {
	b.clientStore = s
	return b
}

// WithNotifier sets the one-time-code delivery. Required.
func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

// WithVerificationService enables issue and revocation notifications to
// an external token verification service.
func (b *Builder) WithVerificationService(svc verification.Service) *Builder {
	b.verifier = svc
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now for every time-dependent component.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.notifier == nil {
		return nil, errors.New("notifier required")
	}
	if b.local == nil && len(b.adapters) == 0 {
		return nil, errors.New("at least one identity source required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	approved, err := parseRanges(cfg.Network.ApprovedRanges)
	if err != nil {
		return nil, err
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- TOKENS --------
	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: jwt.SigningMethod(strings.ToLower(cfg.JWT.SigningMethod)),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}

	// -------- LEDGER --------
	ledger := b.ledger
	if ledger == nil {
		ledger = lockout.NewRedisLedger(b.redis, lockout.Config{
			Threshold: cfg.Lockout.Threshold,
			Duration:  cfg.Lockout.Duration,
		})
	}

	// -------- CLIENTS --------
	clientStore := b.clientStore
	if clientStore == nil {
		clientStore = clients.NewMemoryStore()
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		logger:   logger,
		now:      now,
		local:    b.local,
		ledger:   ledger,
		hasher:   hasher,
		jwt:      jm,
		notifier: b.notifier,
		approved: approved,
	}
	engine.resolver = identity.NewResolver(b.local, b.adapters,
		identity.WithTimeout(cfg.Resolution.SourceTimeout),
		identity.WithMirroring(cfg.Resolution.MirrorExternal),
		identity.WithLogger(logger),
	)
	engine.challenges = stores.NewChallengeStore(b.redis, cfg.Session.ChallengePrefix, cfg.MFA.Retention, now)
	engine.flows = stores.NewFlowStore(b.redis, cfg.Session.FlowPrefix)
	engine.sessions = stores.NewSessionStore(b.redis, cfg.Session.SessionPrefix)
	engine.rateLimiter = rate.New(b.redis, rate.Config{
		EnableIPThrottle: cfg.RateLimit.EnableIPThrottle,
		MaxLoginFailures: cfg.RateLimit.MaxLoginFailures,
		LoginWindow:      cfg.RateLimit.LoginWindow,
		MaxResends:       cfg.RateLimit.MaxResends,
		ResendWindow:     cfg.RateLimit.ResendWindow,
	})
	engine.clients = clients.NewManager(clientStore,
		clients.WithClock(now),
		clients.WithBcryptCost(cfg.Clients.BcryptCost),
		clients.WithMaxGroupMembers(cfg.Clients.MaxGroupMembers),
	)
	engine.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Critical:   criticalAuditEvents,
	}, b.auditSink)
	engine.verifier = verification.NewDispatcher(b.verifier, verification.DispatcherConfig{
		BufferSize:  cfg.Verification.BufferSize,
		CallTimeout: cfg.Verification.CallTimeout,
	}, logger)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true
	return engine, nil
}
