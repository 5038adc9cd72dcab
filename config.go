package fedauth

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/jwt"
	"github.com/MrEthical07/fedauth/lockout"
	"github.com/MrEthical07/fedauth/mfa"
	"github.com/MrEthical07/fedauth/password"
)

// Config is the complete engine configuration. It is copied on Build and
// never mutated afterwards.
type Config struct {
	JWT          JWTConfig
	Lockout      LockoutConfig
	MFA          MFAConfig
	Account      AccountConfig
	Resolution   ResolutionConfig
	Session      SessionConfig
	Clients      ClientsConfig
	Network      NetworkConfig
	RateLimit    RateLimitConfig
	Audit        AuditConfig
	Verification VerificationConfig
	Password     PasswordConfig
	Metrics      MetricsConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig holds the signing key ring and token lifetimes.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "rs256" (default) or "ed25519"
	PrivateKey    []byte
	KeyID         string
	// VerifyKeys holds retired public keys by kid.
	VerifyKeys map[string][]byte
	Issuer     string
	Audience   string
	Leeway     time.Duration
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig tunes the shared failure ledger.
type LockoutConfig struct {
	Threshold int
	// Duration, when positive, expires a counter-imposed lock. Zero keeps it
	// until a successful sign-in or an operator reset.
	Duration time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig tunes one-time-code challenges.
type MFAConfig struct {
	CodeDigits int
	CodeTTL    time.Duration
	// Retention keeps an expired challenge readable so it can be reported
	// as expired and resent.
	Retention       time.Duration
	ContinuationTTL time.Duration
	// Templates overrides the notification template per channel.
	Templates map[mfa.Channel]string
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig tunes emailed verification links and password resets.
type AccountConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
}

/*
====================================
RESOLUTION CONFIG
====================================
*/

// ResolutionConfig tunes identity lookups.
type ResolutionConfig struct {
	SourceTimeout  time.Duration
	MirrorExternal bool
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig names the Redis key prefixes and the pending-flow lifetime.
type SessionConfig struct {
	ChallengePrefix string
	FlowPrefix      string
	SessionPrefix   string
	FlowTTL         time.Duration
}

/*
====================================
CLIENTS CONFIG
====================================
*/

type ClientsConfig struct {
	MaxGroupMembers int
	BcryptCost      int
}

/*
====================================
NETWORK CONFIG
====================================
*/

// NetworkConfig lists the networks treated as trusted by the "untrusted"
// client MFA policy.
type NetworkConfig struct {
	ApprovedRanges []string
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

type RateLimitConfig struct {
	EnableIPThrottle bool
	MaxLoginFailures int
	LoginWindow      time.Duration
	MaxResends       int
	ResendWindow     time.Duration
}

/*
====================================
AUDIT CONFIG
====================================
*/

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull discards routine events on a full buffer. Lockout, reuse
	// and password reset events still wait for room.
	DropIfFull bool
}

/*
====================================
VERIFICATION CONFIG
====================================
*/

// VerificationConfig tunes the async notifications sent to the external
// token verification service.
type VerificationConfig struct {
	BufferSize  int
	CallTimeout time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
	// UpgradeOnLogin rehashes weaker local hashes after a successful check.
	UpgradeOnLogin bool
}

/*
====================================
METRICS CONFIG
====================================
*/

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the production defaults. JWT.PrivateKey must still
// be supplied.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	pw := password.DefaultConfig()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     20 * time.Minute,
			RefreshTTL:    12 * time.Hour,
			SigningMethod: string(jwt.MethodRS256),
			Leeway:        30 * time.Second,
		},
		Lockout: LockoutConfig{
			Threshold: lockout.DefaultThreshold,
		},
		MFA: MFAConfig{
			CodeDigits:      6,
			CodeTTL:         20 * time.Minute,
			Retention:       24 * time.Hour,
			ContinuationTTL: 5 * time.Minute,
		},
		Account: AccountConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        20 * time.Minute,
		},
		Resolution: ResolutionConfig{
			SourceTimeout:  2 * time.Second,
			MirrorExternal: true,
		},
		Session: SessionConfig{
			ChallengePrefix: "fac",
			FlowPrefix:      "faf",
			SessionPrefix:   "fas",
			FlowTTL:         20 * time.Minute,
		},
		Clients: ClientsConfig{
			MaxGroupMembers: clients.MaxGroupMembers,
			BcryptCost:      bcrypt.DefaultCost,
		},
		RateLimit: RateLimitConfig{
			EnableIPThrottle: true,
			MaxLoginFailures: 50,
			LoginWindow:      10 * time.Minute,
			MaxResends:       5,
			ResendWindow:     10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Verification: VerificationConfig{
			BufferSize:  1024,
			CallTimeout: 2 * time.Second,
		},
		Password: PasswordConfig{
			Memory:         pw.Memory,
			Time:           pw.Time,
			Parallelism:    pw.Parallelism,
			SaltLength:     pw.SaltLength,
			KeyLength:      pw.KeyLength,
			MinLength:      pw.MinLength,
			UpgradeOnLogin: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	if cfg.MFA.Templates != nil {
		out.MFA.Templates = make(map[mfa.Channel]string, len(cfg.MFA.Templates))
		for ch, id := range cfg.MFA.Templates {
			out.MFA.Templates[ch] = id
		}
	}
	out.Network.ApprovedRanges = append([]string(nil), cfg.Network.ApprovedRanges...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL < c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must be >= AccessTTL")
	}
	switch jwt.SigningMethod(strings.ToLower(c.JWT.SigningMethod)) {
	case jwt.MethodRS256, jwt.MethodEd25519:
	default:
		return errors.New("unsupported JWT signing method")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("JWT PrivateKey is required")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Duration < 0 {
		return errors.New("Lockout Duration must be >= 0")
	}

	// MFA
	if c.MFA.CodeDigits < 4 || c.MFA.CodeDigits > 10 {
		return errors.New("MFA CodeDigits must be between 4 and 10")
	}
	if c.MFA.CodeTTL <= 0 {
		return errors.New("MFA CodeTTL must be > 0")
	}
	if c.MFA.Retention < 0 {
		return errors.New("MFA Retention must be >= 0")
	}
	if c.MFA.ContinuationTTL <= 0 {
		return errors.New("MFA ContinuationTTL must be > 0")
	}
	for ch := range c.MFA.Templates {
		if _, err := mfa.ParseChannel(string(ch)); err != nil {
			return fmt.Errorf("MFA Templates: %w", err)
		}
	}

	// Account
	if c.Account.VerificationTTL <= 0 {
		return errors.New("Account VerificationTTL must be > 0")
	}
	if c.Account.ResetTTL <= 0 {
		return errors.New("Account ResetTTL must be > 0")
	}

	// Resolution
	if c.Resolution.SourceTimeout <= 0 {
		return errors.New("Resolution SourceTimeout must be > 0")
	}

	// Session
	if c.Session.ChallengePrefix == "" || c.Session.FlowPrefix == "" || c.Session.SessionPrefix == "" {
		return errors.New("Session prefixes must not be empty")
	}
	if c.Session.FlowTTL <= 0 {
		return errors.New("Session FlowTTL must be > 0")
	}

	// Clients
	if c.Clients.MaxGroupMembers <= 0 {
		return errors.New("Clients MaxGroupMembers must be > 0")
	}
	if c.Clients.BcryptCost < bcrypt.MinCost || c.Clients.BcryptCost > bcrypt.MaxCost {
		return errors.New("Clients BcryptCost out of range")
	}

	// Network
	if _, err := parseRanges(c.Network.ApprovedRanges); err != nil {
		return err
	}

	// Rate limits
	if c.RateLimit.EnableIPThrottle {
		if c.RateLimit.MaxLoginFailures <= 0 || c.RateLimit.LoginWindow <= 0 {
			return errors.New("RateLimit login throttle requires MaxLoginFailures and LoginWindow > 0")
		}
	}
	if c.RateLimit.MaxResends < 0 || (c.RateLimit.MaxResends > 0 && c.RateLimit.ResendWindow <= 0) {
		return errors.New("RateLimit ResendWindow must be > 0 when MaxResends is set")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Verification
	if c.Verification.BufferSize < 0 || c.Verification.CallTimeout < 0 {
		return errors.New("Verification settings must be >= 0")
	}

	// Password
	if c.Password.MinLength < 0 {
		return errors.New("Password MinLength must be >= 0")
	}

	return nil
}

func parseRanges(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			addr, err := netip.ParseAddr(r)
			if err != nil {
				return nil, fmt.Errorf("Network ApprovedRanges: invalid entry %q", r)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(r)
		if err != nil {
			return nil, fmt.Errorf("Network ApprovedRanges: invalid entry %q", r)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
