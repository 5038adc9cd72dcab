package jwt

import (
	"crypto"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the asymmetric algorithm used by a Manager.
type SigningMethod string

const (
	MethodRS256   SigningMethod = "rs256"
	MethodEd25519 SigningMethod = "ed25519"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

var (
	// ErrExpired is returned when a token's exp has passed.
	ErrExpired = jwt.ErrTokenExpired
	// ErrWrongTokenUse is returned when a refresh token is presented as an
	// access token or the other way round.
	ErrWrongTokenUse = errors.New("token used for the wrong purpose")
)

// Config holds the key ring and validation settings.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod SigningMethod
	// PrivateKey is the active signing key (PEM, or raw 64 bytes for
	// Ed25519).
	PrivateKey []byte
	// KeyID overrides the id derived from the active public key.
	KeyID string
	// VerifyKeys holds retired public keys by kid. They verify tokens but
	// never sign.
	VerifyKeys   map[string][]byte
	Issuer       string
	Audience     string
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Manager signs and parses tokens. It is immutable after construction and
// safe for concurrent use.
type Manager struct {
	config Config
	method jwt.SigningMethod
	signer crypto.Signer
	kid    string
	verify map[string]crypto.PublicKey
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Name        string   `json:"name,omitempty"`
	UserID      string   `json:"user_id"`
	AuthSource  string   `json:"auth_source"`
	Authorities []string `json:"authorities,omitempty"`
	PassedMFA   bool     `json:"passed_mfa"`
	ClientID    string   `json:"client_id"`
	Scope       []string `json:"scope,omitempty"`
	SessionID   string   `json:"sid"`
	TokenUse    string   `json:"token_use"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token.
type RefreshClaims struct {
	SessionID     string `json:"sid"`
	AccessTokenID string `json:"ati"`
	ClientID      string `json:"client_id"`
	TokenUse      string `json:"token_use"`
	jwt.RegisteredClaims
}

// NewManager validates cfg and loads the key ring.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{config: cfg, verify: make(map[string]crypto.PublicKey)}
	switch cfg.SigningMethod {
	case MethodRS256:
		m.method = jwt.SigningMethodRS256
	case MethodEd25519:
		m.method = jwt.SigningMethodEdDSA
	default:
		return nil, errors.New("unsupported signing method")
	}

	signer, err := parsePrivateKey(cfg.SigningMethod, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	m.signer = signer

	m.kid = strings.TrimSpace(cfg.KeyID)
	if m.kid == "" {
		if m.kid, err = DeriveKeyID(signer.Public()); err != nil {
			return nil, fmt.Errorf("derive key id: %w", err)
		}
	}
	m.verify[m.kid] = signer.Public()

	for kid, raw := range cfg.VerifyKeys {
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if kid == m.kid {
			continue
		}
		pub, err := parsePublicKey(cfg.SigningMethod, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid verify key for kid %q: %w", kid, err)
		}
		m.verify[kid] = pub
	}

	return m, nil
}

// KeyID returns the id of the active signing key.
func (m *Manager) KeyID() string {
	return m.kid
}

// AccessTTL returns the default access-token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.config.AccessTTL
}

// RefreshTTL returns the refresh-token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.config.RefreshTTL
}

// SignAccess stamps the registered claims on c and signs it. A zero ttl
// uses the configured AccessTTL. c.ID (jti) and c.Subject must be set.
func (m *Manager) SignAccess(c AccessClaims, ttl time.Duration) (string, time.Time, error) {
	if c.ID == "" || c.Subject == "" {
		return "", time.Time{}, errors.New("access claims require jti and sub")
	}
	if ttl <= 0 {
		ttl = m.config.AccessTTL
	}
	c.TokenUse = useAccess
	exp := m.stamp(&c.RegisteredClaims, ttl)
	tok, err := m.sign(c)
	return tok, exp, err
}

// SignRefresh stamps the registered claims on c and signs it with the
// configured RefreshTTL.
func (m *Manager) SignRefresh(c RefreshClaims) (string, time.Time, error) {
	if c.ID == "" || c.SessionID == "" {
		return "", time.Time{}, errors.New("refresh claims require jti and sid")
	}
	c.TokenUse = useRefresh
	exp := m.stamp(&c.RegisteredClaims, m.config.RefreshTTL)
	tok, err := m.sign(c)
	return tok, exp, err
}

// ParseAccess verifies an access token's signature and claims.
func (m *Manager) ParseAccess(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(token, claims, true); err != nil {
		return nil, err
	}
	if claims.TokenUse != useAccess {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

// ParseAccessAllowExpired verifies the signature of an access token but
// accepts it after expiry. Logout uses it so an expired session can still be
// cleaned up.
func (m *Manager) ParseAccessAllowExpired(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.parse(token, claims, false); err != nil {
		return nil, err
	}
	if claims.TokenUse != useAccess {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

// ParseRefresh verifies a refresh token's signature and claims.
func (m *Manager) ParseRefresh(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.parse(token, claims, true); err != nil {
		return nil, err
	}
	if claims.TokenUse != useRefresh {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}

// KeySet publishes every key in the ring, active key first.
func (m *Manager) KeySet() KeySet {
	kids := make([]string, 0, len(m.verify))
	for kid := range m.verify {
		if kid != m.kid {
			kids = append(kids, kid)
		}
	}
	sort.Strings(kids)
	kids = append([]string{m.kid}, kids...)

	set := KeySet{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		if jwk, ok := toJWK(kid, m.verify[kid]); ok {
			set.Keys = append(set.Keys, jwk)
		}
	}
	return set
}

func (m *Manager) stamp(rc *jwt.RegisteredClaims, ttl time.Duration) time.Time {
	now := m.config.Now()
	exp := now.Add(ttl)
	rc.IssuedAt = jwt.NewNumericDate(now)
	rc.ExpiresAt = jwt.NewNumericDate(exp)
	if m.config.Issuer != "" {
		rc.Issuer = m.config.Issuer
	}
	if m.config.Audience != "" {
		rc.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return exp
}

func (m *Manager) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(m.method, claims)
	token.Header["kid"] = m.kid
	return token.SignedString(m.signer)
}

func (m *Manager) parse(token string, claims jwt.Claims, validate bool) error {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.config.Now),
		jwt.WithIssuedAt(),
	}
	if !validate {
		options = append(options, jwt.WithoutClaimsValidation())
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.verify[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return key, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return jwt.ErrTokenInvalidClaims
	}

	iat, err := claims.GetIssuedAt()
	if err == nil && iat != nil && iat.Time.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
		return errors.New("token iat too far in the future")
	}
	return nil
}
