// Package clients manages OAuth client credentials: registration, secret
// rotation, bounded duplication for zero-downtime rotation, and keeping the
// members of a duplication group behaviorally identical.
package clients

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
)

// MaxGroupMembers bounds a duplication group, base client included.
const MaxGroupMembers = 3

var (
	ErrNotFound             = errors.New("client not found")
	ErrExists               = errors.New("client already exists")
	ErrMaxDuplicatesReached = errors.New("client duplication limit reached")
	ErrInvalidSecret        = errors.New("client secret mismatch")
	ErrInvalidClient        = errors.New("invalid client configuration")
)

// MFAPolicy decides when a client requires a second factor regardless of
// the person's own MFA setting.
type MFAPolicy string

const (
	MFANone      MFAPolicy = "none"
	MFAUntrusted MFAPolicy = "untrusted"
	MFAAll       MFAPolicy = "all"
)

// Valid reports whether p is a known policy.
func (p MFAPolicy) Valid() bool {
	switch p {
	case MFANone, MFAUntrusted, MFAAll:
		return true
	}
	return false
}

// Deployment records where a client runs and where its secret lives.
type Deployment struct {
	Team           string `json:"team,omitempty"`
	Hosting        string `json:"hosting,omitempty"`
	SecretLocation string `json:"secret_location,omitempty"`
}

// Config is the behavioral configuration shared by every member of a
// duplication group.
type Config struct {
	GrantTypes         []string      `json:"grant_types"`
	Scopes             []string      `json:"scopes"`
	RedirectURIs       []string      `json:"redirect_uris"`
	Authorities        []string      `json:"authorities"`
	MFA                MFAPolicy     `json:"mfa"`
	AccessTokenTTL     time.Duration `json:"access_token_ttl"`
	IncludeDisplayName bool          `json:"include_display_name"`
	Deployment         Deployment    `json:"deployment"`
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.GrantTypes = slices.Clone(c.GrantTypes)
	c.Scopes = slices.Clone(c.Scopes)
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Authorities = slices.Clone(c.Authorities)
	return c
}

func (c *Config) normalize() error {
	if c.MFA == "" {
		c.MFA = MFANone
	}
	if !c.MFA.Valid() {
		return fmt.Errorf("%w: unknown mfa policy %q", ErrInvalidClient, c.MFA)
	}
	if c.AccessTokenTTL < 0 {
		return fmt.Errorf("%w: negative access token ttl", ErrInvalidClient)
	}
	return nil
}

// Client is one stored credential.
type Client struct {
	ID              string
	BaseID          string
	Ordinal         int
	SecretHash      string
	Config          Config
	CreatedAt       time.Time
	SecretUpdatedAt time.Time
	LastAccessed    time.Time
}

// Store persists clients. Create must enforce maxMembers for the client's
// group atomically with the insert.
type Store interface {
	Get(ctx context.Context, id string) (*Client, error)
	Group(ctx context.Context, baseID string) ([]*Client, error)
	Create(ctx context.Context, c *Client, maxMembers int) error
	UpdateSecret(ctx context.Context, id, secretHash string, at time.Time) error
	UpdateGroupConfig(ctx context.Context, baseID string, cfg Config) (int, error)
	Delete(ctx context.Context, id string) error
	TouchLastAccessed(ctx context.Context, id string, at time.Time) error
}

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{1,99}$`)

// ValidID reports whether id is an acceptable client id.
func ValidID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// MemberID returns the id of the duplicate with the given ordinal.
func MemberID(baseID string, ordinal int) string {
	if ordinal == 0 {
		return baseID
	}
	return fmt.Sprintf("%s-%d", baseID, ordinal)
}

func trimList(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
