package clients

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MrEthical07/fedauth/internal"
)

// Manager implements the client credential lifecycle on top of a Store.
type Manager struct {
	store      Store
	now        func() time.Time
	cost       int
	maxMembers int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBcryptCost sets the cost used to hash client secrets.
func WithBcryptCost(cost int) Option {
	return func(m *Manager) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			m.cost = cost
		}
	}
}

// WithMaxGroupMembers overrides MaxGroupMembers.
func WithMaxGroupMembers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxMembers = n
		}
	}
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		now:        time.Now,
		cost:       bcrypt.DefaultCost,
		maxMembers: MaxGroupMembers,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates a new base client and returns it with its plaintext
// secret. The secret is never stored or returned again.
func (m *Manager) Register(ctx context.Context, id string, cfg Config) (*Client, string, error) {
	id = strings.TrimSpace(id)
	if !ValidID(id) {
		return nil, "", fmt.Errorf("%w: client id %q", ErrInvalidClient, id)
	}
	cfg = cleanConfig(cfg)
	if err := cfg.normalize(); err != nil {
		return nil, "", err
	}

	secret, hash, err := m.newSecret()
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	c := &Client{
		ID:              id,
		BaseID:          id,
		SecretHash:      hash,
		Config:          cfg,
		CreatedAt:       now,
		SecretUpdatedAt: now,
	}
	if err := m.store.Create(ctx, c, m.maxMembers); err != nil {
		return nil, "", err
	}
	return c, secret, nil
}

// RotateSecret replaces the secret of one client. Other members of its
// group keep their secrets.
func (m *Manager) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, hash, err := m.newSecret()
	if err != nil {
		return "", err
	}
	if err := m.store.UpdateSecret(ctx, id, hash, m.now().UTC()); err != nil {
		return "", err
	}
	return secret, nil
}

// Duplicate creates a new member in the group of id with the same
// configuration and a fresh secret. The new id is the base id suffixed
// with the next unused ordinal.
func (m *Manager) Duplicate(ctx context.Context, id string) (*Client, string, error) {
	src, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	group, err := m.store.Group(ctx, src.BaseID)
	if err != nil {
		return nil, "", err
	}
	if len(group) >= m.maxMembers {
		return nil, "", ErrMaxDuplicatesReached
	}
	next := 0
	for _, c := range group {
		next = max(next, c.Ordinal)
	}
	next++

	secret, hash, err := m.newSecret()
	if err != nil {
		return nil, "", err
	}
	now := m.now().UTC()
	c := &Client{
		ID:              MemberID(src.BaseID, next),
		BaseID:          src.BaseID,
		Ordinal:         next,
		SecretHash:      hash,
		Config:          src.Config.Clone(),
		CreatedAt:       now,
		SecretUpdatedAt: now,
	}
	if err := m.store.Create(ctx, c, m.maxMembers); err != nil {
		return nil, "", err
	}
	return c, secret, nil
}

// Update applies cfg to every member of the group of id and returns the
// number of members changed.
func (m *Manager) Update(ctx context.Context, id string, cfg Config) (int, error) {
	cfg = cleanConfig(cfg)
	if err := cfg.normalize(); err != nil {
		return 0, err
	}
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return m.store.UpdateGroupConfig(ctx, c.BaseID, cfg)
}

// Remove deletes a single client. Remaining members are untouched.
func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Authenticate checks a client secret and stamps last-accessed on success.
// An unknown client and a wrong secret both yield ErrInvalidSecret.
func (m *Manager) Authenticate(ctx context.Context, id, secret string) (*Client, error) {
	c, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSecret
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) != nil {
		return nil, ErrInvalidSecret
	}
	now := m.now().UTC()
	if err := m.store.TouchLastAccessed(ctx, c.ID, now); err != nil {
		return nil, err
	}
	c.LastAccessed = now
	return c, nil
}

// Get returns one client.
func (m *Manager) Get(ctx context.Context, id string) (*Client, error) {
	return m.store.Get(ctx, id)
}

// Group returns every member of the group of id, ordered by ordinal.
func (m *Manager) Group(ctx context.Context, id string) ([]*Client, error) {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	group, err := m.store.Group(ctx, c.BaseID)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(group, func(a, b *Client) int { return a.Ordinal - b.Ordinal })
	return group, nil
}

func (m *Manager) newSecret() (string, string, error) {
	secret, err := internal.NewOpaqueToken()
	if err != nil {
		return "", "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash client secret: %w", err)
	}
	return secret, string(hash), nil
}

func cleanConfig(cfg Config) Config {
	cfg = cfg.Clone()
	cfg.GrantTypes = trimList(cfg.GrantTypes)
	cfg.Scopes = trimList(cfg.Scopes)
	cfg.RedirectURIs = trimList(cfg.RedirectURIs)
	cfg.Authorities = trimList(cfg.Authorities)
	return cfg
}
