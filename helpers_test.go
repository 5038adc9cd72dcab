package fedauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrEthical07/fedauth/clients"
	"github.com/MrEthical07/fedauth/identity"
	"github.com/MrEthical07/fedauth/password"
)

const (
	testClientID = "test-client"
	testPassword = "correct-horse-battery"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
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
	return mr, rdb
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
	fail error
}

func (n *recordingNotifier) Send(_ context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) Message {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		t.Fatal("expected a notification")
	}
	return n.msgs[len(n.msgs)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

// memoryLocal is an in-memory identity.LocalStore keyed by source and
// username.
type memoryLocal struct {
	mu     sync.Mutex
	users  map[string]*identity.Identity
	logins map[string]time.Time
}

func newMemoryLocal() *memoryLocal {
	return &memoryLocal{
		users:  make(map[string]*identity.Identity),
		logins: make(map[string]time.Time),
	}
}

func localKey(source identity.Source, username string) string {
	return string(source) + "|" + identity.CanonicalUsername(username)
}

func (m *memoryLocal) put(id *identity.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := id.Clone()
	c.Normalize()
	m.users[localKey(c.Source, c.Username)] = c
}

func (m *memoryLocal) get(source identity.Source, username string) (*identity.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[localKey(source, username)]
	if !ok {
		return nil, false
	}
	return id.Clone(), true
}

func (m *memoryLocal) lastLogin(source identity.Source, username string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.logins[localKey(source, username)]
	return at, ok
}

func (m *memoryLocal) Source() identity.Source { return identity.SourceLocal }

func (m *memoryLocal) Lookup(_ context.Context, username string) (*identity.Identity, error) {
	if id, ok := m.get(identity.SourceLocal, username); ok {
		return id, nil
	}
	return nil, identity.ErrNotFound
}

func (m *memoryLocal) LookupByEmail(_ context.Context, email string) ([]*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*identity.Identity
	for _, id := range m.users {
		if id.Email == identity.CanonicalEmail(email) {
			out = append(out, id.Clone())
		}
	}
	return out, nil
}

func (m *memoryLocal) UpsertMirror(_ context.Context, id *identity.Identity) error {
	if id.Source == identity.SourceLocal {
		return errors.New("mirror must name an external source")
	}
	m.put(id)
	return nil
}

func (m *memoryLocal) RecordLogin(_ context.Context, username string, source identity.Source, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[localKey(source, username)] = at
	return nil
}

func (m *memoryLocal) SetPasswordHash(_ context.Context, username, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[localKey(identity.SourceLocal, username)]
	if !ok {
		return identity.ErrNotFound
	}
	id.PasswordHash = hash
	return nil
}

func (m *memoryLocal) Create(_ context.Context, id *identity.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := localKey(identity.SourceLocal, id.Username)
	if _, ok := m.users[key]; ok {
		return identity.ErrExists
	}
	c := id.Clone()
	c.Normalize()
	m.users[key] = c
	return nil
}

func (m *memoryLocal) UpdateContact(_ context.Context, username string, change identity.ContactChange) (*identity.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[localKey(identity.SourceLocal, username)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	apply := func(field *string, verified *bool, next *string, canon func(string) string) {
		if next != nil && canon(*next) != *field {
			*field = canon(*next)
			*verified = false
		}
	}
	apply(&id.Email, &id.EmailVerified, change.Email, identity.CanonicalEmail)
	apply(&id.SecondaryEmail, &id.SecondaryEmailVerified, change.SecondaryEmail, identity.CanonicalEmail)
	apply(&id.Mobile, &id.MobileVerified, change.Mobile, strings.TrimSpace)
	return id.Clone(), nil
}

func (m *memoryLocal) MarkVerified(_ context.Context, username string, field identity.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[localKey(identity.SourceLocal, username)]
	if !ok {
		return identity.ErrNotFound
	}
	switch field {
	case identity.ContactEmail:
		id.EmailVerified = true
	case identity.ContactSecondaryEmail:
		id.SecondaryEmailVerified = true
	case identity.ContactMobile:
		id.MobileVerified = true
	default:
		return errors.New("unknown contact field")
	}
	return nil
}

func (m *memoryLocal) SetEnabled(_ context.Context, username string, source identity.Source, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.users[localKey(source, username)]
	if !ok {
		return identity.ErrNotFound
	}
	id.Enabled = enabled
	return nil
}

// stubSource is an external adapter serving fixed records. When err is set
// every call fails with it.
type stubSource struct {
	source identity.Source
	mu     sync.Mutex
	users  map[string]*identity.Identity
	pass   map[string]string
	err    error
	block  bool
}

func newStubSource(source identity.Source) *stubSource {
	return &stubSource{
		source: source,
		users:  make(map[string]*identity.Identity),
		pass:   make(map[string]string),
	}
}

func (s *stubSource) add(id *identity.Identity, pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := id.Clone()
	c.Source = s.source
	c.Normalize()
	s.users[c.Username] = c
	s.pass[c.Username] = pw
}

func (s *stubSource) Source() identity.Source { return s.source }

func (s *stubSource) Lookup(_ context.Context, username string) (*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	id, ok := s.users[identity.CanonicalUsername(username)]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return id.Clone(), nil
}

func (s *stubSource) LookupByEmail(_ context.Context, email string) ([]*identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*identity.Identity
	for _, id := range s.users {
		if id.Email == identity.CanonicalEmail(email) {
			out = append(out, id.Clone())
		}
	}
	return out, nil
}

func (s *stubSource) VerifyPassword(ctx context.Context, username, pw string) (bool, error) {
	s.mu.Lock()
	block := s.block
	want, ok := s.pass[identity.CanonicalUsername(username)]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	return ok && want == pw, nil
}

func newPrisonServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{username}", func(w http.ResponseWriter, r *http.Request) {
		if strings.ToUpper(r.PathValue("username")) != "ITAG_USER" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"username":      "ITAG_USER",
			"userId":        "1",
			"firstName":     "Itag",
			"lastName":      "User",
			"email":         "itag.user@justice.gov.uk",
			"emailVerified": true,
			"authorities":   []string{"ROLE_PRISON"},
		})
	})
	mux.HandleFunc("POST /users/{username}/authenticate", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.ToUpper(r.PathValue("username")) == "ITAG_USER" && body.Password == "password" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "ed25519"
	cfg.JWT.PrivateKey = priv
	cfg.JWT.KeyID = "test-key"
	cfg.JWT.Issuer = "fedauth-test"
	cfg.Clients.BcryptCost = bcrypt.MinCost
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	cfg.Audit.Enabled = false
	return cfg
}

func testPasswordHash(t *testing.T, cfg Config, pw string) string {
	t.Helper()
	h, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		t.Fatalf("password.New: %v", err)
	}
	hash, err := h.Hash(pw)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return hash
}

type testEnv struct {
	engine   *Engine
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	clock    *testClock
	notifier *recordingNotifier
	local    *memoryLocal
	config   Config
}

type envOption func(*Config, *Builder)

func withAdapters(adapters ...identity.Adapter) envOption {
	return func(_ *Config, b *Builder) {
		b.WithAdapters(adapters...)
	}
}

func withConfig(fn func(*Config)) envOption {
	return func(cfg *Config, _ *Builder) {
		fn(cfg)
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	mr, rdb := newTestRedis(t)
	env := &testEnv{
		mr:       mr,
		rdb:      rdb,
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
		local:    newMemoryLocal(),
		config:   testConfig(t),
	}

	b := New().
		WithRedis(rdb).
		WithLocalStore(env.local).
		WithNotifier(env.notifier).
		WithClock(env.clock.Now)
	for _, opt := range opts {
		opt(&env.config, b)
	}
	b.WithConfig(env.config)

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine

	env.registerClient(t, testClientID, clients.Config{
		GrantTypes: []string{"password", "refresh_token"},
		Scopes:     []string{"read", "write"},
	})
	return env
}

func (env *testEnv) registerClient(t *testing.T, clientID string, cfg clients.Config) string {
	t.Helper()
	_, secret, err := env.engine.RegisterClient(context.Background(), clientID, cfg)
	if err != nil {
		t.Fatalf("RegisterClient(%s): %v", clientID, err)
	}
	return secret
}

// addLocalUser stores a local account with the test password.
func (env *testEnv) addLocalUser(t *testing.T, id *identity.Identity) {
	t.Helper()
	id.Source = identity.SourceLocal
	id.Enabled = true
	if id.PasswordHash == "" {
		id.PasswordHash = testPasswordHash(t, env.config, testPassword)
	}
	env.local.put(id)
}

func mfaUser(username string) *identity.Identity {
	return &identity.Identity{
		Username:       username,
		UserID:         strings.ToLower(username) + "-id",
		DisplayName:    "Mfa User",
		Email:          strings.ToLower(username) + "@example.gov.uk",
		EmailVerified:  true,
		Mobile:         "07700 900321",
		MobileVerified: true,
		SecondaryEmail: "backup@example.org",
		MFAEnabled:     true,
	}
}

func (env *testEnv) login(t *testing.T, username, pw string) (*LoginResult, error) {
	t.Helper()
	return env.engine.Authenticate(context.Background(), LoginRequest{
		Username: username,
		Password: pw,
		ClientID: testClientID,
	})
}

func (env *testEnv) failures(t *testing.T, username string) int {
	t.Helper()
	st, err := env.engine.ledger.State(context.Background(), identity.CanonicalUsername(username))
	if err != nil {
		t.Fatalf("ledger state: %v", err)
	}
	return st.Failures
}

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
