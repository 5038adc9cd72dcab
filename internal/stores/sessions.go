package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionRecordVersion1 = 1

var (
	ErrSessionNotFound = errors.New("session not found")
	// ErrRefreshMismatch reports a refresh token whose jti is no longer the
	// session's current one, i.e. a replay of a retired token.
	ErrRefreshMismatch = errors.New("refresh token retired")
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

const rotateSessionScript = `
local current = redis.call("HGET", KEYS[1], "rjti")
if not current then
  return 0
end
if current ~= ARGV[1] then
  return 2
end
redis.call("HSET", KEYS[1], "rjti", ARGV[2], "data", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 3
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

// Session binds one access/refresh pair.
type Session struct {
	Version    int      `json:"v"`
	ID         string   `json:"sid"`
	Subject    Subject  `json:"subject"`
	ClientID   string   `json:"client"`
	Scopes     []string `json:"scopes,omitempty"`
	PassedMFA  bool     `json:"mfa"`
	AccessJTI  string   `json:"ajti"`
	RefreshJTI string   `json:"rjti"`
	IssuedAt   int64    `json:"iat"`
}

// SessionStore keeps sessions in Redis hashes under "<prefix>:<sid>" with
// the current refresh jti in its own field so rotation can compare and swap
// it inside one script.
type SessionStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewSessionStore creates a session store.
func NewSessionStore(redisClient redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "fas"
	}
	return &SessionStore{redis: redisClient, prefix: prefix}
}

func (s *SessionStore) key(sid string) string {
	return s.prefix + ":" + sid
}

// Save writes a new session.
func (s *SessionStore) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	sess.Version = sessionRecordVersion1
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	key := s.key(sess.ID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "rjti", sess.RefreshJTI, "data", data)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get loads a session.
func (s *SessionStore) Get(ctx context.Context, sid string) (*Session, error) {
	data, err := s.redis.HGet(ctx, s.key(sid), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if sess.Version != sessionRecordVersion1 {
		return nil, errors.New("invalid session version")
	}
	return &sess, nil
}

// Rotate replaces the session with next only if presentedRefreshJTI is the
// current refresh jti. The old pair is retired in the same step.
func (s *SessionStore) Rotate(ctx context.Context, presentedRefreshJTI string, next *Session, ttl time.Duration) error {
	next.Version = sessionRecordVersion1
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	status, err := rotateSessionLua.Run(ctx, s.redis, []string{s.key(next.ID)},
		presentedRefreshJTI, next.RefreshJTI, data, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	switch status {
	case rotateStatusRotated:
		return nil
	case rotateStatusMismatch:
		return ErrRefreshMismatch
	case rotateStatusNotFound:
		return ErrSessionNotFound
	default:
		return fmt.Errorf("%w: unexpected rotate status %d", ErrBackend, status)
	}
}

// Delete removes a session and reports whether it existed.
func (s *SessionStore) Delete(ctx context.Context, sid string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(sid)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}
