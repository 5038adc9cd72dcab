package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/fedauth/internal"
)

const (
	challengeRecordVersion1 = 1
	maxRetries              = 4
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrCodeMismatch      = errors.New("challenge code mismatch")
	ErrBackend           = errors.New("store backend unavailable")
)

// ChallengeType classifies what a challenge token authorizes.
type ChallengeType string

const (
	ChallengeReset             ChallengeType = "RESET"
	ChallengeVerifiedEmail     ChallengeType = "VERIFIED_EMAIL"
	ChallengeVerifiedSecondary ChallengeType = "VERIFIED_SECONDARY"
	ChallengeVerifiedMobile    ChallengeType = "VERIFIED_MOBILE"
	ChallengeMFA               ChallengeType = "MFA"
	ChallengeAccountAction     ChallengeType = "ACCOUNT_ACTION"
)

// Challenge is one in-flight single-use token.
type Challenge struct {
	Version  int           `json:"v"`
	Type     ChallengeType `json:"type"`
	Username string        `json:"username"`
	Source   string        `json:"source"`
	Purpose  string        `json:"purpose,omitempty"`
	FlowID   string        `json:"flow,omitempty"`
	ClientID string        `json:"client,omitempty"`
	Channel  string        `json:"channel,omitempty"`
	CodeHash string        `json:"code,omitempty"`
	Resends  int           `json:"resends,omitempty"`
	// Destination is the contact value a verification link was sent to.
	Destination string `json:"dest,omitempty"`
	ExpiresAt   int64  `json:"exp"`
}

// Expired reports whether the logical window has passed at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.UnixMilli() > c.ExpiresAt
}

// ChallengeStore persists challenges under "<prefix>:<token>".
type ChallengeStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewChallengeStore creates a store. Records are kept for retention after
// their logical expiry so Get can report ErrChallengeExpired.
func NewChallengeStore(redisClient redis.UniversalClient, prefix string, retention time.Duration, now func() time.Time) *ChallengeStore {
	if prefix == "" {
		prefix = "fac"
	}
	if now == nil {
		now = time.Now
	}
	return &ChallengeStore{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
		now:       now,
	}
}

func (s *ChallengeStore) key(token string) string {
	return s.prefix + ":" + token
}

func (s *ChallengeStore) ttl(c *Challenge) time.Duration {
	ttl := time.UnixMilli(c.ExpiresAt).Sub(s.now()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Save writes c under token, replacing any previous value.
func (s *ChallengeStore) Save(ctx context.Context, token string, c *Challenge) error {
	c.Version = challengeRecordVersion1
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(token), data, s.ttl(c)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get returns the challenge for token. An expired challenge is returned
// together with ErrChallengeExpired.
func (s *ChallengeStore) Get(ctx context.Context, token string) (*Challenge, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	c, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if c.Expired(s.now()) {
		return c, ErrChallengeExpired
	}
	return c, nil
}

// Consume atomically removes and returns the challenge for token. The
// record is removed even when it has expired.
func (s *ChallengeStore) Consume(ctx context.Context, token string) (*Challenge, error) {
	data, err := s.redis.GetDel(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	c, err := decodeChallenge(data)
	if err != nil {
		return nil, err
	}
	if c.Expired(s.now()) {
		return c, ErrChallengeExpired
	}
	return c, nil
}

// ConsumeCode removes the challenge only when code matches its stored
// digest. A mismatch leaves the record in place and returns it with
// ErrCodeMismatch. Concurrent callers presenting the right code race on the
// WATCH; exactly one of them consumes the record.
func (s *ChallengeStore) ConsumeCode(ctx context.Context, token, code string) (*Challenge, error) {
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		var found *Challenge
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			c, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			found = c
			if c.Expired(s.now()) {
				return ErrChallengeExpired
			}
			if c.CodeHash == "" || !internal.CodeMatches(c.CodeHash, code) {
				return ErrCodeMismatch
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		switch {
		case err == nil:
			return found, nil
		case errors.Is(err, redis.Nil):
			return nil, ErrChallengeNotFound
		case errors.Is(err, ErrChallengeExpired), errors.Is(err, ErrCodeMismatch):
			return found, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}

	return nil, ErrChallengeNotFound
}

// ReplaceCode swaps the stored code digest and channel, opening a fresh
// expiry window. It works on expired records that are still retained.
func (s *ChallengeStore) ReplaceCode(ctx context.Context, token, codeHash, channel string, expiresAt time.Time) (*Challenge, error) {
	key := s.key(token)

	for i := 0; i < maxRetries; i++ {
		var updated *Challenge
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			c, err := decodeChallenge(data)
			if err != nil {
				return err
			}
			c.CodeHash = codeHash
			c.Channel = channel
			c.ExpiresAt = expiresAt.UnixMilli()
			c.Resends++

			encoded, err := json.Marshal(c)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.ttl(c))
				return nil
			})
			updated = c
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrChallengeNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return updated, nil
	}

	return nil, ErrChallengeNotFound
}

// Delete removes the challenge for token. Missing tokens are not an error.
func (s *ChallengeStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func decodeChallenge(data []byte) (*Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	if c.Version != challengeRecordVersion1 {
		return nil, errors.New("invalid challenge version")
	}
	return &c, nil
}
