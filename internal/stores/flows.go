package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const flowRecordVersion1 = 1

// ErrFlowNotFound reports an unknown, expired or already taken login flow.
var ErrFlowNotFound = errors.New("login flow not found")

// Subject is the identity snapshot a flow or session carries into token
// issuance.
type Subject struct {
	Username    string   `json:"username"`
	Source      string   `json:"source"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"name,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
}

// CandidateRef is one disambiguation option.
type CandidateRef struct {
	Source   string `json:"source"`
	Username string `json:"username"`
}

// Flow is a login attempt parked while the caller disambiguates or
// completes MFA.
type Flow struct {
	Version      int            `json:"v"`
	ID           string         `json:"id"`
	ClientID     string         `json:"client"`
	ClientIP     string         `json:"ip,omitempty"`
	Candidates   []CandidateRef `json:"candidates,omitempty"`
	Subject      *Subject       `json:"subject,omitempty"`
	MFASatisfied bool           `json:"mfa,omitempty"`
	CreatedAt    int64          `json:"created"`
}

// FlowStore persists flows under "<prefix>:<id>".
type FlowStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewFlowStore creates a flow store.
func NewFlowStore(redisClient redis.UniversalClient, prefix string) *FlowStore {
	if prefix == "" {
		prefix = "faf"
	}
	return &FlowStore{redis: redisClient, prefix: prefix}
}

func (s *FlowStore) key(id string) string {
	return s.prefix + ":" + id
}

// Save writes f with ttl.
func (s *FlowStore) Save(ctx context.Context, f *Flow, ttl time.Duration) error {
	f.Version = flowRecordVersion1
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(f.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get returns the flow without consuming it.
func (s *FlowStore) Get(ctx context.Context, id string) (*Flow, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	return s.decode(data, err)
}

// Take atomically removes and returns the flow, so a flow advances at most
// once.
func (s *FlowStore) Take(ctx context.Context, id string) (*Flow, error) {
	data, err := s.redis.GetDel(ctx, s.key(id)).Bytes()
	return s.decode(data, err)
}

// Delete removes the flow. Missing flows are not an error.
func (s *FlowStore) Delete(ctx context.Context, id string) error {
	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *FlowStore) decode(data []byte, err error) (*Flow, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode flow: %w", err)
	}
	if f.Version != flowRecordVersion1 {
		return nil, errors.New("invalid flow version")
	}
	return &f, nil
}
