package clients

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clients: make(map[string]*Client)}
}

func copyClient(c *Client) *Client {
	out := *c
	out.Config = c.Config.Clone()
	return &out
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (s *MemoryStore) Group(_ context.Context, baseID string) ([]*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupLocked(baseID), nil
}

func (s *MemoryStore) groupLocked(baseID string) []*Client {
	var out []*Client
	for _, c := range s.clients {
		if c.BaseID == baseID {
			out = append(out, copyClient(c))
		}
	}
	return out
}

func (s *MemoryStore) Create(_ context.Context, c *Client, maxMembers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return ErrExists
	}
	if maxMembers > 0 && len(s.groupLocked(c.BaseID)) >= maxMembers {
		return ErrMaxDuplicatesReached
	}
	s.clients[c.ID] = copyClient(c)
	return nil
}

func (s *MemoryStore) UpdateSecret(_ context.Context, id, secretHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.SecretHash = secretHash
	c.SecretUpdatedAt = at
	return nil
}

func (s *MemoryStore) UpdateGroupConfig(_ context.Context, baseID string, cfg Config) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.clients {
		if c.BaseID == baseID {
			c.Config = cfg.Clone()
			n++
		}
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return ErrNotFound
	}
	delete(s.clients, id)
	return nil
}

func (s *MemoryStore) TouchLastAccessed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.LastAccessed = at
	return nil
}
