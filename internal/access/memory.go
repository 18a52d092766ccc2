package access

import (
	"context"
	"sync"
)

// MemoryStore keeps the admin set in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]struct{})}
}

func (s *MemoryStore) Add(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[account] = struct{}{}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, account)
	return nil
}

func (s *MemoryStore) IsMember(ctx context.Context, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[account]
	return ok, nil
}
