package approval

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store used by tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*Approval
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]*Approval),
	}
}

func (s *MemoryStore) Append(ctx context.Context, a *Approval) (int64, error) {
	if a.Amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = int64(len(s.records[a.User]))
	s.records[a.User] = append(s.records[a.User], a.Clone())
	return a.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, user string, id int64) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[user]
	if id < 0 || id >= int64(len(recs)) {
		return nil, ErrInvalidApprovalID
	}
	return recs[id].Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, user string) ([]*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[user]
	out := make([]*Approval, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, user string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records[user])), nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, user string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[user]
	if id < 0 || id >= int64(len(recs)) {
		return ErrInvalidApprovalID
	}
	recs[id].ExecutionAttempts++
	return nil
}

func (s *MemoryStore) MarkExecuted(ctx context.Context, user string, id int64, actual decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[user]
	if id < 0 || id >= int64(len(recs)) {
		return ErrInvalidApprovalID
	}
	if recs[id].Executed {
		return ErrAlreadyExecuted
	}
	recs[id].Executed = true
	recs[id].ActualAmount = actual
	return nil
}
