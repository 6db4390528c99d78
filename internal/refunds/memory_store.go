package refunds

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory refund store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	refunds map[string]*Refund
}

// NewMemoryStore creates a new in-memory refund store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refunds: make(map[string]*Refund)}
}

func (m *MemoryStore) Create(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.refunds {
		if existing.OrderID == r.OrderID && existing.Status == StatusPending {
			return ErrPendingExists
		}
	}
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Refund
	for _, r := range m.refunds {
		if status == "" || r.Status == status {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Reject(_ context.Context, id, adminID, note string, at time.Time) (*Refund, error) {
	return m.decide(id, func(r *Refund) {
		r.Status = StatusRejected
		r.DecidedBy = adminID
		r.AdminNote = note
		r.DecidedAt = &at
	})
}

// Complete marks a pending refund settled by txID.
func (m *MemoryStore) Complete(_ context.Context, id, txID, adminID, note string, at time.Time) (*Refund, error) {
	return m.decide(id, func(r *Refund) {
		r.Status = StatusCompleted
		r.TransactionID = txID
		r.DecidedBy = adminID
		r.AdminNote = note
		r.DecidedAt = &at
	})
}

func (m *MemoryStore) decide(id string, apply func(r *Refund)) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}
	apply(r)
	cp := *r
	return &cp, nil
}
