package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/pagination"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
// It shares the order store so a Commit updates both under one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	orders   orders.Store
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore(orderStore orders.Store) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		orders:   orderStore,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetOpenByOrder(_ context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if d := m.openFor(orderID, ""); d != nil {
		return d.clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LatestByOrder(_ context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byOrder := m.byOrder(orderID)
	if len(byOrder) == 0 {
		return nil, ErrNotFound
	}
	return byOrder[0].clone(), nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byOrder := m.byOrder(orderID)
	result := make([]*Dispute, 0, len(byOrder))
	for _, d := range byOrder {
		result = append(result, d.clone())
	}
	return result, nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := pagination.Cursor{CreatedAt: f.CursorAt, ID: f.CursorID}
	var all []*Dispute
	for _, d := range m.disputes {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.CursorID != "" && !cur.Follows(d.CreatedAt, d.ID) {
			continue
		}
		all = append(all, d)
	}
	sortNewestFirst(all)

	result := make([]*Dispute, 0, f.Limit)
	for _, d := range all {
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
		result = append(result, d.clone())
	}
	return result, nil
}

func (m *MemoryStore) Commit(ctx context.Context, w Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := w.Dispute
	current, exists := m.disputes[d.ID]
	switch {
	case w.Insert && exists:
		return ErrConflict
	case !w.Insert && !exists:
		return ErrNotFound
	case !w.Insert && current.Version != w.ExpectVersion:
		return ErrConflict
	}
	if d.Status == StatusOpen && m.openFor(d.OrderID, d.ID) != nil {
		return ErrDisputeAlreadyOpen
	}

	// The order write is the only step that can fail, so it goes first.
	if w.OrderStatus != "" {
		if err := m.orders.SetStatus(ctx, d.OrderID, w.OrderStatus); err != nil {
			return err
		}
	}
	if w.Insert {
		d.Version = 1
	} else {
		d.Version = w.ExpectVersion + 1
	}
	m.disputes[d.ID] = d.clone()
	return nil
}

// openFor returns the open dispute on orderID other than exceptID.
func (m *MemoryStore) openFor(orderID, exceptID string) *Dispute {
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status == StatusOpen && d.ID != exceptID {
			return d
		}
	}
	return nil
}

func (m *MemoryStore) byOrder(orderID string) []*Dispute {
	var result []*Dispute
	for _, d := range m.disputes {
		if d.OrderID == orderID {
			result = append(result, d)
		}
	}
	sortNewestFirst(result)
	return result
}

func sortNewestFirst(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID > ds[j].ID
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}
