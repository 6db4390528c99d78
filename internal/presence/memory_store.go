package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	disputeID string
	userID    string
}

// MemoryStore is an in-memory presence store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]*Record
}

// NewMemoryStore creates a new in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

// nextSeq returns the client sequence a write should store, or false when
// the write is out of order.
func nextSeq(stored, requested int64) (int64, bool) {
	if requested == 0 {
		return stored, true
	}
	if requested <= stored {
		return 0, false
	}
	return requested, true
}

func (m *MemoryStore) Join(_ context.Context, w Write, newID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{w.DisputeID, w.UserID}
	r, ok := m.records[key]
	if !ok {
		r = &Record{ID: newID, DisputeID: w.DisputeID, UserID: w.UserID}
		m.records[key] = r
	}
	seq, fresh := nextSeq(r.Seq, w.Seq)
	if !fresh {
		return nil, ErrStaleWrite
	}
	r.Role = w.Role
	r.IsPresent = true
	r.LastHeartbeat = w.At
	r.JoinedAt = w.At
	r.LeftAt = nil
	r.Seq = seq
	r.Epoch++
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, w Write) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey{w.DisputeID, w.UserID}]
	if !ok || !r.IsPresent {
		return nil, ErrNoActivePresence
	}
	seq, fresh := nextSeq(r.Seq, w.Seq)
	if !fresh {
		return nil, ErrStaleWrite
	}
	r.LastHeartbeat = w.At
	r.Seq = seq
	r.Epoch++
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Leave(_ context.Context, w Write) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey{w.DisputeID, w.UserID}]
	if !ok || !r.IsPresent {
		return nil, ErrNoActivePresence
	}
	seq, fresh := nextSeq(r.Seq, w.Seq)
	if !fresh {
		return nil, ErrStaleWrite
	}
	at := w.At
	r.IsPresent = false
	r.LeftAt = &at
	r.Seq = seq
	r.Epoch++
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Get(_ context.Context, disputeID, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[recordKey{disputeID, userID}]
	if !ok {
		return nil, ErrNoActivePresence
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListLive(_ context.Context, disputeID string, since time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for k, r := range m.records {
		if k.disputeID == disputeID && r.IsPresent && r.LastHeartbeat.After(since) {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.IsPresent && !r.LastHeartbeat.After(cutoff) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastHeartbeat.Before(result[j].LastHeartbeat)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkAbsent(_ context.Context, disputeID, userID string, epoch int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[recordKey{disputeID, userID}]
	if !ok || !r.IsPresent || r.Epoch != epoch {
		return false, nil
	}
	r.IsPresent = false
	r.LeftAt = &at
	r.Epoch++
	return true, nil
}
