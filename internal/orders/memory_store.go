package orders

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

// MemoryStore is an in-memory order directory for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*Order
	profiles  map[string]*Profile
	providers map[string]*Provider // keyed by provider id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		profiles:  make(map[string]*Profile),
		providers: make(map[string]*Provider),
	}
}

// PutOrder inserts or replaces an order.
func (m *MemoryStore) PutOrder(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
}

// PutProfile inserts or replaces a profile.
func (m *MemoryStore) PutProfile(p *Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.UserID] = &cp
}

// PutProvider inserts or replaces a provider record.
func (m *MemoryStore) PutProvider(p *Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.providers[p.ID] = &cp
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

// SetVerifiedPhone stores a phone number the user proved they own.
func (m *MemoryStore) SetVerifiedPhone(_ context.Context, userID, phone string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	p.Phone = phone
	p.PhoneVerifiedAt = &at
	return nil
}

func (m *MemoryStore) IsAdmin(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	return ok && p.Role == participant.RoleAdmin, nil
}

func (m *MemoryStore) ProviderIDForUser(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.providers {
		if p.UserID == userID {
			return p.ID, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) UserIDForProvider(_ context.Context, providerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[providerID]
	if !ok {
		return "", ErrProfileNotFound
	}
	return p.UserID, nil
}
