package otp

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	challenge Challenge
	expires   time.Time
}

// MemoryStore keeps challenges in process. It is used when Redis is not
// configured.
type MemoryStore struct {
	mu        sync.Mutex
	codes     map[string]*entry
	cooldowns map[string]time.Time
	now       func() time.Time
}

// NewMemoryStore creates an in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:     make(map[string]*entry),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// WithClock overrides the time source used for expiry.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) AcquireCooldown(_ context.Context, phone string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.cooldowns[phone]; ok && now.Before(until) {
		return false, nil
	}
	m.cooldowns[phone] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) Save(_ context.Context, phone string, c Challenge, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[phone] = &entry{challenge: c, expires: m.now().Add(ttl)}
	return nil
}

// live returns the unexpired entry for phone. Caller must hold m.mu.
func (m *MemoryStore) live(phone string) (*entry, bool) {
	e, ok := m.codes[phone]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expires) {
		delete(m.codes, phone)
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Get(_ context.Context, phone string) (*Challenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(phone)
	if !ok {
		return nil, ErrNoCode
	}
	c := e.challenge
	return &c, nil
}

func (m *MemoryStore) IncrAttempts(_ context.Context, phone string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(phone)
	if !ok {
		return 0, ErrNoCode
	}
	e.challenge.Attempts++
	return e.challenge.Attempts, nil
}

func (m *MemoryStore) Delete(_ context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, phone)
	return nil
}
