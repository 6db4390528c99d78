package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/mediation/internal/idgen"
)

// MemoryStore is an in-memory conversation store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	byOrder  map[string]*Conversation
	messages map[string][]*Message // keyed by conversation id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOrder:  make(map[string]*Conversation),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) Upsert(_ context.Context, orderID string, typ Type, adminInvolved bool) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byOrder[orderID]
	if !ok {
		c = &Conversation{ID: idgen.New(), OrderID: orderID}
		m.byOrder[orderID] = c
	}
	c.Type = typ
	c.AdminInvolved = adminInvolved
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*Message, 0, len(all))
	for _, msg := range all {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}
