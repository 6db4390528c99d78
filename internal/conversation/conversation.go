// Package conversation maintains the order conversation's dispute metadata
// and posts system messages into it. Chat delivery itself belongs to the
// main application; mediation only writes.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/mediation/internal/idgen"
)

var ErrNotFound = errors.New("conversation: not found")

// Type distinguishes a normal order thread from one under mediation.
type Type string

const (
	TypeOrder   Type = "order"
	TypeDispute Type = "dispute"
)

// Conversation is the metadata row for an order's chat thread.
type Conversation struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"order_id"`
	Type          Type      `json:"type"`
	AdminInvolved bool      `json:"admin_involved"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is a chat message. Mediation only writes system messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Kind           string    `json:"kind"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversation metadata and messages.
type Store interface {
	// Upsert creates the order's conversation if missing and applies the mode.
	Upsert(ctx context.Context, orderID string, typ Type, adminInvolved bool) (*Conversation, error)
	GetByOrder(ctx context.Context, orderID string) (*Conversation, error)
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// Service applies dispute-mode changes to order conversations.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a conversation service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// EnterDispute flags the order's conversation as a dispute with an admin involved.
func (s *Service) EnterDispute(ctx context.Context, orderID string) error {
	_, err := s.store.Upsert(ctx, orderID, TypeDispute, true)
	return err
}

// LeaveDispute returns the conversation to a normal order thread.
func (s *Service) LeaveDispute(ctx context.Context, orderID string) error {
	_, err := s.store.Upsert(ctx, orderID, TypeOrder, false)
	return err
}

// PostSystemMessage appends a system message to the order's conversation,
// creating the conversation when the order has none yet.
func (s *Service) PostSystemMessage(ctx context.Context, orderID, body string) (*Message, error) {
	conv, err := s.store.GetByOrder(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		conv, err = s.store.Upsert(ctx, orderID, TypeOrder, false)
	}
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:             idgen.New(),
		ConversationID: conv.ID,
		Kind:           "system",
		Body:           body,
		CreatedAt:      s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Messages returns the most recent messages for an order, oldest first.
func (s *Service) Messages(ctx context.Context, orderID string, limit int) ([]*Message, error) {
	conv, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListMessages(ctx, conv.ID, limit)
}
