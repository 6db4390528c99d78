package conversation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/mediation/internal/idgen"
)

// PostgresStore persists conversation metadata and messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed conversation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, orderID string, typ Type, adminInvolved bool) (*Conversation, error) {
	c := &Conversation{}
	var t string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, order_id, type, admin_involved, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE SET
			type = EXCLUDED.type,
			admin_involved = EXCLUDED.admin_involved,
			updated_at = EXCLUDED.updated_at
		RETURNING id, order_id, type, admin_involved, updated_at`,
		idgen.New(), orderID, string(typ), adminInvolved, time.Now(),
	).Scan(&c.ID, &c.OrderID, &t, &c.AdminInvolved, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = Type(t)
	return c, nil
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Conversation, error) {
	c := &Conversation{}
	var t string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, type, admin_involved, updated_at
		FROM conversations WHERE order_id = $1`, orderID,
	).Scan(&c.ID, &c.OrderID, &t, &c.AdminInvolved, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Type = Type(t)
	return c, nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, nullString(msg.SenderID), msg.Kind, msg.Body, msg.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, body, created_at FROM (
			SELECT id, conversation_id, sender_id, kind, body, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var sender sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Kind, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SenderID = sender.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
