package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

// PostgresStore reads the marketplace tables owned by the main application.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, client_id, provider_id, status, total_cents, delivered_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	pr := &Profile{}
	var (
		role        string
		displayName sql.NullString
		phone       sql.NullString
		verifiedAt  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id, role, display_name, phone, phone_verified_at FROM profiles WHERE user_id = $1`, userID,
	).Scan(&pr.UserID, &role, &displayName, &phone, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Role = participant.Role(role)
	pr.DisplayName = displayName.String
	pr.Phone = phone.String
	if verifiedAt.Valid {
		pr.PhoneVerifiedAt = &verifiedAt.Time
	}
	return pr, nil
}

// SetVerifiedPhone stores a phone number the user proved they own.
func (p *PostgresStore) SetVerifiedPhone(ctx context.Context, userID, phone string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE profiles SET phone = $2, phone_verified_at = $3 WHERE user_id = $1`,
		userID, phone, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (p *PostgresStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM profiles WHERE user_id = $1 AND role = 'admin')`, userID,
	).Scan(&isAdmin)
	return isAdmin, err
}

func (p *PostgresStore) ProviderIDForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM providers WHERE user_id = $1 ORDER BY created_at LIMIT 1`, userID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (p *PostgresStore) UserIDForProvider(ctx context.Context, providerID string) (string, error) {
	var userID string
	err := p.db.QueryRowContext(ctx,
		`SELECT user_id FROM providers WHERE id = $1`, providerID,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	return userID, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status      string
		deliveredAt sql.NullTime
	)
	err := s.Scan(&o.ID, &o.ClientID, &o.ProviderID, &status, &o.TotalCents,
		&deliveredAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	return o, nil
}
