package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

// PostgresStore persists presence records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed presence store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const presenceColumns = `id, dispute_id, user_id, role, is_present, last_heartbeat, joined_at, left_at, seq, epoch`

// Join upserts on (dispute_id, user_id). The WHERE on the conflict branch
// discards a client sequence that is not newer than the stored one.
func (p *PostgresStore) Join(ctx context.Context, w Write, newID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO dispute_presence (id, dispute_id, user_id, role, is_present, last_heartbeat, joined_at, left_at, seq, epoch)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5, NULL, $6, 1)
		ON CONFLICT (dispute_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_present = TRUE,
			last_heartbeat = EXCLUDED.last_heartbeat,
			joined_at = EXCLUDED.joined_at,
			left_at = NULL,
			seq = GREATEST(dispute_presence.seq, $6::BIGINT),
			epoch = dispute_presence.epoch + 1
		WHERE $6::BIGINT = 0 OR $6::BIGINT > dispute_presence.seq
		RETURNING `+presenceColumns,
		newID, w.DisputeID, w.UserID, string(w.Role), w.At, w.Seq,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleWrite
	}
	return r, err
}

func (p *PostgresStore) Heartbeat(ctx context.Context, w Write) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE dispute_presence SET
			last_heartbeat = $3,
			seq = GREATEST(seq, $4::BIGINT),
			epoch = epoch + 1
		WHERE dispute_id = $1 AND user_id = $2 AND is_present
		  AND ($4::BIGINT = 0 OR $4::BIGINT > seq)
		RETURNING `+presenceColumns,
		w.DisputeID, w.UserID, w.At, w.Seq,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrStale(ctx, w)
	}
	return r, err
}

func (p *PostgresStore) Leave(ctx context.Context, w Write) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE dispute_presence SET
			is_present = FALSE,
			left_at = $3,
			seq = GREATEST(seq, $4::BIGINT),
			epoch = epoch + 1
		WHERE dispute_id = $1 AND user_id = $2 AND is_present
		  AND ($4::BIGINT = 0 OR $4::BIGINT > seq)
		RETURNING `+presenceColumns,
		w.DisputeID, w.UserID, w.At, w.Seq,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrStale(ctx, w)
	}
	return r, err
}

// missOrStale explains why a conditional update touched no row.
func (p *PostgresStore) missOrStale(ctx context.Context, w Write) error {
	r, err := p.Get(ctx, w.DisputeID, w.UserID)
	if err != nil {
		return err
	}
	if !r.IsPresent {
		return ErrNoActivePresence
	}
	return ErrStaleWrite
}

func (p *PostgresStore) Get(ctx context.Context, disputeID, userID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+presenceColumns+` FROM dispute_presence WHERE dispute_id = $1 AND user_id = $2`,
		disputeID, userID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePresence
	}
	return r, err
}

func (p *PostgresStore) ListLive(ctx context.Context, disputeID string, since time.Time) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM dispute_presence
		WHERE dispute_id = $1 AND is_present AND last_heartbeat > $2`,
		disputeID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+presenceColumns+` FROM dispute_presence
		WHERE is_present AND last_heartbeat <= $1
		ORDER BY last_heartbeat ASC
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) MarkAbsent(ctx context.Context, disputeID, userID string, epoch int64, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE dispute_presence SET is_present = FALSE, left_at = $4, epoch = epoch + 1
		WHERE dispute_id = $1 AND user_id = $2 AND is_present AND epoch = $3`,
		disputeID, userID, epoch, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		role   string
		leftAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.DisputeID, &r.UserID, &role, &r.IsPresent, &r.LastHeartbeat, &r.JoinedAt, &leftAt, &r.Seq, &r.Epoch); err != nil {
		return nil, err
	}
	r.Role = participant.Role(role)
	if leftAt.Valid {
		r.LeftAt = &leftAt.Time
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
