package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/participant"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, opened_by, opener_role, reason, details, status,
		       resolution_type, resolution_note, resolved_by, resolved_at,
		       client_accepted_rules, provider_accepted_rules,
		       client_joined_at, provider_joined_at, admin_id, admin_joined_at,
		       session_status, mediation_session_started_at, mediation_session_ended_at,
		       reopen_count, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1 AND status = 'open'`, orderID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) LatestByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, orderID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.CursorID != "" {
		args = append(args, f.CursorAt, f.CursorID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDisputes(rows)
}

// Commit writes the dispute and the order status in one transaction. The
// version predicate on UPDATE rejects writers that read a stale row.
func (p *PostgresStore) Commit(ctx context.Context, w Write) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d := w.Dispute
	if w.Insert {
		err = insertDispute(ctx, tx, d)
	} else {
		err = updateDispute(ctx, tx, d, w.ExpectVersion)
	}
	if err != nil {
		return mapUniqueViolation(err)
	}
	if w.OrderStatus != "" {
		if err := orders.SetStatusTx(ctx, tx, d.OrderID, w.OrderStatus, d.UpdatedAt); err != nil {
			if errors.Is(err, orders.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return mapUniqueViolation(err)
	}
	if w.Insert {
		d.Version = 1
	} else {
		d.Version = w.ExpectVersion + 1
	}
	return nil
}

func insertDispute(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, order_id, opened_by, opener_role, reason, details, status,
			session_status, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
		d.ID, d.OrderID, d.OpenedBy, string(d.OpenerRole), string(d.Reason), d.Details,
		string(d.Status), string(d.SessionStatus), d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func updateDispute(ctx context.Context, tx *sql.Tx, d *Dispute, expect int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			details = $3, status = $4,
			resolution_type = $5, resolution_note = $6, resolved_by = $7, resolved_at = $8,
			client_accepted_rules = $9, provider_accepted_rules = $10,
			client_joined_at = $11, provider_joined_at = $12, admin_id = $13, admin_joined_at = $14,
			session_status = $15, mediation_session_started_at = $16, mediation_session_ended_at = $17,
			reopen_count = $18, updated_at = $19, version = version + 1
		WHERE id = $1 AND version = $2`,
		d.ID, expect,
		d.Details, string(d.Status),
		nullString(string(d.ResolutionType)), nullString(d.ResolutionNote), nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.ClientAcceptedRules, d.ProviderAcceptedRules,
		nullTime(d.ClientJoinedAt), nullTime(d.ProviderJoinedAt), nullString(d.AdminID), nullTime(d.AdminJoinedAt),
		string(d.SessionStatus), nullTime(d.SessionStartedAt), nullTime(d.SessionEndedAt),
		d.ReopenCount, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// mapUniqueViolation turns a hit on uq_disputes_open_order into the domain error.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDisputeAlreadyOpen
	}
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		openerRole, reason, status, sessionStatus  string
		resolutionType, resolutionNote, resolvedBy sql.NullString
		adminID                                    sql.NullString
		resolvedAt, clientJoined, providerJoined   sql.NullTime
		adminJoined, sessionStarted, sessionEnded  sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.OrderID, &d.OpenedBy, &openerRole, &reason, &d.Details, &status,
		&resolutionType, &resolutionNote, &resolvedBy, &resolvedAt,
		&d.ClientAcceptedRules, &d.ProviderAcceptedRules,
		&clientJoined, &providerJoined, &adminID, &adminJoined,
		&sessionStatus, &sessionStarted, &sessionEnded,
		&d.ReopenCount, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.OpenerRole = participant.Role(openerRole)
	d.Reason = Reason(reason)
	d.Status = Status(status)
	d.SessionStatus = SessionStatus(sessionStatus)
	d.ResolutionType = ResolutionType(resolutionType.String)
	d.ResolutionNote = resolutionNote.String
	d.ResolvedBy = resolvedBy.String
	d.AdminID = adminID.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClientJoinedAt = timePtr(clientJoined)
	d.ProviderJoinedAt = timePtr(providerJoined)
	d.AdminJoinedAt = timePtr(adminJoined)
	d.SessionStartedAt = timePtr(sessionStarted)
	d.SessionEndedAt = timePtr(sessionEnded)
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
