package refunds

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/retry"
)

// PostgresStore persists refund requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed refund store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const refundColumns = `id, order_id, dispute_id, requested_by, amount_cents, reason, status,
	admin_note, decided_by, decided_at, transaction_id, created_at`

func (p *PostgresStore) Create(ctx context.Context, r *Refund) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_requests (id, order_id, dispute_id, requested_by, amount_cents, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.OrderID, nullString(r.DisputeID), r.RequestedBy, r.AmountCents, r.Reason, string(r.Status), r.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrPendingExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Refund, error) {
	r, err := scanRefund(p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Refund, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Reject(ctx context.Context, id, adminID, note string, at time.Time) (*Refund, error) {
	r, err := scanRefund(p.db.QueryRowContext(ctx, `
		UPDATE refund_requests
		SET status = 'rejected', decided_by = $2, admin_note = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+refundColumns, id, adminID, nullString(note), at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrAlreadyProcessed
	}
	return r, err
}

// PostgresSettler applies a refund in one SERIALIZABLE transaction.
// Serialization failures are retried a few times with backoff.
type PostgresSettler struct {
	db *sql.DB
}

// NewPostgresSettler creates a transactional settler.
func NewPostgresSettler(db *sql.DB) *PostgresSettler {
	return &PostgresSettler{db: db}
}

const serializationFailure = "40001"

// Concurrent SERIALIZABLE settlements abort with 40001 and are replayed.
var settleRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 20 * time.Millisecond,
	Retryable: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == serializationFailure
	},
	OnRetry: func(int, error) { SettleRetriesTotal.Inc() },
}

func (s *PostgresSettler) Apply(ctx context.Context, st Settlement) (*Refund, *ledger.Transaction, error) {
	var (
		settled *Refund
		txn     *ledger.Transaction
	)
	err := settleRetry.Do(ctx, func() error {
		var err error
		settled, txn, err = s.apply(ctx, st)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return settled, txn, nil
}

func (s *PostgresSettler) apply(ctx context.Context, st Settlement) (*Refund, *ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	r, err := scanRefund(tx.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, st.RefundID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if r.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}

	order, err := orders.GetForUpdateTx(ctx, tx, r.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := checkOrder(order, r); err != nil {
		return nil, nil, err
	}

	var providerUser string
	if err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM providers WHERE id = $1`, order.ProviderID,
	).Scan(&providerUser); err != nil {
		return nil, nil, fmt.Errorf("resolve provider owner: %w", err)
	}

	bal, err := ledger.LockProviderBalanceTx(ctx, tx, providerUser)
	if err != nil {
		return nil, nil, err
	}
	debit, err := ledger.SplitDebit(bal, r.AmountCents)
	if err != nil {
		return nil, nil, err
	}

	txn := newTransaction(st, r, providerUser, order.ClientID, debit)
	if err := ledger.InsertTransactionTx(ctx, tx, txn); err != nil {
		return nil, nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := ledger.DebitProviderTx(ctx, tx, providerUser, debit); err != nil {
		return nil, nil, err
	}
	if err := ledger.CreditClientTx(ctx, tx, order.ClientID, r.AmountCents); err != nil {
		return nil, nil, fmt.Errorf("credit client: %w", err)
	}
	if err := orders.SetStatusTx(ctx, tx, order.ID, orders.StatusRefunded, st.At); err != nil {
		return nil, nil, fmt.Errorf("mark order refunded: %w", err)
	}

	settled, err := scanRefund(tx.QueryRowContext(ctx, `
		UPDATE refund_requests
		SET status = 'completed', transaction_id = $2, decided_by = $3, admin_note = $4, decided_at = $5
		WHERE id = $1
		RETURNING `+refundColumns, r.ID, txn.ID, st.AdminID, nullString(st.AdminNote), st.At))
	if err != nil {
		return nil, nil, fmt.Errorf("complete refund: %w", err)
	}
	if err := ledger.SetTransactionStatusTx(ctx, tx, txn.ID, ledger.TxCompleted, st.At); err != nil {
		return nil, nil, fmt.Errorf("complete transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	txn.Status = ledger.TxCompleted
	txn.CompletedAt = &st.At
	return settled, txn, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRefund(s scanner) (*Refund, error) {
	r := &Refund{}
	var (
		status                                string
		disputeID, adminNote, decidedBy, txID sql.NullString
		decidedAt                             sql.NullTime
	)
	err := s.Scan(&r.ID, &r.OrderID, &disputeID, &r.RequestedBy, &r.AmountCents, &r.Reason, &status,
		&adminNote, &decidedBy, &decidedAt, &txID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.DisputeID = disputeID.String
	r.AdminNote = adminNote.String
	r.DecidedBy = decidedBy.String
	r.TransactionID = txID.String
	if decidedAt.Valid {
		r.DecidedAt = &decidedAt.Time
	}
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
