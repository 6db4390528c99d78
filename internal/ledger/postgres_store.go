package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func balanceTable(account Account) (string, error) {
	switch account {
	case AccountClient:
		return "client_balances", nil
	case AccountProvider:
		return "provider_balances", nil
	}
	return "", fmt.Errorf("ledger: unknown account %q", account)
}

func (p *PostgresStore) GetBalance(ctx context.Context, account Account, userID string) (*Balance, error) {
	defer observeOp("get_balance")()
	table, err := balanceTable(account)
	if err != nil {
		return nil, err
	}
	b := &Balance{UserID: userID, Account: account}
	err = p.db.QueryRowContext(ctx, `
		SELECT available_cents, pending_cents, total_received_cents, updated_at
		FROM `+table+` WHERE user_id = $1`, userID,
	).Scan(&b.AvailableCents, &b.PendingCents, &b.TotalReceivedCents, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		b.UpdatedAt = time.Now()
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) DebitProvider(ctx context.Context, userID string, d Debit) error {
	defer observeOp("debit_provider")()
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return DebitProviderTx(ctx, tx, userID, d)
	})
}

func (p *PostgresStore) CreditProvider(ctx context.Context, userID string, d Debit) error {
	defer observeOp("credit_provider")()
	if d.FromPending < 0 || d.FromAvailable < 0 {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO provider_balances (user_id, pending_cents, available_cents, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			pending_cents   = provider_balances.pending_cents + $2,
			available_cents = provider_balances.available_cents + $3,
			updated_at      = NOW()`,
		userID, d.FromPending, d.FromAvailable)
	return err
}

func (p *PostgresStore) CreditClient(ctx context.Context, userID string, amount int64) error {
	defer observeOp("credit_client")()
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return CreditClientTx(ctx, tx, userID, amount)
	})
}

func (p *PostgresStore) DebitClient(ctx context.Context, userID string, amount int64) error {
	defer observeOp("debit_client")()
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE client_balances SET
			available_cents      = available_cents - $2,
			total_received_cents = total_received_cents - $2,
			updated_at           = NOW()
		WHERE user_id = $1 AND available_cents >= $2 AND total_received_cents >= $2`,
		userID, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return InsertTransactionTx(ctx, tx, t)
	})
}

func (p *PostgresStore) SetTransactionStatus(ctx context.Context, id string, status TxStatus, at time.Time) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		return SetTransactionStatusTx(ctx, tx, id, status, at)
	})
}

const transactionColumns = `id, type, status, order_id, refund_id, from_user, to_user, amount_cents,
	from_pending_cents, from_available_cents, created_at, completed_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE from_user = $1 OR to_user = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ, status string
		refundID    sql.NullString
		completedAt sql.NullTime
	)
	err := s.Scan(&t.ID, &typ, &status, &t.OrderID, &refundID, &t.FromUser, &t.ToUser, &t.AmountCents,
		&t.Debit.FromPending, &t.Debit.FromAvailable, &t.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	t.RefundID = refundID.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}
