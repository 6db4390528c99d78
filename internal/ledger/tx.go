package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// The *Tx helpers run inside a caller-owned transaction so a settlement can
// touch balances, the audit row, the order and the refund in one commit.

// LockProviderBalanceTx reads the provider's balance with a row lock.
// A missing row reads as zero.
func LockProviderBalanceTx(ctx context.Context, tx *sql.Tx, userID string) (*Balance, error) {
	b := &Balance{UserID: userID, Account: AccountProvider}
	err := tx.QueryRowContext(ctx, `
		SELECT available_cents, pending_cents, total_received_cents, updated_at
		FROM provider_balances WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&b.AvailableCents, &b.PendingCents, &b.TotalReceivedCents, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DebitProviderTx removes d from the provider's buckets.
func DebitProviderTx(ctx context.Context, tx *sql.Tx, userID string, d Debit) error {
	if d.FromPending < 0 || d.FromAvailable < 0 || d.Total() <= 0 {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE provider_balances SET
			pending_cents   = pending_cents - $2,
			available_cents = available_cents - $3,
			updated_at      = NOW()
		WHERE user_id = $1 AND pending_cents >= $2 AND available_cents >= $3`,
		userID, d.FromPending, d.FromAvailable)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// CreditClientTx upserts the client's balance row and adds amount to
// available and total_received.
func CreditClientTx(ctx context.Context, tx *sql.Tx, userID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO client_balances (user_id, available_cents, total_received_cents, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available_cents      = client_balances.available_cents + $2,
			total_received_cents = client_balances.total_received_cents + $2,
			updated_at           = NOW()`,
		userID, amount)
	return err
}

// InsertTransactionTx writes an audit transaction row.
func InsertTransactionTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, string(t.Type), string(t.Status), t.OrderID, nullString(t.RefundID),
		t.FromUser, t.ToUser, t.AmountCents, t.Debit.FromPending, t.Debit.FromAvailable,
		t.CreatedAt, t.CompletedAt)
	return err
}

// SetTransactionStatusTx moves an audit transaction to status.
func SetTransactionStatusTx(ctx context.Context, tx *sql.Tx, id string, status TxStatus, at time.Time) error {
	var completedAt *time.Time
	if status == TxCompleted {
		completedAt = &at
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, completed_at = COALESCE($2::timestamptz, completed_at) WHERE id = $3`,
		string(status), completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
