// Package ledger tracks client and provider balances in integer cents.
//
// Providers accumulate earnings in pending (not yet cleared) and available
// buckets. Clients hold an available balance that refunds are paid into.
// A refund moves an amount out of the provider's buckets, pending first,
// and into the client's available balance.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: provider balance cannot cover the amount")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
)

// Account selects which balance table a user's funds live in.
type Account string

const (
	AccountClient   Account = "client"
	AccountProvider Account = "provider"
)

// Balance is a user's balance row. Missing rows read as zero.
type Balance struct {
	UserID             string    `json:"user_id"`
	Account            Account   `json:"account"`
	AvailableCents     int64     `json:"available_cents"`
	PendingCents       int64     `json:"pending_cents"`
	TotalReceivedCents int64     `json:"total_received_cents"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Spendable is what a refund may draw from.
func (b *Balance) Spendable() int64 {
	return b.PendingCents + b.AvailableCents
}

// Debit is how an amount is split across a provider's buckets.
type Debit struct {
	FromPending   int64 `json:"from_pending_cents"`
	FromAvailable int64 `json:"from_available_cents"`
}

// Total returns the full debited amount.
func (d Debit) Total() int64 { return d.FromPending + d.FromAvailable }

// SplitDebit plans a debit of amount against b, draining pending before
// available. It fails when the two buckets together cannot cover amount.
func SplitDebit(b *Balance, amount int64) (Debit, error) {
	if amount <= 0 {
		return Debit{}, ErrInvalidAmount
	}
	if b.Spendable() < amount {
		return Debit{}, ErrInsufficientFunds
	}
	d := Debit{FromPending: min(b.PendingCents, amount)}
	d.FromAvailable = amount - d.FromPending
	return d, nil
}

// TxType is the kind of audit transaction.
type TxType string

const TxRefund TxType = "refund"

// TxStatus tracks an audit transaction through settlement.
type TxStatus string

const (
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
)

// Transaction is the audit row written for every money movement.
type Transaction struct {
	ID          string     `json:"id"`
	Type        TxType     `json:"type"`
	Status      TxStatus   `json:"status"`
	OrderID     string     `json:"order_id"`
	RefundID    string     `json:"refund_id,omitempty"`
	FromUser    string     `json:"from_user"`
	ToUser      string     `json:"to_user"`
	AmountCents int64      `json:"amount_cents"`
	Debit       Debit      `json:"debit"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Store persists balances and audit transactions. Every method is atomic on
// its own; multi-step settlements compose them (see refunds).
type Store interface {
	GetBalance(ctx context.Context, account Account, userID string) (*Balance, error)
	// DebitProvider removes d from the provider's buckets, failing with
	// ErrInsufficientFunds if either bucket would go negative.
	DebitProvider(ctx context.Context, userID string, d Debit) error
	// CreditProvider puts d back (the inverse of DebitProvider).
	CreditProvider(ctx context.Context, userID string, d Debit) error
	// CreditClient adds to available and total_received, creating the row.
	CreditClient(ctx context.Context, userID string, amount int64) error
	// DebitClient is the inverse of CreditClient.
	DebitClient(ctx context.Context, userID string, amount int64) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	SetTransactionStatus(ctx context.Context, id string, status TxStatus, at time.Time) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// Ledger exposes balance reads.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balances returns both the client and provider balance rows for a user.
func (l *Ledger) Balances(ctx context.Context, userID string) (client, provider *Balance, err error) {
	defer observeOp("get_balances")()

	client, err = l.store.GetBalance(ctx, AccountClient, userID)
	if err != nil {
		return nil, nil, err
	}
	provider, err = l.store.GetBalance(ctx, AccountProvider, userID)
	if err != nil {
		return nil, nil, err
	}
	return client, provider, nil
}

// PlanRefund reads the provider's balance and splits amount across it.
// Callers serialize PlanRefund and the matching debit per provider.
func (l *Ledger) PlanRefund(ctx context.Context, providerUserID string, amount int64) (Debit, error) {
	bal, err := l.store.GetBalance(ctx, AccountProvider, providerUserID)
	if err != nil {
		return Debit{}, err
	}
	return SplitDebit(bal, amount)
}

// Transactions returns the audit trail touching a user.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, userID, limit)
}
