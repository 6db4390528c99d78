// Package orders exposes the marketplace order, profile and provider records
// that dispute mediation reads and whose status it drives.
package orders

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

var (
	ErrNotFound        = errors.New("orders: order not found")
	ErrProfileNotFound = errors.New("orders: profile not found")
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusRevisionRequested Status = "revision_requested"
	StatusDisputed          Status = "disputed"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
)

// Order is the subset of a marketplace order mediation cares about.
type Order struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	ProviderID  string     `json:"provider_id"`
	Status      Status     `json:"status"`
	TotalCents  int64      `json:"total_cents"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Parties returns the order's two sides for authorization.
func (o *Order) Parties() participant.Parties {
	return participant.Parties{OrderID: o.ID, ClientID: o.ClientID, ProviderID: o.ProviderID}
}

// HasDelivery reports whether the provider has delivered at least once.
func (o *Order) HasDelivery() bool {
	return o.DeliveredAt != nil
}

// StatusAfterWithdrawal is the status an order returns to when its dispute
// is withdrawn.
func (o *Order) StatusAfterWithdrawal() Status {
	if o.HasDelivery() {
		return StatusDelivered
	}
	return StatusInProgress
}

// Disputable reports whether a dispute may be opened on the order.
func (o *Order) Disputable() bool {
	switch o.Status {
	case StatusInProgress, StatusDelivered, StatusRevisionRequested, StatusCompleted:
		return true
	}
	return false
}

// Profile is a user's marketplace profile.
type Profile struct {
	UserID      string           `json:"user_id"`
	Role        participant.Role `json:"role"`
	DisplayName string           `json:"display_name,omitempty"`
	Phone       string           `json:"phone,omitempty"`

	PhoneVerifiedAt *time.Time `json:"phone_verified_at,omitempty"`
}

// Provider links a provider listing to the user who owns it.
type Provider struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// Store reads orders and profiles and updates order status.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	SetStatus(ctx context.Context, id string, status Status) error
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// SetVerifiedPhone records a phone number confirmed by OTP.
	SetVerifiedPhone(ctx context.Context, userID, phone string, at time.Time) error

	participant.Directory
}

// SetStatusTx updates an order's status inside a caller-owned transaction.
// Dispute and refund stores use it so the order change commits with theirs.
func SetStatusTx(ctx context.Context, tx *sql.Tx, id string, status Status, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), now, id)
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

// GetForUpdateTx loads an order and locks its row until tx ends.
func GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}
