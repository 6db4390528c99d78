// Package refunds moves money back from a provider to a client.
//
// A refund starts as a pending request filed by the client (directly or by
// resolving a dispute with a refund). An admin then decides it. Approval
// settles the refund in one unit of work: an audit transaction, the
// provider debit, the client credit, the order status and the request
// status all commit together or not at all.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/mediation/internal/idgen"
	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/syncutil"
	"github.com/mbd888/mediation/internal/traces"
)

var (
	ErrNotFound           = errors.New("refunds: refund request not found")
	ErrOrderNotFound      = errors.New("refunds: order not found")
	ErrAlreadyProcessed   = errors.New("refunds: refund request already processed")
	ErrAmountExceedsTotal = errors.New("refunds: amount exceeds order total")
	ErrInvalidAmount      = errors.New("refunds: amount must be positive")
	ErrPendingExists      = errors.New("refunds: order already has a pending refund")
	ErrOrderRefunded      = errors.New("refunds: order already refunded")
	ErrNotAuthorized      = errors.New("refunds: admin access required")
	ErrInvalidStatus      = errors.New("refunds: invalid status filter")
)

// Status is a refund request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// ParseStatus validates a status filter. Empty means any.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusCompleted, StatusRejected:
		return st, nil
	}
	return "", ErrInvalidStatus
}

// Refund is a request to return money for an order.
type Refund struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	DisputeID     string     `json:"dispute_id,omitempty"`
	RequestedBy   string     `json:"requested_by"`
	AmountCents   int64      `json:"amount_cents"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	AdminNote     string     `json:"admin_note,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	TransactionID string     `json:"transaction_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Store persists refund requests.
type Store interface {
	// Create fails with ErrPendingExists if the order already has a
	// pending request.
	Create(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	List(ctx context.Context, status Status, limit int) ([]*Refund, error)
	// Reject moves a pending request to rejected. Anything else fails with
	// ErrAlreadyProcessed.
	Reject(ctx context.Context, id, adminID, note string, at time.Time) (*Refund, error)
}

// Settlement carries an approval into a Settler.
type Settlement struct {
	RefundID      string
	AdminID       string
	AdminNote     string
	TransactionID string
	At            time.Time
}

// Settler applies an approved refund atomically.
type Settler interface {
	Apply(ctx context.Context, s Settlement) (*Refund, *ledger.Transaction, error)
}

// Notifier tells a user about a refund decision.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any)
}

// RequestInput contains the parameters for filing a refund request.
type RequestInput struct {
	OrderID     string `json:"-"`
	DisputeID   string `json:"dispute_id"`
	RequestedBy string `json:"-"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// Decision is an admin's verdict on a pending refund.
type Decision struct {
	Approve   bool
	AdminNote string
}

// Service implements refund business logic.
type Service struct {
	store    Store
	settler  Settler
	orders   orders.Store
	resolver *participant.Resolver
	notifier Notifier
	logger   *slog.Logger
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a new refund service.
func NewService(store Store, settler Settler, orderStore orders.Store, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		settler:  settler,
		orders:   orderStore,
		resolver: participant.NewResolver(orderStore),
		locks:    syncutil.NewKeyedMutex(0),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds decision notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Request files a refund on behalf of the order's client.
func (s *Service) Request(ctx context.Context, in RequestInput) (*Refund, error) {
	order, err := s.loadOrder(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Require(ctx, order.Parties(), in.RequestedBy, participant.RoleClient); err != nil {
		return nil, err
	}
	return s.create(ctx, order, in)
}

// RequestFromDispute files a refund for the full order total when a party
// resolves a dispute asking for one. The dispute service has already
// authorized the caller.
func (s *Service) RequestFromDispute(ctx context.Context, orderID, disputeID, requestedBy string, amountCents int64, reason string) error {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	_, err = s.create(ctx, order, RequestInput{
		OrderID:     orderID,
		DisputeID:   disputeID,
		RequestedBy: requestedBy,
		AmountCents: amountCents,
		Reason:      reason,
	})
	return err
}

func (s *Service) create(ctx context.Context, order *orders.Order, in RequestInput) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "refunds.Request", traces.OrderID(order.ID), traces.AmountCents(in.AmountCents))
	defer func() { traces.End(span, err) }()

	if in.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.AmountCents > order.TotalCents {
		return nil, ErrAmountExceedsTotal
	}
	if order.Status == orders.StatusRefunded {
		return nil, ErrOrderRefunded
	}

	r := &Refund{
		ID:          idgen.WithPrefix("ref_"),
		OrderID:     order.ID,
		DisputeID:   in.DisputeID,
		RequestedBy: in.RequestedBy,
		AmountCents: in.AmountCents,
		Reason:      in.Reason,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	RefundsTotal.WithLabelValues("requested").Inc()
	logging.L(ctx).Info("refund requested", "refund_id", r.ID, "order_id", r.OrderID, "amount_cents", r.AmountCents)
	return r, nil
}

// Decide approves or rejects a pending refund. Only admins may decide.
func (s *Service) Decide(ctx context.Context, refundID, adminID string, d Decision) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "refunds.Decide", traces.RefundID(refundID), traces.UserID(adminID))
	defer func() { traces.End(span, err) }()

	isAdmin, err := s.resolver.IsAdmin(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, ErrNotAuthorized
	}

	unlock, err := s.locks.Lock(ctx, "refund:"+refundID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}

	if !d.Approve {
		r, err = s.store.Reject(ctx, refundID, adminID, d.AdminNote, s.now())
		if err != nil {
			return nil, err
		}
		RefundsTotal.WithLabelValues("rejected").Inc()
		s.notify(ctx, r, "refund.rejected")
		return r, nil
	}
	return s.applyLocked(ctx, r, adminID, d.AdminNote)
}

// ApplyRefund settles a pending refund. Decide calls it on approval.
func (s *Service) ApplyRefund(ctx context.Context, refundID, adminID, note string) (*Refund, error) {
	unlock, err := s.locks.Lock(ctx, "refund:"+refundID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, ErrAlreadyProcessed
	}
	return s.applyLocked(ctx, r, adminID, note)
}

func (s *Service) applyLocked(ctx context.Context, r *Refund, adminID, note string) (*Refund, error) {
	settled, txn, err := s.settler.Apply(ctx, Settlement{
		RefundID:      r.ID,
		AdminID:       adminID,
		AdminNote:     note,
		TransactionID: idgen.WithPrefix("txn_"),
		At:            s.now(),
	})
	if err != nil {
		RefundsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	RefundsTotal.WithLabelValues("completed").Inc()
	ledger.RecordRefunded(txn.AmountCents)
	logging.L(ctx).Info("refund applied",
		"refund_id", settled.ID, "order_id", settled.OrderID, "transaction_id", txn.ID,
		"from_pending", txn.Debit.FromPending, "from_available", txn.Debit.FromAvailable)
	s.notify(ctx, settled, "refund.completed")
	return settled, nil
}

// Get returns a refund request to an admin.
func (s *Service) Get(ctx context.Context, id, adminID string) (*Refund, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List returns refund requests for the admin queue, newest first.
func (s *Service) List(ctx context.Context, adminID string, status Status, limit int) ([]*Refund, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	ok, err := s.resolver.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) loadOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := s.orders.Get(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

func (s *Service) notify(ctx context.Context, r *Refund, event string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, r.RequestedBy, event, map[string]any{
		"refund_id":    r.ID,
		"order_id":     r.OrderID,
		"amount_cents": r.AmountCents,
		"admin_note":   r.AdminNote,
	})
}
