// Package dispute manages the dispute lifecycle for marketplace orders and
// the mediation session that runs while a dispute is open.
//
// Lifecycle:
//  1. A client or provider opens a dispute: order moves to disputed
//  2. Both parties join: session moves waiting → active (chat opens)
//  3. A party or admin resolves: dispute closed, session ended
//  4. The opener (or an admin) may withdraw an open dispute instead
//  5. An admin may reopen the latest closed or cancelled dispute
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/mediation/internal/conversation"
	"github.com/mbd888/mediation/internal/idgen"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/syncutil"
	"github.com/mbd888/mediation/internal/traces"
)

var (
	ErrNotFound           = errors.New("dispute: not found")
	ErrOrderNotFound      = errors.New("dispute: order not found")
	ErrDisputeAlreadyOpen = errors.New("dispute: order already has an open dispute")
	ErrAlreadyClosed      = errors.New("dispute: dispute is already closed")
	ErrNotTerminal        = errors.New("dispute: latest dispute is not closed or cancelled")
	ErrNotAuthorized      = errors.New("dispute: not authorized for this operation")
	ErrInvalidReason      = errors.New("dispute: invalid reason")
	ErrInvalidResolution  = errors.New("dispute: resolution type must be agreement or no_agreement")
	ErrSessionEnded       = errors.New("dispute: mediation session has ended")
	ErrConflict           = errors.New("dispute: concurrent update, retry the request")
	ErrOrderNotDisputable = errors.New("dispute: order cannot be disputed in its current status")
)

// Status is the canonical dispute state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// ResolutionType discriminates how a dispute left the open state.
type ResolutionType string

const (
	ResolutionAgreement       ResolutionType = "agreement"
	ResolutionNoAgreement     ResolutionType = "no_agreement"
	ResolutionWithdrawnByUser ResolutionType = "withdrawn_by_user"
)

// SessionStatus is the mediation session state.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Reason is why a dispute was opened.
type Reason string

const (
	ReasonQuality       Reason = "quality"
	ReasonNonDelivery   Reason = "non_delivery"
	ReasonLateDelivery  Reason = "late_delivery"
	ReasonCommunication Reason = "communication"
	ReasonScope         Reason = "scope"
	ReasonOther         Reason = "other"
)

// ParseReason validates a wire reason code.
func ParseReason(s string) (Reason, error) {
	switch r := Reason(strings.TrimSpace(s)); r {
	case ReasonQuality, ReasonNonDelivery, ReasonLateDelivery, ReasonCommunication, ReasonScope, ReasonOther:
		return r, nil
	}
	return "", ErrInvalidReason
}

// Dispute is a dispute raised on an order.
type Dispute struct {
	ID                    string           `json:"id"`
	OrderID               string           `json:"order_id"`
	OpenedBy              string           `json:"opened_by"`
	OpenerRole            participant.Role `json:"opener_role"`
	Reason                Reason           `json:"reason"`
	Details               string           `json:"details"`
	Status                Status           `json:"status"`
	ResolutionType        ResolutionType   `json:"resolution_type,omitempty"`
	ResolutionNote        string           `json:"resolution_note,omitempty"`
	ResolvedBy            string           `json:"resolved_by,omitempty"`
	ResolvedAt            *time.Time       `json:"resolved_at,omitempty"`
	ClientAcceptedRules   bool             `json:"client_accepted_rules"`
	ProviderAcceptedRules bool             `json:"provider_accepted_rules"`
	ClientJoinedAt        *time.Time       `json:"client_joined_at,omitempty"`
	ProviderJoinedAt      *time.Time       `json:"provider_joined_at,omitempty"`
	AdminID               string           `json:"admin_id,omitempty"`
	AdminJoinedAt         *time.Time       `json:"admin_joined_at,omitempty"`
	SessionStatus         SessionStatus    `json:"session_status"`
	SessionStartedAt      *time.Time       `json:"mediation_session_started_at,omitempty"`
	SessionEndedAt        *time.Time       `json:"mediation_session_ended_at,omitempty"`
	ReopenCount           int              `json:"reopen_count"`
	Version               int64            `json:"version"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// IsOpen reports whether the dispute is still being mediated.
func (d *Dispute) IsOpen() bool {
	return d.Status == StatusOpen
}

// IsTerminal returns true if the dispute can only change through a reopen.
func (d *Dispute) IsTerminal() bool {
	switch d.Status {
	case StatusClosed, StatusCancelled:
		return true
	case StatusOpen:
		return false
	}
	return false
}

// ChatOpen reports whether mediation chat is allowed.
func (d *Dispute) ChatOpen() bool {
	return d.Status == StatusOpen && d.SessionStatus == SessionActive
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	return &cp
}

// Write is one atomic change: the dispute row and, optionally, the owning
// order's status.
type Write struct {
	Dispute *Dispute
	// Insert creates the row. Otherwise the stored version must equal
	// ExpectVersion or the write fails with ErrConflict.
	Insert        bool
	ExpectVersion int64
	// OrderStatus is applied to Dispute.OrderID in the same commit. Empty
	// leaves the order untouched.
	OrderStatus orders.Status
}

// ListFilter selects disputes for the admin queue.
type ListFilter struct {
	Status Status
	// Cursor positions the page strictly after (CreatedAt, ID) in
	// newest-first order.
	CursorAt time.Time
	CursorID string
	Limit    int
}

// Store persists disputes.
type Store interface {
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByOrder(ctx context.Context, orderID string) (*Dispute, error)
	LatestByOrder(ctx context.Context, orderID string) (*Dispute, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Dispute, error)
	List(ctx context.Context, f ListFilter) ([]*Dispute, error)
	// Commit applies w atomically and bumps the dispute version.
	Commit(ctx context.Context, w Write) error
}

// PresenceEnder tears down a participant's presence when they resolve.
type PresenceEnder interface {
	End(ctx context.Context, disputeID, userID string) error
}

// RefundRequester files a pending refund on behalf of a resolving party.
type RefundRequester interface {
	RequestFromDispute(ctx context.Context, orderID, disputeID, requestedBy string, amountCents int64, reason string) error
}

// Conversations applies dispute mode to the order's conversation.
type Conversations interface {
	EnterDispute(ctx context.Context, orderID string) error
	LeaveDispute(ctx context.Context, orderID string) error
	PostSystemMessage(ctx context.Context, orderID, body string) (*conversation.Message, error)
}

// Notifier delivers out-of-band notifications (email/SMS).
type Notifier interface {
	Notify(ctx context.Context, userID, event string, data map[string]any)
}

// EventPublisher pushes realtime events to sockets watching a dispute.
type EventPublisher interface {
	PublishDisputeEvent(disputeID, eventType string, data any)
}

// Realtime event types.
const (
	EventOpened        = "dispute.opened"
	EventCancelled     = "dispute.cancelled"
	EventResolved      = "dispute.resolved"
	EventReopened      = "dispute.reopened"
	EventRulesAccepted = "dispute.rules_accepted"
	EventSessionActive = "session.active"
)

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	OrderID  string `json:"order_id" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Details  string `json:"details"`
	CallerID string `json:"-"`
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	DisputeID      string `json:"-"`
	CallerID       string `json:"-"`
	ResolutionType string `json:"resolution_type" binding:"required"`
	Note           string `json:"resolution_note"`
	WantsRefund    bool   `json:"wants_refund"`
}

// ReopenRequest identifies the dispute to reopen by order or by id.
type ReopenRequest struct {
	OrderID   string `json:"order_id"`
	DisputeID string `json:"dispute_id"`
	Details   string `json:"details"`
	AdminID   string `json:"-"`
}

// Service implements dispute business logic.
type Service struct {
	store         Store
	orders        orders.Store
	resolver      *participant.Resolver
	presence      PresenceEnder
	refunds       RefundRequester
	conversations Conversations
	notifier      Notifier
	events        EventPublisher
	locks         *syncutil.KeyedMutex
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a new dispute service.
func NewService(store Store, orderStore orders.Store, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		orders:   orderStore,
		resolver: participant.NewResolver(orderStore),
		locks:    syncutil.NewKeyedMutex(0),
		logger:   logger,
		now:      time.Now,
	}
}

// WithPresence wires session teardown on resolve.
func (s *Service) WithPresence(p PresenceEnder) *Service {
	s.presence = p
	return s
}

// WithRefunds wires refund requests filed during resolve.
func (s *Service) WithRefunds(r RefundRequester) *Service {
	s.refunds = r
	return s
}

// WithConversations wires conversation metadata and system messages.
func (s *Service) WithConversations(c Conversations) *Service {
	s.conversations = c
	return s
}

// WithNotifier wires email/SMS notifications to the other party.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEvents wires realtime event fan-out.
func (s *Service) WithEvents(e EventPublisher) *Service {
	s.events = e
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Resolver exposes the participant resolver used by the service.
func (s *Service) Resolver() *participant.Resolver {
	return s.resolver
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	return s.locks.Lock(ctx, key)
}

func orderKey(orderID string) string { return "order:" + orderID }

func (s *Service) loadOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return o, nil
}

// Open raises a dispute on an order for one of its parties.
func (s *Service) Open(ctx context.Context, req OpenRequest) (_ *Dispute, _ *orders.Order, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.OrderID(req.OrderID), traces.UserID(req.CallerID))
	defer func() { traces.End(span, err) }()

	reason, err := ParseReason(req.Reason)
	if err != nil {
		return nil, nil, err
	}
	order, err := s.loadOrder(ctx, req.OrderID)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.resolver.Resolve(ctx, order.Parties(), req.CallerID)
	if err != nil {
		return nil, nil, err
	}
	role, ok := m.PartyRole()
	if !ok {
		return nil, nil, participant.Deny(m)
	}

	unlock, err := s.lock(ctx, orderKey(order.ID))
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if _, err := s.store.GetOpenByOrder(ctx, order.ID); err == nil {
		return nil, nil, ErrDisputeAlreadyOpen
	} else if !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	// Re-read under the lock so the disputable check sees the latest status.
	if order, err = s.loadOrder(ctx, order.ID); err != nil {
		return nil, nil, err
	}
	if !order.Disputable() {
		return nil, nil, ErrOrderNotDisputable
	}

	now := s.now()
	d := &Dispute{
		ID:            idgen.New(),
		OrderID:       order.ID,
		OpenedBy:      req.CallerID,
		OpenerRole:    role,
		Reason:        reason,
		Details:       strings.TrimSpace(req.Details),
		Status:        StatusOpen,
		SessionStatus: SessionWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.commit(ctx, Write{Dispute: d, Insert: true, OrderStatus: orders.StatusDisputed}); err != nil {
		return nil, nil, fmt.Errorf("failed to open dispute: %w", err)
	}
	recordTransition("open")
	order.Status = orders.StatusDisputed
	order.UpdatedAt = now

	log := logging.L(ctx).With("dispute_id", d.ID, "order_id", order.ID)
	log.Info("dispute opened", "role", role, "reason", reason)

	if s.conversations != nil {
		if err := s.conversations.EnterDispute(ctx, order.ID); err != nil {
			log.Warn("failed to flag conversation as dispute", "error", err)
		}
	}
	s.postSystem(ctx, order.ID, fmt.Sprintf("A dispute was opened by the %s (reason: %s). An administrator will join the conversation.", role, reason))
	if other, ok := role.Counterpart(); ok && s.notifier != nil {
		if uid, err := s.resolver.UserForRole(ctx, order.Parties(), other); err != nil || uid == "" {
			log.Warn("failed to resolve counterpart for notification", "error", err)
		} else {
			s.notifier.Notify(ctx, uid, EventOpened, map[string]any{
				"dispute_id": d.ID,
				"order_id":   order.ID,
				"reason":     string(reason),
			})
		}
	}
	s.publish(d.ID, EventOpened, d)
	return d.clone(), order, nil
}

// Cancel withdraws an open dispute. Only the opener or an admin may cancel.
func (s *Service) Cancel(ctx context.Context, disputeID, callerID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Cancel", traces.DisputeID(disputeID), traces.UserID(callerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.OpenedBy != callerID {
		isAdmin, err := s.resolver.IsAdmin(ctx, callerID)
		if err != nil {
			return err
		}
		if !isAdmin {
			return ErrNotAuthorized
		}
	}
	if !d.IsOpen() {
		return ErrAlreadyClosed
	}
	order, err := s.loadOrder(ctx, d.OrderID)
	if err != nil {
		return err
	}

	now := s.now()
	expect := d.Version
	d.Status = StatusCancelled
	d.ResolutionType = ResolutionWithdrawnByUser
	d.ResolvedAt = &now
	d.ResolvedBy = callerID
	if d.SessionStatus == SessionActive {
		d.SessionStatus = SessionEnded
		d.SessionEndedAt = &now
	}
	d.UpdatedAt = now
	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect, OrderStatus: order.StatusAfterWithdrawal()}); err != nil {
		return fmt.Errorf("failed to cancel dispute: %w", err)
	}
	recordTransition("cancel")

	log := logging.L(ctx).With("dispute_id", d.ID, "order_id", d.OrderID)
	log.Info("dispute cancelled", "by", callerID)
	if s.conversations != nil {
		if err := s.conversations.LeaveDispute(ctx, d.OrderID); err != nil {
			log.Warn("failed to restore conversation metadata", "error", err)
		}
	}
	s.postSystem(ctx, d.OrderID, "The dispute was withdrawn. The order is back in progress.")
	s.publish(d.ID, EventCancelled, d)
	return nil
}

func parseResolution(s string) (ResolutionType, error) {
	switch r := ResolutionType(s); r {
	case ResolutionAgreement, ResolutionNoAgreement:
		return r, nil
	case ResolutionWithdrawnByUser:
		return "", ErrInvalidResolution
	}
	return "", ErrInvalidResolution
}

// Resolve closes an open dispute and ends its mediation session.
func (s *Service) Resolve(ctx context.Context, req ResolveRequest) (err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(req.DisputeID), traces.UserID(req.CallerID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, req.DisputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, req.DisputeID)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, d.OrderID)
	if err != nil {
		return err
	}
	m, err := s.resolver.Require(ctx, order.Parties(), req.CallerID, "")
	if err != nil {
		return err
	}
	if !d.IsOpen() {
		return ErrAlreadyClosed
	}
	resolution, err := parseResolution(req.ResolutionType)
	if err != nil {
		return err
	}

	now := s.now()
	expect := d.Version
	d.Status = StatusClosed
	d.ResolutionType = resolution
	d.ResolutionNote = strings.TrimSpace(req.Note)
	d.ResolvedBy = req.CallerID
	d.ResolvedAt = &now
	d.SessionStatus = SessionEnded
	d.SessionEndedAt = &now
	d.UpdatedAt = now

	var orderStatus orders.Status
	if resolution == ResolutionAgreement {
		orderStatus = orders.StatusRevisionRequested
	}
	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect, OrderStatus: orderStatus}); err != nil {
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}
	recordTransition("resolve")

	log := logging.L(ctx).With("dispute_id", d.ID, "order_id", d.OrderID)
	log.Info("dispute resolved", "resolution", resolution, "by", req.CallerID, "admin", m.IsAdmin)

	if s.presence != nil {
		if err := s.presence.End(ctx, d.ID, req.CallerID); err != nil {
			log.Warn("failed to end caller presence", "error", err)
		}
	}
	if req.WantsRefund && m.IsParty() && s.refunds != nil {
		if err := s.refunds.RequestFromDispute(ctx, d.OrderID, d.ID, req.CallerID, order.TotalCents, "dispute resolution"); err != nil {
			log.Warn("failed to file refund request", "error", err)
		}
	}
	s.postSystem(ctx, d.OrderID, fmt.Sprintf("The dispute was resolved (%s).", resolution))
	s.publish(d.ID, EventResolved, d)
	return nil
}

// Reopen restores the latest terminal dispute of an order to open. Admin only.
func (s *Service) Reopen(ctx context.Context, req ReopenRequest) (_ string, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Reopen", traces.DisputeID(req.DisputeID), traces.OrderID(req.OrderID), traces.UserID(req.AdminID))
	defer func() { traces.End(span, err) }()

	isAdmin, err := s.resolver.IsAdmin(ctx, req.AdminID)
	if err != nil {
		return "", err
	}
	if !isAdmin {
		return "", ErrNotAuthorized
	}

	orderID := req.OrderID
	if req.DisputeID != "" {
		d, err := s.store.Get(ctx, req.DisputeID)
		if err != nil {
			return "", err
		}
		orderID = d.OrderID
	}
	if orderID == "" {
		return "", ErrNotFound
	}

	unlock, err := s.lock(ctx, orderKey(orderID))
	if err != nil {
		return "", err
	}
	defer unlock()

	var d *Dispute
	if req.DisputeID != "" {
		d, err = s.store.Get(ctx, req.DisputeID)
	} else {
		d, err = s.store.LatestByOrder(ctx, orderID)
	}
	if err != nil {
		return "", err
	}
	if !d.IsTerminal() {
		return "", ErrNotTerminal
	}
	if open, err := s.store.GetOpenByOrder(ctx, orderID); err == nil && open.ID != d.ID {
		return "", ErrDisputeAlreadyOpen
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	now := s.now()
	expect := d.Version
	d.Status = StatusOpen
	d.ResolutionType = ""
	d.ResolutionNote = ""
	d.ResolvedBy = ""
	d.ResolvedAt = nil
	d.SessionStatus = SessionWaiting
	d.SessionStartedAt = nil
	d.SessionEndedAt = nil
	d.ReopenCount++
	if details := strings.TrimSpace(req.Details); details != "" {
		if d.Details != "" {
			d.Details += "\n\n"
		}
		d.Details += "[Reopened] " + details
	}
	d.UpdatedAt = now

	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect, OrderStatus: orders.StatusDisputed}); err != nil {
		return "", fmt.Errorf("failed to reopen dispute: %w", err)
	}
	recordTransition("reopen")

	log := logging.L(ctx).With("dispute_id", d.ID, "order_id", d.OrderID)
	log.Info("dispute reopened", "admin", req.AdminID, "reopen_count", d.ReopenCount)
	if s.conversations != nil {
		if err := s.conversations.EnterDispute(ctx, d.OrderID); err != nil {
			log.Warn("failed to flag conversation as dispute", "error", err)
		}
	}
	s.postSystem(ctx, d.OrderID, "An administrator reopened the dispute.")
	s.publish(d.ID, EventReopened, d)
	return d.ID, nil
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// View returns a dispute with its order when the caller is a party or an admin.
func (s *Service) View(ctx context.Context, id, callerID string) (*Dispute, *orders.Order, participant.Match, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, participant.Match{}, err
	}
	order, err := s.loadOrder(ctx, d.OrderID)
	if err != nil {
		return nil, nil, participant.Match{}, err
	}
	m, err := s.resolver.Require(ctx, order.Parties(), callerID, "")
	if err != nil {
		return nil, nil, m, err
	}
	return d, order, m, nil
}

// ListByOrder returns every dispute raised on an order, newest first.
func (s *Service) ListByOrder(ctx context.Context, orderID, callerID string) ([]*Dispute, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.resolver.Require(ctx, order.Parties(), callerID, ""); err != nil {
		return nil, err
	}
	return s.store.ListByOrder(ctx, orderID)
}

// List returns a page of disputes for the admin queue.
func (s *Service) List(ctx context.Context, adminID string, f ListFilter) ([]*Dispute, error) {
	isAdmin, err := s.resolver.IsAdmin(ctx, adminID)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, ErrNotAuthorized
	}
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return s.store.List(ctx, f)
}

func (s *Service) postSystem(ctx context.Context, orderID, body string) {
	if s.conversations == nil {
		return
	}
	if _, err := s.conversations.PostSystemMessage(ctx, orderID, body); err != nil {
		logging.L(ctx).Warn("failed to post system message", "order_id", orderID, "error", err)
	}
}

func (s *Service) publish(disputeID, eventType string, d *Dispute) {
	if s.events == nil {
		return
	}
	s.events.PublishDisputeEvent(disputeID, eventType, d.clone())
}
