// Package presence tracks which dispute participants are currently in the
// mediation room.
//
// Each (dispute, user) pair has one record that is upserted on join and
// refreshed by heartbeats. A participant counts as present only while the
// record is marked present and its last heartbeat is inside the staleness
// window, so a client that vanishes without leaving ages out on its own.
// The Reaper additionally flips stale records to not-present so "left"
// events can be pushed to the other side.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/mediation/internal/dispute"
	"github.com/mbd888/mediation/internal/idgen"
	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/traces"
)

var (
	ErrNoActivePresence = errors.New("presence: no active presence for this user, join again")
	ErrDisputeClosed    = errors.New("presence: dispute is not open")
	ErrStaleWrite       = errors.New("presence: out-of-order update discarded")
)

// DefaultStaleAfter is how long a heartbeat keeps a participant live.
const DefaultStaleAfter = 60 * time.Second

// Realtime event types.
const (
	EventJoined = "presence.joined"
	EventLeft   = "presence.left"
)

// Record is one participant's presence in one dispute.
type Record struct {
	ID            string           `json:"id"`
	DisputeID     string           `json:"dispute_id"`
	UserID        string           `json:"user_id"`
	Role          participant.Role `json:"role"`
	IsPresent     bool             `json:"is_present"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	JoinedAt      time.Time        `json:"joined_at"`
	LeftAt        *time.Time       `json:"left_at,omitempty"`
	// Seq is the last client-issued sequence. A client write carrying a
	// sequence that is not greater than Seq is discarded; server writes
	// (Seq zero) leave it alone so clients continue from their own counter.
	Seq int64 `json:"seq"`
	// Epoch increases with every write, client or server.
	Epoch int64 `json:"-"`
}

// Live reports whether the record counts as present at now.
func (r *Record) Live(now time.Time, staleAfter time.Duration) bool {
	return r.IsPresent && r.LastHeartbeat.After(now.Add(-staleAfter))
}

// Summary projects live records onto the three roles.
type Summary struct {
	Client   bool `json:"client"`
	Provider bool `json:"provider"`
	Admin    bool `json:"admin"`
}

// BothParties reports whether client and provider are both live.
func (s Summary) BothParties() bool {
	return s.Client && s.Provider
}

func summarize(records []*Record) Summary {
	var s Summary
	for _, r := range records {
		switch r.Role {
		case participant.RoleClient:
			s.Client = true
		case participant.RoleProvider:
			s.Provider = true
		case participant.RoleAdmin:
			s.Admin = true
		}
	}
	return s
}

// Write carries the parameters of one presence mutation. Seq is the
// client-issued sequence; zero means the write is not ordered by the client.
type Write struct {
	DisputeID string
	UserID    string
	Role      participant.Role
	At        time.Time
	Seq       int64
}

// Store persists presence records.
type Store interface {
	// Join upserts the record as present with a fresh heartbeat and join time.
	Join(ctx context.Context, w Write, newID string) (*Record, error)
	// Heartbeat refreshes last_heartbeat on a present record only.
	Heartbeat(ctx context.Context, w Write) (*Record, error)
	// Leave marks the record not present.
	Leave(ctx context.Context, w Write) (*Record, error)
	Get(ctx context.Context, disputeID, userID string) (*Record, error)
	// ListLive returns present records with a heartbeat after since.
	ListLive(ctx context.Context, disputeID string, since time.Time) ([]*Record, error)
	// ListStale returns present records whose heartbeat is at or before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
	// MarkAbsent flips a record to not present if its epoch is unchanged.
	MarkAbsent(ctx context.Context, disputeID, userID string, epoch int64, at time.Time) (bool, error)
}

// Sessions is the dispute side of presence: authorization data and the
// session transitions a join can trigger.
type Sessions interface {
	Participants(ctx context.Context, disputeID string) (participant.Parties, bool, error)
	RecordJoin(ctx context.Context, disputeID, userID string, role participant.Role) error
	Activate(ctx context.Context, disputeID string) (bool, error)
}

// EventPublisher pushes realtime events to sockets watching a dispute.
type EventPublisher interface {
	PublishDisputeEvent(disputeID, eventType string, data any)
}

// JoinRequest contains the parameters for joining the mediation room.
type JoinRequest struct {
	DisputeID string
	UserID    string
	// Role may be empty, in which case the caller's own role is used.
	Role participant.Role
	Seq  int64
}

// JoinResult is returned by Join.
type JoinResult struct {
	PresenceID  string `json:"presence_id"`
	BothPresent bool   `json:"both_present"`
	Activated   bool   `json:"activated"`
	Seq         int64  `json:"seq"` // last client sequence the server holds
}

// Tracker implements presence business logic.
type Tracker struct {
	store      Store
	sessions   Sessions
	resolver   *participant.Resolver
	events     EventPublisher
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewTracker creates a new presence tracker.
func NewTracker(store Store, sessions Sessions, resolver *participant.Resolver, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:      store,
		sessions:   sessions,
		resolver:   resolver,
		staleAfter: DefaultStaleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// WithStaleAfter overrides the liveness window.
func (t *Tracker) WithStaleAfter(d time.Duration) *Tracker {
	if d > 0 {
		t.staleAfter = d
	}
	return t
}

// WithEvents wires realtime event fan-out.
func (t *Tracker) WithEvents(e EventPublisher) *Tracker {
	t.events = e
	return t
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// StaleAfter returns the liveness window.
func (t *Tracker) StaleAfter() time.Duration {
	return t.staleAfter
}

// authorize resolves the caller against the dispute's order and picks the
// role they join as.
func (t *Tracker) authorize(ctx context.Context, disputeID, userID string, role participant.Role) (participant.Role, bool, error) {
	parties, open, err := t.sessions.Participants(ctx, disputeID)
	if err != nil {
		return "", false, err
	}
	m, err := t.resolver.Resolve(ctx, parties, userID)
	if err != nil {
		return "", false, err
	}
	if role == "" {
		if r, ok := m.PartyRole(); ok {
			role = r
		} else if m.IsAdmin {
			role = participant.RoleAdmin
		}
	}
	if role == "" || !m.Has(role) {
		return "", false, participant.Deny(m)
	}
	return role, open, nil
}

// Join marks the caller present and activates the session when both parties
// are live.
func (t *Tracker) Join(ctx context.Context, req JoinRequest) (_ *JoinResult, err error) {
	ctx, span := traces.StartSpan(ctx, "presence.Join", traces.DisputeID(req.DisputeID), traces.UserID(req.UserID))
	defer func() { traces.End(span, err) }()

	if req.Role != "" && !req.Role.Valid() {
		return nil, participant.ErrInvalidRole
	}
	role, open, err := t.authorize(ctx, req.DisputeID, req.UserID, req.Role)
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, ErrDisputeClosed
	}

	now := t.now()
	rec, err := t.store.Join(ctx, Write{DisputeID: req.DisputeID, UserID: req.UserID, Role: role, At: now, Seq: req.Seq}, idgen.New())
	if err != nil {
		return nil, err
	}
	if err := t.sessions.RecordJoin(ctx, req.DisputeID, req.UserID, role); err != nil {
		// The dispute closed after the open check; take the row down again.
		if _, lerr := t.store.Leave(ctx, Write{DisputeID: req.DisputeID, UserID: req.UserID, At: now}); lerr != nil && !errors.Is(lerr, ErrNoActivePresence) {
			logging.L(ctx).Warn("failed to retract presence", "dispute_id", req.DisputeID, "error", lerr)
		}
		if errors.Is(err, dispute.ErrAlreadyClosed) {
			return nil, ErrDisputeClosed
		}
		return nil, fmt.Errorf("record join: %w", err)
	}
	PresenceJoinsTotal.WithLabelValues(string(role)).Inc()

	live, err := t.store.ListLive(ctx, req.DisputeID, now.Add(-t.staleAfter))
	if err != nil {
		return nil, err
	}
	summary := summarize(live)
	result := &JoinResult{PresenceID: rec.ID, BothPresent: summary.BothParties(), Seq: rec.Seq}
	if result.BothPresent {
		activated, err := t.sessions.Activate(ctx, req.DisputeID)
		switch {
		case errors.Is(err, dispute.ErrAlreadyClosed), errors.Is(err, dispute.ErrSessionEnded):
			logging.L(ctx).Debug("session not activated", "dispute_id", req.DisputeID, "reason", err)
		case err != nil:
			return nil, fmt.Errorf("activate session: %w", err)
		}
		result.Activated = activated
	}

	t.publish(req.DisputeID, EventJoined, map[string]any{"user_id": req.UserID, "role": role, "presence": summary})
	return result, nil
}

// Heartbeat refreshes the caller's presence. It never resurrects a record
// that has left.
func (t *Tracker) Heartbeat(ctx context.Context, disputeID, userID string, seq int64) (time.Time, error) {
	now := t.now()
	if _, err := t.store.Heartbeat(ctx, Write{DisputeID: disputeID, UserID: userID, At: now, Seq: seq}); err != nil {
		return time.Time{}, err
	}
	PresenceHeartbeatsTotal.Inc()
	return now, nil
}

// Leave marks the caller not present.
func (t *Tracker) Leave(ctx context.Context, disputeID, userID string, seq int64) (time.Time, error) {
	now := t.now()
	rec, err := t.store.Leave(ctx, Write{DisputeID: disputeID, UserID: userID, At: now, Seq: seq})
	if err != nil {
		return time.Time{}, err
	}
	t.publish(disputeID, EventLeft, map[string]any{"user_id": userID, "role": rec.Role, "reason": "left"})
	return now, nil
}

// End tears down a participant's presence when the session ends. A missing
// or already-left record is not an error.
func (t *Tracker) End(ctx context.Context, disputeID, userID string) error {
	_, err := t.Leave(ctx, disputeID, userID, 0)
	if errors.Is(err, ErrNoActivePresence) {
		return nil
	}
	return err
}

// Get returns the live presence of a dispute to one of its participants or
// an admin.
func (t *Tracker) Get(ctx context.Context, disputeID, callerID string) (Summary, time.Time, error) {
	parties, _, err := t.sessions.Participants(ctx, disputeID)
	if err != nil {
		return Summary{}, time.Time{}, err
	}
	if _, err := t.resolver.Require(ctx, parties, callerID, ""); err != nil {
		return Summary{}, time.Time{}, err
	}
	now := t.now()
	s, err := t.summary(ctx, disputeID, now)
	return s, now, err
}

// Snapshot returns the live presence without authorization, for callers that
// already authorized the viewer.
func (t *Tracker) Snapshot(ctx context.Context, disputeID string) (dispute.Presence, error) {
	s, err := t.summary(ctx, disputeID, t.now())
	if err != nil {
		return dispute.Presence{}, err
	}
	return dispute.Presence{Client: s.Client, Provider: s.Provider, Admin: s.Admin}, nil
}

func (t *Tracker) summary(ctx context.Context, disputeID string, now time.Time) (Summary, error) {
	live, err := t.store.ListLive(ctx, disputeID, now.Add(-t.staleAfter))
	if err != nil {
		return Summary{}, err
	}
	return summarize(live), nil
}

func (t *Tracker) publish(disputeID, eventType string, data any) {
	if t.events == nil {
		return
	}
	t.events.PublishDisputeEvent(disputeID, eventType, data)
}
