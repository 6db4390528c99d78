package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/mediation/internal/logging"
	"github.com/mbd888/mediation/internal/participant"
	"github.com/mbd888/mediation/internal/traces"
)

// Session state machine:
//
//	waiting --(both parties live on join)--> active --(resolve)--> ended
//	waiting --(admin StartMediation)-------> active
//	active  --(cancel)---------------------> ended
//
// Reopen resets the session to waiting.

// Participants returns the parties of the dispute's order and whether the
// dispute is still open. The presence tracker authorizes joins with it.
func (s *Service) Participants(ctx context.Context, disputeID string) (participant.Parties, bool, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return participant.Parties{}, false, err
	}
	order, err := s.loadOrder(ctx, d.OrderID)
	if err != nil {
		return participant.Parties{}, false, err
	}
	return order.Parties(), d.IsOpen(), nil
}

// AuthorizeViewer returns nil when userID may watch the dispute: one of its
// parties or an admin.
func (s *Service) AuthorizeViewer(ctx context.Context, disputeID, userID string) error {
	parties, _, err := s.Participants(ctx, disputeID)
	if err != nil {
		return err
	}
	_, err = s.resolver.Require(ctx, parties, userID, "")
	return err
}

// RecordJoin stamps the role's first join time on the dispute. An admin join
// also claims the dispute for that admin when no admin has joined yet.
func (s *Service) RecordJoin(ctx context.Context, disputeID, userID string, role participant.Role) error {
	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if !d.IsOpen() {
		return ErrAlreadyClosed
	}

	now := s.now()
	changed := false
	switch role {
	case participant.RoleClient:
		if d.ClientJoinedAt == nil {
			d.ClientJoinedAt = &now
			changed = true
		}
	case participant.RoleProvider:
		if d.ProviderJoinedAt == nil {
			d.ProviderJoinedAt = &now
			changed = true
		}
	case participant.RoleAdmin:
		if d.AdminID == "" {
			d.AdminID = userID
			d.AdminJoinedAt = &now
			changed = true
		}
	default:
		return participant.ErrInvalidRole
	}
	if !changed {
		return nil
	}
	expect := d.Version
	d.UpdatedAt = now
	return s.commit(ctx, Write{Dispute: d, ExpectVersion: expect})
}

// Activate moves a waiting session to active. It is idempotent: an active
// session is left alone so the original start time is preserved. It reports
// whether this call performed the transition.
func (s *Service) Activate(ctx context.Context, disputeID string) (_ bool, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Activate", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return false, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return false, err
	}
	if !d.IsOpen() {
		return false, ErrAlreadyClosed
	}
	switch d.SessionStatus {
	case SessionActive:
		return false, nil
	case SessionEnded:
		return false, ErrSessionEnded
	case SessionWaiting:
	}

	now := s.now()
	expect := d.Version
	d.SessionStatus = SessionActive
	if d.SessionStartedAt == nil {
		d.SessionStartedAt = &now
	}
	d.UpdatedAt = now
	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect}); err != nil {
		return false, err
	}
	recordTransition("session_active")
	logging.L(ctx).Info("mediation session active", "dispute_id", d.ID)
	s.publish(d.ID, EventSessionActive, d)
	return true, nil
}

// StartMediation lets an admin force the session active without waiting for
// both parties.
func (s *Service) StartMediation(ctx context.Context, disputeID, adminID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.StartMediation", traces.DisputeID(disputeID), traces.UserID(adminID))
	defer func() { traces.End(span, err) }()

	isAdmin, err := s.resolver.IsAdmin(ctx, adminID)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrNotAuthorized
	}

	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if !d.IsOpen() {
		return ErrAlreadyClosed
	}
	if d.SessionStatus == SessionEnded {
		return ErrSessionEnded
	}

	now := s.now()
	expect := d.Version
	d.SessionStatus = SessionActive
	if d.AdminID != adminID || d.AdminJoinedAt == nil {
		d.AdminID = adminID
		d.AdminJoinedAt = &now
	}
	if d.SessionStartedAt == nil {
		d.SessionStartedAt = &now
	}
	d.UpdatedAt = now
	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect}); err != nil {
		return fmt.Errorf("failed to start mediation: %w", err)
	}
	recordTransition("session_started_by_admin")
	logging.L(ctx).Info("mediation started by admin", "dispute_id", d.ID, "admin", adminID)

	s.postSystem(ctx, d.OrderID, "An administrator has started the mediation session. Both parties can now chat here.")
	s.publish(d.ID, EventSessionActive, d)
	return nil
}

// ChatAllowed reports whether mediation chat is open for the dispute.
func (s *Service) ChatAllowed(ctx context.Context, disputeID string) (bool, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return false, err
	}
	return d.ChatOpen(), nil
}

// AcceptRules records that the caller accepted the mediation rules for the
// given party role. An empty role means the caller's own party role.
// Repeating the call is a no-op.
func (s *Service) AcceptRules(ctx context.Context, disputeID, callerID string, role participant.Role) (err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.AcceptRules", traces.DisputeID(disputeID), traces.UserID(callerID), traces.Role(string(role)))
	defer func() { traces.End(span, err) }()

	if role != "" && !role.IsParty() {
		return participant.ErrInvalidRole
	}

	unlock, err := s.lock(ctx, disputeID)
	if err != nil {
		return err
	}
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	order, err := s.loadOrder(ctx, d.OrderID)
	if err != nil {
		return err
	}
	m, err := s.resolver.Require(ctx, order.Parties(), callerID, role)
	if err != nil {
		return err
	}
	if role == "" {
		var ok bool
		if role, ok = m.PartyRole(); !ok {
			return participant.Deny(m)
		}
	}
	if !d.IsOpen() {
		return ErrAlreadyClosed
	}

	switch role {
	case participant.RoleClient:
		if d.ClientAcceptedRules {
			return nil
		}
		d.ClientAcceptedRules = true
	case participant.RoleProvider:
		if d.ProviderAcceptedRules {
			return nil
		}
		d.ProviderAcceptedRules = true
	case participant.RoleAdmin:
		return participant.ErrInvalidRole
	}

	expect := d.Version
	d.UpdatedAt = s.now()
	if err := s.commit(ctx, Write{Dispute: d, ExpectVersion: expect}); err != nil {
		return err
	}
	s.publish(d.ID, EventRulesAccepted, d)
	return nil
}

func (s *Service) commit(ctx context.Context, w Write) error {
	err := s.store.Commit(ctx, w)
	if errors.Is(err, ErrConflict) {
		DisputeConflictsTotal.Inc()
	}
	return err
}
