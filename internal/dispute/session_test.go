package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

func TestActivate_IdempotentStartTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	activated, err := f.svc.Activate(ctx, d.ID)
	if err != nil || !activated {
		t.Fatalf("first Activate: activated=%v err=%v", activated, err)
	}
	first, _ := f.svc.Get(ctx, d.ID)
	if first.SessionStatus != SessionActive || first.SessionStartedAt == nil {
		t.Fatalf("expected active session with start time, got %+v", first)
	}

	f.advance(5 * time.Minute)
	for i := 0; i < 3; i++ {
		activated, err = f.svc.Activate(ctx, d.ID)
		if err != nil || activated {
			t.Fatalf("repeat Activate: activated=%v err=%v", activated, err)
		}
	}
	again, _ := f.svc.Get(ctx, d.ID)
	if !again.SessionStartedAt.Equal(*first.SessionStartedAt) {
		t.Errorf("start time changed from %v to %v", first.SessionStartedAt, again.SessionStartedAt)
	}
	if !f.events.has(EventSessionActive) {
		t.Error("expected session.active event")
	}
}

func TestActivate_ClosedDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")
	_ = f.svc.Resolve(ctx, ResolveRequest{DisputeID: d.ID, CallerID: "c1", ResolutionType: "agreement"})

	if _, err := f.svc.Activate(ctx, d.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
}

func TestRecordJoin_StampsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	if err := f.svc.RecordJoin(ctx, d.ID, "p1", participant.RoleProvider); err != nil {
		t.Fatalf("RecordJoin: %v", err)
	}
	first, _ := f.svc.Get(ctx, d.ID)
	f.advance(time.Minute)
	if err := f.svc.RecordJoin(ctx, d.ID, "p1", participant.RoleProvider); err != nil {
		t.Fatalf("RecordJoin again: %v", err)
	}
	second, _ := f.svc.Get(ctx, d.ID)
	if !second.ProviderJoinedAt.Equal(*first.ProviderJoinedAt) {
		t.Error("provider_joined_at must not be overwritten")
	}
	if second.Version != first.Version {
		t.Error("a no-op join must not write")
	}

	if err := f.svc.RecordJoin(ctx, d.ID, "a1", participant.RoleAdmin); err != nil {
		t.Fatalf("admin RecordJoin: %v", err)
	}
	got, _ := f.svc.Get(ctx, d.ID)
	if got.AdminID != "a1" || got.AdminJoinedAt == nil {
		t.Errorf("admin join not stamped: %+v", got)
	}
}

func TestStartMediation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	if err := f.svc.StartMediation(ctx, d.ID, "c1"); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("non-admin: expected ErrNotAuthorized, got %v", err)
	}
	if err := f.svc.StartMediation(ctx, d.ID, "a1"); err != nil {
		t.Fatalf("StartMediation: %v", err)
	}
	got, _ := f.svc.Get(ctx, d.ID)
	if got.SessionStatus != SessionActive || got.AdminID != "a1" || got.AdminJoinedAt == nil || got.SessionStartedAt == nil {
		t.Fatalf("unexpected state after start: %+v", got)
	}
	allowed, err := f.svc.ChatAllowed(ctx, d.ID)
	if err != nil || !allowed {
		t.Errorf("chat should be open: %v %v", allowed, err)
	}

	msgs, _ := f.convs.Messages(ctx, "ord1", 10)
	if len(msgs) != 2 {
		t.Errorf("expected open + start system messages, got %d", len(msgs))
	}
}

func TestChatAllowed_OnlyWhileActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	if ok, _ := f.svc.ChatAllowed(ctx, d.ID); ok {
		t.Error("chat must be closed while waiting")
	}
	_, _ = f.svc.Activate(ctx, d.ID)
	if ok, _ := f.svc.ChatAllowed(ctx, d.ID); !ok {
		t.Error("chat must be open while active")
	}
	_ = f.svc.Resolve(ctx, ResolveRequest{DisputeID: d.ID, CallerID: "c1", ResolutionType: "agreement"})
	if ok, _ := f.svc.ChatAllowed(ctx, d.ID); ok {
		t.Error("chat must be closed once ended")
	}
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	tests := []struct {
		name    string
		caller  string
		role    participant.Role
		wantErr error
	}{
		{"client as client", "c1", participant.RoleClient, nil},
		{"client again is idempotent", "c1", participant.RoleClient, nil},
		{"provider inferred", "p1", "", nil},
		{"client claiming provider", "c1", participant.RoleProvider, participant.ErrNotParticipant},
		{"stranger", "x1", participant.RoleClient, participant.ErrNotParticipant},
		{"admin role rejected", "a1", participant.RoleAdmin, participant.ErrInvalidRole},
		{"admin without party role", "a1", "", participant.ErrNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.AcceptRules(ctx, d.ID, tt.caller, tt.role)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	got, _ := f.svc.Get(ctx, d.ID)
	if !got.ClientAcceptedRules || !got.ProviderAcceptedRules {
		t.Fatalf("expected both flags set: %+v", got)
	}
}

func TestParticipants(t *testing.T) {
	f := newFixture(t)
	d := f.open(t, "ord1", "c1")

	parties, open, err := f.svc.Participants(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !open || parties.ClientID != "c1" || parties.ProviderID != "prov1" {
		t.Fatalf("unexpected parties %+v open=%v", parties, open)
	}
	if _, _, err := f.svc.Participants(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorizeViewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.open(t, "ord1", "c1")

	for _, user := range []string{"c1", "p1", "a1"} {
		if err := f.svc.AuthorizeViewer(ctx, d.ID, user); err != nil {
			t.Errorf("%s should be allowed: %v", user, err)
		}
	}
	if err := f.svc.AuthorizeViewer(ctx, d.ID, "x1"); !errors.Is(err, participant.ErrNotParticipant) {
		t.Errorf("stranger: expected ErrNotParticipant, got %v", err)
	}
	if err := f.svc.AuthorizeViewer(ctx, "missing", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing dispute: expected ErrNotFound, got %v", err)
	}
}
