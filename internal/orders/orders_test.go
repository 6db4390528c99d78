package orders

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/mediation/internal/participant"
)

func TestStatusAfterWithdrawal(t *testing.T) {
	o := &Order{Status: StatusDisputed}
	if got := o.StatusAfterWithdrawal(); got != StatusInProgress {
		t.Errorf("expected in_progress without delivery, got %s", got)
	}

	now := time.Now()
	o.DeliveredAt = &now
	if got := o.StatusAfterWithdrawal(); got != StatusDelivered {
		t.Errorf("expected delivered after delivery, got %s", got)
	}
}

func TestDisputable(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusInProgress, true},
		{StatusDelivered, true},
		{StatusRevisionRequested, true},
		{StatusDisputed, false},
		{StatusCompleted, true},
		{StatusCancelled, false},
		{StatusRefunded, false},
	}
	for _, tt := range tests {
		o := &Order{Status: tt.status}
		if got := o.Disputable(); got != tt.want {
			t.Errorf("Disputable(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestMemoryStore_Directory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutProfile(&Profile{UserID: "u-admin", Role: participant.RoleAdmin})
	s.PutProfile(&Profile{UserID: "u-prov", Role: participant.RoleProvider})
	s.PutProvider(&Provider{ID: "prov-1", UserID: "u-prov"})

	if ok, _ := s.IsAdmin(ctx, "u-admin"); !ok {
		t.Error("expected admin")
	}
	if ok, _ := s.IsAdmin(ctx, "u-prov"); ok {
		t.Error("provider must not be admin")
	}
	if id, _ := s.ProviderIDForUser(ctx, "u-prov"); id != "prov-1" {
		t.Errorf("expected prov-1, got %q", id)
	}
	if id, _ := s.ProviderIDForUser(ctx, "nobody"); id != "" {
		t.Errorf("expected empty provider id, got %q", id)
	}
	if u, _ := s.UserIDForProvider(ctx, "prov-1"); u != "u-prov" {
		t.Errorf("expected u-prov, got %q", u)
	}
	if _, err := s.UserIDForProvider(ctx, "prov-x"); err != ErrProfileNotFound {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestMemoryStore_SetStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutOrder(&Order{ID: "ord-1", Status: StatusDelivered})

	if err := s.SetStatus(ctx, "ord-1", StatusDisputed); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	o, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", o.Status)
	}

	// Returned copies must not alias the stored record.
	o.Status = StatusCompleted
	again, _ := s.Get(ctx, "ord-1")
	if again.Status != StatusDisputed {
		t.Error("store mutated through returned pointer")
	}

	if err := s.SetStatus(ctx, "missing", StatusDisputed); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
