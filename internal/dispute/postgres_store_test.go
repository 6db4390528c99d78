//go:build integration

package dispute

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mbd888/mediation/internal/conversation"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/testutil"
)

func newPGService(t *testing.T) (*Service, *PostgresStore, *orders.PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	testutil.SeedMarketplace(t, db)

	store := NewPostgresStore(db)
	os := orders.NewPostgresStore(db)
	svc := NewService(store, os, slog.Default()).
		WithConversations(conversation.NewService(conversation.NewPostgresStore(db)))
	return svc, store, os
}

func orderStatus(t *testing.T, os *orders.PostgresStore, id string) orders.Status {
	t.Helper()
	o, err := os.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load order %s: %v", id, err)
	}
	return o.Status
}

func TestPostgres_Lifecycle(t *testing.T) {
	svc, _, os := newPGService(t)
	ctx := context.Background()

	d, _, err := svc.Open(ctx, OpenRequest{OrderID: "ord1", CallerID: "c1", Reason: "quality", Details: "logo is blurry"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := orderStatus(t, os, "ord1"); got != orders.StatusDisputed {
		t.Fatalf("order status after open: %s", got)
	}
	if _, _, err := svc.Open(ctx, OpenRequest{OrderID: "ord1", CallerID: "p1", Reason: "quality"}); !errors.Is(err, ErrDisputeAlreadyOpen) {
		t.Fatalf("second open: expected ErrDisputeAlreadyOpen, got %v", err)
	}

	if err := svc.Resolve(ctx, ResolveRequest{DisputeID: d.ID, CallerID: "a1", ResolutionType: "agreement"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := orderStatus(t, os, "ord1"); got != orders.StatusRevisionRequested {
		t.Fatalf("order status after agreement: %s", got)
	}

	id, err := svc.Reopen(ctx, ReopenRequest{OrderID: "ord1", AdminID: "a1"})
	if err != nil || id != d.ID {
		t.Fatalf("Reopen: id=%s err=%v", id, err)
	}
	got, err := svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOpen || got.ReopenCount != 1 || got.SessionStatus != SessionWaiting {
		t.Fatalf("unexpected reopened dispute %+v", got)
	}

	if err := svc.Cancel(ctx, d.ID, "c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := orderStatus(t, os, "ord1"); got != orders.StatusDelivered {
		t.Fatalf("order status after withdrawal: %s", got)
	}
}

func TestPostgres_CommitVersionConflict(t *testing.T) {
	svc, store, _ := newPGService(t)
	ctx := context.Background()

	d, _, err := svc.Open(ctx, OpenRequest{OrderID: "ord2", CallerID: "c1", Reason: "quality"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stale, _ := store.Get(ctx, d.ID)
	fresh, _ := store.Get(ctx, d.ID)

	fresh.ClientAcceptedRules = true
	if err := store.Commit(ctx, Write{Dispute: fresh, ExpectVersion: fresh.Version}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	stale.ProviderAcceptedRules = true
	if err := store.Commit(ctx, Write{Dispute: stale, ExpectVersion: stale.Version}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := store.Get(ctx, d.ID)
	if !got.ClientAcceptedRules || got.ProviderAcceptedRules {
		t.Errorf("stale write must not land: %+v", got)
	}
}

func TestPostgres_ListFilter(t *testing.T) {
	svc, store, _ := newPGService(t)
	ctx := context.Background()

	d1, _, _ := svc.Open(ctx, OpenRequest{OrderID: "ord1", CallerID: "c1", Reason: "quality"})
	_, _, _ = svc.Open(ctx, OpenRequest{OrderID: "ord2", CallerID: "c1", Reason: "quality"})
	_ = svc.Resolve(ctx, ResolveRequest{DisputeID: d1.ID, CallerID: "a1", ResolutionType: "no_agreement"})

	open, err := store.List(ctx, ListFilter{Status: StatusOpen, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].OrderID != "ord2" {
		t.Fatalf("unexpected open list %+v", open)
	}
	all, _ := store.List(ctx, ListFilter{Limit: 10})
	if len(all) != 2 {
		t.Fatalf("expected 2 disputes, got %d", len(all))
	}
	byOrder, _ := store.ListByOrder(ctx, "ord1")
	if len(byOrder) != 1 || byOrder[0].Status != StatusClosed {
		t.Fatalf("unexpected order history %+v", byOrder)
	}
}
