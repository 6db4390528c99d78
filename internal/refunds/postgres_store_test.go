//go:build integration

package refunds

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/testutil"
)

type pgFixture struct {
	svc    *Service
	store  *PostgresStore
	orders *orders.PostgresStore
	ledger *ledger.PostgresStore
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	testutil.SeedMarketplace(t, db)
	testutil.SeedProviderBalance(t, db, "p1", 4000, 1000)

	f := &pgFixture{
		store:  NewPostgresStore(db),
		orders: orders.NewPostgresStore(db),
		ledger: ledger.NewPostgresStore(db),
	}
	f.svc = NewService(f.store, NewPostgresSettler(db), f.orders, slog.Default())
	return f
}

func TestPostgres_ApproveSettlesAtomically(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	r, err := f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 3000, Reason: "never delivered"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	settled, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true, AdminNote: "ok"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if settled.Status != StatusCompleted || settled.TransactionID == "" || settled.DecidedBy != "a1" {
		t.Fatalf("unexpected settled refund %+v", settled)
	}

	prov, _ := f.ledger.GetBalance(ctx, ledger.AccountProvider, "p1")
	if prov.PendingCents != 0 || prov.AvailableCents != 2000 {
		t.Errorf("provider balance: pending=%d available=%d", prov.PendingCents, prov.AvailableCents)
	}
	client, _ := f.ledger.GetBalance(ctx, ledger.AccountClient, "c1")
	if client.AvailableCents != 3000 || client.TotalReceivedCents != 3000 {
		t.Errorf("client balance: %+v", client)
	}
	txn, err := f.ledger.GetTransaction(ctx, settled.TransactionID)
	if err != nil || txn.Status != ledger.TxCompleted || txn.Debit.FromPending != 1000 || txn.Debit.FromAvailable != 2000 {
		t.Errorf("transaction: %+v err=%v", txn, err)
	}
	o, _ := f.orders.Get(ctx, "ord1")
	if o.Status != orders.StatusRefunded {
		t.Errorf("order status: %s", o.Status)
	}

	if _, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second decide: expected ErrAlreadyProcessed, got %v", err)
	}
	if _, err := f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 100}); !errors.Is(err, ErrOrderRefunded) {
		t.Errorf("request on refunded order: expected ErrOrderRefunded, got %v", err)
	}
}

func TestPostgres_InsufficientFundsRollsBack(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	// Drain the provider first so ord2's refund cannot be covered.
	r1, _ := f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 4500})
	if _, err := f.svc.Decide(ctx, r1.ID, "a1", Decision{Approve: true}); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	r2, err := f.svc.Request(ctx, RequestInput{OrderID: "ord2", RequestedBy: "c1", AmountCents: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Decide(ctx, r2.ID, "a1", Decision{Approve: true}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := f.store.Get(ctx, r2.ID)
	if got.Status != StatusPending {
		t.Errorf("failed settlement must leave the request pending, got %s", got.Status)
	}
	o, _ := f.orders.Get(ctx, "ord2")
	if o.Status != orders.StatusInProgress {
		t.Errorf("order status must be untouched, got %s", o.Status)
	}
	client, _ := f.ledger.GetBalance(ctx, ledger.AccountClient, "c1")
	if client.AvailableCents != 4500 {
		t.Errorf("client balance changed by failed settlement: %d", client.AvailableCents)
	}
}

func TestPostgres_OnePendingPerOrder(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	r, err := f.svc.Request(ctx, RequestInput{OrderID: "ord2", RequestedBy: "c1", AmountCents: 500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Request(ctx, RequestInput{OrderID: "ord2", RequestedBy: "c1", AmountCents: 500}); !errors.Is(err, ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists, got %v", err)
	}

	rejected, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: false, AdminNote: "not eligible"})
	if err != nil || rejected.Status != StatusRejected || rejected.AdminNote != "not eligible" {
		t.Fatalf("reject: %+v err=%v", rejected, err)
	}
	if _, err := f.svc.Request(ctx, RequestInput{OrderID: "ord2", RequestedBy: "c1", AmountCents: 500}); err != nil {
		t.Fatalf("request after rejection: %v", err)
	}

	pending, err := f.store.List(ctx, StatusPending, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending list: %v %v", pending, err)
	}
}

func TestPostgres_ConcurrentApproveSettlesOnce(t *testing.T) {
	f := newPGFixture(t)
	ctx := context.Background()

	r, err := f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 1000})
	if err != nil {
		t.Fatal(err)
	}

	// A second service shares the database but not the in-process lock.
	other := NewService(f.store, f.svc.settler, f.orders, slog.Default())

	var (
		wg        sync.WaitGroup
		successes int
		mu        sync.Mutex
	)
	for _, svc := range []*Service{f.svc, other} {
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			if _, err := svc.ApplyRefund(ctx, r.ID, "a1", ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one settlement, got %d", successes)
	}
	client, _ := f.ledger.GetBalance(ctx, ledger.AccountClient, "c1")
	if client.AvailableCents != 1000 {
		t.Errorf("client credited %d, want 1000", client.AvailableCents)
	}
}
