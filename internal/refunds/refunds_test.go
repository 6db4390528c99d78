package refunds

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/participant"
)

// failingOrders fails the refunded status write to drive compensation.
type failingOrders struct {
	*orders.MemoryStore
}

func (f failingOrders) SetStatus(ctx context.Context, id string, status orders.Status) error {
	if status == orders.StatusRefunded {
		return errors.New("orders store down")
	}
	return f.MemoryStore.SetStatus(ctx, id, status)
}

type mockNotifier struct {
	mu     sync.Mutex
	events []string
}

func (m *mockNotifier) Notify(ctx context.Context, userID, event string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, userID+":"+event)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	orders   *orders.MemoryStore
	ledger   *ledger.MemoryStore
	notifier *mockNotifier
}

func newFixture(t *testing.T, wrap func(*orders.MemoryStore) orders.Store) *fixture {
	t.Helper()
	os := orders.NewMemoryStore()
	os.PutOrder(&orders.Order{ID: "ord1", ClientID: "c1", ProviderID: "prov1", Status: orders.StatusDisputed, TotalCents: 5000})
	os.PutProvider(&orders.Provider{ID: "prov1", UserID: "p1"})
	os.PutProfile(&orders.Profile{UserID: "c1", Role: participant.RoleClient})
	os.PutProfile(&orders.Profile{UserID: "p1", Role: participant.RoleProvider})
	os.PutProfile(&orders.Profile{UserID: "a1", Role: participant.RoleAdmin})

	ls := ledger.NewMemoryStore()
	ls.SetBalance(&ledger.Balance{UserID: "p1", Account: ledger.AccountProvider, PendingCents: 3000, AvailableCents: 5000})

	var orderStore orders.Store = os
	if wrap != nil {
		orderStore = wrap(os)
	}
	store := NewMemoryStore()
	f := &fixture{store: store, orders: os, ledger: ls, notifier: &mockNotifier{}}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.svc = NewService(store, NewSagaSettler(store, orderStore, ls, slog.Default()), orderStore, slog.Default()).
		WithNotifier(f.notifier).
		WithClock(func() time.Time { return now })
	return f
}

func (f *fixture) balance(t *testing.T, account ledger.Account, user string) *ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), account, user)
	require.NoError(t, err)
	return b
}

func (f *fixture) request(t *testing.T, amount int64) *Refund {
	t.Helper()
	r, err := f.svc.Request(context.Background(), RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: amount, Reason: "never delivered"})
	require.NoError(t, err)
	return r
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      RequestInput
		wantErr error
	}{
		{"zero amount", RequestInput{OrderID: "ord1", RequestedBy: "c1"}, ErrInvalidAmount},
		{"over total", RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 5001}, ErrAmountExceedsTotal},
		{"provider cannot request", RequestInput{OrderID: "ord1", RequestedBy: "p1", AmountCents: 100}, participant.ErrNotParticipant},
		{"unknown order", RequestInput{OrderID: "nope", RequestedBy: "c1", AmountCents: 100}, ErrOrderNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Request(ctx, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	r := f.request(t, 5000)
	assert.Equal(t, StatusPending, r.Status)
	_, err := f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 100})
	assert.ErrorIs(t, err, ErrPendingExists)
}

func TestDecide_ApproveMovesMoneyAndConservesTotal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.request(t, 5000)

	before := f.balance(t, ledger.AccountProvider, "p1").Spendable() + f.balance(t, ledger.AccountClient, "c1").AvailableCents

	settled, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true, AdminNote: "provider agreed"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, settled.Status)
	assert.NotEmpty(t, settled.TransactionID)
	assert.Equal(t, "a1", settled.DecidedBy)

	provider := f.balance(t, ledger.AccountProvider, "p1")
	client := f.balance(t, ledger.AccountClient, "c1")
	assert.Equal(t, int64(0), provider.PendingCents, "pending drains first")
	assert.Equal(t, int64(3000), provider.AvailableCents)
	assert.Equal(t, int64(5000), client.AvailableCents)
	assert.Equal(t, int64(5000), client.TotalReceivedCents)
	assert.Equal(t, before, provider.Spendable()+client.AvailableCents)

	o, _ := f.orders.Get(ctx, "ord1")
	assert.Equal(t, orders.StatusRefunded, o.Status)

	txn, err := f.ledger.GetTransaction(ctx, settled.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, txn.Status)
	assert.Equal(t, ledger.Debit{FromPending: 3000, FromAvailable: 2000}, txn.Debit)
	assert.Equal(t, "p1", txn.FromUser)
	assert.Equal(t, "c1", txn.ToUser)

	_, err = f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Contains(t, f.notifier.events, "c1:refund.completed")

	_, err = f.svc.Request(ctx, RequestInput{OrderID: "ord1", RequestedBy: "c1", AmountCents: 100})
	assert.ErrorIs(t, err, ErrOrderRefunded)
}

func TestDecide_RejectLeavesBalances(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.request(t, 2000)

	got, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: false, AdminNote: "work was delivered"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
	assert.Equal(t, "work was delivered", got.AdminNote)

	assert.Equal(t, int64(8000), f.balance(t, ledger.AccountProvider, "p1").Spendable())
	assert.Equal(t, int64(0), f.balance(t, ledger.AccountClient, "c1").AvailableCents)
	o, _ := f.orders.Get(ctx, "ord1")
	assert.Equal(t, orders.StatusDisputed, o.Status)

	_, err = f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestDecide_InsufficientFundsWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.ledger.SetBalance(&ledger.Balance{UserID: "p1", Account: ledger.AccountProvider, PendingCents: 500, AvailableCents: 500})
	r := f.request(t, 5000)

	_, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, int64(1000), f.balance(t, ledger.AccountProvider, "p1").Spendable())
	assert.Equal(t, int64(0), f.balance(t, ledger.AccountClient, "c1").AvailableCents)
	got, _ := f.store.Get(ctx, r.ID)
	assert.Equal(t, StatusPending, got.Status)
	txs, _ := f.ledger.ListTransactions(ctx, "p1", 10)
	assert.Empty(t, txs)
}

func TestDecide_CompensatesOnFailure(t *testing.T) {
	f := newFixture(t, func(os *orders.MemoryStore) orders.Store { return failingOrders{os} })
	ctx := context.Background()
	r := f.request(t, 4000)

	_, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true})
	require.Error(t, err)

	provider := f.balance(t, ledger.AccountProvider, "p1")
	assert.Equal(t, int64(3000), provider.PendingCents)
	assert.Equal(t, int64(5000), provider.AvailableCents)
	client := f.balance(t, ledger.AccountClient, "c1")
	assert.Equal(t, int64(0), client.AvailableCents)
	assert.Equal(t, int64(0), client.TotalReceivedCents)

	got, _ := f.store.Get(ctx, r.ID)
	assert.Equal(t, StatusPending, got.Status)
	o, _ := f.orders.Get(ctx, "ord1")
	assert.Equal(t, orders.StatusDisputed, o.Status)

	txs, _ := f.ledger.ListTransactions(ctx, "p1", 10)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxFailed, txs[0].Status)
}

func TestDecide_ConcurrentApprovalsSettleOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := f.request(t, 1000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Decide(ctx, r.ID, "a1", Decision{Approve: true}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, int64(1000), f.balance(t, ledger.AccountClient, "c1").AvailableCents)
}

func TestDecide_RequiresAdmin(t *testing.T) {
	f := newFixture(t, nil)
	r := f.request(t, 1000)

	_, err := f.svc.Decide(context.Background(), r.ID, "c1", Decision{Approve: true})
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = f.svc.Decide(context.Background(), "missing", "a1", Decision{Approve: true})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestFromDispute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestFromDispute(ctx, "ord1", "dsp1", "c1", 5000, "dispute resolved"))
	list, err := f.svc.List(ctx, "a1", StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dsp1", list[0].DisputeID)

	_, err = f.svc.List(ctx, "c1", "", 0)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"", "pending", "completed", "rejected"} {
		_, err := ParseStatus(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseStatus("approved")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

// slowBalances widens the window between reading a provider balance and
// debiting it.
type slowBalances struct {
	*ledger.MemoryStore
}

func (s slowBalances) GetBalance(ctx context.Context, account ledger.Account, userID string) (*ledger.Balance, error) {
	b, err := s.MemoryStore.GetBalance(ctx, account, userID)
	time.Sleep(20 * time.Millisecond)
	return b, err
}

func TestDecide_ConcurrentRefundsSameProviderPlanFromCurrentBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.orders.PutOrder(&orders.Order{ID: "ord2", ClientID: "c1", ProviderID: "prov1", Status: orders.StatusDisputed, TotalCents: 3000})
	f.svc = NewService(f.store, NewSagaSettler(f.store, f.orders, slowBalances{f.ledger}, slog.Default()), f.orders, slog.Default())

	r1 := f.request(t, 5000)
	r2, err := f.svc.Request(ctx, RequestInput{OrderID: "ord2", RequestedBy: "c1", AmountCents: 3000, Reason: "late"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{r1.ID, r2.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Decide(ctx, id, "a1", Decision{Approve: true})
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1], "pending plus available covers both refunds")
	provider := f.balance(t, ledger.AccountProvider, "p1")
	assert.Equal(t, int64(0), provider.Spendable())
	assert.Equal(t, int64(8000), f.balance(t, ledger.AccountClient, "c1").AvailableCents)
}
