package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/mediation/internal/ledger"
	"github.com/mbd888/mediation/internal/orders"
	"github.com/mbd888/mediation/internal/syncutil"
)

// step is one forward action of a saga and the action that undoes it.
type step struct {
	name string
	do   func(ctx context.Context) error
	undo func(ctx context.Context) error
}

// saga runs steps in order. When a step fails, the undo of every step
// that already succeeded runs in reverse.
type saga struct {
	steps  []step
	logger *slog.Logger
}

func (s *saga) add(name string, do, undo func(ctx context.Context) error) {
	s.steps = append(s.steps, step{name: name, do: do, undo: undo})
}

func (s *saga) run(ctx context.Context) error {
	for i, st := range s.steps {
		if err := st.do(ctx); err != nil {
			s.compensate(context.WithoutCancel(ctx), i)
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return nil
}

func (s *saga) compensate(ctx context.Context, failed int) {
	for i := failed - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.undo == nil {
			continue
		}
		if err := st.undo(ctx); err != nil {
			s.logger.Error("CRITICAL: refund compensation failed, manual reconciliation needed",
				"step", st.name, "error", err)
		}
	}
}

// SagaSettler settles refunds against stores that cannot share a
// transaction. It is used with the in-memory stores. Settlements against the
// same provider are serialized so each plans its debit from a current balance.
type SagaSettler struct {
	refunds   *MemoryStore
	orders    orders.Store
	ledger    ledger.Store
	planner   *ledger.Ledger
	providers *syncutil.KeyedMutex
	logger    *slog.Logger
}

// NewSagaSettler creates a settler over the in-memory stores.
func NewSagaSettler(refunds *MemoryStore, orderStore orders.Store, ledgerStore ledger.Store, logger *slog.Logger) *SagaSettler {
	return &SagaSettler{
		refunds:   refunds,
		orders:    orderStore,
		ledger:    ledgerStore,
		planner:   ledger.New(ledgerStore),
		providers: syncutil.NewKeyedMutex(0),
		logger:    logger,
	}
}

func (s *SagaSettler) Apply(ctx context.Context, st Settlement) (*Refund, *ledger.Transaction, error) {
	r, err := s.refunds.Get(ctx, st.RefundID)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != StatusPending {
		return nil, nil, ErrAlreadyProcessed
	}
	order, err := s.orders.Get(ctx, r.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if err := checkOrder(order, r); err != nil {
		return nil, nil, err
	}
	providerUser, err := s.orders.UserIDForProvider(ctx, order.ProviderID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve provider owner: %w", err)
	}

	unlock, err := s.providers.Lock(ctx, providerUser)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	debit, err := s.planner.PlanRefund(ctx, providerUser, r.AmountCents)
	if err != nil {
		return nil, nil, err
	}

	txn := newTransaction(st, r, providerUser, order.ClientID, debit)
	var settled *Refund

	sg := &saga{logger: s.logger.With("refund_id", r.ID, "transaction_id", txn.ID)}
	sg.add("insert transaction",
		func(ctx context.Context) error { return s.ledger.CreateTransaction(ctx, txn) },
		func(ctx context.Context) error {
			return s.ledger.SetTransactionStatus(ctx, txn.ID, ledger.TxFailed, st.At)
		})
	sg.add("debit provider",
		func(ctx context.Context) error { return s.ledger.DebitProvider(ctx, providerUser, debit) },
		func(ctx context.Context) error { return s.ledger.CreditProvider(ctx, providerUser, debit) })
	sg.add("credit client",
		func(ctx context.Context) error { return s.ledger.CreditClient(ctx, order.ClientID, r.AmountCents) },
		func(ctx context.Context) error { return s.ledger.DebitClient(ctx, order.ClientID, r.AmountCents) })
	sg.add("mark order refunded",
		func(ctx context.Context) error { return s.orders.SetStatus(ctx, order.ID, orders.StatusRefunded) },
		func(ctx context.Context) error { return s.orders.SetStatus(ctx, order.ID, order.Status) })
	sg.add("complete transaction",
		func(ctx context.Context) error {
			return s.ledger.SetTransactionStatus(ctx, txn.ID, ledger.TxCompleted, st.At)
		},
		nil)
	sg.add("complete refund",
		func(ctx context.Context) error {
			var err error
			settled, err = s.refunds.Complete(ctx, r.ID, txn.ID, st.AdminID, st.AdminNote, st.At)
			return err
		},
		nil)

	if err := sg.run(ctx); err != nil {
		return nil, nil, err
	}
	txn.Status = ledger.TxCompleted
	txn.CompletedAt = &st.At
	return settled, txn, nil
}

// checkOrder validates the order a refund settles against.
func checkOrder(o *orders.Order, r *Refund) error {
	if o.Status == orders.StatusRefunded {
		return ErrOrderRefunded
	}
	if r.AmountCents > o.TotalCents {
		return ErrAmountExceedsTotal
	}
	return nil
}

func newTransaction(st Settlement, r *Refund, providerUser, clientID string, d ledger.Debit) *ledger.Transaction {
	return &ledger.Transaction{
		ID:          st.TransactionID,
		Type:        ledger.TxRefund,
		Status:      ledger.TxProcessing,
		OrderID:     r.OrderID,
		RefundID:    r.ID,
		FromUser:    providerUser,
		ToUser:      clientID,
		AmountCents: r.AmountCents,
		Debit:       d,
		CreatedAt:   st.At,
	}
}
