package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type balanceKey struct {
	account Account
	userID  string
}

// MemoryStore is an in-memory ledger for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*Balance
	txs      map[string]*Transaction
}

// NewMemoryStore creates an empty ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*Balance),
		txs:      make(map[string]*Transaction),
	}
}

// SetBalance seeds a balance row.
func (m *MemoryStore) SetBalance(b *Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.balances[balanceKey{b.Account, b.UserID}] = &cp
}

func (m *MemoryStore) GetBalance(_ context.Context, account Account, userID string) (*Balance, error) {
	defer observeOp("get_balance")()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[balanceKey{account, userID}]; ok {
		cp := *b
		return &cp, nil
	}
	return &Balance{UserID: userID, Account: account, UpdatedAt: time.Now()}, nil
}

// row returns the balance row, creating it. Caller must hold m.mu.
func (m *MemoryStore) row(account Account, userID string) *Balance {
	k := balanceKey{account, userID}
	b, ok := m.balances[k]
	if !ok {
		b = &Balance{UserID: userID, Account: account}
		m.balances[k] = b
	}
	return b
}

func (m *MemoryStore) DebitProvider(_ context.Context, userID string, d Debit) error {
	defer observeOp("debit_provider")()
	if d.FromPending < 0 || d.FromAvailable < 0 || d.Total() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.row(AccountProvider, userID)
	if b.PendingCents < d.FromPending || b.AvailableCents < d.FromAvailable {
		return ErrInsufficientFunds
	}
	b.PendingCents -= d.FromPending
	b.AvailableCents -= d.FromAvailable
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreditProvider(_ context.Context, userID string, d Debit) error {
	defer observeOp("credit_provider")()
	if d.FromPending < 0 || d.FromAvailable < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.row(AccountProvider, userID)
	b.PendingCents += d.FromPending
	b.AvailableCents += d.FromAvailable
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreditClient(_ context.Context, userID string, amount int64) error {
	defer observeOp("credit_client")()
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.row(AccountClient, userID)
	b.AvailableCents += amount
	b.TotalReceivedCents += amount
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DebitClient(_ context.Context, userID string, amount int64) error {
	defer observeOp("debit_client")()
	if amount <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.row(AccountClient, userID)
	if b.AvailableCents < amount || b.TotalReceivedCents < amount {
		return ErrInsufficientFunds
	}
	b.AvailableCents -= amount
	b.TotalReceivedCents -= amount
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) SetTransactionStatus(_ context.Context, id string, status TxStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = status
	if status == TxCompleted {
		t := at
		tx.CompletedAt = &t
	}
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if tx.FromUser == userID || tx.ToUser == userID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
