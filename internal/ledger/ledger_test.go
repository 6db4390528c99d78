package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/mediation/internal/auth"
)

func TestSplitDebit(t *testing.T) {
	tests := []struct {
		name      string
		pending   int64
		available int64
		amount    int64
		want      Debit
		wantErr   error
	}{
		{name: "all from pending", pending: 5000, available: 1000, amount: 3000, want: Debit{FromPending: 3000}},
		{name: "pending exactly", pending: 3000, available: 0, amount: 3000, want: Debit{FromPending: 3000}},
		{name: "spills into available", pending: 1000, available: 5000, amount: 3000, want: Debit{FromPending: 1000, FromAvailable: 2000}},
		{name: "only available", pending: 0, available: 5000, amount: 2500, want: Debit{FromAvailable: 2500}},
		{name: "insufficient", pending: 1000, available: 1000, amount: 2001, wantErr: ErrInsufficientFunds},
		{name: "zero amount", pending: 1000, amount: 0, wantErr: ErrInvalidAmount},
		{name: "negative amount", pending: 1000, amount: -5, wantErr: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitDebit(&Balance{PendingCents: tt.pending, AvailableCents: tt.available}, tt.amount)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if got.Total() != tt.amount {
				t.Errorf("debit total %d != amount %d", got.Total(), tt.amount)
			}
		})
	}
}

func TestMemoryStore_DebitAndCompensate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SetBalance(&Balance{UserID: "prov", Account: AccountProvider, PendingCents: 1000, AvailableCents: 4000})

	d := Debit{FromPending: 1000, FromAvailable: 500}
	if err := s.DebitProvider(ctx, "prov", d); err != nil {
		t.Fatalf("DebitProvider: %v", err)
	}
	b, _ := s.GetBalance(ctx, AccountProvider, "prov")
	if b.PendingCents != 0 || b.AvailableCents != 3500 {
		t.Fatalf("unexpected balance after debit: %+v", b)
	}

	// A debit that would take a bucket negative is refused untouched.
	if err := s.DebitProvider(ctx, "prov", Debit{FromPending: 1}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := s.CreditProvider(ctx, "prov", d); err != nil {
		t.Fatalf("CreditProvider: %v", err)
	}
	b, _ = s.GetBalance(ctx, AccountProvider, "prov")
	if b.PendingCents != 1000 || b.AvailableCents != 4000 {
		t.Fatalf("compensation did not restore balance: %+v", b)
	}
}

func TestMemoryStore_ClientCreditCreatesRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	b, _ := s.GetBalance(ctx, AccountClient, "client")
	if b.AvailableCents != 0 {
		t.Fatalf("expected zero balance for missing row, got %+v", b)
	}

	if err := s.CreditClient(ctx, "client", 2500); err != nil {
		t.Fatalf("CreditClient: %v", err)
	}
	b, _ = s.GetBalance(ctx, AccountClient, "client")
	if b.AvailableCents != 2500 || b.TotalReceivedCents != 2500 {
		t.Fatalf("unexpected client balance: %+v", b)
	}

	if err := s.DebitClient(ctx, "client", 2500); err != nil {
		t.Fatalf("DebitClient: %v", err)
	}
	b, _ = s.GetBalance(ctx, AccountClient, "client")
	if b.AvailableCents != 0 || b.TotalReceivedCents != 0 {
		t.Fatalf("unexpected client balance after reversal: %+v", b)
	}

	if err := s.CreditClient(ctx, "client", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMemoryStore_Transactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	tx := &Transaction{ID: "tx-1", Type: TxRefund, Status: TxProcessing, OrderID: "ord", FromUser: "prov", ToUser: "client", AmountCents: 100, CreatedAt: now}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTransactionStatus(ctx, "tx-1", TxCompleted, now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTransaction(ctx, "tx-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != TxCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed transaction, got %+v", got)
	}

	list, _ := s.ListTransactions(ctx, "client", 10)
	if len(list) != 1 {
		t.Fatalf("expected 1 transaction for client, got %d", len(list))
	}
	if err := s.SetTransactionStatus(ctx, "missing", TxFailed, now); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestLedger_PlanRefund(t *testing.T) {
	s := NewMemoryStore()
	s.SetBalance(&Balance{UserID: "prov", Account: AccountProvider, PendingCents: 200, AvailableCents: 800})
	l := New(s)

	d, err := l.PlanRefund(context.Background(), "prov", 500)
	if err != nil {
		t.Fatal(err)
	}
	if d.FromPending != 200 || d.FromAvailable != 300 {
		t.Fatalf("unexpected plan %+v", d)
	}
}

func TestHandler_GetMyBalances(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewMemoryStore()
	s.SetBalance(&Balance{UserID: "u1", Account: AccountClient, AvailableCents: 700})
	h := NewHandler(New(s), slog.Default())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyUserID, c.GetHeader("X-User"))
		c.Next()
	})
	h.RegisterProtectedRoutes(r.Group(""))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/balances/me", nil)
	req.Header.Set("X-User", "u1")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Success bool    `json:"success"`
		Client  Balance `json:"client"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Client.AvailableCents != 700 {
		t.Fatalf("unexpected response %s", w.Body.String())
	}
}
