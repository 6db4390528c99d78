package testutil

import (
	"database/sql"
	"testing"
	"time"
)

// DeliveredAt is the delivery time of the seeded order ord1.
var DeliveredAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// SeedMarketplace inserts the marketplace rows the mediation tests share:
// client c1, provider user p1 (listing prov1), admin a1, stranger x1, a
// delivered order ord1 (50.00) and an in-progress order ord2 (20.00).
func SeedMarketplace(t *testing.T, db *sql.DB) {
	t.Helper()
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO profiles (user_id, role) VALUES ('c1','client'), ('p1','provider'), ('a1','admin'), ('x1','client')`, nil},
		{`INSERT INTO providers (id, user_id) VALUES ('prov1', 'p1')`, nil},
		{`INSERT INTO orders (id, client_id, provider_id, status, total_cents, delivered_at) VALUES ('ord1', 'c1', 'prov1', 'delivered', 5000, $1)`, []any{DeliveredAt}},
		{`INSERT INTO orders (id, client_id, provider_id, status, total_cents) VALUES ('ord2', 'c1', 'prov1', 'in_progress', 2000)`, nil},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.query, s.args...); err != nil {
			t.Fatalf("seed marketplace: %v", err)
		}
	}
}

// SeedProviderBalance sets the provider-side balance of userID.
func SeedProviderBalance(t *testing.T, db *sql.DB, userID string, available, pending int64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO provider_balances (user_id, available_cents, pending_cents, total_received_cents)
		VALUES ($1, $2, $3, $2 + $3)
		ON CONFLICT (user_id) DO UPDATE SET available_cents = $2, pending_cents = $3`,
		userID, available, pending)
	if err != nil {
		t.Fatalf("seed provider balance: %v", err)
	}
}
