package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOp_CountsByType(t *testing.T) {
	LedgerOpsTotal.Reset()

	observeOp("refund_probe")()
	observeOp("refund_probe")()

	if got := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("refund_probe")); got != 2 {
		t.Errorf("expected 2 operations, got %v", got)
	}
}

func TestObserveOp_ObservesLatency(t *testing.T) {
	LedgerOpDuration.Reset()

	observeOp("latency_probe")()

	if n := testutil.CollectAndCount(LedgerOpDuration); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
}

func TestMemoryStore_RecordsOps(t *testing.T) {
	LedgerOpsTotal.Reset()
	s := NewMemoryStore()

	if err := s.CreditClient(context.Background(), "c1", 500); err != nil {
		t.Fatalf("CreditClient: %v", err)
	}
	if got := testutil.ToFloat64(LedgerOpsTotal.WithLabelValues("credit_client")); got != 1 {
		t.Errorf("credit_client ops = %v", got)
	}
}

func TestRecordRefunded(t *testing.T) {
	before := testutil.ToFloat64(LedgerRefundedCents)
	RecordRefunded(2500)
	if got := testutil.ToFloat64(LedgerRefundedCents) - before; got != 2500 {
		t.Errorf("expected +2500 refunded cents, got %v", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	observeOp("registered_probe")()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
	}
	for _, name := range []string{
		"mediation_ledger_operations_total",
		"mediation_ledger_operation_duration_seconds",
		"mediation_ledger_refunded_cents_total",
	} {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
