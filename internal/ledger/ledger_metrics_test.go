package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, op string) float64 {
	t.Helper()
	c, err := OpsTotal.GetMetricWithLabelValues(op)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveOp_CountsLedgerCalls(t *testing.T) {
	OpsTotal.Reset()
	ctx := context.Background()
	l := New(NewMemoryStore())

	_ = l.Deposit(ctx, owner, 10, "0xm1")
	_, _ = l.Move(ctx, owner, agent, 5, "")
	_, _ = l.Move(ctx, owner, agent, 50, "") // fails, still counted

	if got := counterValue(t, "deposit"); got != 1 {
		t.Errorf("deposit: expected 1, got %f", got)
	}
	if got := counterValue(t, "transfer"); got != 2 {
		t.Errorf("transfer: expected 2, got %f", got)
	}
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	OpDuration.Reset()
	observeOp("hist_test")()

	ch := make(chan prometheus.Metric, 10)
	OpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}
