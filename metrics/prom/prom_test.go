package prom

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/IvanBrykalov/querycache/metrics"
)

func TestAdapter_CountsByLabel(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a := New(reg, "qc", "test", nil)

	a.Hit()
	a.Hit()
	a.Miss()
	a.FetchSettled(metrics.FetchSuccess, 10*time.Millisecond)
	a.FetchSettled(metrics.FetchDiscarded, time.Millisecond)
	a.Evict(metrics.EvictRetention)
	a.Mutation(metrics.MutationRolledBack)
	a.Notify(3)
	a.Size(42)

	if got := testutil.ToFloat64(a.hits); got != 2 {
		t.Fatalf("hits: want 2, got %v", got)
	}
	if got := testutil.ToFloat64(a.fetches.WithLabelValues("discarded")); got != 1 {
		t.Fatalf("discarded fetches: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(a.evicts.WithLabelValues("retention")); got != 1 {
		t.Fatalf("retention evictions: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(a.mutations.WithLabelValues("rolled_back")); got != 1 {
		t.Fatalf("rolled back mutations: want 1, got %v", got)
	}
	if got := testutil.ToFloat64(a.notified); got != 3 {
		t.Fatalf("notifications: want 3, got %v", got)
	}
	if got := testutil.ToFloat64(a.entries); got != 42 {
		t.Fatalf("size: want 42, got %v", got)
	}
	if n := testutil.CollectAndCount(a.fetchDur); n != 2 {
		t.Fatalf("histogram series: want 2, got %d", n)
	}
}
