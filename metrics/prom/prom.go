// Package prom exports engine metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/querycache/metrics"
)

// Adapter implements metrics.Metrics with Prometheus counters, gauges and a
// fetch latency histogram. Safe for concurrent use.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	started   prometheus.Counter
	deduped   prometheus.Counter
	retries   prometheus.Counter
	fetches   *prometheus.CounterVec
	fetchDur  *prometheus.HistogramVec
	evicts    *prometheus.CounterVec
	mutations *prometheus.CounterVec
	notified  prometheus.Counter
	entries   prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		})
	}
	vec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels,
		}, []string{label})
	}

	a := &Adapter{
		hits:      counter("hits_total", "Reads served from fresh cached data"),
		misses:    counter("misses_total", "Reads that required a fetch"),
		started:   counter("fetches_started_total", "Fetch flights started"),
		deduped:   counter("fetches_deduplicated_total", "Fetch requests attached to an in-flight fetch"),
		retries:   counter("fetch_retries_total", "Fetch attempts retried after a failure"),
		fetches:   vec("fetches_total", "Settled fetch flights by outcome", "outcome"),
		evicts:    vec("evictions_total", "Entries removed from the store by reason", "reason"),
		mutations: vec("mutations_total", "Settled mutations by outcome", "outcome"),
		notified:  counter("notifications_total", "Snapshots delivered to subscribers"),
		fetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "fetch_duration_seconds",
			Help:        "Fetch flight duration including retries",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"outcome"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(a.hits, a.misses, a.started, a.deduped, a.retries, a.fetches,
		a.fetchDur, a.evicts, a.mutations, a.notified, a.entries)
	return a
}

func (a *Adapter) Hit()               { a.hits.Inc() }
func (a *Adapter) Miss()              { a.misses.Inc() }
func (a *Adapter) FetchStarted()      { a.started.Inc() }
func (a *Adapter) FetchDeduplicated() { a.deduped.Inc() }
func (a *Adapter) FetchRetried()      { a.retries.Inc() }

// FetchSettled counts the outcome and observes the flight duration.
func (a *Adapter) FetchSettled(o metrics.FetchOutcome, took time.Duration) {
	a.fetches.WithLabelValues(o.String()).Inc()
	a.fetchDur.WithLabelValues(o.String()).Observe(took.Seconds())
}

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r metrics.EvictReason) { a.evicts.WithLabelValues(r.String()).Inc() }

func (a *Adapter) Mutation(o metrics.MutationOutcome) { a.mutations.WithLabelValues(o.String()).Inc() }

func (a *Adapter) Notify(n int) { a.notified.Add(float64(n)) }

// Size updates the resident entries gauge.
func (a *Adapter) Size(entries int) { a.entries.Set(float64(entries)) }

// Compile-time check: ensure Adapter implements metrics.Metrics.
var _ metrics.Metrics = (*Adapter)(nil)
