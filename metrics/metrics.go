// Package metrics defines the observability hooks every engine component
// reports to. Noop is the default; metrics/prom exports them to Prometheus.
package metrics

import "time"

// EvictReason explains why an entry left the store.
type EvictReason int

const (
	// EvictRetention: idle longer than its retention window (garbage collector).
	EvictRetention EvictReason = iota
	// EvictExplicit: removed by the host or a rollback of a key that did not exist.
	EvictExplicit
)

func (r EvictReason) String() string {
	if r == EvictRetention {
		return "retention"
	}
	return "explicit"
}

// FetchOutcome classifies how a fetch flight settled.
type FetchOutcome int

const (
	FetchSuccess FetchOutcome = iota
	FetchError
	// FetchDiscarded: superseded by a newer request; the response was dropped.
	FetchDiscarded
	FetchCanceled
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchSuccess:
		return "success"
	case FetchError:
		return "error"
	case FetchDiscarded:
		return "discarded"
	default:
		return "canceled"
	}
}

// MutationOutcome classifies how a mutation settled.
type MutationOutcome int

const (
	MutationConfirmed MutationOutcome = iota
	MutationRolledBack
	// MutationFailed: failed without optimistic patches to restore.
	MutationFailed
)

func (o MutationOutcome) String() string {
	switch o {
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

// Metrics exposes engine-level observability hooks.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Hit is a read served from fresh cached data; Miss is a read that needed a fetch.
	Hit()
	Miss()
	FetchStarted()
	FetchDeduplicated()
	FetchRetried()
	FetchSettled(outcome FetchOutcome, took time.Duration)
	Evict(reason EvictReason)
	Mutation(outcome MutationOutcome)
	Notify(deliveries int)
	Size(entries int)
}

// Noop is a drop-in Metrics implementation that does nothing.
type Noop struct{}

func (Noop) Hit()                                     {}
func (Noop) Miss()                                    {}
func (Noop) FetchStarted()                            {}
func (Noop) FetchDeduplicated()                       {}
func (Noop) FetchRetried()                            {}
func (Noop) FetchSettled(FetchOutcome, time.Duration) {}
func (Noop) Evict(EvictReason)                        {}
func (Noop) Mutation(MutationOutcome)                 {}
func (Noop) Notify(int)                               {}
func (Noop) Size(int)                                 {}

var _ Metrics = Noop{}

// OrNoop returns m, or Noop when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}
