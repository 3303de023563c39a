package store

import (
	"time"

	"github.com/IvanBrykalov/querycache/key"
)

// Status is the fetch lifecycle state of an entry.
type Status uint8

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Lifetime holds the per-resource freshness and retention windows.
//   - StaleAfter < 0 means data never goes stale on its own (only invalidation).
//   - RetainAfter < 0 means the entry is never garbage collected.
type Lifetime struct {
	StaleAfter  time.Duration
	RetainAfter time.Duration
}

// DefaultLifetime applies to keys whose resource has no profile.
var DefaultLifetime = Lifetime{StaleAfter: 0, RetainAfter: 5 * time.Minute}

// Entry is an immutable snapshot of one cache entry. The store never hands
// out its internal state; every read and every event carries a copy.
type Entry struct {
	Key    key.Key
	Status Status
	Data   any   // last successfully fetched or written value
	Err    error // last failure; data stays readable (stale-while-error)

	UpdatedAt   time.Time
	StaleAfter  time.Duration
	RetainAfter time.Duration
	Invalidated bool

	Subscribers int
	InFlight    string // request id allowed to settle the entry
	Version     uint64
	IdleSince   time.Time // when Subscribers last dropped to zero
}

// HasData reports whether the entry holds a value from a successful write.
func (e Entry) HasData() bool { return !e.UpdatedAt.IsZero() }

// Fresh reports whether a read at now may be served without a network call.
func (e Entry) Fresh(now time.Time) bool {
	if e.Status != StatusSuccess || e.Invalidated {
		return false
	}
	if e.StaleAfter < 0 {
		return true
	}
	return now.Sub(e.UpdatedAt) <= e.StaleAfter
}

// DataAs returns the entry's data asserted to T.
func DataAs[T any](e Entry) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}

// node is the mutable per-key record owned by a shard. Guarded by the shard lock.
type node struct {
	key key.Key

	status Status
	// settled is the status to return to when a pending fetch is cancelled.
	settled   Status
	data      any
	err       error
	updatedAt time.Time

	life        Lifetime
	invalidated bool
	// staleFlight is the request that was in flight when the entry was
	// invalidated; its response must not clear the invalidation.
	staleFlight string

	subs      int
	inflight  string
	version   uint64
	idleSince time.Time
}

func (n *node) snapshot() Entry {
	return Entry{
		Key:         n.key,
		Status:      n.status,
		Data:        n.data,
		Err:         n.err,
		UpdatedAt:   n.updatedAt,
		StaleAfter:  n.life.StaleAfter,
		RetainAfter: n.life.RetainAfter,
		Invalidated: n.invalidated,
		Subscribers: n.subs,
		InFlight:    n.inflight,
		Version:     n.version,
		IdleSince:   n.idleSince,
	}
}

// collectible reports whether the garbage collector may drop n at now.
func (n *node) collectible(now time.Time) bool {
	if n.subs > 0 || n.inflight != "" || n.life.RetainAfter < 0 || n.idleSince.IsZero() {
		return false
	}
	return now.Sub(n.idleSince) > n.life.RetainAfter
}

// reset returns n to an empty idle state, keeping its subscribers.
func (n *node) reset() {
	n.status, n.settled = StatusIdle, StatusIdle
	n.data, n.err = nil, nil
	n.updatedAt = time.Time{}
	n.invalidated = false
	n.inflight, n.staleFlight = "", ""
}
