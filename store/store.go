// Package store is the cache store: the single owner of every cache entry.
//
// Entries live in a sharded map keyed by the canonical key encoding; one
// mutex per shard serialises all operations on a key, while keys in different
// shards proceed independently. Nothing outside this package touches an entry
// directly. Reads return snapshots, writes go through the operations below and
// each write publishes an Event (for subscribed entries) on Events().
//
// Versions come from one store-wide sequence, so they are strictly increasing
// per key even when an entry is removed and recreated.
package store

import (
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/querycache/internal/util"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
)

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	shards []*shard
	seq    atomic.Uint64
	size   atomic.Int64
	q      *queue
	closed atomic.Bool

	opt Options
}

// Persisted is the serialisable part of an entry (see Dehydrate).
type Persisted struct {
	Key       key.Key   `json:"key"`
	Data      any       `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New constructs a store with the provided Options.
func New(opt Options) *Store {
	opt.Metrics = metrics.OrNoop(opt.Metrics)
	st := &Store{opt: opt, q: newQueue()}
	st.shards = make([]*shard, util.ShardCount(opt.Shards))
	for i := range st.shards {
		st.shards[i] = newShard(st)
	}
	return st
}

// Events returns the change feed. It is meant for exactly one consumer and is
// closed by Close.
func (st *Store) Events() <-chan Event { return st.q.out }

// Get returns a snapshot of the entry for k. No side effects.
func (st *Store) Get(k key.Key) (Entry, bool) {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(k)
	if n == nil {
		return Entry{Key: k}, false
	}
	return n.snapshot(), true
}

// Put stores data as a successful value: status=success, updatedAt=now,
// error and invalidation cleared. An in-flight fetch is left alone.
func (st *Store) Put(k key.Key, data any) Entry {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := st.opt.now()
	n := s.getOrCreate(k, now)
	s.applySuccess(n, data, now)
	return s.bump(n, EventPut)
}

// PutError records a failure. The last good data is preserved.
func (st *Store) PutError(k key.Key, err error) Entry {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.getOrCreate(k, st.opt.now())
	s.applyError(n, err)
	return s.bump(n, EventError)
}

// MarkPending records requestID as the only fetch allowed to settle k and
// sets status=pending. It supersedes any previous in-flight request. The
// previous error is cleared; data is untouched.
func (st *Store) MarkPending(k key.Key, requestID string) Entry {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.getOrCreate(k, st.opt.now())
	if n.status != StatusPending {
		n.settled = n.status
	}
	n.status = StatusPending
	n.inflight = requestID
	n.err = nil
	return s.bump(n, EventPending)
}

// Complete settles the fetch identified by requestID with data or err. It
// applies only while requestID is still the entry's in-flight request;
// otherwise the response is stale and Complete returns false without touching
// the entry. A response to a request that started before the entry was
// invalidated is stored but leaves the entry invalidated.
func (st *Store) Complete(k key.Key, requestID string, data any, err error) (Entry, bool) {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(k)
	if n == nil || requestID == "" || n.inflight != requestID {
		if n == nil {
			return Entry{Key: k}, false
		}
		return n.snapshot(), false
	}
	n.inflight = ""
	predates := n.staleFlight == requestID
	n.staleFlight = ""
	if err != nil {
		s.applyError(n, err)
		return s.bump(n, EventError), true
	}
	s.applySuccess(n, data, st.opt.now())
	n.invalidated = predates
	return s.bump(n, EventPut), true
}

// CancelFetch drops the in-flight request and returns the entry to the status
// it had before going pending. An empty requestID cancels whatever is in flight.
func (st *Store) CancelFetch(k key.Key, requestID string) (Entry, bool) {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(k)
	if n == nil {
		return Entry{Key: k}, false
	}
	if n.inflight == "" || (requestID != "" && n.inflight != requestID) {
		return n.snapshot(), false
	}
	n.inflight, n.staleFlight = "", ""
	n.status = n.settled
	return s.bump(n, EventCancel), true
}

// Invalidate marks every entry whose key starts with prefix as stale without
// deleting it, and returns the affected keys. Atomic per key, not across keys.
// A fetch already in flight for a matching entry can no longer make it fresh.
func (st *Store) Invalidate(prefix key.Key) []key.Key {
	var out []key.Key
	for _, s := range st.shards {
		s.mu.Lock()
		for _, n := range s.m {
			if !key.IsPrefixOf(prefix, n.key) {
				continue
			}
			n.invalidated = true
			n.staleFlight = n.inflight
			s.bump(n, EventInvalidate)
			out = append(out, n.key)
		}
		s.mu.Unlock()
	}
	return out
}

// Remove deletes the entry for k. An entry that still has subscribers is reset
// to idle instead, so their count is never lost. Reports whether k existed.
func (st *Store) Remove(k key.Key) bool {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(k)
	if n == nil {
		return false
	}
	if n.subs > 0 {
		n.reset()
		s.bump(n, EventRemove)
		return true
	}
	s.drop(n, metrics.EvictExplicit)
	return true
}

// Restore puts an entry back to a previously taken snapshot (mutation
// rollback). When existed is false the key had no entry before: it is removed,
// or reset to idle if it gained subscribers in the meantime.
func (st *Store) Restore(k key.Key, snap Entry, existed bool) Entry {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !existed {
		n := s.lookup(k)
		if n == nil {
			return Entry{Key: k}
		}
		if n.subs == 0 && n.inflight == "" {
			s.drop(n, metrics.EvictExplicit)
			return Entry{Key: k}
		}
		n.reset()
		return s.bump(n, EventRestore)
	}

	n := s.getOrCreate(k, st.opt.now())
	status := snap.Status
	if status == StatusPending {
		// The fetch that was pending at snapshot time has been cancelled.
		status = StatusIdle
		if snap.HasData() {
			status = StatusSuccess
		}
	}
	n.status, n.settled = status, status
	n.data = snap.Data
	n.err = snap.Err
	n.updatedAt = snap.UpdatedAt
	n.invalidated = snap.Invalidated
	return s.bump(n, EventRestore)
}

// Acquire registers one subscriber on k, creating an idle entry if none exists.
func (st *Store) Acquire(k key.Key) Entry {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.getOrCreate(k, st.opt.now())
	n.subs++
	n.idleSince = time.Time{}
	return n.snapshot()
}

// Release unregisters one subscriber. The count never goes below zero;
// reaching zero starts the retention clock. Never deletes the entry.
func (st *Store) Release(k key.Key) (Entry, bool) {
	s := st.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.lookup(k)
	if n == nil || n.subs == 0 {
		if n == nil {
			return Entry{Key: k}, false
		}
		return n.snapshot(), false
	}
	n.subs--
	if n.subs == 0 {
		n.idleSince = st.opt.now()
	}
	return n.snapshot(), true
}

// Sweep removes every entry that has had no subscribers for longer than its
// retention window and has no fetch in flight. The check and the delete
// happen under the same lock, so a subscriber that arrives first always wins.
func (st *Store) Sweep(now time.Time) []key.Key {
	var out []key.Key
	for _, s := range st.shards {
		s.mu.Lock()
		for _, n := range s.m {
			if n.collectible(now) {
				s.drop(n, metrics.EvictRetention)
				out = append(out, n.key)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Dehydrate returns the serialisable contents of the store: key, data and
// updatedAt of every entry holding data. Transient fields are never included.
func (st *Store) Dehydrate() []Persisted {
	var out []Persisted
	for _, s := range st.shards {
		s.mu.Lock()
		for _, n := range s.m {
			if n.updatedAt.IsZero() {
				continue
			}
			out = append(out, Persisted{Key: n.key, Data: n.data, UpdatedAt: n.updatedAt})
		}
		s.mu.Unlock()
	}
	return out
}

// Hydrate writes persisted entries back as successful data. An item never
// overwrites data that is as new or newer. Returns the number applied.
func (st *Store) Hydrate(items []Persisted) int {
	applied := 0
	for _, it := range items {
		if it.Key.IsZero() || it.UpdatedAt.IsZero() {
			continue
		}
		s := st.shardFor(it.Key)
		s.mu.Lock()
		n := s.getOrCreate(it.Key, st.opt.now())
		if n.updatedAt.Before(it.UpdatedAt) {
			s.applySuccess(n, it.Data, it.UpdatedAt)
			s.bump(n, EventPut)
			applied++
		}
		s.mu.Unlock()
	}
	return applied
}

// Len returns the number of resident entries.
func (st *Store) Len() int { return int(st.size.Load()) }

// Close stops event delivery and closes the Events channel. Operations keep
// working on the map but publish nothing.
func (st *Store) Close() error {
	if st.closed.CompareAndSwap(false, true) {
		st.q.close()
	}
	return nil
}

// Now returns the store's current time (its Clock, or the wall clock).
func (st *Store) Now() time.Time { return st.opt.now() }

// shardFor picks a shard by hashing the canonical key.
func (st *Store) shardFor(k key.Key) *shard {
	return st.shards[util.ShardIndex(k.Hash(), len(st.shards))]
}
