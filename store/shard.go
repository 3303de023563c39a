package store

import (
	"sync"
	"time"

	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
)

// shard is an independent partition of the store with its own lock and map.
// Every operation on one key runs under exactly one shard lock, which is what
// makes per-key operations atomic and totally ordered.
type shard struct {
	// ---- guarded by mu ----
	mu sync.Mutex
	m  map[string]*node

	st *Store
}

func newShard(st *Store) *shard {
	return &shard{m: make(map[string]*node), st: st}
}

// -------------------- internals (mu held) --------------------

func (s *shard) lookup(k key.Key) *node { return s.m[k.String()] }

// getOrCreate returns the node for k, inserting an idle one if absent.
func (s *shard) getOrCreate(k key.Key, now time.Time) *node {
	if n, ok := s.m[k.String()]; ok {
		return n
	}
	life := DefaultLifetime
	if s.st.opt.Lifetime != nil {
		life = s.st.opt.Lifetime(k)
	}
	n := &node{
		key:       k,
		life:      life,
		version:   s.st.seq.Add(1),
		idleSince: now,
	}
	s.m[k.String()] = n
	s.st.opt.Metrics.Size(int(s.st.size.Add(1)))
	return n
}

// drop deletes n and reports the eviction.
func (s *shard) drop(n *node, reason metrics.EvictReason) {
	delete(s.m, n.key.String())
	s.st.opt.Metrics.Size(int(s.st.size.Add(-1)))
	s.st.opt.Metrics.Evict(reason)
	if cb := s.st.opt.OnEvict; cb != nil {
		// Called under the lock; pass a snapshot, never the node.
		cb(n.snapshot(), reason)
	}
}

// bump stamps a new version on n and publishes the change.
func (s *shard) bump(n *node, kind EventKind) Entry {
	n.version = s.st.seq.Add(1)
	e := n.snapshot()
	if n.subs > 0 {
		// No subscribers, no notification.
		s.st.q.push(Event{Kind: kind, Entry: e})
	}
	return e
}

func (s *shard) applySuccess(n *node, data any, now time.Time) {
	n.status, n.settled = StatusSuccess, StatusSuccess
	n.data = data
	n.err = nil
	n.updatedAt = now
	n.invalidated = false
}

func (s *shard) applyError(n *node, err error) {
	n.status, n.settled = StatusError, StatusError
	n.err = err
}
