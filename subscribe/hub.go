// Package subscribe is the subscription manager. It registers listeners per
// key, keeps the store's subscriber counts in step, and fans out store events
// to listeners.
//
// The Hub is the only consumer of store.Events(). One dispatcher goroutine
// delivers events in the order the store published them and, for one key, to
// listeners in subscription order. Every delivery is a full snapshot and a
// listener never sees a version older than one it has already seen.
package subscribe

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
	"github.com/IvanBrykalov/querycache/store"
)

// Listener receives entry snapshots.
type Listener func(e store.Entry)

// Ensurer runs the freshness decision for a key (fetch.Executor does).
type Ensurer interface {
	Ensure(k key.Key) bool
}

// Options configures the hub. Zero values are safe.
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.Metrics
}

// Handle identifies one subscription.
type Handle struct {
	id  uint64
	key key.Key
	fn  Listener

	alive atomic.Bool

	mu   sync.Mutex // serialises deliveries to fn
	last uint64     // version of the last delivered snapshot
}

// Key returns the subscribed key.
func (h *Handle) Key() key.Key { return h.key }

// Active reports whether the subscription is still registered.
func (h *Handle) Active() bool { return h.alive.Load() }

// Hub is safe for concurrent use.
type Hub struct {
	st     *store.Store
	ensure Ensurer

	mu     sync.RWMutex
	subs   map[string][]*Handle
	closed bool

	seq  atomic.Uint64
	done chan struct{}
	wg   sync.WaitGroup

	log *slog.Logger
	met metrics.Metrics
}

// New starts a hub over st. ensure may be nil (no fetch on subscribe).
func New(st *store.Store, ensure Ensurer, opt Options) *Hub {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	h := &Hub{
		st:     st,
		ensure: ensure,
		subs:   make(map[string][]*Handle),
		done:   make(chan struct{}),
		log:    opt.Logger,
		met:    metrics.OrNoop(opt.Metrics),
	}
	h.wg.Add(1)
	go h.dispatch()
	return h
}

// Subscribe registers fn for k, increments the entry's subscriber count
// (creating an idle entry if needed), delivers the current snapshot
// synchronously and then runs the freshness decision.
func (h *Hub) Subscribe(k key.Key, fn Listener) (*Handle, error) {
	if k.IsZero() {
		return nil, errors.Wrap(errs.ErrInvalidKey, "subscribe: empty key")
	}
	if fn == nil {
		return nil, errors.New("subscribe: nil listener")
	}
	sub := &Handle{id: h.seq.Add(1), key: k, fn: fn}
	sub.alive.Store(true)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errs.ErrClosed
	}
	name := k.String()
	h.subs[name] = append(h.subs[name], sub)
	h.mu.Unlock()

	// Registered before Acquire: every event published from here on reaches sub.
	e := h.st.Acquire(k)
	h.deliver(sub, e)

	if h.ensure != nil {
		h.ensure.Ensure(k)
	}
	return sub, nil
}

// Unsubscribe removes the subscription. It is idempotent: only the first call
// decrements the subscriber count and returns true. In-flight fetches are not
// cancelled.
func (h *Hub) Unsubscribe(sub *Handle) bool {
	if sub == nil || !sub.alive.CompareAndSwap(true, false) {
		return false
	}
	name := sub.key.String()

	h.mu.Lock()
	list := h.subs[name]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.subs, name)
	} else {
		h.subs[name] = list
	}
	h.mu.Unlock()

	h.st.Release(sub.key)
	return true
}

// Count returns the number of active subscriptions for k.
func (h *Hub) Count(k key.Key) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[k.String()])
}

// Close stops the dispatcher. Subscribe fails afterwards with errs.ErrClosed;
// existing handles receive nothing more.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.done)
	h.wg.Wait()
	return nil
}

func (h *Hub) dispatch() {
	defer h.wg.Done()
	events := h.st.Events()
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.fanout(ev)
		}
	}
}

func (h *Hub) fanout(ev store.Event) {
	h.mu.RLock()
	list := h.subs[ev.Entry.Key.String()]
	targets := make([]*Handle, len(list))
	copy(targets, list)
	h.mu.RUnlock()

	n := 0
	for _, sub := range targets {
		if h.deliver(sub, ev.Entry) {
			n++
		}
	}
	if n > 0 {
		h.met.Notify(n)
	}
}

// deliver hands e to sub unless sub is gone or has seen a newer version.
func (h *Hub) deliver(sub *Handle, e store.Entry) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if !sub.alive.Load() || (sub.last != 0 && e.Version <= sub.last) {
		return false
	}
	sub.last = e.Version
	h.call(sub, e)
	return true
}

func (h *Hub) call(sub *Handle, e store.Entry) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("listener panicked",
				"key", sub.key.String(), "subscription", sub.id, "panic", r)
		}
	}()
	sub.fn(e)
}
