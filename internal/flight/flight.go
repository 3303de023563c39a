// Package flight tracks the fetch running for each key.
//
// A Group holds at most one current Call per key. Concurrent callers that
// find a current call attach to it instead of starting another one, so the
// work runs once and every waiter observes the same outcome. A forced start
// replaces the current call; the replaced call keeps running and records its
// successor so that its waiters can be handed over when it finishes as
// superseded.
//
// Concurrency notes:
//   - Publishing (val, err) happens-before close(c.done), so reads after
//     <-done observe the final values.
//   - Cancelling the ctx passed to Wait unblocks only that waiter; the call
//     itself is stopped by Cancel or by cancelling the Group's base context.
package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSuperseded is the result a call finishes with when a newer call for the
// same key owns the outcome. Wait follows the successor chain on this error.
var ErrSuperseded = errors.New("flight: superseded")

// Call is one unit of in-flight work.
type Call[V any] struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{} // closed when val/err are published
	val  V
	err  error

	next atomic.Pointer[Call[V]]
	once sync.Once
}

// Context is the context the work must run under. It is derived from the
// Group's base context, never from a caller's.
func (c *Call[V]) Context() context.Context { return c.ctx }

// Done is closed once the call has a result.
func (c *Call[V]) Done() <-chan struct{} { return c.done }

// Successor returns the call that replaced c, if any.
func (c *Call[V]) Successor() *Call[V] { return c.next.Load() }

// Wait blocks until the call settles or ctx is done. A call that finished as
// superseded hands its waiters to the successor; when there is none Wait
// returns ErrSuperseded.
func (c *Call[V]) Wait(ctx context.Context) (V, error) {
	for {
		select {
		case <-c.done:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
		if errors.Is(c.err, ErrSuperseded) {
			if n := c.next.Load(); n != nil {
				c = n
				continue
			}
		}
		return c.val, c.err
	}
}

func (c *Call[V]) publish(v V, err error) bool {
	published := false
	c.once.Do(func() {
		c.val, c.err = v, err
		close(c.done)
		c.cancel()
		published = true
	})
	return published
}

// Group coalesces work per key.
type Group[V any] struct {
	base  context.Context
	newID func() string

	mu sync.Mutex
	m  map[string]*Call[V]
}

// New returns a Group whose calls run under base. newID supplies call ids.
func New[V any](base context.Context, newID func() string) *Group[V] {
	return &Group[V]{base: base, newID: newID, m: make(map[string]*Call[V])}
}

// Start returns the current call for key and false when one exists and force
// is false. Otherwise it registers a new call (superseding the current one)
// and returns it with true; the caller is then the leader and must Finish it.
//
// begin, if non-nil, runs for a new call while the group lock is held, so
// starts for one key are observed by begin in the order they are registered.
func (g *Group[V]) Start(key string, force bool, begin func(c *Call[V])) (*Call[V], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.m[key]
	if ok && !force {
		return prev, false
	}
	ctx, cancel := context.WithCancel(g.base)
	c := &Call[V]{ID: g.newID(), ctx: ctx, cancel: cancel, done: make(chan struct{})}
	if ok {
		prev.next.Store(c)
	}
	g.m[key] = c
	if begin != nil {
		begin(c)
	}
	return c, true
}

// Current returns the call registered for key, or nil.
func (g *Group[V]) Current(key string) *Call[V] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.m[key]
}

// Finish publishes the outcome of c and removes it from the group if it is
// still current. Finishing twice is a no-op; the first outcome wins.
func (g *Group[V]) Finish(key string, c *Call[V], v V, err error) {
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()
	c.publish(v, err)
}

// Cancel stops the current call for key: its context is cancelled, it is
// removed from the group and its waiters receive err. Returns the cancelled
// call, or nil if nothing was in flight.
func (g *Group[V]) Cancel(key string, err error) *Call[V] {
	g.mu.Lock()
	c, ok := g.m[key]
	if ok {
		delete(g.m, key)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}
	var zero V
	c.publish(zero, err)
	return c
}

// Len reports the number of keys with a call in flight.
func (g *Group[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
