package client

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/fetch"
	"github.com/IvanBrykalov/querycache/gc"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/mutation"
	"github.com/IvanBrykalov/querycache/store"
	"github.com/IvanBrykalov/querycache/subscribe"
)

// Client wires the store, executor, subscription hub, mutation orchestrator
// and garbage collector into one engine. It owns all of them.
type Client struct {
	st   *store.Store
	exec *fetch.Executor
	hub  *subscribe.Hub
	mut  *mutation.Orchestrator
	gc   *gc.Collector

	closed atomic.Bool
	log    *slog.Logger
}

// New constructs a client with the provided Options.
func New(opt Options) (*Client, error) {
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}

	reg := fetch.NewRegistry()
	for name, res := range opt.Resources {
		if err := reg.Register(name, res); err != nil {
			return nil, errors.Wrapf(err, "client: resource %q", name)
		}
	}
	if opt.Default != nil {
		if err := reg.SetDefault(*opt.Default); err != nil {
			return nil, errors.Wrap(err, "client: default resource")
		}
	}

	st := store.New(store.Options{
		Shards:   opt.Shards,
		Lifetime: reg.Lifetime,
		OnEvict:  opt.OnEvict,
		Metrics:  opt.Metrics,
		Clock:    opt.Clock,
	})
	exec := fetch.New(st, fetch.Options{
		Registry: reg,
		Metrics:  opt.Metrics,
		Logger:   opt.Logger.With("component", "fetch"),
	})
	c := &Client{
		st:   st,
		exec: exec,
		hub: subscribe.New(st, exec, subscribe.Options{
			Logger:  opt.Logger.With("component", "subscribe"),
			Metrics: opt.Metrics,
		}),
		mut: mutation.New(st, exec, mutation.Config{
			Logger:  opt.Logger.With("component", "mutation"),
			Metrics: opt.Metrics,
		}),
		gc: gc.New(st, gc.Options{
			Interval: opt.GCInterval,
			Logger:   opt.Logger.With("component", "gc"),
		}),
		log: opt.Logger,
	}
	if opt.GCInterval >= 0 {
		c.gc.Start()
	}
	return c, nil
}

// Register sets the fetch function and policies for a resource name.
func (c *Client) Register(name string, res fetch.Resource) error {
	if c.closed.Load() {
		return errs.ErrClosed
	}
	return c.exec.Register(name, res)
}

// Subscribe registers fn for k (see subscribe.Hub.Subscribe).
func (c *Client) Subscribe(k key.Key, fn subscribe.Listener) (*subscribe.Handle, error) {
	if c.closed.Load() {
		return nil, errs.ErrClosed
	}
	return c.hub.Subscribe(k, fn)
}

// Unsubscribe removes h; repeated calls return false.
func (c *Client) Unsubscribe(h *subscribe.Handle) bool { return c.hub.Unsubscribe(h) }

// Snapshot returns the current entry for k. An absent key reads as idle.
func (c *Client) Snapshot(k key.Key) store.Entry {
	e, _ := c.st.Get(k)
	return e
}

// Query returns fresh data for k without a network call, or fetches it.
func (c *Client) Query(ctx context.Context, k key.Key) (store.Entry, error) {
	if c.closed.Load() {
		return store.Entry{Key: k}, errs.ErrClosed
	}
	return c.exec.Query(ctx, k)
}

// Prefetch queries every key concurrently. Keys with fresh data cost nothing.
func (c *Client) Prefetch(ctx context.Context, keys ...key.Key) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		g.Go(func() error {
			_, err := c.Query(ctx, k)
			return err
		})
	}
	return g.Wait()
}

// SetData writes data for k as a successful value.
func (c *Client) SetData(k key.Key, data any) (store.Entry, error) {
	if c.closed.Load() {
		return store.Entry{Key: k}, errs.ErrClosed
	}
	if k.IsZero() {
		return store.Entry{}, errors.Wrap(errs.ErrInvalidKey, "set data: empty key")
	}
	return c.st.Put(k, data), nil
}

// Invalidate marks every key under prefix stale and refetches subscribed ones.
func (c *Client) Invalidate(prefix key.Key) []key.Key {
	if c.closed.Load() {
		return nil
	}
	return c.exec.Invalidate(prefix)
}

// Cancel stops the fetch in flight for k.
func (c *Client) Cancel(k key.Key) bool { return c.exec.Cancel(k) }

// Mutate runs fn with optimistic updates (see mutation.Orchestrator.Mutate).
func (c *Client) Mutate(ctx context.Context, fn mutation.Func, opts mutation.Options) (any, error) {
	if c.closed.Load() {
		return nil, errs.ErrClosed
	}
	return c.mut.Mutate(ctx, fn, opts)
}

// Mutator exposes the orchestrator for typed calls via mutation.Do.
func (c *Client) Mutator() *mutation.Orchestrator { return c.mut }

// Dehydrate returns key, data and updatedAt of every entry holding data.
func (c *Client) Dehydrate() []store.Persisted { return c.st.Dehydrate() }

// Hydrate loads persisted entries; newer cached data is never overwritten.
func (c *Client) Hydrate(items []store.Persisted) int { return c.st.Hydrate(items) }

// Sweep runs one garbage collection pass now.
func (c *Client) Sweep() []key.Key { return c.gc.Sweep() }

// Len returns the number of resident entries.
func (c *Client) Len() int { return c.st.Len() }

// Close stops the collector, the dispatcher and every running fetch, in that
// order. Calling Close more than once is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.gc.Stop()
	_ = c.hub.Close()
	_ = c.exec.Close()
	return c.st.Close()
}
