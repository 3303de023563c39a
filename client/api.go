package client

import (
	"context"

	"github.com/IvanBrykalov/querycache/fetch"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/mutation"
	"github.com/IvanBrykalov/querycache/store"
	"github.com/IvanBrykalov/querycache/subscribe"
)

// Engine is the host-facing surface of the query cache.
// All methods are safe for concurrent use by multiple goroutines.
type Engine interface {
	// Register sets the fetch function and policies for a resource name (the
	// first segment of a key).
	Register(name string, res fetch.Resource) error

	// Subscribe delivers the current snapshot of k to fn synchronously, then
	// every change. It starts a fetch if the entry is missing or stale.
	Subscribe(k key.Key, fn subscribe.Listener) (*subscribe.Handle, error)

	// Unsubscribe is idempotent; it reports whether h was still active.
	Unsubscribe(h *subscribe.Handle) bool

	// Snapshot returns the current entry for k (status idle when absent).
	// No side effects.
	Snapshot(k key.Key) store.Entry

	// Query returns fresh data for k, fetching (deduplicated) if needed.
	Query(ctx context.Context, k key.Key) (store.Entry, error)

	// Prefetch warms several keys concurrently and returns the first error.
	Prefetch(ctx context.Context, keys ...key.Key) error

	// SetData writes data for k as if it had been fetched.
	SetData(k key.Key, data any) (store.Entry, error)

	// Invalidate marks every key under prefix stale and refetches the
	// subscribed ones.
	Invalidate(prefix key.Key) []key.Key

	// Cancel stops the fetch in flight for k.
	Cancel(k key.Key) bool

	// Mutate runs fn with optimistic updates and rollback on failure.
	Mutate(ctx context.Context, fn mutation.Func, opts mutation.Options) (any, error)

	// Dehydrate returns the persistable contents; Hydrate loads them back.
	Dehydrate() []store.Persisted
	Hydrate(items []store.Persisted) int

	// Len returns the number of resident entries.
	Len() int

	// Close stops background work and rejects further operations.
	Close() error
}

var _ Engine = (*Client)(nil)
