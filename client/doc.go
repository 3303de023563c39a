// Package client is the entry point of querycache: an in-process engine that
// keeps remote data cached by structured keys, deduplicates and retries
// fetches, notifies subscribers of every change and runs writes with
// optimistic updates and rollback.
//
// Design
//
//   - Keys: a key is an ordered list of typed segments (see package key) with
//     one canonical string encoding. {"a":1,"b":2} and {"b":2,"a":1} are the
//     same key; the first string segment names the resource.
//
//   - Store: the single owner of every entry. It is split into shards, each
//     protected by a mutex, so all operations on one key are atomic and
//     totally ordered while different keys proceed independently. Each write
//     stamps a new version and publishes an event for subscribed entries.
//
//   - Fetching: the executor runs at most one fetch per key, tags it with a
//     request id and only lets the response through while that id is current.
//     Failures are retried with exponential backoff; the last good data stays
//     readable when a fetch finally fails.
//
//   - Subscriptions: a single dispatcher delivers store events to listeners in
//     subscription order. Listeners only ever see increasing versions.
//
//   - Mutations: optimistic patches are applied after cancelling competing
//     fetches and rolled back from snapshots if the write fails. Overlapping
//     mutations on one key run one after another.
//
//   - Retention: entries nobody subscribes to are removed once they have been
//     idle for longer than their resource's RetainAfter.
//
//   - Metrics: Options.Metrics receives hit/miss, fetch, eviction and mutation
//     signals; plug metrics/prom to export them.
//
// Basic usage
//
//	c, err := client.New(client.Options{
//	    Resources: map[string]fetch.Resource{
//	        "user": {
//	            StaleAfter: 30 * time.Second,
//	            Fetch: func(ctx context.Context, k key.Key) (any, error) {
//	                return api.GetUser(ctx, k.Segment(1).Value())
//	            },
//	        },
//	    },
//	})
//	if err != nil { ... }
//	defer c.Close()
//
//	h, _ := c.Subscribe(key.Must("user", 1), func(e store.Entry) {
//	    fmt.Println(e.Status, e.Data)
//	})
//	defer c.Unsubscribe(h)
//
// Optimistic update
//
//	_, err = c.Mutate(ctx, func(ctx context.Context) (any, error) {
//	    return api.RenameUser(ctx, 1, "B")
//	}, mutation.Options{
//	    Optimistic: []mutation.Patch{{
//	        Key:   key.Must("user", 1),
//	        Apply: func(cur store.Entry) any { return rename(cur.Data, "B") },
//	    }},
//	})
//	// on failure err is an *errs.MutationError and the snapshot is back to "A"
//
// Thread-safety
//
// All methods on Client are safe for concurrent use. Listeners are invoked on
// the dispatcher goroutine (the initial snapshot on the subscriber's own), so a
// slow listener delays later notifications but never blocks a store write.
package client
