// Package fetch is the query executor: it runs the injected fetch functions,
// deduplicates concurrent requests for one key, retries failures and makes
// sure a superseded response can never overwrite newer data.
//
// Every flight is tagged with a request id recorded in the store
// (store.MarkPending); the result is applied with store.Complete, which only
// succeeds while that id is still current.
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/internal/flight"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
	"github.com/IvanBrykalov/querycache/store"
)

// Options configures the executor. Zero values are safe.
//   - nil Registry => an empty one (register resources on the executor)
//   - nil Metrics  => metrics.Noop
//   - nil Logger   => discard
//   - nil NewID    => uuid.NewString
type Options struct {
	Registry *Registry
	Metrics  metrics.Metrics
	Logger   *slog.Logger
	NewID    func() string
}

// Executor is safe for concurrent use.
type Executor struct {
	st      *store.Store
	reg     *Registry
	flights *flight.Group[store.Entry]

	met metrics.Metrics
	log *slog.Logger

	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against wg.Add racing Close
	closed bool
}

// New returns an executor writing into st.
func New(st *store.Store, opt Options) *Executor {
	if opt.Registry == nil {
		opt.Registry = NewRegistry()
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	if opt.NewID == nil {
		opt.NewID = uuid.NewString
	}
	base, stop := context.WithCancel(context.Background())
	return &Executor{
		st:      st,
		reg:     opt.Registry,
		flights: flight.New[store.Entry](base, opt.NewID),
		met:     metrics.OrNoop(opt.Metrics),
		log:     opt.Logger,
		stop:    stop,
	}
}

// Registry returns the resource registry in use.
func (x *Executor) Registry() *Registry { return x.reg }

// Register sets the resource for name (see Registry.Register).
func (x *Executor) Register(name string, res Resource) error { return x.reg.Register(name, res) }

// Fetch returns the outcome of a fetch for k, joining the one in flight if
// there is one. Cancelling ctx only stops this caller from waiting.
func (x *Executor) Fetch(ctx context.Context, k key.Key) (store.Entry, error) {
	c, err := x.start(k, false)
	if err != nil {
		return store.Entry{Key: k}, err
	}
	return x.wait(ctx, k, c)
}

// Refetch starts a new fetch for k even if one is in flight. The running one
// is superseded: its response will be discarded and its waiters get the new
// outcome.
func (x *Executor) Refetch(k key.Key) error {
	_, err := x.start(k, true)
	return err
}

// Query returns fresh data without a network call, or waits for a
// (deduplicated) fetch.
func (x *Executor) Query(ctx context.Context, k key.Key) (store.Entry, error) {
	if e, ok := x.st.Get(k); ok && e.Fresh(x.st.Now()) {
		x.met.Hit()
		return e, nil
	}
	x.met.Miss()
	return x.Fetch(ctx, k)
}

// Ensure applies the freshness decision for k: it starts a background fetch
// only if the entry is missing, idle, failed, invalidated or stale, and
// nothing is already in flight. Reports whether a fetch was started. A key
// with no fetch function is marked failed with errs.ErrNoFetcher.
func (x *Executor) Ensure(k key.Key) bool {
	e, ok := x.st.Get(k)
	if ok && (e.Status == store.StatusPending || e.Fresh(x.st.Now())) {
		x.met.Hit()
		return false
	}
	x.met.Miss()
	if _, err := x.start(k, false); err != nil {
		if errors.Is(err, errs.ErrNoFetcher) {
			// Nothing will ever settle k: record a terminal failure.
			x.st.PutError(k, err)
		}
		x.log.Debug("fetch not started", "key", k.String(), "err", err)
		return false
	}
	return true
}

// Cancel stops the fetch in flight for k. The entry returns to its previous
// status; callers waiting on the fetch receive errs.ErrCanceled.
func (x *Executor) Cancel(k key.Key) bool {
	c := x.flights.Cancel(k.String(), errs.ErrCanceled)
	if c == nil {
		return false
	}
	x.st.CancelFetch(k, c.ID)
	x.log.Debug("fetch canceled", "key", k.String(), "request", c.ID)
	return true
}

// Invalidate marks every entry under prefix stale and refetches the ones that
// have subscribers or a fetch in flight; the running fetch is superseded and
// its waiters get the new outcome. Returns the invalidated keys.
func (x *Executor) Invalidate(prefix key.Key) []key.Key {
	keys := x.st.Invalidate(prefix)
	for _, k := range keys {
		if e, ok := x.st.Get(k); ok && (e.Subscribers > 0 || e.InFlight != "") {
			if err := x.Refetch(k); err != nil {
				x.log.Debug("refetch not started", "key", k.String(), "err", err)
			}
		}
	}
	return keys
}

// InFlight reports the number of keys with a fetch running.
func (x *Executor) InFlight() int { return x.flights.Len() }

// Close cancels every flight and waits for their goroutines to return.
func (x *Executor) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	x.mu.Unlock()

	x.stop()
	x.wg.Wait()
	return nil
}

func (x *Executor) start(k key.Key, force bool) (*flight.Call[store.Entry], error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, errs.ErrClosed
	}
	if k.IsZero() {
		return nil, errors.Wrap(errs.ErrInvalidKey, "empty key")
	}
	p, err := x.reg.resolve(k)
	if err != nil {
		return nil, err
	}

	var (
		fresh   bool
		current store.Entry
	)
	c, leader := x.flights.Start(k.String(), force, func(c *flight.Call[store.Entry]) {
		if !force {
			// A flight may have settled since the caller looked.
			if e, ok := x.st.Get(k); ok && e.Fresh(x.st.Now()) {
				fresh, current = true, e
				return
			}
		}
		x.st.MarkPending(k, c.ID)
		x.wg.Add(1)
	})
	if !leader {
		x.met.FetchDeduplicated()
		x.log.Debug("fetch joined", "key", k.String(), "request", c.ID)
		return c, nil
	}
	if fresh {
		x.flights.Finish(k.String(), c, current, nil)
		return c, nil
	}
	x.met.FetchStarted()
	x.log.Debug("fetch started", "key", k.String(), "request", c.ID, "forced", force)
	go x.run(k, p, c)
	return c, nil
}

func (x *Executor) run(k key.Key, p *profile, c *flight.Call[store.Entry]) {
	defer x.wg.Done()
	name := k.String()
	began := time.Now()

	data, attempts, err := x.attempt(c.Context(), k, p)
	if err != nil && c.Context().Err() != nil {
		// Cancelled through Cancel or Close: the cache keeps its state.
		e, _ := x.st.CancelFetch(k, c.ID)
		x.flights.Finish(name, c, e, errs.ErrCanceled)
		x.met.FetchSettled(metrics.FetchCanceled, time.Since(began))
		return
	}
	if err != nil {
		err = &errs.FetchError{Key: name, Attempts: attempts, Err: err}
	}

	e, ok := x.st.Complete(k, c.ID, data, err)
	if !ok {
		x.flights.Finish(name, c, e, flight.ErrSuperseded)
		x.met.FetchSettled(metrics.FetchDiscarded, time.Since(began))
		x.log.Debug("stale response discarded", "key", name, "request", c.ID)
		return
	}
	x.flights.Finish(name, c, e, err)
	if err != nil {
		x.met.FetchSettled(metrics.FetchError, time.Since(began))
		x.log.Debug("fetch failed", "key", name, "attempts", attempts, "err", err)
		return
	}
	x.met.FetchSettled(metrics.FetchSuccess, time.Since(began))
}

func (x *Executor) wait(ctx context.Context, k key.Key, c *flight.Call[store.Entry]) (store.Entry, error) {
	e, err := c.Wait(ctx)
	if errors.Is(err, flight.ErrSuperseded) {
		// Discarded with nobody taking over (a direct write or a removal won):
		// the store holds the authoritative state.
		cur, _ := x.st.Get(k)
		return cur, nil
	}
	return e, err
}
