// Package mutation runs writes against the remote source with optimistic
// cache patches.
//
// Each mutation is a small state machine:
//
//	pending ──apply patches──▶ applied ──ok──▶ confirmed
//	   │                          └──fail──▶ rolled_back
//	   └──(no patches)──ok──▶ confirmed / fail──▶ failed
//
// Snapshots of every patched key are taken when entering applied, so rollback
// is a single transition that restores them. Mutations whose patches overlap
// are serialised per key in arrival order.
package mutation

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
	"github.com/IvanBrykalov/querycache/store"
)

// Func is the injected remote write.
type Func func(ctx context.Context) (any, error)

// Patch is an optimistic update: Apply receives the current entry and returns
// the data to show until the mutation settles.
type Patch struct {
	Key   key.Key
	Apply func(current store.Entry) any
}

// Options configures one mutation.
type Options struct {
	Optimistic []Patch
	// Invalidate lists key prefixes to invalidate on success. Empty => the
	// optimistic keys.
	Invalidate []key.Key
	// Timeout bounds the whole mutation, including waiting for overlapping
	// mutations (0 = none).
	Timeout time.Duration

	OnSuccess func(result any)
	OnError   func(err error)
	OnSettled func(result any, err error)
}

// Executor is the part of the query executor a mutation drives.
type Executor interface {
	Cancel(k key.Key) bool
	Ensure(k key.Key) bool
	Invalidate(prefix key.Key) []key.Key
}

// Config configures the orchestrator. Zero values are safe.
type Config struct {
	Logger  *slog.Logger
	Metrics metrics.Metrics
	NewID   func() string
}

// State is the lifecycle state of a mutation.
type State uint8

const (
	StatePending State = iota
	StateApplied
	StateConfirmed
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "failed"
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	st    *store.Store
	x     Executor
	locks *keyLocks

	active atomic.Int64

	log   *slog.Logger
	met   metrics.Metrics
	newID func() string
}

// New returns an orchestrator patching st. x may be nil (no fetch
// coordination).
func New(st *store.Store, x Executor, cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{
		st:    st,
		x:     x,
		locks: newKeyLocks(),
		log:   cfg.Logger,
		met:   metrics.OrNoop(cfg.Metrics),
		newID: cfg.NewID,
	}
}

// Active returns the number of mutations that have not settled yet.
func (o *Orchestrator) Active() int { return int(o.active.Load()) }

// snapshot is the pre-mutation state of one patched key.
type snapshot struct {
	key      key.Key
	entry    store.Entry
	existed  bool
	canceled bool // a fetch was stopped to make room for the patch
}

type run struct {
	id    string
	state State
	snaps []snapshot
	log   *slog.Logger
}

func (r *run) to(next State) {
	r.log.Debug("mutation state", "id", r.id, "from", r.state.String(), "to", next.String())
	r.state = next
}

// Mutate applies the optimistic patches, calls fn and then either confirms
// (invalidating the affected keys) or rolls every patch back. A failure is
// returned as *errs.MutationError after rollback; it is never retried.
func (o *Orchestrator) Mutate(ctx context.Context, fn Func, opts Options) (result any, err error) {
	if fn == nil {
		return nil, errors.New("mutation: nil mutation function")
	}
	for _, p := range opts.Optimistic {
		if p.Key.IsZero() || p.Apply == nil {
			return nil, errors.Wrap(errs.ErrInvalidKey, "mutation: incomplete optimistic patch")
		}
	}

	r := &run{id: o.newID(), state: StatePending, log: o.log}
	o.active.Add(1)
	defer o.active.Add(-1)
	defer func() { o.settle(r, opts, result, err) }()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	names := lockNames(opts.Optimistic)
	if err := o.locks.lockAll(ctx, names); err != nil {
		return nil, o.fail(r, classify(ctx, err))
	}
	defer o.locks.unlockAll(names)

	if len(opts.Optimistic) > 0 {
		o.apply(r, opts.Optimistic)
	}

	res, ferr := fn(ctx)
	if ferr != nil {
		return nil, o.fail(r, classify(ctx, ferr))
	}

	r.to(StateConfirmed)
	for _, p := range invalidations(opts) {
		o.invalidate(p)
	}
	return res, nil
}

// apply enters the applied state: cancel fetches that could overwrite the
// patch, record snapshots, then write the optimistic values.
func (o *Orchestrator) apply(r *run, patches []Patch) {
	seen := make(map[string]bool, len(patches))
	for _, p := range patches {
		name := p.Key.String()
		if !seen[name] {
			seen[name] = true
			canceled := o.x != nil && o.x.Cancel(p.Key)
			cur, existed := o.st.Get(p.Key)
			r.snaps = append(r.snaps, snapshot{key: p.Key, entry: cur, existed: existed, canceled: canceled})
		}
		cur, _ := o.st.Get(p.Key)
		o.st.Put(p.Key, p.Apply(cur))
	}
	r.to(StateApplied)
}

// fail settles r as rolled back (restoring snapshots newest first) or as
// failed when nothing was applied.
func (o *Orchestrator) fail(r *run, cause error) error {
	if r.state != StateApplied {
		r.to(StateFailed)
		return &errs.MutationError{ID: r.id, Err: cause}
	}
	for i := len(r.snaps) - 1; i >= 0; i-- {
		s := r.snaps[i]
		o.st.Restore(s.key, s.entry, s.existed)
		if (s.canceled || s.entry.Status == store.StatusPending) && o.x != nil {
			// The fetch stopped on apply never completed.
			o.x.Ensure(s.key)
		}
	}
	r.to(StateRolledBack)
	o.log.Info("mutation rolled back", "id", r.id, "keys", len(r.snaps), "err", cause)
	return &errs.MutationError{ID: r.id, RolledBack: true, Err: cause}
}

func (o *Orchestrator) invalidate(prefix key.Key) {
	if o.x != nil {
		o.x.Invalidate(prefix)
		return
	}
	o.st.Invalidate(prefix)
}

func (o *Orchestrator) settle(r *run, opts Options, result any, err error) {
	switch r.state {
	case StateConfirmed:
		o.met.Mutation(metrics.MutationConfirmed)
		if opts.OnSuccess != nil {
			opts.OnSuccess(result)
		}
	case StateRolledBack:
		o.met.Mutation(metrics.MutationRolledBack)
	default:
		o.met.Mutation(metrics.MutationFailed)
	}
	if err != nil && opts.OnError != nil {
		opts.OnError(err)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(result, err)
	}
}

// Do is a typed wrapper around Mutate.
func Do[T any](ctx context.Context, o *Orchestrator, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	v, err := o.Mutate(ctx, func(ctx context.Context) (any, error) { return fn(ctx) }, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// classify marks deadline failures as timeouts.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Timeout(err)
	}
	return err
}

// lockNames returns the sorted, unique canonical keys of patches.
func lockNames(patches []Patch) []string {
	if len(patches) == 0 {
		return nil
	}
	names := make([]string, 0, len(patches))
	seen := make(map[string]bool, len(patches))
	for _, p := range patches {
		n := p.Key.String()
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func invalidations(opts Options) []key.Key {
	if len(opts.Invalidate) > 0 {
		return opts.Invalidate
	}
	out := make([]key.Key, 0, len(opts.Optimistic))
	seen := make(map[string]bool, len(opts.Optimistic))
	for _, p := range opts.Optimistic {
		if n := p.Key.String(); !seen[n] {
			seen[n] = true
			out = append(out, p.Key)
		}
	}
	return out
}
