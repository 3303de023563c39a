package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/store"
)

// Func is the injected fetch function for one resource type. It must honour
// ctx cancellation.
type Func func(ctx context.Context, k key.Key) (any, error)

// RetryPolicy bounds the retry loop of a fetch. Zero fields take defaults:
//   - MaxAttempts <= 0 => 3 (total attempts, including the first)
//   - BaseDelay <= 0   => 200ms, doubling after every failed attempt
//   - MaxDelay <= 0    => 5s
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var defaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// Resource is the per-resource configuration: how to fetch, how long data is
// fresh and retained, and how failures are retried.
type Resource struct {
	Fetch Func

	// StaleAfter: 0 => always stale (refetch on every subscribe), < 0 => never
	// stale on its own. RetainAfter: 0 => store.DefaultLifetime, < 0 => never
	// collected.
	StaleAfter  time.Duration
	RetainAfter time.Duration

	Retry RetryPolicy
	// Retriable classifies errors; nil => errs.IsRetriable.
	Retriable func(error) bool
	// Timeout bounds a single attempt (0 = no per-attempt deadline).
	Timeout time.Duration

	// RefetchRate limits how often this resource may hit the network, in
	// fetches per second (0 = unlimited). RefetchBurst defaults to 1.
	RefetchRate  float64
	RefetchBurst int
}

// Lifetime returns the windows the store applies to entries of this resource.
func (r Resource) Lifetime() store.Lifetime {
	l := store.Lifetime{StaleAfter: r.StaleAfter, RetainAfter: r.RetainAfter}
	if l.RetainAfter == 0 {
		l.RetainAfter = store.DefaultLifetime.RetainAfter
	}
	return l
}

func (r Resource) withDefaults() Resource {
	if r.Retry.MaxAttempts <= 0 {
		r.Retry.MaxAttempts = defaultRetry.MaxAttempts
	}
	if r.Retry.BaseDelay <= 0 {
		r.Retry.BaseDelay = defaultRetry.BaseDelay
	}
	if r.Retry.MaxDelay <= 0 {
		r.Retry.MaxDelay = defaultRetry.MaxDelay
	}
	if r.Retry.MaxDelay < r.Retry.BaseDelay {
		r.Retry.MaxDelay = r.Retry.BaseDelay
	}
	if r.Retriable == nil {
		r.Retriable = errs.IsRetriable
	}
	if r.RefetchBurst <= 0 {
		r.RefetchBurst = 1
	}
	return r
}

// profile is a registered resource with defaults applied.
type profile struct {
	Resource
	name    string
	limiter *rate.Limiter // nil = unlimited
}

func newProfile(name string, r Resource) (*profile, error) {
	if r.Fetch == nil {
		return nil, errors.Errorf("fetch: resource %q has no fetch function", name)
	}
	p := &profile{Resource: r.withDefaults(), name: name}
	if p.RefetchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.RefetchRate), p.RefetchBurst)
	}
	return p, nil
}

// Registry maps resource names (the first key segment) to their Resource.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	res map[string]*profile
	def *profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{res: make(map[string]*profile)}
}

// Register sets the resource for name. Later registrations replace earlier
// ones; entries already in the store keep the lifetime they were created with.
func (r *Registry) Register(name string, res Resource) error {
	if name == "" {
		return errors.New("fetch: empty resource name")
	}
	p, err := newProfile(name, res)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.res[name] = p
	r.mu.Unlock()
	return nil
}

// SetDefault sets the resource used for keys with no registered resource.
func (r *Registry) SetDefault(res Resource) error {
	p, err := newProfile("*", res)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.def = p
	r.mu.Unlock()
	return nil
}

// Lifetime resolves the store lifetime of k. Unknown resources get
// store.DefaultLifetime. Suitable as store.Options.Lifetime.
func (r *Registry) Lifetime(k key.Key) store.Lifetime {
	p, err := r.resolve(k)
	if err != nil {
		return store.DefaultLifetime
	}
	return p.Lifetime()
}

func (r *Registry) resolve(k key.Key) (*profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.res[k.Resource()]; ok {
		return p, nil
	}
	if r.def != nil {
		return r.def, nil
	}
	return nil, errors.Wrapf(errs.ErrNoFetcher, "resource %q", k.Resource())
}
