package client

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/querycache/config"
	"github.com/IvanBrykalov/querycache/fetch"
	"github.com/IvanBrykalov/querycache/metrics"
	"github.com/IvanBrykalov/querycache/store"
)

// Options configures the client. Zero values are safe;
// defaults are applied in New():
//   - Shards <= 0     => auto (≈ 2*GOMAXPROCS, power of two)
//   - GCInterval == 0 => 1m; < 0 disables the background collector
//   - nil Metrics     => metrics.Noop
//   - nil Logger      => discard
//   - nil Clock       => time.Now()
type Options struct {
	Shards int

	// Resources maps resource names to their fetch function and policies.
	// Default, if set, serves keys of unregistered resources.
	Resources map[string]fetch.Resource
	Default   *fetch.Resource

	GCInterval time.Duration

	// Observability
	// OnEvict is called under the shard lock; keep it lightweight.
	OnEvict func(e store.Entry, reason metrics.EvictReason)
	Metrics metrics.Metrics
	Logger  *slog.Logger

	// Clock allows overriding the time source (tests).
	Clock store.Clock
}

// FromConfig builds Options from a loaded configuration file, binding every
// function in fns to its configured policy.
func FromConfig(f *config.File, fns map[string]fetch.Func) Options {
	opt := Options{
		Shards:     f.Shards,
		GCInterval: f.GC.Interval,
		Resources:  make(map[string]fetch.Resource, len(fns)),
	}
	for name, fn := range fns {
		opt.Resources[name] = f.Resource(name, fn)
	}
	return opt
}
