package store

import (
	"time"

	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
)

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the store. Zero values are safe; defaults are applied in New():
//   - Shards <= 0    => auto (2*GOMAXPROCS, rounded up to a power of two)
//   - nil Lifetime   => DefaultLifetime for every key
//   - nil Metrics    => metrics.Noop
//   - nil Clock      => time.Now()
type Options struct {
	Shards int

	// Lifetime resolves the freshness/retention windows for a new entry.
	Lifetime func(k key.Key) Lifetime

	// OnEvict is called for every entry removed from the store, under the
	// shard lock; keep it lightweight and don't call back into the store.
	OnEvict func(e Entry, reason metrics.EvictReason)
	Metrics metrics.Metrics

	Clock Clock
}

func (o *Options) now() time.Time {
	if o.Clock != nil {
		return time.Unix(0, o.Clock.NowUnixNano())
	}
	return time.Now()
}
