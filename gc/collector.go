// Package gc removes cache entries nobody has subscribed to for longer than
// their retention window.
package gc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/store"
)

// DefaultInterval is the sweep period used when Options.Interval is zero.
const DefaultInterval = time.Minute

// Options configures a Collector. Zero values are safe.
type Options struct {
	Interval time.Duration
	Logger   *slog.Logger
}

// Collector sweeps a store periodically.
type Collector struct {
	st       *store.Store
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	stop func()
}

// New returns a collector for st. It does nothing until Start.
func New(st *store.Store, opt Options) *Collector {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{st: st, interval: opt.Interval, log: opt.Logger}
}

// Sweep runs one collection at the store's current time and returns the
// removed keys.
func (c *Collector) Sweep() []key.Key {
	removed := c.st.Sweep(c.st.Now())
	if len(removed) > 0 {
		c.log.Info("gc sweep", "removed", len(removed), "remaining", c.st.Len())
	}
	return removed
}

// Start launches the background sweeper. Calling Start on a running
// collector is a no-op.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()

	var once sync.Once
	c.stop = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// Run sweeps every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Stop halts the background sweeper and waits for it. Safe to call multiple
// times, and on a collector that was never started.
func (c *Collector) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}
