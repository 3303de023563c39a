package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/querycache/client"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/mutation"
	"github.com/IvanBrykalov/querycache/store"
	"github.com/IvanBrykalov/querycache/subscribe"
)

type workload struct {
	workers    int
	duration   time.Duration
	keys       int
	zipfS      float64
	zipfV      float64
	seed       int64
	subscribe  int
	mutate     int
	invalidate int
	latency    time.Duration
	failRate   float64

	be *backend
}

func workloadFromViper(v *viper.Viper) *workload {
	return &workload{
		workers:    v.GetInt("bench.workers"),
		duration:   v.GetDuration("bench.duration"),
		keys:       v.GetInt("bench.keys"),
		zipfS:      v.GetFloat64("bench.zipf_s"),
		zipfV:      v.GetFloat64("bench.zipf_v"),
		seed:       v.GetInt64("bench.seed"),
		subscribe:  v.GetInt("bench.subscribe"),
		mutate:     v.GetInt("bench.mutate"),
		invalidate: v.GetInt("bench.invalidate"),
		latency:    v.GetDuration("bench.latency"),
		failRate:   v.GetFloat64("bench.fail_rate"),
	}
}

func (w *workload) validate() error {
	switch {
	case w.workers <= 0:
		return errors.New("workers must be > 0")
	case w.duration <= 0:
		return errors.New("duration must be > 0")
	case w.keys <= 0:
		return errors.New("keys must be > 0")
	case w.zipfS <= 1 || w.zipfV < 1:
		return errors.New("zipf requires s > 1 and v >= 1")
	case w.subscribe < 0 || w.mutate < 0 || w.invalidate < 0 || w.subscribe+w.mutate+w.invalidate > 100:
		return errors.New("subscribe+mutate+invalidate must be within [0..100]")
	case w.failRate < 0 || w.failRate > 1:
		return errors.New("fail-rate must be within [0..1]")
	}
	return nil
}

func (w *workload) backend() *backend {
	if w.be == nil {
		w.be = &backend{latency: w.latency, failRate: w.failRate}
	}
	return w.be
}

// backend simulates a remote source with fixed latency and random failures.
type backend struct {
	latency  time.Duration
	failRate float64

	calls, failures atomic.Int64
	writes          atomic.Int64
}

var errBackend = errors.New("backend: simulated failure")

func (b *backend) fetch(ctx context.Context, k key.Key) (any, error) {
	b.calls.Add(1)
	if err := b.sleep(ctx); err != nil {
		return nil, err
	}
	if rand.Float64() < b.failRate {
		b.failures.Add(1)
		return nil, errBackend
	}
	return k.String(), nil
}

func (b *backend) write(ctx context.Context) (any, error) {
	b.writes.Add(1)
	if err := b.sleep(ctx); err != nil {
		return nil, err
	}
	if rand.Float64() < b.failRate {
		return nil, errBackend
	}
	return "ok", nil
}

func (b *backend) sleep(ctx context.Context) error {
	if b.latency <= 0 {
		return nil
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type report struct {
	elapsed                          time.Duration
	total, queries, hits, queryErrs  int64
	subscribes, notifications        int64
	mutations, rollbacks, invalidate int64
	fetches, fetchFailures, writes   int64
}

// run drives the workload until the duration elapses or ctx is cancelled.
func (w *workload) run(ctx context.Context, c *client.Client) report {
	ctx, cancel := context.WithTimeout(ctx, w.duration)
	defer cancel()

	var (
		rep report
		wg  sync.WaitGroup
	)
	be := w.backend()
	wg.Add(w.workers)
	start := time.Now()

	for i := 0; i < w.workers; i++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(w.seed + int64(id)*9973))
			z := rand.NewZipf(r, w.zipfS, w.zipfV, uint64(w.keys-1))
			var held []*subscribe.Handle
			defer func() {
				for _, h := range held {
					c.Unsubscribe(h)
				}
			}()

			for ctx.Err() == nil {
				k := key.Must("item", int64(z.Uint64()))
				atomic.AddInt64(&rep.total, 1)

				p := r.Intn(100)
				switch {
				case p < w.subscribe:
					h, err := c.Subscribe(k, func(store.Entry) { atomic.AddInt64(&rep.notifications, 1) })
					if err != nil {
						continue
					}
					atomic.AddInt64(&rep.subscribes, 1)
					held = append(held, h)
					// Keep a bounded set of live subscriptions per worker.
					if len(held) > 32 {
						c.Unsubscribe(held[0])
						held = held[1:]
					}
				case p < w.subscribe+w.mutate:
					atomic.AddInt64(&rep.mutations, 1)
					_, err := c.Mutate(ctx, be.write, mutation.Options{
						Optimistic: []mutation.Patch{{
							Key:   k,
							Apply: func(store.Entry) any { return "optimistic:" + k.String() },
						}},
					})
					if err != nil && ctx.Err() == nil {
						atomic.AddInt64(&rep.rollbacks, 1)
					}
				case p < w.subscribe+w.mutate+w.invalidate:
					atomic.AddInt64(&rep.invalidate, 1)
					c.Invalidate(k)
				default:
					atomic.AddInt64(&rep.queries, 1)
					if c.Snapshot(k).Status == store.StatusSuccess {
						atomic.AddInt64(&rep.hits, 1)
					}
					if _, err := c.Query(ctx, k); err != nil && ctx.Err() == nil {
						atomic.AddInt64(&rep.queryErrs, 1)
					}
				}
			}
		}(i)
	}
	wg.Wait()

	rep.elapsed = time.Since(start)
	rep.fetches = be.calls.Load()
	rep.fetchFailures = be.failures.Load()
	rep.writes = be.writes.Load()
	return rep
}

func (r report) print(out io.Writer, w *workload) {
	secs := r.elapsed.Seconds()
	hitRate := 0.0
	if r.queries > 0 {
		hitRate = float64(r.hits) / float64(r.queries) * 100
	}

	fmt.Fprintln(out, "=== querycache bench ===")
	fmt.Fprintf(out, "workers=%d keys=%d zipf(s=%.2f,v=%.2f) mix(sub=%d%%,mut=%d%%,inv=%d%%)\n",
		w.workers, w.keys, w.zipfS, w.zipfV, w.subscribe, w.mutate, w.invalidate)
	fmt.Fprintf(out, "backend latency=%s fail_rate=%.2f\n", w.latency, w.failRate)
	fmt.Fprintf(out, "elapsed: %s\n", r.elapsed.Truncate(time.Millisecond))
	fmt.Fprintf(out, "ops: total=%d (%.0f/s)\n", r.total, float64(r.total)/secs)
	fmt.Fprintf(out, "queries: %d  hits=%d (%.2f%%)  errors=%d\n", r.queries, r.hits, hitRate, r.queryErrs)
	fmt.Fprintf(out, "subscriptions: %d  notifications=%d\n", r.subscribes, r.notifications)
	fmt.Fprintf(out, "mutations: %d  rolled back=%d  invalidations=%d\n", r.mutations, r.rollbacks, r.invalidate)
	fmt.Fprintf(out, "backend: fetches=%d failed=%d writes=%d\n", r.fetches, r.fetchFailures, r.writes)
}
