package client

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IvanBrykalov/querycache/config"
	"github.com/IvanBrykalov/querycache/errs"
	"github.com/IvanBrykalov/querycache/fetch"
	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/mutation"
	"github.com/IvanBrykalov/querycache/store"
)

type fakeClock struct{ t atomic.Int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t.Load() }
func (f *fakeClock) add(d time.Duration) { f.t.Add(int64(d)) }

// backend is a fake remote source counting calls per key.
type backend struct {
	mu    sync.Mutex
	calls map[string]int
	data  map[string]any
}

func newBackend() *backend {
	return &backend{calls: map[string]int{}, data: map[string]any{}}
}

func (b *backend) fetch(_ context.Context, k key.Key) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[k.String()]++
	if v, ok := b.data[k.String()]; ok {
		return v, nil
	}
	return "v:" + k.String(), nil
}

func (b *backend) count(k key.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[k.String()]
}

func newClient(t *testing.T, opt Options) *Client {
	t.Helper()
	c, err := New(opt)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClient_SubscribeFetchesAndNotifies(t *testing.T) {
	t.Parallel()

	be := newBackend()
	c := newClient(t, Options{Resources: map[string]fetch.Resource{
		"user": {Fetch: be.fetch, StaleAfter: time.Minute},
	}})
	k := key.Must("user", 1)

	var (
		mu       sync.Mutex
		statuses []store.Status
	)
	h, err := c.Subscribe(k, func(e store.Entry) {
		mu.Lock()
		statuses = append(statuses, e.Status)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Unsubscribe(h)

	eventually(t, func() bool { return c.Snapshot(k).Status == store.StatusSuccess }, "no success")
	mu.Lock()
	got := append([]store.Status(nil), statuses...)
	mu.Unlock()
	if len(got) == 0 || got[0] != store.StatusIdle || got[len(got)-1] != store.StatusSuccess {
		t.Fatalf("want idle ... success, got %v", got)
	}
	if be.count(k) != 1 {
		t.Fatalf("want exactly one fetch, got %d", be.count(k))
	}

	// A second subscriber on fresh data triggers no network call.
	h2, _ := c.Subscribe(k, func(store.Entry) {})
	defer c.Unsubscribe(h2)
	if be.count(k) != 1 {
		t.Fatalf("fresh data must not be refetched, got %d calls", be.count(k))
	}
}

func TestClient_OptimisticRollback(t *testing.T) {
	t.Parallel()

	c := newClient(t, Options{GCInterval: -1})
	k := key.Must("user", 1)
	if _, err := c.SetData(k, map[string]any{"name": "A"}); err != nil {
		t.Fatal(err)
	}
	before := c.Snapshot(k)

	_, err := c.Mutate(context.Background(), func(context.Context) (any, error) {
		if got := c.Snapshot(k).Data.(map[string]any)["name"]; got != "B" {
			t.Errorf("optimistic value must be visible, got %v", got)
		}
		return nil, errors.New("server said no")
	}, mutation.Options{Optimistic: []mutation.Patch{{
		Key: k,
		Apply: func(cur store.Entry) any {
			return map[string]any{"name": "B"}
		},
	}}})

	if !errors.Is(err, errs.ErrMutationFailed) {
		t.Fatalf("want ErrMutationFailed, got %v", err)
	}
	after := c.Snapshot(k)
	if after.Data.(map[string]any)["name"] != "A" || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("snapshot must revert: before=%+v after=%+v", before, after)
	}
}

func TestClient_RetentionSweep(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	be := newBackend()
	c := newClient(t, Options{
		Clock:      clk,
		GCInterval: -1,
		Resources: map[string]fetch.Resource{
			"user": {Fetch: be.fetch, StaleAfter: time.Minute, RetainAfter: 5 * time.Minute},
		},
	})
	k := key.Must("user", 1)

	h, _ := c.Subscribe(k, func(store.Entry) {})
	eventually(t, func() bool { return c.Snapshot(k).Status == store.StatusSuccess }, "no success")
	c.Unsubscribe(h)

	clk.add(5*time.Minute + time.Second)
	if got := c.Sweep(); len(got) != 1 {
		t.Fatalf("want one swept key, got %v", got)
	}
	if e := c.Snapshot(k); e.Status != store.StatusIdle || e.Data != nil {
		t.Fatalf("swept key must read as idle: %+v", e)
	}
}

func TestClient_InvalidatePrefixRefetchesSubscribed(t *testing.T) {
	t.Parallel()

	be := newBackend()
	c := newClient(t, Options{Resources: map[string]fetch.Resource{
		"user":    {Fetch: be.fetch, StaleAfter: -1},
		"product": {Fetch: be.fetch, StaleAfter: -1},
	}})
	u1, u2, p5 := key.Must("user", 1), key.Must("user", 2), key.Must("product", 5)
	for _, k := range []key.Key{u1, u2, p5} {
		h, err := c.Subscribe(k, func(store.Entry) {})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { c.Unsubscribe(h) })
	}
	for _, k := range []key.Key{u1, u2, p5} {
		eventually(t, func() bool { return c.Snapshot(k).Status == store.StatusSuccess }, "initial fetch missing")
	}

	got := c.Invalidate(key.Must("user"))
	if len(got) != 2 {
		t.Fatalf("want two invalidated keys, got %v", got)
	}
	for _, k := range []key.Key{u1, u2} {
		eventually(t, func() bool { return be.count(k) == 2 && !c.Snapshot(k).Invalidated }, "user key not refetched")
	}
	if be.count(p5) != 1 || c.Snapshot(p5).Invalidated {
		t.Fatal("product must be untouched")
	}
}

func TestClient_QueryAndPrefetch(t *testing.T) {
	t.Parallel()

	be := newBackend()
	c := newClient(t, Options{Default: &fetch.Resource{Fetch: be.fetch, StaleAfter: time.Minute}})

	keys := []key.Key{key.Must("a", 1), key.Must("b", 2), key.Must("c", 3)}
	if err := c.Prefetch(context.Background(), keys...); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		e, err := c.Query(context.Background(), k)
		if err != nil || e.Data != "v:"+k.String() {
			t.Fatalf("%s: %v err=%v", k, e.Data, err)
		}
		if be.count(k) != 1 {
			t.Fatalf("%s: prefetched data must be served from cache", k)
		}
	}
	if c.Len() != len(keys) {
		t.Fatalf("Len want %d, got %d", len(keys), c.Len())
	}
}

func TestClient_DehydrateHydrateJSON(t *testing.T) {
	t.Parallel()

	src := newClient(t, Options{GCInterval: -1})
	_, _ = src.SetData(key.Must("user", 1), map[string]any{"name": "A"})
	_, _ = src.SetData(key.Must("todos", map[string]any{"page": 1}), []any{"x", "y"})

	raw, err := json.Marshal(src.Dehydrate())
	if err != nil {
		t.Fatal(err)
	}
	var items []store.Persisted
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatal(err)
	}

	dst := newClient(t, Options{GCInterval: -1})
	if n := dst.Hydrate(items); n != 2 {
		t.Fatalf("want 2 hydrated entries, got %d", n)
	}
	e := dst.Snapshot(key.Must("todos", map[string]any{"page": 1}))
	if e.Status != store.StatusSuccess || len(e.Data.([]any)) != 2 {
		t.Fatalf("hydrated entry: %+v", e)
	}
	if e.Subscribers != 0 || e.InFlight != "" {
		t.Fatal("transient fields must not survive persistence")
	}
}

func TestClient_Closed(t *testing.T) {
	t.Parallel()

	c, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	if _, err := c.Subscribe(key.Must("x"), func(store.Entry) {}); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
	if _, err := c.Query(context.Background(), key.Must("x")); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("query after close: %v", err)
	}
	if _, err := c.SetData(key.Must("x"), 1); !errors.Is(err, errs.ErrClosed) {
		t.Fatalf("set after close: %v", err)
	}
}

func TestNew_RejectsIncompleteResource(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Resources: map[string]fetch.Resource{"user": {}}}); err == nil {
		t.Fatal("a resource without a fetch function must be rejected")
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "querycache.yaml")
	yaml := "shards: 4\ngc:\n  interval: 30s\nresources:\n  user:\n    stale_after: 1m\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	be := newBackend()
	opt := FromConfig(f, map[string]fetch.Func{"user": be.fetch, "todo": be.fetch})
	if opt.Shards != 4 || opt.GCInterval != 30*time.Second {
		t.Fatalf("options: %+v", opt)
	}
	if got := opt.Resources["user"].StaleAfter; got != time.Minute {
		t.Fatalf("user stale_after want 1m, got %s", got)
	}
	if _, ok := opt.Resources["todo"]; !ok {
		t.Fatal("a resource without a config entry must get the defaults")
	}

	c := newClient(t, opt)
	k := key.Must("user", 1)
	for i := 0; i < 2; i++ {
		if _, err := c.Query(context.Background(), k); err != nil {
			t.Fatal(err)
		}
	}
	if be.count(k) != 1 {
		t.Fatalf("configured stale_after must keep the second query local, got %d fetches", be.count(k))
	}
}
