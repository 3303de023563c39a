package store

import (
	"errors"
	"testing"
	"time"

	"github.com/IvanBrykalov/querycache/key"
	"github.com/IvanBrykalov/querycache/metrics"
)

type fakeClock struct{ t int64 }

func (f *fakeClock) NowUnixNano() int64  { return f.t }
func (f *fakeClock) add(d time.Duration) { f.t += int64(d) }

func newTestStore(t *testing.T, clk Clock) *Store {
	t.Helper()
	st := New(Options{Shards: 4, Clock: clk})
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStore_PutGet(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: int64(time.Hour)}
	st := newTestStore(t, clk)
	k := key.Must("user", 1)

	if _, ok := st.Get(k); ok {
		t.Fatal("empty store must miss")
	}
	e := st.Put(k, "A")
	if e.Status != StatusSuccess || e.Data != "A" || e.Err != nil {
		t.Fatalf("unexpected put snapshot: %+v", e)
	}
	if !e.UpdatedAt.Equal(time.Unix(0, clk.t)) {
		t.Fatalf("updatedAt must come from the clock, got %v", e.UpdatedAt)
	}
	got, ok := st.Get(k)
	if !ok || got.Data != "A" || got.Version != e.Version {
		t.Fatalf("get after put: %+v ok=%v", got, ok)
	}
	if st.Len() != 1 {
		t.Fatalf("Len want 1, got %d", st.Len())
	}
}

func TestStore_VersionIncreasesOnEveryWrite(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)

	var last uint64
	check := func(e Entry, op string) {
		t.Helper()
		if e.Version <= last {
			t.Fatalf("%s: version must increase (%d -> %d)", op, last, e.Version)
		}
		last = e.Version
	}
	check(st.MarkPending(k, "r1"), "pending")
	e, ok := st.Complete(k, "r1", 1, nil)
	if !ok {
		t.Fatal("matching complete must apply")
	}
	check(e, "complete")
	check(st.PutError(k, errors.New("x")), "error")
	check(st.Put(k, 2), "put")
	st.Invalidate(key.Must("user"))
	e, _ = st.Get(k)
	check(e, "invalidate")

	// Survives remove + recreate.
	st.Remove(k)
	check(st.Put(k, 3), "recreate")
}

func TestStore_PutErrorKeepsData(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)
	st.Put(k, "good")

	boom := errors.New("boom")
	e := st.PutError(k, boom)
	if e.Status != StatusError || e.Err != boom {
		t.Fatalf("want error status, got %+v", e)
	}
	if e.Data != "good" || !e.HasData() {
		t.Fatal("last good data must stay readable")
	}
	// A new pending request clears the error but keeps data.
	e = st.MarkPending(k, "r")
	if e.Err != nil || e.Data != "good" || e.Status != StatusPending {
		t.Fatalf("pending snapshot: %+v", e)
	}
}

func TestStore_CompleteDiscardsSuperseded(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)

	st.MarkPending(k, "A")
	st.MarkPending(k, "B") // B supersedes A

	if _, ok := st.Complete(k, "B", "from-B", nil); !ok {
		t.Fatal("current request must apply")
	}
	e, ok := st.Complete(k, "A", "from-A", nil)
	if ok {
		t.Fatal("superseded response must be discarded")
	}
	if e.Data != "from-B" {
		t.Fatalf("older response overwrote newer data: %v", e.Data)
	}
	if _, ok := st.Complete(k, "B", "again", nil); ok {
		t.Fatal("a request can settle only once")
	}
}

func TestStore_InvalidateOutlivesInFlightResponse(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)
	st.Put(k, "v1")

	st.MarkPending(k, "A")
	st.Invalidate(key.Must("user"))
	e, ok := st.Complete(k, "A", "old", nil)
	if !ok {
		t.Fatal("current request must apply")
	}
	if e.Data != "old" || !e.Invalidated {
		t.Fatalf("a response that predates the invalidation must leave the entry stale: %+v", e)
	}

	st.MarkPending(k, "B")
	if e, _ := st.Complete(k, "B", "new", nil); e.Invalidated {
		t.Fatalf("a request started after the invalidation must clear it: %+v", e)
	}
}

func TestStore_CancelFetchRestoresStatus(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)
	st.Put(k, "A")
	st.MarkPending(k, "r1")

	if _, ok := st.CancelFetch(k, "other"); ok {
		t.Fatal("cancel with a foreign id must not apply")
	}
	e, ok := st.CancelFetch(k, "")
	if !ok || e.Status != StatusSuccess || e.InFlight != "" {
		t.Fatalf("cancel must restore success: %+v ok=%v", e, ok)
	}
	if _, ok := st.Complete(k, "r1", "late", nil); ok {
		t.Fatal("cancelled request must not settle")
	}
}

func TestStore_InvalidatePrefix(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	u1, u2, p5 := key.Must("user", 1), key.Must("user", 2), key.Must("product", 5)
	for _, k := range []key.Key{u1, u2, p5} {
		st.Put(k, "v")
	}

	got := st.Invalidate(key.Must("user"))
	if len(got) != 2 {
		t.Fatalf("want 2 affected keys, got %v", got)
	}
	for _, k := range []key.Key{u1, u2} {
		e, _ := st.Get(k)
		if !e.Invalidated || e.Fresh(time.Now()) || e.Data != "v" {
			t.Fatalf("%s must be stale but kept: %+v", k, e)
		}
	}
	if e, _ := st.Get(p5); e.Invalidated {
		t.Fatal("product must be untouched")
	}
	// A successful write clears invalidation.
	if e := st.Put(u1, "w"); e.Invalidated {
		t.Fatal("put must clear invalidation")
	}
}

func TestStore_Fresh(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: int64(time.Hour)}
	st := New(Options{
		Clock:    clk,
		Lifetime: func(key.Key) Lifetime { return Lifetime{StaleAfter: time.Minute, RetainAfter: time.Minute} },
	})
	t.Cleanup(func() { _ = st.Close() })
	k := key.Must("user", 1)

	e := st.Put(k, 1)
	now := time.Unix(0, clk.t)
	if !e.Fresh(now) || !e.Fresh(now.Add(time.Minute)) {
		t.Fatal("data within staleAfter must be fresh")
	}
	if e.Fresh(now.Add(time.Minute + 1)) {
		t.Fatal("data older than staleAfter must be stale")
	}
	idle, _ := st.Get(key.Must("none"))
	if idle.Fresh(now) {
		t.Fatal("absent/idle entries are never fresh")
	}
	never := Entry{Status: StatusSuccess, StaleAfter: -1, UpdatedAt: now}
	if !never.Fresh(now.Add(1000 * time.Hour)) {
		t.Fatal("negative staleAfter never goes stale")
	}
}

func TestStore_AcquireReleaseNeverNegative(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)

	if _, ok := st.Release(k); ok {
		t.Fatal("release on absent key must be a no-op")
	}
	e := st.Acquire(k)
	if e.Subscribers != 1 || e.Status != StatusIdle || !e.IdleSince.IsZero() {
		t.Fatalf("acquire must create an idle subscribed entry: %+v", e)
	}
	st.Acquire(k)
	st.Release(k)
	st.Release(k)
	e, ok := st.Release(k)
	if ok || e.Subscribers != 0 {
		t.Fatalf("count must stop at zero: %+v ok=%v", e, ok)
	}
	if e.IdleSince.IsZero() {
		t.Fatal("dropping to zero must start the retention clock")
	}
}

func TestStore_SweepRespectsRetention(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{t: int64(time.Hour)}
	var evicted []metrics.EvictReason
	st := New(Options{
		Clock:    clk,
		Lifetime: func(key.Key) Lifetime { return Lifetime{RetainAfter: 5 * time.Minute} },
		OnEvict:  func(_ Entry, r metrics.EvictReason) { evicted = append(evicted, r) },
	})
	t.Cleanup(func() { _ = st.Close() })

	idle, held, busy := key.Must("user", 1), key.Must("user", 2), key.Must("user", 3)
	st.Put(idle, "a")
	st.Acquire(held)
	st.MarkPending(busy, "r")

	clk.add(5 * time.Minute)
	if got := st.Sweep(time.Unix(0, clk.t)); len(got) != 0 {
		t.Fatalf("nothing is older than retainAfter yet, swept %v", got)
	}
	clk.add(time.Second)
	got := st.Sweep(time.Unix(0, clk.t))
	if len(got) != 1 || !got[0].Equal(idle) {
		t.Fatalf("only the idle entry must be swept, got %v", got)
	}
	if _, ok := st.Get(idle); ok {
		t.Fatal("swept entry must be absent")
	}
	if _, ok := st.Get(held); !ok {
		t.Fatal("subscribed entry must survive")
	}
	if _, ok := st.Get(busy); !ok {
		t.Fatal("entry with a fetch in flight must survive")
	}
	if len(evicted) != 1 || evicted[0] != metrics.EvictRetention {
		t.Fatalf("OnEvict must report retention, got %v", evicted)
	}
}

func TestStore_RemoveKeepsSubscribedEntry(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)
	st.Acquire(k)
	st.Put(k, "A")

	if !st.Remove(k) {
		t.Fatal("remove must report existing key")
	}
	e, ok := st.Get(k)
	if !ok || e.Subscribers != 1 || e.Status != StatusIdle || e.Data != nil {
		t.Fatalf("subscribed entry must be reset, not deleted: %+v ok=%v", e, ok)
	}
	st.Release(k)
	st.Remove(k)
	if _, ok := st.Get(k); ok {
		t.Fatal("unsubscribed entry must be deleted")
	}
	if st.Remove(k) {
		t.Fatal("second remove must report false")
	}
}

func TestStore_Restore(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	k := key.Must("user", 1)
	before := st.Put(k, "A")

	st.Put(k, "B")
	e := st.Restore(k, before, true)
	if e.Data != "A" || e.Status != StatusSuccess || !e.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("restore must bring back the snapshot: %+v", e)
	}

	fresh := key.Must("user", 2)
	snap, existed := st.Get(fresh)
	st.Put(fresh, "optimistic")
	st.Restore(fresh, snap, existed)
	if _, ok := st.Get(fresh); ok {
		t.Fatal("restore of a key that did not exist must remove it")
	}
}

func TestStore_EventsOnlyForSubscribedEntries(t *testing.T) {
	t.Parallel()

	st := newTestStore(t, nil)
	quiet, loud := key.Must("quiet"), key.Must("loud")

	st.Put(quiet, 1)
	st.Acquire(loud)
	st.Put(loud, 1)
	st.PutError(loud, errors.New("x"))

	want := []EventKind{EventPut, EventError}
	for i, kind := range want {
		select {
		case ev := <-st.Events():
			if !ev.Entry.Key.Equal(loud) || ev.Kind != kind {
				t.Fatalf("event %d: want %s on %s, got %s on %s", i, kind, loud, ev.Kind, ev.Entry.Key)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
	select {
	case ev := <-st.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStore_DehydrateHydrate(t *testing.T) {
	t.Parallel()

	src := newTestStore(t, nil)
	src.Put(key.Must("user", 1), "A")
	src.Put(key.Must("user", 2), "B")
	src.MarkPending(key.Must("user", 3), "r") // no data: not persisted

	items := src.Dehydrate()
	if len(items) != 2 {
		t.Fatalf("want 2 persisted items, got %d", len(items))
	}

	dst := newTestStore(t, nil)
	newer := dst.Put(key.Must("user", 2), "newer")
	// Make the existing entry strictly newer than the persisted one.
	for i := range items {
		if items[i].Key.Equal(key.Must("user", 2)) {
			items[i].UpdatedAt = newer.UpdatedAt.Add(-time.Second)
		}
	}
	if n := dst.Hydrate(items); n != 1 {
		t.Fatalf("want 1 applied item, got %d", n)
	}
	if e, _ := dst.Get(key.Must("user", 1)); e.Data != "A" || e.Status != StatusSuccess {
		t.Fatalf("hydrated entry: %+v", e)
	}
	if e, _ := dst.Get(key.Must("user", 2)); e.Data != "newer" {
		t.Fatal("hydrate must not overwrite newer data")
	}
}
