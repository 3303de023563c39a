package mutation

import (
	"context"
	"sync"
)

// keyLocks is a table of per-key FIFO locks. Waiters are granted the lock in
// arrival order; a waiter whose context ends leaves the queue.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*slot
}

type slot struct {
	queue []chan struct{} // closed to hand the lock to that waiter
}

func newKeyLocks() *keyLocks { return &keyLocks{m: make(map[string]*slot)} }

func (t *keyLocks) lock(ctx context.Context, name string) error {
	t.mu.Lock()
	s, held := t.m[name]
	if !held {
		t.m[name] = &slot{}
		t.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.queue = append(s.queue, ready)
	t.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	select {
	case <-ready:
		// Handed over while giving up: pass it on.
		t.mu.Unlock()
		t.unlock(name)
		return ctx.Err()
	default:
	}
	for i, w := range s.queue {
		if w == ready {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	return ctx.Err()
}

func (t *keyLocks) unlock(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.m[name]
	if !ok {
		return
	}
	if len(s.queue) == 0 {
		delete(t.m, name)
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	close(next)
}

// lockAll takes every lock in names, which must be sorted and unique so that
// overlapping callers can't deadlock. On failure nothing stays held.
func (t *keyLocks) lockAll(ctx context.Context, names []string) error {
	for i, n := range names {
		if err := t.lock(ctx, n); err != nil {
			t.unlockAll(names[:i])
			return err
		}
	}
	return nil
}

func (t *keyLocks) unlockAll(names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		t.unlock(names[i])
	}
}
