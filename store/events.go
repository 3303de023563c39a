package store

import "sync"

// EventKind names the store operation that produced an event.
type EventKind uint8

const (
	EventPut EventKind = iota
	EventError
	EventPending
	EventCancel
	EventInvalidate
	EventRestore
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "put"
	case EventError:
		return "error"
	case EventPending:
		return "pending"
	case EventCancel:
		return "cancel"
	case EventInvalidate:
		return "invalidate"
	case EventRestore:
		return "restore"
	default:
		return "remove"
	}
}

// Event is published after every mutating operation on an entry that has
// subscribers. Entry is the full snapshot right after the change.
type Event struct {
	Kind  EventKind
	Entry Entry
}

// queue is an unbounded FIFO between writers (holding a shard lock) and the
// single consumer of Events(). push never blocks, so a slow consumer can't
// stall a writer, and a consumer that calls back into the store can't deadlock.
// Order of push calls is the order of delivery.
type queue struct {
	mu     sync.Mutex
	buf    []Event
	closed bool

	wake chan struct{} // capacity 1
	done chan struct{}
	out  chan Event
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go q.pump()
	return q
}

func (q *queue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default: // a wake-up is already pending
	}
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		select {
		case <-q.wake:
		case <-q.done:
			return
		}
		for {
			q.mu.Lock()
			batch := q.buf
			q.buf = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case q.out <- ev:
				case <-q.done:
					return
				}
			}
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}
