package listener

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Queue is the bounded hand-off between the listener worker (the single
// producer) and the host control loop (the single consumer). When full, Push
// drops the oldest queued event to make room and counts it in Dropped.
type Queue struct {
	q        *xsync.MPMCQueue[Event]
	capacity int
	notify   chan struct{}
	dropped  atomic.Uint64
	closed   atomic.Bool
}

// NewQueue returns an empty queue holding at most capacity events. A
// non-positive capacity is treated as 1.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		q:        xsync.NewMPMCQueue[Event](capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues ev without blocking. It reports false if ev was not queued
// because the queue is closed.
func (q *Queue) Push(ev Event) bool {
	if q.closed.Load() {
		return false
	}
	for !q.q.TryEnqueue(ev) {
		// Full: evict the oldest. The consumer may have freed a slot in the
		// meantime, in which case nothing is dropped.
		if _, ok := q.q.TryDequeue(); ok {
			q.dropped.Add(1)
		}
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop dequeues without waiting.
func (q *Queue) TryPop() (Event, bool) {
	return q.q.TryDequeue()
}

// Pop waits up to timeout for an event. A zero timeout behaves like TryPop.
// Pop never blocks longer than timeout, and returns immediately once the
// queue is closed and empty.
func (q *Queue) Pop(timeout time.Duration) (Event, bool) {
	if ev, ok := q.q.TryDequeue(); ok {
		return ev, true
	}
	if timeout <= 0 || q.closed.Load() {
		return Event{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if ev, ok := q.q.TryDequeue(); ok {
				return ev, true
			}
			if q.closed.Load() {
				return Event{}, false
			}
		case <-timer.C:
			return q.q.TryDequeue()
		}
	}
}

// Drain discards every queued event and returns how many there were.
func (q *Queue) Drain() int {
	n := 0
	for {
		if _, ok := q.q.TryDequeue(); !ok {
			return n
		}
		n++
	}
}

// Close rejects further pushes and wakes a waiting Pop.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Dropped is the number of events discarded by Push to make room.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.capacity }
