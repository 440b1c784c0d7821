// Package priocq provides the ready queues behind thread pool workers:
// strict priority between levels, FIFO inside a level, optional shaping.
package priocq

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Levels is the number of distinct priorities a queue accepts.
const Levels = 256

// Queue is a blocking strict-priority FIFO queue. Higher priority values
// leave first; equal priorities leave in arrival order.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lvls   [Levels]deque.Deque[T]
	hi     int // highest possibly non-empty level
	n      int
	closed bool
	shaper *TokenBucket
}

// New returns an empty queue. A non-nil shaper limits the dequeue rate.
func New[T any](shaper *TokenBucket) *Queue[T] {
	q := &Queue[T]{shaper: shaper}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v at priority pri. It returns false once the queue is closed.
func (q *Queue[T]) Push(pri uint8, v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.lvls[pri].PushBack(v)
	if int(pri) > q.hi {
		q.hi = int(pri)
	}
	q.n++
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Pop blocks until an item is available or the queue is closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	for {
		q.mu.Lock()
		for q.n == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.n == 0 {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		if q.shaper != nil {
			if ok, wait := q.shaper.Allow(1); !ok {
				q.mu.Unlock()
				time.Sleep(wait)
				continue
			}
		}
		v := q.popLocked()
		q.mu.Unlock()
		return v, true
	}
}

// TryPop returns the next item without blocking or shaping.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	for q.lvls[q.hi].Len() == 0 {
		q.hi--
	}
	q.n--
	return q.lvls[q.hi].PopFront()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close wakes all blocked Pop calls; queued items can still be drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
