// Package lock provides the coordination primitives handed to application
// code: a non-recursive exclusive lock, a reader/writer lock and a counting
// semaphore with timed waits.
package lock

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"nucleus/pkg/task"
)

// Exclusive is a non-recursive mutual exclusion lock.
type Exclusive struct{ mu sync.Mutex }

func NewExclusive() *Exclusive { return &Exclusive{} }

func (l *Exclusive) Lock()         { l.mu.Lock() }
func (l *Exclusive) TryLock() bool { return l.mu.TryLock() }
func (l *Exclusive) Unlock()       { l.mu.Unlock() }

// RW is a reader/writer lock; writers are not starved by a stream of readers.
type RW struct{ mu sync.RWMutex }

func NewRW() *RW { return &RW{} }

func (l *RW) LockRead()         { l.mu.RLock() }
func (l *RW) TryLockRead() bool { return l.mu.TryRLock() }
func (l *RW) UnlockRead()       { l.mu.RUnlock() }

func (l *RW) LockWrite()         { l.mu.Lock() }
func (l *RW) TryLockWrite() bool { return l.mu.TryLock() }
func (l *RW) UnlockWrite()       { l.mu.Unlock() }

// semCapacity bounds the count a semaphore can accumulate.
const semCapacity = math.MaxInt32

// Semaphore is a counting semaphore: Signal adds permits, Wait takes one.
// It is built on a weighted semaphore holding the permits not yet signalled.
type Semaphore struct {
	w *semaphore.Weighted
}

// NewSemaphore returns a semaphore with initial permits available.
func NewSemaphore(initial int) *Semaphore {
	if initial < 0 || initial > semCapacity {
		panic("lock: semaphore initial count out of range")
	}
	w := semaphore.NewWeighted(semCapacity)
	if !w.TryAcquire(int64(semCapacity - initial)) {
		panic("lock: semaphore setup")
	}
	return &Semaphore{w: w}
}

// Signal makes n more permits available.
func (s *Semaphore) Signal(n int) {
	if n <= 0 {
		return
	}
	s.w.Release(int64(n))
}

// Wait takes a permit, blocking until one is signalled or ctx is done.
// A pool worker may only wait with a deadline on ctx, otherwise Wait
// panics; use WaitTimeout there.
func (s *Semaphore) Wait(ctx context.Context) error {
	checkWaitSafety(ctx)
	return s.w.Acquire(ctx, 1)
}

func checkWaitSafety(ctx context.Context) {
	w, ok := task.WorkerFrom(ctx)
	if !ok {
		return
	}
	if _, bounded := ctx.Deadline(); !bounded {
		panic(fmt.Sprintf("lock: untimed semaphore wait from worker %d of pool %d", w.Index, w.Pool))
	}
}

// WaitTimeout takes a permit if one is signalled within d.
func (s *Semaphore) WaitTimeout(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.w.Acquire(ctx, 1) == nil
}

// TryWait takes a permit without blocking.
func (s *Semaphore) TryWait() bool { return s.w.TryAcquire(1) }
