package task

import (
	"context"
	"sync"
)

// DefaultTrackerBuckets is used when NewTracker gets a non-positive count.
const DefaultTrackerBuckets = 13

type trackerBucket struct {
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// Tracker groups the in-flight tasks of one owner for bulk cancel and wait.
// Tasks join through Task.Track or Enqueue and leave when they reach a
// terminal state. The tracker holds a reference on every member.
type Tracker struct {
	buckets []trackerBucket
}

func NewTracker(buckets int) *Tracker {
	if buckets <= 0 {
		buckets = DefaultTrackerBuckets
	}
	tr := &Tracker{buckets: make([]trackerBucket, buckets)}
	for i := range tr.buckets {
		tr.buckets[i].tasks = make(map[*Task]struct{})
	}
	return tr
}

func (tr *Tracker) bucket(hash uint64) *trackerBucket {
	return &tr.buckets[hash%uint64(len(tr.buckets))]
}

func (tr *Tracker) add(t *Task) {
	b := tr.bucket(t.hash)
	b.mu.Lock()
	if _, ok := b.tasks[t]; !ok {
		t.AddRef()
		b.tasks[t] = struct{}{}
	}
	b.mu.Unlock()
}

func (tr *Tracker) remove(t *Task) {
	b := tr.bucket(t.hash)
	b.mu.Lock()
	_, ok := b.tasks[t]
	delete(b.tasks, t)
	b.mu.Unlock()
	if ok {
		t.Release()
	}
}

// snapshot returns the members of bucket i, each with an extra reference.
func (tr *Tracker) snapshot(i int) []*Task {
	b := &tr.buckets[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, 0, len(b.tasks))
	for t := range b.tasks {
		t.AddRef()
		out = append(out, t)
	}
	return out
}

// Count returns the number of tracked tasks.
func (tr *Tracker) Count() int {
	n := 0
	for i := range tr.buckets {
		b := &tr.buckets[i]
		b.mu.Lock()
		n += len(b.tasks)
		b.mu.Unlock()
	}
	return n
}

// CancelOutstanding cancels every tracked task, waiting for running ones,
// and returns once the tracker is empty. The task whose callback received
// ctx is skipped since it cannot wait for itself.
func (tr *Tracker) CancelOutstanding(ctx context.Context) error {
	return tr.drain(ctx, func(t *Task) { t.Cancel(ctx, true) })
}

// WaitOutstanding blocks until every tracked task is terminal without
// cancelling any. Periodic tasks keep it blocked until they are cancelled.
func (tr *Tracker) WaitOutstanding(ctx context.Context) error {
	return tr.drain(ctx, func(t *Task) { t.Wait(ctx) })
}

func (tr *Tracker) drain(ctx context.Context, fn func(*Task)) error {
	self := Current(ctx)
	for {
		pending := 0
		for i := range tr.buckets {
			for _, t := range tr.snapshot(i) {
				if t != self {
					pending++
					fn(t)
				}
				t.Release()
			}
		}
		if pending == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
