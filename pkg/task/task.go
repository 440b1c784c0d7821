// Package task implements the unit of work every nucleus component schedules:
// reference counted, cancelable tasks dispatched onto named thread pools.
//
// A task moves Created -> Enqueued -> Running -> Completed, or to Cancelled
// from Created or Enqueued. Every transition out of a non-terminal state is a
// compare-and-swap, so exactly one of cancel, complete or deliver wins.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nucleus/pkg/registry"
)

// Task is created by a Scheduler constructor with one reference owned by the
// caller. Every concurrent holder (queue entry, tracker, in-flight call)
// takes its own reference; the release hooks run when the last one drops.
type Task struct {
	sched    *Scheduler
	spec     registry.TaskSpec
	priority registry.Priority
	hash     uint64
	param    any
	body     variant

	state     atomic.Int32
	refs      atomic.Int32
	err       atomic.Int32
	cancelReq atomic.Bool
	claimed   atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	mu        sync.Mutex
	tracker   *Tracker
	delayed   *time.Timer
	delay     time.Duration
	onRelease []func()
}

// Option adjusts a task at creation.
type Option func(*Task)

// WithPriority overrides the priority registered for the task code.
func WithPriority(p registry.Priority) Option {
	return func(t *Task) { t.priority = p }
}

// variant is the kind-specific part of a task.
type variant interface {
	exec(ctx context.Context, t *Task)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s(hash=%d, %s)", t.spec.Name, t.hash, t.State())
}

func (t *Task) Code() registry.TaskCode    { return t.spec.Code }
func (t *Task) Spec() registry.TaskSpec    { return t.spec }
func (t *Task) Kind() registry.TaskKind    { return t.spec.Kind }
func (t *Task) Priority() registry.Priority { return t.priority }
func (t *Task) Hash() uint64               { return t.hash }
func (t *Task) Param() any                 { return t.param }
func (t *Task) State() State               { return State(t.state.Load()) }
func (t *Task) Refs() int32                { return t.refs.Load() }

// Err is the error delivered with the task: the rpc or aio outcome, or
// ErrCancelled once cancelled.
func (t *Task) Err() registry.ErrorCode { return registry.ErrorCode(t.err.Load()) }

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Delay returns the delay passed to the last Enqueue.
func (t *Task) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// AddRef takes an additional reference. Using a released task is a programmer error.
func (t *Task) AddRef() {
	if t.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("task %s: AddRef after final release", t.spec.Name))
	}
}

// Release drops a reference; the last release runs the OnRelease hooks.
func (t *Task) Release() {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Sprintf("task %s: released more often than referenced", t.spec.Name))
	}
	t.mu.Lock()
	hooks := t.onRelease
	t.onRelease = nil
	t.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// Released reports whether the last reference is gone.
func (t *Task) Released() bool { return t.refs.Load() <= 0 }

// OnRelease registers fn to run after the final Release.
func (t *Task) OnRelease(fn func()) {
	t.mu.Lock()
	t.onRelease = append(t.onRelease, fn)
	t.mu.Unlock()
}

func (t *Task) mustBeAlive(op string) {
	if t.Released() {
		panic(fmt.Sprintf("task %s: %s after final release", t.spec.Name, op))
	}
}

// Track attaches t to tr until t reaches a terminal state. It returns false
// when t is already terminal. A task belongs to at most one tracker.
func (t *Task) Track(tr *Tracker) bool {
	t.mustBeAlive("Track")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State().Terminal() {
		return false
	}
	if t.tracker != nil {
		if t.tracker != tr {
			panic(fmt.Sprintf("task %s: already tracked by another tracker", t.spec.Name))
		}
		return true
	}
	t.tracker = tr
	tr.add(t)
	return true
}

// Enqueue attaches the optional tracker and schedules t after delay without
// blocking. It returns false when t was cancelled before it could be queued.
// Response and aio tasks are queued by their completion instead.
func (t *Task) Enqueue(tr *Tracker, delay time.Duration) bool {
	t.mustBeAlive("Enqueue")
	switch t.body.(type) {
	case *responseBody, *aioBody:
		panic(fmt.Sprintf("task %s: %s tasks are enqueued by their completion", t.spec.Name, t.spec.Kind))
	}
	if tr != nil && !t.Track(tr) {
		return false
	}
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateEnqueued)) {
		if t.State() == StateCancelled {
			return false
		}
		panic(fmt.Sprintf("task %s: enqueue in state %s", t.spec.Name, t.State()))
	}
	t.mu.Lock()
	t.delay = delay
	t.mu.Unlock()
	t.dispatch(delay)
	return true
}

// complete moves a Created response or aio task to Enqueued with its result.
// The first caller claims the task before set runs, so later deliverers
// never touch the result. A Cancel racing after the transition still wins
// the error field.
func (t *Task) complete(err registry.ErrorCode, set func()) bool {
	if t.State() != StateCreated || !t.claimed.CompareAndSwap(false, true) {
		return false
	}
	set()
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateEnqueued)) {
		return false
	}
	t.err.CompareAndSwap(int32(registry.ErrOK), int32(err))
	t.dispatch(0)
	return true
}

// dispatch takes the queue reference and hands t to its pool, now or after delay.
func (t *Task) dispatch(delay time.Duration) {
	t.AddRef()
	if delay <= 0 {
		t.sched.push(t)
		return
	}
	tm := time.AfterFunc(delay, func() { t.sched.push(t) })
	t.mu.Lock()
	t.delayed = tm
	t.mu.Unlock()
}

func (t *Task) stopDelay() {
	t.mu.Lock()
	tm := t.delayed
	t.delayed = nil
	t.mu.Unlock()
	if tm != nil && tm.Stop() {
		t.Release()
	}
}

// Cancel cancels t if it has not started. A running task is never
// interrupted: with wait set the caller blocks until the running invocation
// ends. cancelled reports whether this call (or a pending timer cancel)
// moved t to Cancelled; finished reports whether t is terminal on return.
// A timer task cancelled while running stops after the current run.
func (t *Task) Cancel(ctx context.Context, wait bool) (cancelled, finished bool) {
	for {
		s := t.State()
		switch s {
		case StateCreated, StateEnqueued:
			if t.state.CompareAndSwap(int32(s), int32(StateCancelled)) {
				t.stopDelay()
				t.finish(true)
				return true, true
			}
		case StateRunning:
			t.cancelReq.Store(true)
			if t.State() != StateRunning {
				continue
			}
			if !wait || Current(ctx) == t {
				return false, false
			}
			CheckBlocking(ctx, t.spec.Pool, "Cancel")
			select {
			case <-t.done:
			case <-ctx.Done():
				return false, false
			}
			return t.State() == StateCancelled, true
		default:
			return false, true
		}
	}
}

// Wait blocks until t is terminal or ctx is done. Waiting from a worker that
// may be the one to run t panics.
func (t *Task) Wait(ctx context.Context) bool {
	select {
	case <-t.done:
		return true
	default:
	}
	if Current(ctx) == t {
		panic(fmt.Sprintf("task %s: waiting on itself", t.spec.Name))
	}
	CheckBlocking(ctx, t.spec.Pool, "Wait")
	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitTimeout is Wait bounded by d.
func (t *Task) WaitTimeout(ctx context.Context, d time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return t.Wait(ctx)
}

// run executes t on a worker. It returns false when t lost the race to Cancel.
func (t *Task) run(ctx context.Context) bool {
	if !t.state.CompareAndSwap(int32(StateEnqueued), int32(StateRunning)) {
		return false
	}
	if t.cancelReq.Load() {
		t.state.Store(int32(StateCancelled))
		t.finish(true)
		return false
	}
	t.body.exec(context.WithValue(ctx, taskKey{}, t), t)

	tb, periodic := t.body.(*timerBody)
	if !periodic {
		t.state.Store(int32(StateCompleted))
		t.finish(false)
		return true
	}
	// Only the worker leaves Running. The flag is read again after the
	// state store so a Cancel that saw Running is never missed.
	if t.cancelReq.Load() {
		t.state.Store(int32(StateCancelled))
		t.finish(true)
		return true
	}
	t.state.Store(int32(StateEnqueued))
	if t.cancelReq.Load() {
		if t.state.CompareAndSwap(int32(StateEnqueued), int32(StateCancelled)) {
			t.finish(true)
		}
		return true
	}
	t.dispatch(tb.interval)
	return true
}

func (t *Task) finish(cancelled bool) {
	if cancelled {
		t.err.Store(int32(registry.ErrCancelled))
		t.sched.stats(t).cancelled.Add(1)
	}
	t.mu.Lock()
	tr := t.tracker
	t.tracker = nil
	t.mu.Unlock()
	if tr != nil {
		tr.remove(t)
	}
	t.doneOnce.Do(func() { close(t.done) })
}
