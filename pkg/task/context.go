package task

import (
	"context"

	"nucleus/pkg/registry"
)

type workerKey struct{}
type taskKey struct{}

// WorkerInfo identifies the pool worker executing a callback.
type WorkerInfo struct {
	Pool  registry.PoolCode
	Index int
	// Exclusive is true when a task waiting from this worker could be the
	// one this worker must run next (partitioned or single-worker pool).
	Exclusive bool
}

// WorkerFrom returns the worker a callback context belongs to.
func WorkerFrom(ctx context.Context) (WorkerInfo, bool) {
	if ctx == nil {
		return WorkerInfo{}, false
	}
	w, ok := ctx.Value(workerKey{}).(WorkerInfo)
	return w, ok
}

// Current returns the task whose callback received ctx.
func Current(ctx context.Context) *Task {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(taskKey{}).(*Task)
	return t
}

// CheckBlocking panics when ctx belongs to a worker of pool that would
// deadlock by blocking on work scheduled there.
func CheckBlocking(ctx context.Context, pool registry.PoolCode, what string) {
	if w, ok := WorkerFrom(ctx); ok && w.Pool == pool && w.Exclusive {
		panic("task: " + what + " called from a worker of the pool it waits on")
	}
}
