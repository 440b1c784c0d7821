package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTrackerCancelOutstanding(t *testing.T) {
	f := newFixture(t, true)
	tr := NewTracker(0)
	var ran atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	running := f.sched.NewCompute(f.compute, func(context.Context, any) {
		ran.Add(1)
		close(entered)
		<-release
	}, nil, 1)
	require.True(t, running.Enqueue(tr, 0))
	<-entered

	var tasks []*Task
	for i := 0; i < 50; i++ {
		tk := f.sched.NewCompute(f.compute, func(context.Context, any) { ran.Add(1) }, nil, uint64(i))
		require.True(t, tk.Enqueue(tr, time.Hour))
		tasks = append(tasks, tk)
	}
	inflight := f.sched.NewResponse(f.resp, nil, nil, nil, 3)
	require.True(t, inflight.Track(tr))
	require.Equal(t, 52, tr.Count())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, tr.CancelOutstanding(context.Background()))
	require.Zero(t, tr.Count())
	require.Equal(t, int32(1), ran.Load())
	require.Equal(t, StateCompleted, running.State())
	require.Equal(t, StateCancelled, inflight.State())
	for _, tk := range tasks {
		require.Equal(t, StateCancelled, tk.State())
		tk.Release()
	}
	require.False(t, inflight.Track(tr), "terminal task cannot join a tracker")
}

func TestTrackerWaitOutstanding(t *testing.T) {
	f := newFixture(t, true)
	tr := NewTracker(4)
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		tk := f.sched.NewCompute(f.compute, func(context.Context, any) { ran.Add(1) }, nil, uint64(i))
		require.True(t, tk.Enqueue(tr, time.Duration(i)*time.Millisecond))
		tk.Release()
	}
	require.NoError(t, tr.WaitOutstanding(context.Background()))
	require.Equal(t, int32(20), ran.Load())
	require.Zero(t, tr.Count())
}

func TestTrackerConcurrentCancelAndCompletion(t *testing.T) {
	f := newFixture(t, true)
	tr := NewTracker(8)
	var completed, cancelled atomic.Int32
	var g errgroup.Group
	tasks := make([]*Task, 300)
	for i := range tasks {
		tasks[i] = f.sched.NewCompute(f.compute, nil, nil, uint64(i))
	}
	g.Go(func() error {
		for _, tk := range tasks {
			tk.Enqueue(tr, 0)
		}
		return nil
	})
	g.Go(func() error {
		time.Sleep(time.Millisecond)
		return tr.CancelOutstanding(context.Background())
	})
	require.NoError(t, g.Wait())
	require.NoError(t, tr.CancelOutstanding(context.Background()))
	require.Zero(t, tr.Count())

	for _, tk := range tasks {
		switch tk.State() {
		case StateCompleted:
			completed.Add(1)
		case StateCancelled:
			cancelled.Add(1)
		default:
			t.Fatalf("task left in state %s", tk.State())
		}
	}
	require.Equal(t, int32(len(tasks)), completed.Load()+cancelled.Load())
}

func TestTrackerRespectsContext(t *testing.T) {
	f := newFixture(t, true)
	tr := NewTracker(1)
	tm := f.sched.NewTimer(f.timer, nil, nil, 0, time.Millisecond)
	require.True(t, tm.Enqueue(tr, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.WaitOutstanding(ctx), context.DeadlineExceeded)
	require.NoError(t, tr.CancelOutstanding(context.Background()))
	require.Equal(t, StateCancelled, tm.State())
}
