package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/pkg/config"
	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
)

type fixture struct {
	sched   *Scheduler
	compute registry.TaskCode
	timer   registry.TaskCode
	resp    registry.TaskCode
	aio     registry.TaskCode
	single  registry.TaskCode // bound to the single-worker pool
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()
	b := registry.NewBuilder()
	multi := b.RegisterPool("POOL_MULTI")
	single := b.RegisterPool("POOL_SINGLE")
	f := &fixture{
		compute: b.RegisterTask("LPC_WORK", registry.KindCompute, registry.PriorityCommon, multi),
		timer:   b.RegisterTask("LPC_TICK", registry.KindTimer, registry.PriorityCommon, multi),
		aio:     b.RegisterTask("LPC_AIO", registry.KindAIO, registry.PriorityCommon, multi),
		single:  b.RegisterTask("LPC_SERIAL", registry.KindCompute, registry.PriorityCommon, single),
	}
	_, f.resp = b.RegisterRPC("RPC_PING", registry.PriorityCommon, multi)
	s, err := NewScheduler(b.Seal(), []config.PoolConfig{
		{Name: "POOL_MULTI", Workers: 4, Partitioned: true},
		{Name: "POOL_SINGLE", Workers: 1},
	})
	require.NoError(t, err)
	f.sched = s
	if start {
		s.Start()
	}
	t.Cleanup(s.Stop)
	return f
}

func TestPriorityRunsFirstWithinBucket(t *testing.T) {
	b := registry.NewBuilder()
	p := b.RegisterPool("P")
	code := b.RegisterTask("T", registry.KindCompute, registry.Priority(1), p)
	s, err := NewScheduler(b.Seal(), []config.PoolConfig{{Name: "P", Workers: 1}})
	require.NoError(t, err)
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	record := func(_ context.Context, param any) {
		mu.Lock()
		order = append(order, param.(string))
		mu.Unlock()
	}
	low := s.NewCompute(code, record, "low", 7)
	high := s.NewCompute(code, record, "high", 7, WithPriority(2))
	require.True(t, low.Enqueue(nil, 0))
	require.True(t, high.Enqueue(nil, 0))
	s.Start()

	ctx := context.Background()
	require.True(t, low.WaitTimeout(ctx, time.Second))
	require.True(t, high.WaitTimeout(ctx, time.Second))
	require.Equal(t, []string{"high", "low"}, order)
}

func TestSameHashRunsInOrderOnPartitionedPool(t *testing.T) {
	f := newFixture(t, true)
	const n = 200
	var mu sync.Mutex
	var seen []int
	var last *Task
	for i := 0; i < n; i++ {
		i := i
		last = f.sched.NewCompute(f.compute, func(context.Context, any) {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
		}, nil, 42)
		require.True(t, last.Enqueue(nil, 0))
	}
	require.True(t, last.WaitTimeout(context.Background(), time.Second))
	require.Len(t, seen, n)
	for i := range seen {
		require.Equal(t, i, seen[i])
	}
}

func TestDelayedEnqueueDoesNotBlock(t *testing.T) {
	f := newFixture(t, true)
	ran := make(chan time.Time, 1)
	tk := f.sched.NewCompute(f.compute, func(context.Context, any) { ran <- time.Now() }, nil, 1)
	start := time.Now()
	require.True(t, tk.Enqueue(nil, 30*time.Millisecond))
	require.Less(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, 30*time.Millisecond, tk.Delay())
	select {
	case at := <-ran:
		require.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestCancelEnqueuedTask(t *testing.T) {
	f := newFixture(t, true)
	var calls atomic.Int32
	tk := f.sched.NewCompute(f.compute, func(context.Context, any) { calls.Add(1) }, nil, 3)
	require.True(t, tk.Enqueue(nil, 50*time.Millisecond))

	cancelled, finished := tk.Cancel(context.Background(), false)
	require.True(t, cancelled)
	require.True(t, finished)
	require.Equal(t, StateCancelled, tk.State())
	require.Equal(t, registry.ErrCancelled, tk.Err())

	time.Sleep(80 * time.Millisecond)
	require.Zero(t, calls.Load())
	again, _ := tk.Cancel(context.Background(), true)
	require.False(t, again)
	require.False(t, tk.Enqueue(nil, 0), "cancelled task cannot be queued")
}

func TestCancelRunningWaitsForCompletion(t *testing.T) {
	f := newFixture(t, true)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	tk := f.sched.NewCompute(f.compute, func(context.Context, any) {
		calls.Add(1)
		close(entered)
		<-release
	}, nil, 5)
	require.True(t, tk.Enqueue(nil, 0))
	<-entered

	cancelled, finished := tk.Cancel(context.Background(), false)
	require.False(t, cancelled)
	require.False(t, finished)

	type result struct{ cancelled, finished bool }
	out := make(chan result, 1)
	go func() {
		c, f := tk.Cancel(context.Background(), true)
		out <- result{c, f}
	}()
	select {
	case <-out:
		t.Fatal("blocking cancel returned while task was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	r := <-out
	require.False(t, r.cancelled)
	require.True(t, r.finished)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, StateCompleted, tk.State())
}

func TestCancelVersusCompleteRace(t *testing.T) {
	f := newFixture(t, true)
	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		var calls atomic.Int32
		tk := f.sched.NewCompute(f.compute, func(context.Context, any) { calls.Add(1) }, nil, uint64(i))
		require.True(t, tk.Enqueue(nil, 0))
		wg.Add(1)
		go func() {
			defer wg.Done()
			cancelled, finished := tk.Cancel(context.Background(), true)
			if !finished {
				t.Errorf("blocking cancel returned unfinished")
			}
			if cancelled == (calls.Load() == 1) {
				t.Errorf("cancelled=%v but callback ran %d times", cancelled, calls.Load())
			}
			if calls.Load() > 1 {
				t.Errorf("callback ran %d times", calls.Load())
			}
			tk.Release()
		}()
	}
	wg.Wait()
}

func TestTimerFiresUntilCancelled(t *testing.T) {
	f := newFixture(t, true)
	var calls atomic.Int32
	tm := f.sched.NewTimer(f.timer, func(context.Context, any) { calls.Add(1) }, nil, 9, 10*time.Millisecond)
	require.True(t, tm.Enqueue(nil, 0))

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 40*time.Millisecond, time.Millisecond)

	cancelled, finished := tm.Cancel(context.Background(), true)
	require.True(t, cancelled)
	require.True(t, finished)
	after := calls.Load()
	time.Sleep(35 * time.Millisecond)
	require.Equal(t, after, calls.Load())
	require.Equal(t, StateCancelled, tm.State())
}

func TestTimerCancelsItself(t *testing.T) {
	f := newFixture(t, true)
	var calls atomic.Int32
	tm := f.sched.NewTimer(f.timer, func(ctx context.Context, _ any) {
		if calls.Add(1) == 2 {
			cancelled, _ := Current(ctx).Cancel(ctx, true)
			if cancelled {
				t.Errorf("self cancel cannot complete while running")
			}
		}
	}, nil, 2, time.Millisecond)
	require.True(t, tm.Enqueue(nil, 0))
	require.True(t, tm.WaitTimeout(context.Background(), time.Second))
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, StateCancelled, tm.State())
}

func TestReleaseRunsHooksOnce(t *testing.T) {
	f := newFixture(t, true)
	var hooks atomic.Int32
	tk := f.sched.NewCompute(f.compute, nil, nil, 0)
	tk.OnRelease(func() { hooks.Add(1) })
	tr := NewTracker(4)
	require.True(t, tk.Enqueue(tr, 0))
	require.True(t, tk.WaitTimeout(context.Background(), time.Second))
	require.Zero(t, hooks.Load())

	tk.Release()
	require.Eventually(t, func() bool { return hooks.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, tk.Released())
	require.Panics(t, tk.AddRef)
	require.Panics(t, func() { tk.Enqueue(nil, 0) })
}

func TestWaitFromExclusiveWorkerPanics(t *testing.T) {
	f := newFixture(t, true)
	other := f.sched.NewCompute(f.single, nil, nil, 0)
	defer other.Release()
	var recovered atomic.Value
	outer := f.sched.NewCompute(f.single, func(ctx context.Context, _ any) {
		defer func() { recovered.Store(recover() != nil) }()
		other.Wait(ctx)
	}, nil, 0)
	require.True(t, outer.Enqueue(nil, 0))
	require.True(t, outer.WaitTimeout(context.Background(), time.Second))
	require.Equal(t, true, recovered.Load())

	w, ok := WorkerFrom(context.Background())
	require.False(t, ok)
	require.Zero(t, w)
}

func TestResponseDeliveryIsExactlyOnce(t *testing.T) {
	f := newFixture(t, true)
	req := protocol.NewRequest(f.resp, "RPC_PING", nil, 0, 1)
	var calls atomic.Int32
	var got registry.ErrorCode
	tk := f.sched.NewResponse(f.resp, func(_ context.Context, err registry.ErrorCode, r, resp *protocol.Message, _ any) {
		calls.Add(1)
		got = err
		if r != req || resp == nil {
			t.Errorf("unexpected messages %v %v", r, resp)
		}
	}, nil, req, 1)
	require.Panics(t, func() { tk.Enqueue(nil, 0) })

	require.True(t, tk.EnqueueResponse(registry.ErrOK, req.CreateResponse()))
	require.False(t, tk.EnqueueResponse(registry.ErrTimeout, nil))
	require.True(t, tk.WaitTimeout(context.Background(), time.Second))
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, registry.ErrOK, got)
	require.Same(t, req, tk.Request())

	late := f.sched.NewResponse(f.resp, nil, nil, req, 1)
	cancelled, _ := late.Cancel(context.Background(), false)
	require.True(t, cancelled)
	require.False(t, late.EnqueueResponse(registry.ErrOK, nil))
	require.Equal(t, registry.ErrCancelled, late.Err())
}

func TestRacingDeliverersKeepWinnerResult(t *testing.T) {
	f := newFixture(t, true)
	req := protocol.NewRequest(f.resp, "RPC_PING", nil, 0, 1)
	for round := 0; round < 200; round++ {
		type seen struct {
			err  registry.ErrorCode
			resp *protocol.Message
		}
		got := make(chan seen, 1)
		tk := f.sched.NewResponse(f.resp, func(_ context.Context, err registry.ErrorCode, _, resp *protocol.Message, _ any) {
			got <- seen{err, resp}
		}, nil, req, 1)

		ok := req.CreateResponse()
		var okWon, timeoutWon atomic.Bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); okWon.Store(tk.EnqueueResponse(registry.ErrOK, ok)) }()
		go func() { defer wg.Done(); timeoutWon.Store(tk.EnqueueResponse(registry.ErrTimeout, nil)) }()
		wg.Wait()
		require.NotEqual(t, okWon.Load(), timeoutWon.Load())

		r := <-got
		if okWon.Load() {
			require.Equal(t, registry.ErrOK, r.err)
			require.Same(t, ok, r.resp)
		} else {
			require.Equal(t, registry.ErrTimeout, r.err)
			require.Nil(t, r.resp)
		}
		tk.Release()
	}
}

func TestAIOCompletion(t *testing.T) {
	f := newFixture(t, true)
	done := make(chan int, 1)
	tk := f.sched.NewAIO(f.aio, func(_ context.Context, err registry.ErrorCode, size int, _ any) {
		if err != registry.ErrOK {
			t.Errorf("err = %v", err)
		}
		done <- size
	}, nil, 0)
	tk.AIO().Op = AIOWrite
	tk.AIO().Buffer = []byte("abc")
	require.Equal(t, "write", tk.AIO().Op.String())
	require.True(t, tk.EnqueueAIO(registry.ErrOK, 3))
	require.Equal(t, 3, <-done)
	require.Equal(t, 3, tk.TransferredSize())
}

func TestCreationChecksCodes(t *testing.T) {
	f := newFixture(t, false)
	require.Panics(t, func() { f.sched.NewCompute(registry.TaskCode(999), nil, nil, 0) })
	require.Panics(t, func() { f.sched.NewCompute(f.aio, nil, nil, 0) })
	require.Panics(t, func() { f.sched.NewAIO(f.compute, nil, nil, 0) })
	require.Panics(t, func() { f.sched.NewTimer(f.timer, nil, nil, 0, 0) })
}

func TestStopCancelsLateTasks(t *testing.T) {
	f := newFixture(t, true)
	tk := f.sched.NewCompute(f.compute, func(context.Context, any) { t.Error("ran after stop") }, nil, 0)
	require.True(t, tk.Enqueue(nil, 20*time.Millisecond))
	f.sched.Stop()
	require.True(t, tk.WaitTimeout(context.Background(), time.Second))
	require.Equal(t, StateCancelled, tk.State())

	stats := f.sched.Stats()
	require.Len(t, stats, 3)
	require.Equal(t, "POOL_MULTI", stats[1].Name)
	require.GreaterOrEqual(t, stats[1].Cancelled, uint64(1))
}
