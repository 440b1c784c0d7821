package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nucleus/pkg/config"
	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

func TestSemaphoreSignalAndWait(t *testing.T) {
	s := NewSemaphore(1)
	require.True(t, s.TryWait())
	require.False(t, s.TryWait())

	start := time.Now()
	require.False(t, s.WaitTimeout(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Wait(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	s.Signal(3)
	wg.Wait()
	require.False(t, s.TryWait())

	s.Signal(2)
	require.True(t, s.WaitTimeout(context.Background(), time.Millisecond))
	require.True(t, s.TryWait())
}

func TestSemaphoreWaitHonoursContext(t *testing.T) {
	s := NewSemaphore(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Wait(ctx), context.Canceled)
	require.Panics(t, func() { NewSemaphore(-1) })
}

func TestSemaphoreWaitFromWorkerNeedsDeadline(t *testing.T) {
	b := registry.NewBuilder()
	pool := b.RegisterPool("POOL_LOCK")
	code := b.RegisterTask("LPC_LOCK_WAIT", registry.KindCompute, registry.PriorityCommon, pool)
	sched, err := task.NewScheduler(b.Seal(), []config.PoolConfig{{Name: "POOL_LOCK", Workers: 1}})
	require.NoError(t, err)
	sched.Start()
	t.Cleanup(sched.Stop)

	s := NewSemaphore(0)
	type outcome struct {
		untimed any
		timed   error
		late    bool
	}
	out := make(chan outcome, 1)
	tk := sched.NewCompute(code, func(ctx context.Context, _ any) {
		var o outcome
		func() {
			defer func() { o.untimed = recover() }()
			_ = s.Wait(ctx)
		}()
		dctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		o.timed = s.Wait(dctx)
		o.late = s.WaitTimeout(ctx, 10*time.Millisecond)
		out <- o
	}, nil, 0)
	defer tk.Release()
	require.True(t, tk.Enqueue(nil, 0))
	time.AfterFunc(20*time.Millisecond, func() { s.Signal(1) })

	select {
	case o := <-out:
		require.NotNil(t, o.untimed)
		require.NoError(t, o.timed)
		require.False(t, o.late)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not finish")
	}
	require.NotPanics(t, func() {
		s.Signal(1)
		require.NoError(t, s.Wait(context.Background()))
	})
}

func TestExclusiveTryLock(t *testing.T) {
	l := NewExclusive()
	l.Lock()
	require.False(t, l.TryLock())
	l.Unlock()
	require.True(t, l.TryLock())
	l.Unlock()
}

func TestRWReadersShareWritersExclude(t *testing.T) {
	l := NewRW()
	l.LockRead()
	require.True(t, l.TryLockRead())
	require.False(t, l.TryLockWrite())
	l.UnlockRead()
	l.UnlockRead()
	require.True(t, l.TryLockWrite())
	require.False(t, l.TryLockRead())
	l.UnlockWrite()
}
