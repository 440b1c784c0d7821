package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"nucleus/pkg/config"
	"nucleus/pkg/core/priocq"
	"nucleus/pkg/registry"
)

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Name      string
	Workers   int
	Queued    int
	Executed  uint64
	Cancelled uint64
}

type poolCounters struct {
	executed  atomic.Uint64
	cancelled atomic.Uint64
}

type pool struct {
	code   registry.PoolCode
	cfg    config.PoolConfig
	queues []*priocq.Queue[*Task]
	poolCounters
}

// queueFor returns the queue a task with hash lands in. Partitioned pools
// have one queue per worker so same-hash tasks run in order on one worker.
func (p *pool) queueFor(hash uint64) *priocq.Queue[*Task] {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[hash%uint64(len(p.queues))]
}

// Scheduler owns the worker goroutines of every registered pool.
type Scheduler struct {
	table *registry.Table
	pools []*pool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// NewScheduler builds one pool per pool code in table. Pools without a
// matching config entry get a single worker; config entries naming unknown
// pools are rejected.
func NewScheduler(table *registry.Table, pools []config.PoolConfig) (*Scheduler, error) {
	byName := make(map[string]config.PoolConfig, len(pools))
	for _, pc := range pools {
		if table.PoolFromString(pc.Name, -1) < 0 {
			return nil, fmt.Errorf("pool %q is not registered", pc.Name)
		}
		byName[pc.Name] = pc
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{table: table, ctx: ctx, cancel: cancel}
	for c := registry.PoolCode(0); c <= table.MaxPool(); c++ {
		name := table.PoolName(c)
		pc, ok := byName[name]
		if !ok {
			pc = config.PoolConfig{Name: name, Workers: 1}
		}
		if pc.Workers <= 0 {
			pc.Workers = 1
		}
		p := &pool{code: c, cfg: pc}
		nq := 1
		if pc.Partitioned {
			nq = pc.Workers
		}
		for i := 0; i < nq; i++ {
			var shaper *priocq.TokenBucket
			if pc.MaxTasksPerSecond > 0 {
				shaper = priocq.NewTokenBucket(int64(pc.MaxTasksPerSecond/nq+1), 0)
			}
			p.queues = append(p.queues, priocq.New[*Task](shaper))
		}
		s.pools = append(s.pools, p)
	}
	return s, nil
}

// Table returns the registry table the scheduler resolves codes with.
func (s *Scheduler) Table() *registry.Table { return s.table }

// Start launches the workers. Tasks enqueued before Start wait in their queues.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.pools {
		for i := 0; i < p.cfg.Workers; i++ {
			q := p.queueFor(uint64(i))
			info := WorkerInfo{Pool: p.code, Index: i, Exclusive: p.cfg.Partitioned || p.cfg.Workers == 1}
			s.wg.Add(1)
			go s.work(p, q, context.WithValue(s.ctx, workerKey{}, info))
		}
		zap.L().Info("thread pool started",
			zap.String("pool", p.cfg.Name),
			zap.Int("workers", p.cfg.Workers),
			zap.Bool("partitioned", p.cfg.Partitioned))
	}
}

func (s *Scheduler) work(p *pool, q *priocq.Queue[*Task], ctx context.Context) {
	defer s.wg.Done()
	for {
		t, ok := q.Pop()
		if !ok {
			return
		}
		if t.run(ctx) {
			p.executed.Add(1)
		}
		t.Release()
	}
}

// Stop closes every queue, lets workers drain what is queued and waits for
// them. Delayed and periodic tasks that come due afterwards are cancelled.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.pools {
		for _, q := range p.queues {
			q.Close()
		}
	}
	if s.started.Load() {
		s.wg.Wait()
	}
	s.cancel()
	zap.L().Info("scheduler stopped")
}

func (s *Scheduler) poolOf(t *Task) *pool {
	c := t.spec.Pool
	if c < 0 || int(c) >= len(s.pools) {
		panic(fmt.Sprintf("task %s: unknown pool %d", t.spec.Name, c))
	}
	return s.pools[c]
}

func (s *Scheduler) stats(t *Task) *poolCounters { return &s.poolOf(t).poolCounters }

// push places an Enqueued task on its queue; it owns the queue reference.
func (s *Scheduler) push(t *Task) {
	if t.State() != StateEnqueued {
		t.Release()
		return
	}
	if s.poolOf(t).queueFor(t.hash).Push(uint8(t.priority), t) {
		return
	}
	if t.state.CompareAndSwap(int32(StateEnqueued), int32(StateCancelled)) {
		t.finish(true)
	}
	t.Release()
}

// Stats returns per-pool counters ordered by pool code.
func (s *Scheduler) Stats() []PoolStats {
	out := make([]PoolStats, 0, len(s.pools))
	for _, p := range s.pools {
		queued := 0
		for _, q := range p.queues {
			queued += q.Len()
		}
		out = append(out, PoolStats{
			Name:      p.cfg.Name,
			Workers:   p.cfg.Workers,
			Queued:    queued,
			Executed:  p.executed.Load(),
			Cancelled: p.cancelled.Load(),
		})
	}
	return out
}
