package rpc

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"nucleus/pkg/task"
)

const pendingShards = 16

// pendingCall holds a reference on its response task until claimed.
type pendingCall struct {
	t     *task.Task
	timer *time.Timer
	span  trace.Span
	addr  string
}

type pendingShard struct {
	mu sync.Mutex
	m  map[uint64]*pendingCall
}

// pendingTable maps correlation ids to calls. claim is the only way out, so
// each call is delivered at most once.
type pendingTable struct {
	shards [pendingShards]pendingShard
}

func newPendingTable() *pendingTable {
	p := &pendingTable{}
	for i := range p.shards {
		p.shards[i].m = make(map[uint64]*pendingCall)
	}
	return p
}

func (p *pendingTable) shard(id uint64) *pendingShard { return &p.shards[id%pendingShards] }

func (p *pendingTable) add(id uint64, c *pendingCall) {
	sh := p.shard(id)
	sh.mu.Lock()
	sh.m[id] = c
	sh.mu.Unlock()
}

// arm starts the timeout of id if it is still pending. A call claimed
// before arm gets no timer.
func (p *pendingTable) arm(id uint64, d time.Duration, fn func()) {
	sh := p.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok := sh.m[id]; ok {
		c.timer = time.AfterFunc(d, fn)
	}
}

func (p *pendingTable) claim(id uint64) *pendingCall {
	sh := p.shard(id)
	sh.mu.Lock()
	c := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	return c
}

func (p *pendingTable) len() int {
	n := 0
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (p *pendingTable) ids() []uint64 {
	var out []uint64
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for id := range sh.m {
			out = append(out, id)
		}
		sh.mu.Unlock()
	}
	return out
}
