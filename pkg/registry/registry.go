// Package registry maps names to dense integer codes for errors, thread pools
// and task kinds. Codes are assigned by a Builder during start-up and frozen
// into an immutable Table by Seal; every component that needs lookups takes
// the Table explicitly.
package registry

import (
	"fmt"
	"sync"
)

const (
	poolDefaultName    = "THREAD_POOL_DEFAULT"
	taskInvalidName    = "TASK_CODE_INVALID"
	responseNameSuffix = "_ACK"
)

type names struct {
	byName map[string]int32
	list   []string
}

func newNames() names { return names{byName: map[string]int32{}} }

func (n *names) add(name string) (int32, bool) {
	if c, ok := n.byName[name]; ok {
		return c, false
	}
	c := int32(len(n.list))
	n.byName[name] = c
	n.list = append(n.list, name)
	return c, true
}

func (n *names) name(c int32) (string, bool) {
	if c < 0 || int(c) >= len(n.list) {
		return "", false
	}
	return n.list[c], true
}

// Builder collects registrations. It is safe for concurrent use.
type Builder struct {
	mu     sync.Mutex
	sealed bool
	errs   names
	pools  names
	tasks  names
	specs  []TaskSpec
}

// NewBuilder returns a builder with the built-in error codes, the default
// pool and the invalid task code already registered.
func NewBuilder() *Builder {
	b := &Builder{errs: newNames(), pools: newNames(), tasks: newNames()}
	for _, n := range builtinErrorNames {
		b.errs.add(n)
	}
	b.pools.add(poolDefaultName)
	b.tasks.add(taskInvalidName)
	b.specs = append(b.specs, TaskSpec{Code: TaskCodeInvalid, Name: taskInvalidName})
	return b
}

func (b *Builder) checkOpen(what, name string) {
	if b.sealed {
		panic(fmt.Sprintf("registry: register %s %q after configuration completed", what, name))
	}
}

// RegisterError returns the code for name, registering it on first use.
func (b *Builder) RegisterError(name string) ErrorCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen("error", name)
	c, _ := b.errs.add(name)
	return ErrorCode(c)
}

// RegisterPool returns the code for name, registering it on first use.
func (b *Builder) RegisterPool(name string) PoolCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpen("pool", name)
	c, _ := b.pools.add(name)
	return PoolCode(c)
}

// RegisterTask registers a task code. Registering an existing name with the
// same attributes returns the existing code; different attributes panic.
func (b *Builder) RegisterTask(name string, kind TaskKind, pri Priority, pool PoolCode) TaskCode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registerTaskLocked(name, kind, pri, pool)
}

func (b *Builder) registerTaskLocked(name string, kind TaskKind, pri Priority, pool PoolCode) TaskCode {
	b.checkOpen("task", name)
	if _, ok := b.pools.name(int32(pool)); !ok {
		panic(fmt.Sprintf("registry: task %q bound to unknown pool %d", name, pool))
	}
	c, fresh := b.tasks.add(name)
	if !fresh {
		s := b.specs[c]
		if s.Kind != kind || s.Priority != pri || s.Pool != pool {
			panic(fmt.Sprintf("registry: task %q re-registered with different spec", name))
		}
		return TaskCode(c)
	}
	b.specs = append(b.specs, TaskSpec{Code: TaskCode(c), Name: name, Kind: kind, Priority: pri, Pool: pool})
	return TaskCode(c)
}

// RegisterRPC registers name as an rpc request code and name_ACK as its
// response code, both on pool with the given priority.
func (b *Builder) RegisterRPC(name string, pri Priority, pool PoolCode) (req, resp TaskCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req = b.registerTaskLocked(name, KindRPCRequest, pri, pool)
	resp = b.registerTaskLocked(name+responseNameSuffix, KindRPCResponse, pri, pool)
	b.specs[req].Paired = resp
	b.specs[resp].Paired = req
	return req, resp
}

// SetTaskPool rebinds an already registered code before sealing.
func (b *Builder) SetTaskPool(code TaskCode, pool PoolCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.specLocked(code)
	b.checkOpen("task pool", s.Name)
	if _, ok := b.pools.name(int32(pool)); !ok {
		panic(fmt.Sprintf("registry: unknown pool %d", pool))
	}
	s.Pool = pool
}

// SetTaskPriority changes the priority of an already registered code before sealing.
func (b *Builder) SetTaskPriority(code TaskCode, pri Priority) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.specLocked(code)
	b.checkOpen("task priority", s.Name)
	s.Priority = pri
}

func (b *Builder) specLocked(code TaskCode) *TaskSpec {
	if code <= TaskCodeInvalid || int(code) >= len(b.specs) {
		panic(fmt.Sprintf("registry: unknown task code %d", code))
	}
	return &b.specs[code]
}

// Seal freezes the builder. Later registrations panic. Seal is idempotent and
// every call returns an equivalent table.
func (b *Builder) Seal() *Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return &Table{
		errs:  clone(b.errs),
		pools: clone(b.pools),
		tasks: clone(b.tasks),
		specs: append([]TaskSpec(nil), b.specs...),
	}
}

// Sealed reports whether Seal has been called.
func (b *Builder) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

func clone(n names) names {
	out := names{byName: make(map[string]int32, len(n.byName)), list: append([]string(nil), n.list...)}
	for k, v := range n.byName {
		out.byName[k] = v
	}
	return out
}

// Table is the immutable result of Seal.
type Table struct {
	errs  names
	pools names
	tasks names
	specs []TaskSpec
}

func (t *Table) ErrorName(e ErrorCode) string {
	if n, ok := t.errs.name(int32(e)); ok {
		return n
	}
	return e.Error()
}

// ErrorFromString returns def when name is unknown.
func (t *Table) ErrorFromString(name string, def ErrorCode) ErrorCode {
	if c, ok := t.errs.byName[name]; ok {
		return ErrorCode(c)
	}
	return def
}

func (t *Table) MaxError() ErrorCode { return ErrorCode(len(t.errs.list) - 1) }

func (t *Table) PoolName(p PoolCode) string {
	if n, ok := t.pools.name(int32(p)); ok {
		return n
	}
	return fmt.Sprintf("THREAD_POOL_%d", int32(p))
}

func (t *Table) PoolFromString(name string, def PoolCode) PoolCode {
	if c, ok := t.pools.byName[name]; ok {
		return PoolCode(c)
	}
	return def
}

func (t *Table) MaxPool() PoolCode { return PoolCode(len(t.pools.list) - 1) }

func (t *Table) TaskName(c TaskCode) string {
	if n, ok := t.tasks.name(int32(c)); ok {
		return n
	}
	return fmt.Sprintf("TASK_CODE_%d", int32(c))
}

func (t *Table) TaskFromString(name string, def TaskCode) TaskCode {
	if c, ok := t.tasks.byName[name]; ok {
		return TaskCode(c)
	}
	return def
}

func (t *Table) MaxTask() TaskCode { return TaskCode(len(t.tasks.list) - 1) }

// Lookup returns the spec for c, or false when c is not a registered code.
func (t *Table) Lookup(c TaskCode) (TaskSpec, bool) {
	if c <= TaskCodeInvalid || int(c) >= len(t.specs) {
		return TaskSpec{}, false
	}
	return t.specs[c], true
}

// Spec returns the spec for c and panics when c was never registered.
func (t *Table) Spec(c TaskCode) TaskSpec {
	s, ok := t.Lookup(c)
	if !ok {
		panic(fmt.Sprintf("registry: task code %d is not registered", c))
	}
	return s
}

// Specs returns all specs indexed by code, sized MaxTask()+1.
func (t *Table) Specs() []TaskSpec { return append([]TaskSpec(nil), t.specs...) }
