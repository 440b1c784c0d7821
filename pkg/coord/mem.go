package coord

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"nucleus/pkg/memkv"
	"nucleus/pkg/registry"
	"nucleus/pkg/task"
)

type watch struct {
	owner Handle
	node  bool
	fn    WatchFunc
}

type session struct {
	hosts string
}

// MemService keeps the tree in a memkv.Store inside this process. Watch
// notifications run as compute tasks of watchCode.
type MemService struct {
	store     *memkv.Store
	sched     *task.Scheduler
	watchCode registry.TaskCode

	seq     atomic.Uint64
	nextSeq atomic.Uint64

	mu       sync.Mutex
	sessions map[Handle]*session
	owners   map[string]Handle // ephemeral path -> creating session
	watches  map[string][]watch
}

func NewMemService(store *memkv.Store, sched *task.Scheduler, watchCode registry.TaskCode) *MemService {
	return &MemService{
		store:     store,
		sched:     sched,
		watchCode: watchCode,
		sessions:  make(map[Handle]*session),
		owners:    make(map[string]Handle),
		watches:   make(map[string][]watch),
	}
}

// Connect opens a session. hosts is recorded for logging only.
func (m *MemService) Connect(hosts string, _ time.Duration) (Handle, error) {
	h := Handle(m.seq.Add(1))
	m.mu.Lock()
	m.sessions[h] = &session{hosts: hosts}
	m.mu.Unlock()
	zap.L().Debug("coord session opened", zap.Uint64("handle", uint64(h)), zap.String("hosts", hosts))
	return h, nil
}

// Disconnect drops the watches of h and deletes its ephemeral nodes.
func (m *MemService) Disconnect(h Handle) {
	m.mu.Lock()
	_, ok := m.sessions[h]
	delete(m.sessions, h)
	var ephemeral []string
	for p, owner := range m.owners {
		if owner == h {
			ephemeral = append(ephemeral, p)
			delete(m.owners, p)
		}
	}
	for p, ws := range m.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.owner != h {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(m.watches, p)
		} else {
			m.watches[p] = kept
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, p := range ephemeral {
		if err := m.store.Delete(p, memkv.AnyVersion); err == nil {
			m.fire(p, EventDeleted)
		}
	}
	zap.L().Debug("coord session closed", zap.Uint64("handle", uint64(h)), zap.Int("ephemeral", len(ephemeral)))
}

func (m *MemService) AsyncVisit(h Handle, v *Visitor, t *task.Task, tr *task.Tracker) registry.ErrorCode {
	m.mu.Lock()
	_, ok := m.sessions[h]
	m.mu.Unlock()
	if !ok {
		return registry.ErrInvalidState
	}
	v.Err = m.visit(h, v)
	if !t.Enqueue(tr, 0) {
		zap.L().Debug("coord completion cancelled", zap.Stringer("op", v.Op), zap.String("path", v.Path))
	}
	return registry.ErrOK
}

func (m *MemService) visit(h Handle, v *Visitor) registry.ErrorCode {
	switch v.Op {
	case OpCreate:
		p := v.Path
		if v.Flags&Sequential != 0 {
			p = fmt.Sprintf("%s%010d", p, m.nextSeq.Add(1))
		}
		if err := m.store.Create(p, v.Data); err != nil {
			return codeOf(err)
		}
		v.Created = p
		if v.Flags&Ephemeral != 0 {
			m.mu.Lock()
			_, live := m.sessions[h]
			if live {
				m.owners[p] = h
			}
			m.mu.Unlock()
			if !live {
				_ = m.store.Delete(p, memkv.AnyVersion)
				return registry.ErrInvalidState
			}
		}
		m.fire(p, EventCreated)
	case OpDelete:
		if err := m.store.Delete(v.Path, v.Version); err != nil {
			return codeOf(err)
		}
		m.mu.Lock()
		delete(m.owners, v.Path)
		m.mu.Unlock()
		m.fire(v.Path, EventDeleted)
	case OpSet:
		ver, err := m.store.Set(v.Path, v.Data, v.Version)
		if err != nil {
			return codeOf(err)
		}
		v.Stat = ver
		m.fire(v.Path, EventChanged)
	case OpGet:
		n, err := m.store.Get(v.Path)
		if err != nil {
			return codeOf(err)
		}
		v.Value, v.Stat = n.Value, n.Version
	case OpGetChildren:
		kids, err := m.store.Children(v.Path)
		if err != nil {
			return codeOf(err)
		}
		v.Children = kids
	case OpExists:
		n, err := m.store.Get(v.Path)
		if err != nil && !errors.Is(err, memkv.ErrNotFound) {
			return codeOf(err)
		}
		v.Exists, v.Stat = err == nil, n.Version
	case OpWatchNode, OpWatchDir:
		if v.Watch == nil {
			return registry.ErrInvalidParameters
		}
		p, err := memkv.Clean(v.Path)
		if err != nil {
			return codeOf(err)
		}
		m.mu.Lock()
		m.watches[p] = append(m.watches[p], watch{owner: h, node: v.Op == OpWatchNode, fn: v.Watch})
		m.mu.Unlock()
	default:
		return registry.ErrInvalidParameters
	}
	return registry.ErrOK
}

// fire triggers node watches on p and dir watches on its parent. Watches
// are one-shot.
func (m *MemService) fire(p string, ev EventType) {
	var due []func()
	m.mu.Lock()
	take := func(path string, node bool, e Event) {
		ws := m.watches[path]
		kept := ws[:0]
		for _, w := range ws {
			if w.node == node {
				fn := w.fn
				due = append(due, func() { fn(e) })
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(m.watches, path)
		} else {
			m.watches[path] = kept
		}
	}
	take(p, true, Event{Type: ev, Path: p})
	if ev == EventCreated || ev == EventDeleted {
		parent := memkv.Parent(p)
		take(parent, false, Event{Type: EventChildren, Path: parent})
	}
	m.mu.Unlock()

	for _, fn := range due {
		t := m.sched.NewCompute(m.watchCode, func(_ context.Context, _ any) { fn() }, nil, pathHash(p))
		t.Enqueue(nil, 0)
		t.Release()
	}
}

func pathHash(p string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p))
	return h.Sum64()
}

func codeOf(err error) registry.ErrorCode {
	switch {
	case errors.Is(err, memkv.ErrNotFound), errors.Is(err, memkv.ErrNoParent):
		return registry.ErrObjectNotFound
	case errors.Is(err, memkv.ErrExists):
		return registry.ErrNodeAlreadyExist
	case errors.Is(err, memkv.ErrBadPath):
		return registry.ErrInvalidParameters
	case errors.Is(err, memkv.ErrNotEmpty), errors.Is(err, memkv.ErrBadVersion):
		return registry.ErrInvalidState
	}
	zap.L().Warn("coord store error", zap.Error(err))
	return registry.ErrInvalidState
}
