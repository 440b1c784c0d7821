// Package rpc binds outgoing requests to response tasks and dispatches
// inbound requests to registered handlers as tasks.
//
// Outgoing calls go through a transport.Manager (one client session per
// remote address). Each call with a response task gets a correlation id
// and a timer; whichever of the response, the timer or Stop claims the id
// first delivers the single outcome.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nucleus/pkg/netio"
	"nucleus/pkg/protocol"
	"nucleus/pkg/registry"
	"nucleus/pkg/task"
	"nucleus/pkg/transport"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultDialTimeout = 3 * time.Second
)

var (
	ErrNotStarted = errors.New("rpc: engine not started")
	ErrStopped    = errors.New("rpc: engine stopped")
)

// Options configure an Engine. Transport is required; Listen may be empty
// for a client-only engine.
type Options struct {
	Transport      transport.Transport
	Listen         []string
	Parser         protocol.ParserFactory
	DefaultTimeout time.Duration
	DialTimeout    time.Duration
	// TrackerBuckets sizes the tracker of in-flight inbound requests.
	TrackerBuckets int
	Tracer         trace.Tracer
}

type Engine struct {
	table  *registry.Table
	sched  *task.Scheduler
	opts   Options
	tracer trace.Tracer

	seq     atomic.Uint64
	pending *pendingTable
	clients *transport.Manager
	serving *task.Tracker

	hmu      sync.RWMutex
	handlers map[registry.TaskCode]*handler
	byName   map[string]*handler

	mu        sync.Mutex
	started   bool
	stopped   bool
	primary   string
	cancel    context.CancelFunc
	listeners []net.Listener
	inbound   map[*netio.Session]struct{}
	wg        sync.WaitGroup
}

// NewEngine validates opts and prepares an engine; nothing listens until Start.
func NewEngine(table *registry.Table, sched *task.Scheduler, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("rpc: transport is required")
	}
	if opts.Parser == nil {
		p, err := protocol.NewParserFactory("frame", 0)
		if err != nil {
			return nil, err
		}
		opts.Parser = p
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.TrackerBuckets <= 0 {
		opts.TrackerBuckets = task.DefaultTrackerBuckets
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("nucleus/rpc")
	}
	return &Engine{
		table:    table,
		sched:    sched,
		opts:     opts,
		tracer:   tracer,
		pending:  newPendingTable(),
		serving:  task.NewTracker(opts.TrackerBuckets),
		handlers: make(map[registry.TaskCode]*handler),
		byName:   make(map[string]*handler),
		inbound:  make(map[*netio.Session]struct{}),
	}, nil
}

// Start opens the client manager and every listen address. The first
// listener becomes the primary address stamped on outgoing requests.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if e.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.clients = transport.NewManager(e.opts.Transport, e.opts.Parser, e.clientHandlers(), e.opts.DialTimeout)

	for _, addr := range e.opts.Listen {
		l, err := e.opts.Transport.Listen(ctx, addr)
		if err != nil {
			zap.L().Error("listen failed", zap.Stringer("kind", e.opts.Transport.Kind()), zap.String("addr", addr), zap.Error(err))
			cancel()
			for _, open := range e.listeners {
				_ = open.Close()
			}
			e.listeners = nil
			e.clients.Close()
			return fmt.Errorf("rpc: listen %s: %w", addr, err)
		}
		zap.L().Info("listening", zap.Stringer("kind", e.opts.Transport.Kind()), zap.String("addr", l.Addr().String()))
		if e.primary == "" {
			e.primary = l.Addr().String()
		}
		e.listeners = append(e.listeners, l)
		e.wg.Add(1)
		go e.acceptLoop(l)
	}
	e.cancel = cancel
	e.started = true
	return nil
}

// PrimaryAddress is the first bound listen address, or "" for a client-only engine.
func (e *Engine) PrimaryAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary
}

func (e *Engine) acceptLoop(l net.Listener) {
	defer e.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			zap.L().Debug("accept loop done", zap.String("addr", l.Addr().String()), zap.Error(err))
			return
		}
		s := netio.NewSession(c, e.opts.Parser(), netio.Handlers{
			OnMessage: e.onServerMessage,
			OnDestroy: e.forgetInbound,
		})
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			s.Close()
			continue
		}
		e.inbound[s] = struct{}{}
		e.mu.Unlock()
		zap.L().Debug("session accepted", zap.String("remote", s.RemoteAddr()))
		s.Start()
	}
}

func (e *Engine) forgetInbound(s *netio.Session) {
	e.mu.Lock()
	delete(e.inbound, s)
	e.mu.Unlock()
}

func (e *Engine) clientHandlers() netio.Handlers {
	return netio.Handlers{
		OnMessage: func(s *netio.Session, msg *protocol.Message) {
			if !msg.IsResponse() {
				zap.L().Warn("unexpected request on client session", zap.String("remote", s.RemoteAddr()), zap.String("rpc", msg.Name))
				return
			}
			e.deliver(msg.ID, msg.Error, msg)
		},
	}
}

// Stop closes listeners and sessions, cancels in-flight handler tasks that
// have not started and fails pending calls with ERR_CANCELLED.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	if e.cancel != nil {
		e.cancel()
	}
	listeners := e.listeners
	e.listeners = nil
	sessions := make([]*netio.Session, 0, len(e.inbound))
	for s := range e.inbound {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	e.wg.Wait()
	for _, s := range sessions {
		s.Close()
	}
	if started {
		e.clients.Close()
	}
	for _, id := range e.pending.ids() {
		e.deliver(id, registry.ErrCancelled, nil)
	}
	if err := e.serving.CancelOutstanding(context.Background()); err != nil {
		zap.L().Warn("cancel inbound requests", zap.Error(err))
	}
	zap.L().Info("rpc engine stopped")
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Pending  int
	Serving  int
	Inbound  int
	Outbound []string
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{Inbound: len(e.inbound)}
	clients := e.clients
	e.mu.Unlock()
	st.Pending = e.pending.len()
	st.Serving = e.serving.Count()
	if clients != nil {
		st.Outbound = clients.Addresses()
	}
	return st
}

func (e *Engine) send(addr string, msg *protocol.Message) error {
	e.mu.Lock()
	clients, stopped := e.clients, e.stopped
	e.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case clients == nil:
		return ErrNotStarted
	}
	return clients.Send(addr, msg)
}
