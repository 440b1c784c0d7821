// Package mem is an in-process transport over net.Pipe. Listeners live in a
// hub keyed by name; every Transport from New shares the process-wide hub so
// nodes in one process can reach each other.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"nucleus/pkg/transport"
)

var (
	ErrNoListener     = errors.New("mem: no such listener")
	ErrAddressInUse   = errors.New("mem: listener already exists")
	ErrListenerClosed = errors.New("mem: listener closed")
)

type hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
	seq       atomic.Uint64
}

func newHub() *hub { return &hub{listeners: make(map[string]*listener)} }

var shared = newHub()

type Transport struct{ hub *hub }

// New returns a transport on the shared hub.
func New() *Transport { return &Transport{hub: shared} }

// NewIsolated returns a transport whose listeners only it can reach.
func NewIsolated() *Transport { return &Transport{hub: newHub()} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// Listen registers name. An empty name gets a unique one.
func (t *Transport) Listen(ctx context.Context, name string) (net.Listener, error) {
	if name == "" {
		name = fmt.Sprintf("mem-%d", t.hub.seq.Add(1))
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, ok := t.hub.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, name)
	}
	l := &listener{hub: t.hub, addr: transport.Addr{Net: "mem", Name: name}, newCh: make(chan net.Conn), closeCh: make(chan struct{})}
	t.hub.listeners[name] = l
	transport.CloseOnDone(ctx, l)
	return l, nil
}

// Dial hands the server end of a fresh pipe to the listener and waits until
// it is accepted or ctx ends.
func (t *Transport) Dial(ctx context.Context, name string) (net.Conn, error) {
	t.hub.mu.Lock()
	l := t.hub.listeners[name]
	t.hub.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, name)
	}
	local := transport.Addr{Net: "mem", Name: fmt.Sprintf("%s#%d", name, t.hub.seq.Add(1))}
	c1, c2 := net.Pipe()
	srv := &conn{Conn: c1, local: l.addr, remote: local}
	cli := &conn{Conn: c2, local: local, remote: l.addr}
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
	case <-ctx.Done():
	}
	_ = c1.Close()
	_ = c2.Close()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s", ErrNoListener, name)
}

type listener struct {
	hub     *hub
	addr    transport.Addr
	newCh   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.addr }

func (l *listener) Accept() (net.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.closeCh)
		l.hub.mu.Lock()
		if l.hub.listeners[l.addr.Name] == l {
			delete(l.hub.listeners, l.addr.Name)
		}
		l.hub.mu.Unlock()
	})
	return nil
}

// conn reports hub names instead of the "pipe" placeholder.
type conn struct {
	net.Conn
	local, remote net.Addr
}

func (c *conn) LocalAddr() net.Addr  { return c.local }
func (c *conn) RemoteAddr() net.Addr { return c.remote }
