package transport

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"nucleus/pkg/netio"
	"nucleus/pkg/protocol"
)

// ErrManagerClosed is returned by Send after Close.
var ErrManagerClosed = errors.New("transport: manager closed")

// Manager keeps at most one client session per remote address. Sessions
// are dialed on first use and forgotten when they fail, so the next Send
// dials again.
type Manager struct {
	tr          Transport
	parser      protocol.ParserFactory
	h           netio.Handlers
	dialTimeout time.Duration

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

type link struct {
	addr    string
	sess    *netio.Session // nil while dialing
	pending []*protocol.Message
}

// NewManager dials through tr and frames with parser. h receives events of
// every session the manager owns.
func NewManager(tr Transport, parser protocol.ParserFactory, h netio.Handlers, dialTimeout time.Duration) *Manager {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Manager{tr: tr, parser: parser, h: h, dialTimeout: dialTimeout, links: make(map[string]*link)}
}

// Send queues msg on the session to addr. While the session is being
// dialed messages are held back and flushed in order once it connects; if
// the dial fails they are dropped and the error is only logged.
func (m *Manager) Send(addr string, msg *protocol.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	l := m.links[addr]
	if l == nil {
		l = &link{addr: addr}
		m.links[addr] = l
		go m.dial(l)
	}
	if l.sess == nil {
		l.pending = append(l.pending, msg)
		m.mu.Unlock()
		return nil
	}
	s := l.sess
	m.mu.Unlock()
	if err := s.Write(msg); err != nil {
		m.drop(l, s)
		return err
	}
	return nil
}

func (m *Manager) dial(l *link) {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	conn, err := m.tr.Dial(ctx, l.addr)
	cancel()

	m.mu.Lock()
	if err != nil || m.closed {
		dropped := len(l.pending)
		l.pending = nil
		if m.links[l.addr] == l {
			delete(m.links, l.addr)
		}
		m.mu.Unlock()
		if err == nil {
			_ = conn.Close()
			return
		}
		zap.L().Warn("dial failed", zap.String("addr", l.addr), zap.Stringer("kind", m.tr.Kind()), zap.Int("dropped", dropped), zap.Error(err))
		return
	}
	s := netio.NewSession(conn, m.parser(), m.handlers(l))
	l.sess = s
	// Flush under the lock so later Sends cannot overtake held messages.
	for _, msg := range l.pending {
		if werr := s.Write(msg); werr != nil {
			break
		}
	}
	l.pending = nil
	m.mu.Unlock()
	zap.L().Debug("session connected", zap.String("addr", l.addr), zap.String("local", s.LocalAddr()))
	s.Start()
}

func (m *Manager) handlers(l *link) netio.Handlers {
	h := m.h
	onFailure := h.OnFailure
	h.OnFailure = func(s *netio.Session, err error) {
		m.drop(l, s)
		if onFailure != nil {
			onFailure(s, err)
		}
	}
	return h
}

func (m *Manager) drop(l *link, s *netio.Session) {
	m.mu.Lock()
	if cur := m.links[l.addr]; cur == l && l.sess == s {
		delete(m.links, l.addr)
	}
	m.mu.Unlock()
}

// Addresses lists remote addresses with a live or dialing session.
func (m *Manager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.links))
	for a := range m.links {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Disconnect closes the session to addr, if any.
func (m *Manager) Disconnect(addr string) {
	m.mu.Lock()
	l := m.links[addr]
	if l != nil && l.sess != nil {
		delete(m.links, addr)
	}
	m.mu.Unlock()
	if l != nil && l.sess != nil {
		l.sess.Close()
	}
}

// Close closes every session and rejects further sends.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var open []*netio.Session
	for a, l := range m.links {
		if l.sess != nil {
			open = append(open, l.sess)
		}
		delete(m.links, a)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}
