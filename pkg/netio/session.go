// Package netio drives one network connection: a read loop that feeds a
// message parser and a serialised scatter-gather write queue. A session is
// reference counted; every in-flight read or write holds a reference and
// the destroy hook runs only after the last one is released.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"nucleus/pkg/protocol"
)

// SocketBufferSize is requested for both directions of TCP sessions.
const SocketBufferSize = 16 << 20

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("netio: session closed")

// Handlers are invoked from the session's read and write goroutines.
type Handlers struct {
	// OnMessage receives each complete inbound message, in arrival order.
	OnMessage func(s *Session, msg *protocol.Message)
	// OnWriteCompleted is called once msg is fully written.
	OnWriteCompleted func(s *Session, msg *protocol.Message)
	// OnFailure is called once, for the first read, write or parse error.
	// The session closes itself right after.
	OnFailure func(s *Session, err error)
	// OnDestroy runs exactly once, after the last reference is released.
	OnDestroy func(s *Session)
}

// Session owns conn and its parser exclusively.
type Session struct {
	conn   net.Conn
	parser protocol.Parser
	h      Handlers
	remote string

	refs      atomic.Int32
	started   atomic.Bool
	closed    atomic.Bool
	failed    atomic.Bool
	destroyed atomic.Bool

	wmu     sync.Mutex
	wq      deque.Deque[*protocol.Message]
	writing bool
}

// NewSession wraps conn. The caller owns the initial reference and gives it
// up with Close. Reads start with Start.
func NewSession(conn net.Conn, parser protocol.Parser, h Handlers) *Session {
	s := &Session{conn: conn, parser: parser, h: h}
	if ra := conn.RemoteAddr(); ra != nil {
		s.remote = ra.String()
	}
	s.refs.Store(1)
	setOptions(conn)
	return s
}

func setOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		zap.L().Warn("set TCP_NODELAY failed", zap.Error(err))
	}
	if err := tc.SetReadBuffer(SocketBufferSize); err != nil {
		zap.L().Warn("set socket receive buffer failed", zap.Int("bytes", SocketBufferSize), zap.Error(err))
	}
	if err := tc.SetWriteBuffer(SocketBufferSize); err != nil {
		zap.L().Warn("set socket send buffer failed", zap.Int("bytes", SocketBufferSize), zap.Error(err))
	}
}

// RemoteAddr is the peer address reported by the connection.
func (s *Session) RemoteAddr() string { return s.remote }

// LocalAddr is the local address of the connection.
func (s *Session) LocalAddr() string {
	if la := s.conn.LocalAddr(); la != nil {
		return la.String()
	}
	return ""
}

func (s *Session) String() string { return fmt.Sprintf("session(%s)", s.remote) }

// Refs returns the current reference count.
func (s *Session) Refs() int32 { return s.refs.Load() }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool { return s.closed.Load() }

// AddRef takes a reference for a holder outside the session.
func (s *Session) AddRef() {
	if s.refs.Add(1) <= 1 {
		panic("netio: AddRef on destroyed session")
	}
}

// Release drops a reference; the last one runs OnDestroy.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 || !s.destroyed.CompareAndSwap(false, true) {
		panic("netio: session released more often than referenced")
	}
	zap.L().Debug("session destroyed", zap.String("remote", s.remote))
	if s.h.OnDestroy != nil {
		s.h.OnDestroy(s)
	}
}

// Start arms the read loop. Only one read is ever outstanding. The read
// reference is taken under wmu, so a concurrent Close cannot drop the
// owner's reference in between.
func (s *Session) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wmu.Lock()
	if s.closed.Load() {
		s.wmu.Unlock()
		return
	}
	s.AddRef()
	s.wmu.Unlock()
	go s.readLoop()
}

// readLoop holds one reference per read: the next read's reference is taken
// before the current one is released.
func (s *Session) readLoop() {
	for {
		buf := s.parser.ReadBuffer()
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.parser.Received(n)
			for {
				msg, perr := s.parser.Next()
				if perr != nil {
					err = fmt.Errorf("parse: %w", perr)
					break
				}
				if msg == nil {
					break
				}
				if s.h.OnMessage != nil {
					s.h.OnMessage(s, msg)
				}
			}
		}
		if err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			s.Release()
			return
		}
		s.AddRef()
		s.Release()
	}
}

// Write queues msg. Messages are written whole and in order, one at a time.
func (s *Session) Write(msg *protocol.Message) error {
	s.wmu.Lock()
	if s.closed.Load() {
		s.wmu.Unlock()
		return ErrClosed
	}
	s.wq.PushBack(msg)
	if s.writing {
		s.wmu.Unlock()
		return nil
	}
	s.writing = true
	s.AddRef()
	s.wmu.Unlock()
	go s.writeLoop()
	return nil
}

func (s *Session) writeLoop() {
	for {
		s.wmu.Lock()
		if s.wq.Len() == 0 {
			s.writing = false
			s.wmu.Unlock()
			s.Release()
			return
		}
		msg := s.wq.PopFront()
		s.wmu.Unlock()

		bufs, total, err := s.parser.SendBuffers(msg)
		if err == nil {
			var n int64
			n, err = bufs.WriteTo(s.conn)
			if err == nil && int(n) != total {
				err = fmt.Errorf("short write %d/%d", n, total)
			}
		}
		if err != nil {
			s.wmu.Lock()
			dropped := s.wq.Len()
			s.wq.Clear()
			s.writing = false
			s.wmu.Unlock()
			if dropped > 0 {
				zap.L().Debug("dropping queued writes", zap.String("remote", s.remote), zap.Int("count", dropped))
			}
			s.fail(fmt.Errorf("write: %w", err))
			s.Release()
			return
		}
		if s.h.OnWriteCompleted != nil {
			s.h.OnWriteCompleted(s, msg)
		}
	}
}

func (s *Session) fail(err error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	if !s.closed.Load() {
		zap.L().Warn("session failed", zap.String("remote", s.remote), zap.Error(err))
	}
	if s.h.OnFailure != nil {
		s.h.OnFailure(s, err)
	}
	s.Close()
}

type closeReader interface{ CloseRead() error }
type closeWriter interface{ CloseWrite() error }

// Close shuts the connection down in both directions and releases the
// owner's reference. Errors from an already broken socket are ignored.
func (s *Session) Close() {
	s.wmu.Lock()
	first := s.closed.CompareAndSwap(false, true)
	s.wmu.Unlock()
	if !first {
		return
	}
	if cr, ok := s.conn.(closeReader); ok {
		if err := cr.CloseRead(); err != nil {
			zap.L().Debug("shutdown read", zap.String("remote", s.remote), zap.Error(err))
		}
	}
	if cw, ok := s.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err != nil {
			zap.L().Debug("shutdown write", zap.String("remote", s.remote), zap.Error(err))
		}
	}
	if err := s.conn.Close(); err != nil {
		zap.L().Debug("close socket", zap.String("remote", s.remote), zap.Error(err))
	}
	s.Release()
}
