// Package quic carries each connection over a single bidirectional QUIC
// stream, opened by the dialer and accepted by the listener.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"nucleus/pkg/transport"
)

const alpn = "nucleus"

var ErrListenerClosed = errors.New("quic: listener closed")

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() *Transport {
	// Ephemeral self-signed certificate for the server side.
	cert, err := selfSignedCert()
	if err != nil {
		zap.L().Warn("quic: self-signed certificate", zap.Error(err))
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{KeepAlivePeriod: 15 * time.Second},
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (net.Listener, error) {
	ql, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &listener{ql: ql, ctx: lctx, cancel: cancel, conns: make(chan net.Conn), closeCh: make(chan struct{})}
	go l.acceptLoop()
	transport.CloseOnDone(ctx, l)
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	tlsClient := &tls.Config{
		// The certificate is ephemeral; peers are not authenticated at this layer.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "open stream")
		return nil, err
	}
	return &streamConn{Stream: st, conn: c}, nil
}

type listener struct {
	ql      *quicgo.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	conns   chan net.Conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.ql.Addr() }

func (l *listener) Accept() (net.Conn, error) {
	select {
	case <-l.closeCh:
		return nil, ErrListenerClosed
	case c := <-l.conns:
		return c, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		l.cancel()
		err = l.ql.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.ql.Accept(l.ctx)
		if err != nil {
			_ = l.Close()
			return
		}
		go l.acceptStream(c)
	}
}

// acceptStream waits for the dialer's stream; it shows up with its first bytes.
func (l *listener) acceptStream(c quicgo.Connection) {
	st, err := c.AcceptStream(l.ctx)
	if err != nil {
		_ = c.CloseWithError(0, "no stream")
		return
	}
	select {
	case l.conns <- &streamConn{Stream: st, conn: c}:
	case <-l.closeCh:
		_ = c.CloseWithError(0, "listener closed")
	}
}

// streamConn presents one stream of a connection as a net.Conn.
type streamConn struct {
	quicgo.Stream
	conn quicgo.Connection
}

func (s *streamConn) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *streamConn) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *streamConn) CloseRead() error {
	s.Stream.CancelRead(0)
	return nil
}

func (s *streamConn) CloseWrite() error { return s.Stream.Close() }

func (s *streamConn) Close() error {
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
