// Package transport turns an address into byte-stream connections. Each
// Kind (tcp, quic, mem, winpipe) only listens and dials; framing, queueing
// and session lifetime live in netio, and Manager keeps one canonical
// client session per remote address.
package transport

import (
	"context"
	"net"
	"strings"
)

// Kind identifies the link type.
type Kind int

const (
	KindUnknown Kind = iota
	KindTCP
	KindQUIC
	KindWinPipe
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindWinPipe:
		return "winpipe"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind accepts the names used in configuration, including the aliases
// "inproc", "shared", "h3" and "pipe".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return KindTCP, nil
	case "quic", "h3", "http3":
		return KindQUIC, nil
	case "mem", "inproc", "shared":
		return KindMem, nil
	case "winpipe", "pipe":
		return KindWinPipe, nil
	default:
		return KindUnknown, ErrUnknownKind(s)
	}
}

// ErrUnknownKind is returned for transport names nothing implements.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// Transport listens for and dials ordered, reliable byte streams.
type Transport interface {
	Kind() Kind
	// Listen binds address. The listener is closed when ctx ends.
	Listen(ctx context.Context, address string) (net.Listener, error)
	// Dial connects to address; ctx bounds only the connect.
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// CloseOnDone closes l once ctx ends.
func CloseOnDone(ctx context.Context, l net.Listener) {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
}

// Addr is a net.Addr for transports without a native address type.
type Addr struct {
	Net  string
	Name string
}

func (a Addr) Network() string { return a.Net }
func (a Addr) String() string  { return a.Name }

