// Package tcp is the plain TCP transport.
package tcp

import (
	"context"
	"net"

	"nucleus/pkg/transport"
)

// Transport listens and dials TCP. Socket options are applied by netio.
type Transport struct {
	lc net.ListenConfig
	d  net.Dialer
}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (net.Listener, error) {
	l, err := t.lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	transport.CloseOnDone(ctx, l)
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	return t.d.DialContext(ctx, "tcp", address)
}
