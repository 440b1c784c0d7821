//go:build windows

// Package winpipe is the Windows named pipe transport.
package winpipe

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"

	"nucleus/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindWinPipe }

// Listen takes a pipe path such as \\.\pipe\nucleus.
func (t *Transport) Listen(ctx context.Context, pipeName string) (net.Listener, error) {
	l, err := winio.ListenPipe(pipeName, nil)
	if err != nil {
		return nil, err
	}
	transport.CloseOnDone(ctx, l)
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, pipeName string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipeName)
}
