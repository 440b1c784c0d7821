//go:build windows

package transports

import (
	"nucleus/pkg/transport"
	"nucleus/pkg/transport/winpipe"
)

func newWinPipeTransport() (transport.Transport, error) { return winpipe.New(), nil }
