// Package transports maps configured transport names to implementations.
package transports

import (
	"nucleus/pkg/transport"
	"nucleus/pkg/transport/mem"
	"nucleus/pkg/transport/quic"
	"nucleus/pkg/transport/tcp"
)

// NewByKind builds the transport for a configured kind name.
func NewByKind(kind string) (transport.Transport, error) {
	k, err := transport.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	switch k {
	case transport.KindTCP:
		return tcp.New(), nil
	case transport.KindQUIC:
		return quic.New(), nil
	case transport.KindMem:
		return mem.New(), nil
	case transport.KindWinPipe:
		return newWinPipeTransport()
	default:
		return nil, transport.ErrUnknownKind(kind)
	}
}
