package mem

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeAddresses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewIsolated()
	l, err := tr.Listen(ctx, "a")
	require.NoError(t, err)

	_, err = tr.Listen(ctx, "a")
	require.ErrorIs(t, err, ErrAddressInUse)

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			accepted <- err
			return
		}
		_, err = c.Write(buf)
		accepted <- err
	}()

	c, err := tr.Dial(ctx, "a")
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "a", c.RemoteAddr().String())
	require.Contains(t, c.LocalAddr().String(), "a#")

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
	require.NoError(t, <-accepted)
}

func TestDialUnknownAndClosed(t *testing.T) {
	tr := NewIsolated()
	_, err := tr.Dial(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNoListener)

	ctx, cancel := context.WithCancel(context.Background())
	l, err := tr.Listen(ctx, "")
	require.NoError(t, err)
	cancel()
	require.Eventually(t, func() bool {
		_, err := tr.Dial(context.Background(), l.Addr().String())
		return err != nil
	}, time.Second, 5*time.Millisecond)
	_, err = l.Accept()
	require.ErrorIs(t, err, ErrListenerClosed)
}
