package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/elementbus/mendeleev-master/internal/protocol"
	"github.com/stretchr/testify/require"
)

func TestWriterPrefixesPreambleAndSends(t *testing.T) {
	masterSide, peerSide := net.Pipe()
	defer peerSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWriter(ctx, masterSide, 2)
	defer w.Close()

	body, err := (protocol.Codec{}).Encode(protocol.Frame{Destination: 1, Source: 0, SequenceNr: 1, Command: protocol.CmdVersion})
	require.NoError(t, err)
	require.NoError(t, w.Send(body))

	buf := make([]byte, protocol.PreambleLength+len(body))
	total := 0
	for total < len(buf) {
		n, err := peerSide.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, preamble, buf[:protocol.PreambleLength])
	require.Equal(t, body, buf[protocol.PreambleLength:])
}

func TestWriterSendAfterCloseFails(t *testing.T) {
	masterSide, peerSide := net.Pipe()
	defer peerSide.Close()

	w := NewWriter(context.Background(), masterSide, 1)
	w.Close()
	err := w.Send([]byte{0x01})
	require.ErrorIs(t, err, ErrWriterClosed)
}

func TestWriterOverflowReturnsError(t *testing.T) {
	masterSide, peerSide := net.Pipe()
	defer peerSide.Close()
	// Nobody reads from peerSide, so the funnel goroutine's single in-flight
	// write blocks and the buffered channel fills immediately.
	w := NewWriter(context.Background(), masterSide, 1)
	// Close the peer first: that unblocks the goroutine's pending write, so
	// w.Close can wait for the goroutine to exit.
	defer func() {
		_ = peerSide.Close()
		w.Close()
	}()

	require.NoError(t, w.Send([]byte{0x01}))
	var lastErr error
	for i := 0; i < 10; i++ {
		if lastErr = w.Send([]byte{0x02}); lastErr != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.ErrorIs(t, lastErr, ErrTxOverflow)
}
