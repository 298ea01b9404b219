package addressing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/elementbus/mendeleev-master/internal/protocol"
	"github.com/elementbus/mendeleev-master/internal/session"
	"github.com/stretchr/testify/require"
)

// fakeBus is a scripted stand-in for *session.Session.
type fakeBus struct {
	mu       sync.Mutex
	sent     []protocol.Frame
	replies  []replyOrErr
	replyIdx int
}

type replyOrErr struct {
	frame protocol.Frame
	err   error
}

func (b *fakeBus) BroadcastCmd(ctx context.Context, command byte, payload []byte, wait time.Duration) error {
	b.mu.Lock()
	b.sent = append(b.sent, protocol.Frame{Destination: protocol.AddrBroadcast, Command: command, Payload: payload})
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Receive(ctx context.Context, expectedDestination byte) (protocol.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replyIdx >= len(b.replies) {
		return protocol.Frame{}, session.ErrTimeout
	}
	r := b.replies[b.replyIdx]
	b.replyIdx++
	return r.frame, r.err
}

func readySignal(source byte) protocol.Frame {
	return protocol.Frame{Destination: protocol.AddrBroadcast, Source: source, Command: protocol.CmdSetup, Payload: []byte{protocol.SetupReady}}
}

func TestAutomaticModeAssignsSequentially(t *testing.T) {
	bus := &fakeBus{}
	for i := 0; i < int(protocol.MaxElement); i++ {
		bus.replies = append(bus.replies, replyOrErr{frame: readySignal(byte(i % 256))})
	}

	p := New(bus, WithMode(ModeAutomatic), WithBroadcastWait(time.Millisecond), WithTouchSettleDelay(time.Millisecond))

	err := p.Run(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, StateDone, p.State())

	// first sent frame: enter setup; last: exit setup.
	require.Equal(t, protocol.SetupEnter, bus.sent[0].Payload[0])
	require.Equal(t, protocol.SetupExit, bus.sent[len(bus.sent)-1].Payload[0])

	var assigns []byte
	for _, f := range bus.sent {
		if f.Payload[0] == protocol.SetupAssign {
			assigns = append(assigns, f.Payload[1])
		}
	}
	require.Len(t, assigns, int(protocol.MaxElement))
	for i, addr := range assigns {
		require.Equal(t, byte(i+1), addr)
	}
}

func TestManualModeRetriesOnTimeoutSameAddress(t *testing.T) {
	bus := &fakeBus{
		replies: []replyOrErr{
			{err: session.ErrTimeout},
			{err: session.ErrTimeout},
			{frame: readySignal(42)},
		},
	}
	p := New(bus, WithMode(ModeManual), WithBroadcastWait(time.Millisecond), WithTouchSettleDelay(time.Millisecond))

	calls := 0
	prompt := func(ctx context.Context, next byte) (byte, error) {
		calls++
		if calls <= 3 {
			require.Equal(t, protocol.MinElement, next) // reprompted with the same default across timeouts
			return next, nil
		}
		return 0, errors.New("stop after first address assigned")
	}

	err := p.Run(context.Background(), prompt, time.Millisecond)
	require.Error(t, err)
	require.Equal(t, 4, calls) // two timeouts reprompt the same address, third succeeds, fourth aborts the sweep

	var assigns []byte
	for _, f := range bus.sent {
		if len(f.Payload) > 0 && f.Payload[0] == protocol.SetupAssign {
			assigns = append(assigns, f.Payload[1])
		}
	}
	require.Equal(t, []byte{protocol.MinElement}, assigns)
}

func TestSetupProtocolErrorAbortsAndExits(t *testing.T) {
	bus := &fakeBus{
		replies: []replyOrErr{
			{frame: protocol.Frame{Destination: protocol.AddrBroadcast, Command: protocol.CmdVersion}},
		},
	}
	p := New(bus, WithMode(ModeAutomatic), WithBroadcastWait(time.Millisecond), WithTouchSettleDelay(time.Millisecond))

	err := p.Run(context.Background(), nil, 0)
	require.ErrorIs(t, err, ErrSetupProtocol)
	require.Equal(t, protocol.SetupExit, bus.sent[len(bus.sent)-1].Payload[0])
}

func TestInvalidManualAddressAborts(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, WithMode(ModeManual), WithBroadcastWait(time.Millisecond), WithTouchSettleDelay(time.Millisecond))

	prompt := func(ctx context.Context, next byte) (byte, error) { return 200, nil }
	err := p.Run(context.Background(), prompt, time.Millisecond)
	require.ErrorIs(t, err, ErrInvalidAddress)
}
