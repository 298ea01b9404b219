package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/elementbus/mendeleev-master/internal/protocol"
	"github.com/stretchr/testify/require"
)

func encodeWire(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	body, err := (protocol.Codec{}).Encode(f)
	require.NoError(t, err)
	return append(bytes.Repeat([]byte{protocol.PreambleByte}, protocol.PreambleLength), body...)
}

func TestDrainResyncsPastJunk(t *testing.T) {
	f := protocol.Frame{Destination: 1, Source: 0, SequenceNr: 7, Command: protocol.CmdVersion}
	wire := encodeWire(t, f)

	acc := bytes.NewBuffer(nil)
	acc.Write([]byte{0x00, 0x11, 0x22}) // leading junk, no preamble
	acc.Write(wire)

	var got []protocol.Frame
	drain(acc, protocol.Codec{}, func(fr protocol.Frame) { got = append(got, fr) })

	require.Len(t, got, 1)
	require.Equal(t, f.SequenceNr, got[0].SequenceNr)
	require.Equal(t, f.Command, got[0].Command)
	require.Equal(t, 0, acc.Len())
}

func TestDrainHoldsPartialFrame(t *testing.T) {
	f := protocol.Frame{Destination: 1, Source: 0, SequenceNr: 1, Command: protocol.CmdReboot, Payload: []byte{1, 2, 3}}
	wire := encodeWire(t, f)

	acc := bytes.NewBuffer(nil)
	acc.Write(wire[:len(wire)-2]) // withhold the trailing CRC bytes

	var got []protocol.Frame
	drain(acc, protocol.Codec{}, func(fr protocol.Frame) { got = append(got, fr) })
	require.Empty(t, got)
	require.Equal(t, len(wire)-2, acc.Len())

	acc.Write(wire[len(wire)-2:])
	drain(acc, protocol.Codec{}, func(fr protocol.Frame) { got = append(got, fr) })
	require.Len(t, got, 1)
	require.Equal(t, 0, acc.Len())
}

func TestDrainDropsBadCRCAndResyncs(t *testing.T) {
	good := protocol.Frame{Destination: 2, Source: 0, SequenceNr: 9, Command: protocol.CmdSetColor, Payload: []byte{1, 2, 3, 4}}
	wire := encodeWire(t, good)
	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip a CRC byte

	acc := bytes.NewBuffer(nil)
	acc.Write(corrupt)
	acc.Write(wire)

	var got []protocol.Frame
	drain(acc, protocol.Codec{}, func(fr protocol.Frame) { got = append(got, fr) })
	require.Len(t, got, 1)
	require.Equal(t, good.SequenceNr, got[0].SequenceNr)
}

func TestDrainRejectsOversizeDeclaration(t *testing.T) {
	acc := bytes.NewBuffer(nil)
	acc.Write(bytes.Repeat([]byte{protocol.PreambleByte}, protocol.PreambleLength))
	header := make([]byte, protocol.HeaderOverhead)
	binary.BigEndian.PutUint16(header[5:7], 0xFFFF) // declares a length far past MaxFrameSize
	acc.Write(header)
	acc.Write(bytes.Repeat([]byte{protocol.PreambleByte}, protocol.PreambleLength))

	good := protocol.Frame{Destination: 3, Source: 0, SequenceNr: 2, Command: protocol.CmdVersion}
	acc.Write(encodeWire(t, good))

	var got []protocol.Frame
	drain(acc, protocol.Codec{}, func(fr protocol.Frame) { got = append(got, fr) })
	require.Len(t, got, 1)
	require.Equal(t, good.SequenceNr, got[0].SequenceNr)
}

func TestReaderRunDecodesOverSplitWrites(t *testing.T) {
	f := protocol.Frame{Destination: 4, Source: 0, SequenceNr: 3, Command: protocol.CmdSetMode, Payload: []byte{protocol.ModeGuest}}
	wire := encodeWire(t, f)

	masterSide, peerSide := net.Pipe()
	defer peerSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan protocol.Frame, 1)
	r := NewReader(masterSide)
	go func() { _ = r.Run(ctx, func(fr protocol.Frame) { got <- fr }) }()

	go func() {
		mid := len(wire) / 2
		_, _ = peerSide.Write(wire[:mid])
		time.Sleep(10 * time.Millisecond)
		_, _ = peerSide.Write(wire[mid:])
	}()

	select {
	case fr := <-got:
		require.Equal(t, f.SequenceNr, fr.SequenceNr)
		require.Equal(t, f.Payload, fr.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded frame")
	}
}

func TestReaderRunReturnsOnClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted

	ctx := context.Background()
	r := NewReader(server)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, func(protocol.Frame) {}) }()

	time.Sleep(10 * time.Millisecond)
	_ = server.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stream close")
	}
}

var _ Stream = net.Conn(nil) // sanity: Stream is satisfied by net.Conn
