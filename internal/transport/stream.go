// Package transport bridges the protocol codec to a half-duplex serial
// device or a TCP socket, handling preamble-directed resynchronization on
// receive and fire-and-forget preamble-prefixed writes on transmit.
package transport

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Stream abstracts the underlying byte-oriented link so the codec and
// session never depend on a concrete serial or network type.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

const (
	// DefaultBaud is the fixed RS-485 baud rate.
	DefaultBaud = 38400
)

// Open selects a transport by URL scheme: "socket://host:port" dials TCP;
// anything else is treated as a serial device path at DefaultBaud 8-N-1.
func Open(url string, readTimeout time.Duration) (Stream, error) {
	if addr, ok := socketAddr(url); ok {
		return OpenSocket(addr)
	}
	return OpenSerial(url, DefaultBaud, readTimeout)
}

// socketAddr reports whether url uses the socket:// scheme and, if so,
// returns the host:port to dial.
func socketAddr(url string) (string, bool) {
	const prefix = "socket://"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	return strings.TrimPrefix(url, prefix), true
}

// OpenSerial opens a serial device at the given baud rate, 8-N-1, no flow
// control, with the given read timeout.
func OpenSerial(device string, baud int, readTimeout time.Duration) (Stream, error) {
	cfg := &serial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout}
	sp, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", device, err)
	}
	return sp, nil
}

// OpenSocket dials a TCP socket:// transport, used for bench setups and the
// simulator peripheral harness.
func OpenSocket(addr string) (Stream, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial socket %s: %w", addr, err)
	}
	return conn, nil
}
