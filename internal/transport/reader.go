package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/elementbus/mendeleev-master/internal/logging"
	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/protocol"
)

// rxBackoffMin/rxBackoffMax bound the retry delay after a non-fatal read
// error.
const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// compactThreshold and compactRatio bound the growth of the accumulation
// buffer when fed long runs of line noise.
const (
	compactThreshold = 1024
	compactRatioNum  = 1
	compactRatioDen  = 4
)

// compactBuffer reclaims consumed prefix capacity once unread bytes fall
// below compactRatioNum/compactRatioDen of the backing capacity. Returns
// true if compaction occurred.
func compactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < compactThreshold {
		return false
	}
	if cap(data)*compactRatioNum < len(data)*compactRatioDen {
		return false
	}
	clone := make([]byte, len(data))
	copy(clone, data)
	b.Reset()
	_, _ = b.Write(clone)
	return true
}

var preamble = bytes.Repeat([]byte{protocol.PreambleByte}, protocol.PreambleLength)

// drain consumes as many complete frames as acc currently holds, emitting
// each via onFrame, and leaves any trailing partial frame or unsynced junk
// in acc for the next read, resynchronizing on the preamble a byte at a
// time when it doesn't.
func drain(acc *bytes.Buffer, codec protocol.Codec, onFrame func(protocol.Frame)) {
	for {
		_ = compactBuffer(acc)
		data := acc.Bytes()
		if len(data) < protocol.PreambleLength+protocol.HeaderOverhead {
			return
		}
		if !bytes.HasPrefix(data, preamble) {
			metrics.IncDesync()
			acc.Next(1)
			continue
		}

		length := int(binary.BigEndian.Uint16(data[protocol.PreambleLength+5 : protocol.PreambleLength+7]))
		total := protocol.PreambleLength + protocol.HeaderOverhead + length
		if total > protocol.MaxFrameSize {
			logging.L().Warn("frame_too_large", "declared_total", total)
			metrics.IncMalformed()
			acc.Next(1)
			continue
		}
		if len(data) < total {
			return // wait for more bytes
		}

		body := data[protocol.PreambleLength:total]
		f, err := codec.Decode(body)
		if err != nil {
			logging.L().Warn("frame_decode_dropped", "error", err)
			metrics.IncMalformed()
		} else {
			metrics.IncFrameRx()
			onFrame(f)
		}
		acc.Next(total)
	}
}

// Reader pulls bytes from a Stream, resynchronizes on the preamble, and
// decodes frames.
type Reader struct {
	stream Stream
	codec  protocol.Codec
	buf    []byte
	acc    *bytes.Buffer
}

// NewReader constructs a Reader over stream with a 4 KiB read buffer.
func NewReader(stream Stream) *Reader {
	return &Reader{stream: stream, codec: protocol.Codec{}, buf: make([]byte, 4096), acc: bytes.NewBuffer(nil)}
}

// Run reads until ctx is cancelled or the stream reports a fatal error,
// invoking onFrame for every decoded frame. Transient read results (timeouts,
// EOF on a half-duplex line with nothing to say) are retried at once; other
// non-fatal read errors are retried with bounded exponential backoff; a
// removed/closed device returns.
func (r *Reader) Run(ctx context.Context, onFrame func(protocol.Frame)) error {
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := r.stream.Read(r.buf)
		if n > 0 {
			r.acc.Write(r.buf[:n])
			drain(r.acc, r.codec, onFrame)
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) || errors.Is(err, net.ErrClosed) {
			return err // device removed or transport closed: fatal, let the session reconnect
		}
		var ne net.Error
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || (errors.As(err, &ne) && ne.Timeout()) {
			continue // transient: nothing to read yet
		}
		metrics.IncError(metrics.ErrTransportRead)
		logging.L().Warn("transport_read_error", "error", err, "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}
