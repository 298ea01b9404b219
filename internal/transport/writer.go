package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/protocol"
)

// ErrTxOverflow is returned by Writer.Send when the internal queue is full.
var ErrTxOverflow = errors.New("transport: tx overflow")

// ErrWriterClosed is returned by Writer.Send after Close.
var ErrWriterClosed = errors.New("transport: writer closed")

// Writer funnels all outgoing bytes through a single goroutine so the
// half-duplex line never sees interleaved partial writes, and prefixes
// every send with the preamble ahead of an already-encoded frame body.
type Writer struct {
	mu     sync.Mutex
	ch     chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stream Stream
	closed atomic.Bool
}

// NewWriter starts the funnel goroutine with a buffered channel of size buf.
func NewWriter(parent context.Context, stream Stream, buf int) *Writer {
	ctx, cancel := context.WithCancel(parent)
	w := &Writer{ch: make(chan []byte, buf), ctx: ctx, cancel: cancel, stream: stream}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case body, ok := <-w.ch:
			if !ok {
				return
			}
			frame := make([]byte, 0, protocol.PreambleLength+len(body))
			frame = append(frame, preamble...)
			frame = append(frame, body...)
			if _, err := w.stream.Write(frame); err != nil {
				metrics.IncError(metrics.ErrTransportWrite)
			} else {
				metrics.IncFrameTx()
			}
		case <-w.ctx.Done():
			return
		}
	}
}

// Send queues body (a codec-encoded frame, preamble excluded) for
// transmission; fire-and-forget. Returns ErrTxOverflow if the queue is
// full, or ErrWriterClosed after Close.
func (w *Writer) Send(body []byte) error {
	if w.closed.Load() {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrWriterClosed
	}
	select {
	case w.ch <- body:
		return nil
	default:
		metrics.IncError(metrics.ErrTransportOverflow)
		return ErrTxOverflow
	}
}

// Close stops the funnel goroutine and waits for it to exit.
func (w *Writer) Close() {
	if w.closed.Swap(true) {
		return
	}
	w.cancel()
	w.mu.Lock()
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}
