package session

import (
	"context"

	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/protocol"
)

// inboundQueue is the bounded FIFO the transport's read goroutine feeds and
// the correlator drains. It has exactly one consumer; on overflow the
// oldest queued frame is evicted to make room, since a single-master bus
// should never build up depth and a real overflow means the correlator is
// wedged, not that frames should be silently refused.
type inboundQueue struct {
	ch chan protocol.Frame
}

func newInboundQueue(size int) *inboundQueue {
	return &inboundQueue{ch: make(chan protocol.Frame, size)}
}

// push enqueues f, evicting the oldest frame if the queue is full.
func (q *inboundQueue) push(f protocol.Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			metrics.IncInboundDropped()
		default:
		}
	}
}

// pop blocks for the next frame until ctx is done.
func (q *inboundQueue) pop(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}
