package session

import (
	"context"
	"errors"
	"time"

	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/protocol"
)

func isElementAddr(addr byte) bool {
	return addr >= protocol.MinElement && addr <= protocol.MaxElement
}

// SendCmd sends a unicast command to destination and waits for the
// correlated reply, returning its payload. ctx's deadline is the caller's
// timeout for both acquiring the bus and awaiting the reply. A reply whose
// command is the error-complement of the request's
// surfaces as ErrCommandFailed wrapped in a *FailedReply carrying the reply
// payload.
func (s *Session) SendCmd(ctx context.Context, destination, command byte, payload []byte) ([]byte, error) {
	if !isElementAddr(destination) {
		return nil, ErrInvalidAddress
	}
	if err := s.reqLock.Lock(ctx); err != nil {
		return nil, err
	}
	defer s.reqLock.Unlock()

	seq := s.nextSeq()
	req := protocol.Frame{Destination: destination, Source: s.srcAddr, SequenceNr: seq, Command: command, Payload: payload}
	return s.sendRequestLocked(ctx, req)
}

// BroadcastCmd sends command to the broadcast address; no reply is
// expected. After writing, the session sleeps interMessageWait to allow bus
// turnaround and peripheral settling.
func (s *Session) BroadcastCmd(ctx context.Context, command byte, payload []byte, interMessageWait time.Duration) error {
	if err := s.reqLock.Lock(ctx); err != nil {
		return err
	}
	defer s.reqLock.Unlock()

	seq := s.nextSeq()
	req := protocol.Frame{Destination: protocol.AddrBroadcast, Source: s.srcAddr, SequenceNr: seq, Command: command, Payload: payload}
	return s.broadcastLocked(ctx, req, interMessageWait)
}

// SendOTA fragments image and sends each fragment to destination
// sequentially, awaiting a per-fragment reply.
func (s *Session) SendOTA(ctx context.Context, destination byte, image []byte) error {
	if !isElementAddr(destination) {
		return ErrInvalidAddress
	}
	if err := s.reqLock.Lock(ctx); err != nil {
		return err
	}
	defer s.reqLock.Unlock()

	for _, frag := range fragmentOTA(image) {
		seq := s.nextSeq()
		req := protocol.Frame{Destination: destination, Source: s.srcAddr, SequenceNr: seq, Command: protocol.CmdOTA, Payload: frag}
		if _, err := s.sendRequestLocked(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastOTA fragments image and broadcasts each fragment, rate-paced by
// interMessageWait; no replies are expected.
func (s *Session) BroadcastOTA(ctx context.Context, image []byte, interMessageWait time.Duration) error {
	if err := s.reqLock.Lock(ctx); err != nil {
		return err
	}
	defer s.reqLock.Unlock()

	for _, frag := range fragmentOTA(image) {
		seq := s.nextSeq()
		req := protocol.Frame{Destination: protocol.AddrBroadcast, Source: s.srcAddr, SequenceNr: seq, Command: protocol.CmdOTA, Payload: frag}
		if err := s.broadcastLocked(ctx, req, interMessageWait); err != nil {
			return err
		}
	}
	return nil
}

// Receive passively waits for the next inbound frame addressed to
// expectedDestination or to the broadcast address. Used by the addressing
// procedure to watch for setup_ready signals.
func (s *Session) Receive(ctx context.Context, expectedDestination byte) (protocol.Frame, error) {
	if err := s.reqLock.Lock(ctx); err != nil {
		return protocol.Frame{}, err
	}
	defer s.reqLock.Unlock()

	for {
		f, err := s.inbound.pop(ctx)
		if err != nil {
			return protocol.Frame{}, classifyWaitErr(err)
		}
		if f.Destination == expectedDestination || f.Destination == protocol.AddrBroadcast {
			return f, nil
		}
	}
}

// sendRequestLocked writes req and awaits its correlated reply. Callers
// must already hold reqLock.
func (s *Session) sendRequestLocked(ctx context.Context, req protocol.Frame) ([]byte, error) {
	codec := protocol.Codec{}
	body, err := codec.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := s.write(body); err != nil {
		return nil, err
	}
	reply, err := s.awaitReply(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply.IsError(req) {
		metrics.IncCommandFailed()
		return reply.Payload, &FailedReply{Payload: reply.Payload}
	}
	return reply.Payload, nil
}

// broadcastLocked writes req and sleeps wait. Callers must already hold
// reqLock.
func (s *Session) broadcastLocked(ctx context.Context, req protocol.Frame, wait time.Duration) error {
	codec := protocol.Codec{}
	body, err := codec.Encode(req)
	if err != nil {
		return err
	}
	if err := s.write(body); err != nil {
		return err
	}
	return sleepCtx(ctx, wait)
}

// awaitReply drains the inbound queue until a frame satisfies
// Frame.Answers(req), discarding anything else with a warning log — these
// should not occur on a single-master bus.
func (s *Session) awaitReply(ctx context.Context, req protocol.Frame) (protocol.Frame, error) {
	for {
		f, err := s.inbound.pop(ctx)
		if err != nil {
			return protocol.Frame{}, classifyWaitErr(err)
		}
		if f.Answers(req) {
			return f, nil
		}
		s.logger.Warn("mismatched_reply", "got_seq", f.SequenceNr, "want_seq", req.SequenceNr, "got_cmd", f.Command)
	}
}

func classifyWaitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.IncTimeout()
		return ErrTimeout
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
