// Package session implements the master-side request/response state
// machine over the Mendeleev bus protocol: sequence number assignment,
// half-duplex request serialization, reply correlation, OTA fragmentation,
// and a passive receive mode for the addressing procedure.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elementbus/mendeleev-master/internal/logging"
	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/transport"
)

type connState int32

const (
	stateIdle connState = iota
	stateConnected
	stateReconnecting
	stateClosed
)

const (
	defaultInboundQueueSize = 16
	defaultWriterQueueSize  = 4
	defaultReconnectDelay   = 10 * time.Second
	defaultReconnectTimeout = 5 * time.Second
	defaultReadTimeout      = 50 * time.Millisecond
)

// chanMutex is a context-cancellable mutex: acquiring it can fail with
// ErrBusBusy if the caller's deadline expires before the lock is free,
// distinct from a timeout that occurs after the bus was already acquired
// and a reply never came.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock(ctx context.Context) error {
	select {
	case <-m:
		return nil
	case <-ctx.Done():
		return ErrBusBusy
	}
}

func (m chanMutex) Unlock() { m <- struct{}{} }

// Session is a process-wide handle to one bus. Create one per physical bus.
type Session struct {
	mu sync.RWMutex

	url         string
	srcAddr     byte
	readTimeout time.Duration

	reconnectDelay   time.Duration
	reconnectTimeout time.Duration

	logger *slog.Logger

	stream  transport.Stream
	writer  *transport.Writer
	inbound *inboundQueue

	reqLock chanMutex
	seq     uint32 // low 16 bits are the wire sequence number

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithSourceAddress sets the address the master identifies itself with on
// outgoing frames (0 = master, unless overridden for test rigs).
func WithSourceAddress(addr byte) Option { return func(s *Session) { s.srcAddr = addr } }

// WithReadTimeout sets the per-read timeout passed to the serial transport.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithReconnectDelay overrides the steady-state reconnect back-off.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithReconnectTimeout bounds each reconnect attempt.
func WithReconnectTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.reconnectTimeout = d
		}
	}
}

// WithLogger overrides the package default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Session bound to the given transport URL
// ("socket://host:port" or a serial device path). Connect must be called
// before any bus operation.
func New(url string, opts ...Option) *Session {
	s := &Session{
		url:              url,
		readTimeout:      defaultReadTimeout,
		reconnectDelay:   defaultReconnectDelay,
		reconnectTimeout: defaultReconnectTimeout,
		logger:           logging.L(),
		inbound:          newInboundQueue(defaultInboundQueueSize),
		reqLock:          newChanMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(int32(stateIdle))
	return s
}

// Connected reports whether the session currently has an open transport.
func (s *Session) Connected() bool { return connState(s.state.Load()) == stateConnected }

// Connect opens the transport and starts the background read/reconnect
// supervisor. The first attempt uses a zero reconnect delay.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil // already connected/connecting
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.dial(runCtx); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.supervise(runCtx)
	return nil
}

// openTransport is a test hook, swapped out in tests to open an in-memory
// stream instead of a real serial device or socket.
var openTransport = transport.Open

// dial opens the transport stream and starts the reader/writer pair.
func (s *Session) dial(ctx context.Context) error {
	stream, err := openTransport(s.url, s.readTimeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream = stream
	s.writer = transport.NewWriter(ctx, stream, defaultWriterQueueSize)
	s.mu.Unlock()
	s.state.Store(int32(stateConnected))
	s.logger.Info("session_connected", "url", s.url)
	return nil
}

// supervise runs the read loop and drives reconnection on loss. This
// goroutine is the only place that transitions connection state, rather
// than the read callback re-entering a scheduler.
func (s *Session) supervise(ctx context.Context) {
	defer s.wg.Done()
	// Connect already made the initial, undelayed dial; every reconnect after
	// a loss waits reconnectDelay first.
	delay := s.reconnectDelay
	for {
		s.mu.RLock()
		stream := s.stream
		s.mu.RUnlock()
		if stream != nil {
			reader := transport.NewReader(stream)
			err := reader.Run(ctx, s.inbound.push)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("session_transport_lost", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		s.state.Store(int32(stateReconnecting))
		s.closeStream()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = s.reconnectDelay

		attemptCtx, cancel := context.WithTimeout(ctx, s.reconnectTimeout)
		err := s.dial(attemptCtx)
		cancel()
		metrics.IncReconnect()
		if err != nil {
			s.logger.Warn("session_reconnect_failed", "error", err)
			continue
		}
	}
}

func (s *Session) closeStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Close()
		s.writer = nil
	}
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}

// Close shuts the session down: cancels the supervisor, closes the
// transport, and waits for the background goroutine to exit.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.closeStream()
	s.wg.Wait()
	s.state.Store(int32(stateClosed))
	return nil
}

// nextSeq returns the current sequence number and advances the counter
// modulo 2^16. Callers must hold reqLock.
func (s *Session) nextSeq() uint16 {
	n := uint16(s.seq)
	s.seq = (s.seq + 1) & 0xFFFF
	return n
}

func (s *Session) write(body []byte) error {
	if connState(s.state.Load()) == stateClosed {
		return ErrClosed
	}
	s.mu.RLock()
	w := s.writer
	s.mu.RUnlock()
	if w == nil {
		return ErrTransport
	}
	if err := w.Send(body); err != nil {
		return ErrTransport
	}
	return nil
}

