// Package addressing implements the bring-up procedure that walks a
// freshly-powered bus and assigns unique addresses 1..118 to elements one at
// a time, using the broadcast setup command and the per-touch setup_ready
// signal.
package addressing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/elementbus/mendeleev-master/internal/logging"
	"github.com/elementbus/mendeleev-master/internal/metrics"
	"github.com/elementbus/mendeleev-master/internal/protocol"
	"github.com/elementbus/mendeleev-master/internal/session"
)

// Bus is the subset of *session.Session the procedure needs, narrowed for
// testability (fake buses in tests never touch a real transport).
type Bus interface {
	BroadcastCmd(ctx context.Context, command byte, payload []byte, interMessageWait time.Duration) error
	Receive(ctx context.Context, expectedDestination byte) (protocol.Frame, error)
}

// Mode selects whether addresses advance automatically 1..118 or are chosen
// interactively per touch.
type Mode int

const (
	ModeAutomatic Mode = iota
	ModeManual
)

// State names the addressing state machine's current position, exposed for
// observability (e.g. a CLI status line).
type State int

const (
	StateIdle State = iota
	StateAwaitingTouch
	StateAssigning
	StateDone
)

const touchSettleDelay = 200 * time.Millisecond

// PromptFunc asks the operator which address to assign next, defaulting to
// next if the input is empty. Only consulted in ModeManual.
type PromptFunc func(ctx context.Context, next byte) (byte, error)

// Procedure drives one addressing run over a Bus.
type Procedure struct {
	bus              Bus
	mode             Mode
	broadcastWait    time.Duration
	touchSettleDelay time.Duration
	logger           *slog.Logger

	state State
}

// Option configures a Procedure at construction time.
type Option func(*Procedure)

// WithMode selects automatic or manual address advancement.
func WithMode(m Mode) Option { return func(p *Procedure) { p.mode = m } }

// WithBroadcastWait overrides the settle delay after each broadcast setup
// command.
func WithBroadcastWait(d time.Duration) Option {
	return func(p *Procedure) {
		if d > 0 {
			p.broadcastWait = d
		}
	}
}

// WithLogger overrides the package default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Procedure) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTouchSettleDelay overrides the pause between a received touch and the
// assign broadcast that follows it.
func WithTouchSettleDelay(d time.Duration) Option {
	return func(p *Procedure) {
		if d > 0 {
			p.touchSettleDelay = d
		}
	}
}

// New constructs a Procedure over bus (normally a *session.Session).
func New(bus Bus, opts ...Option) *Procedure {
	p := &Procedure{
		bus:              bus,
		broadcastWait:    500 * time.Millisecond,
		touchSettleDelay: touchSettleDelay,
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State reports the procedure's current state.
func (p *Procedure) State() State { return p.state }

// Run executes the addressing procedure end to end: enters setup mode,
// walks addresses 1..118 touch by touch (automatic) or as chosen by prompt
// (manual), and always leaves setup mode on return, whether it finished,
// was cancelled, or hit a protocol error.
//
// perAddressTimeout bounds each individual setup_ready wait; zero means
// unbounded, matching automatic mode's "caller may Ctrl-C" semantics.
// prompt is ignored in ModeAutomatic.
func (p *Procedure) Run(ctx context.Context, prompt PromptFunc, perAddressTimeout time.Duration) error {
	p.state = StateIdle
	if err := p.bus.BroadcastCmd(ctx, protocol.CmdSetup, []byte{protocol.SetupEnter}, p.broadcastWait); err != nil {
		return err
	}
	p.state = StateAwaitingTouch

	next := protocol.MinElement
	for {
		if p.mode == ModeAutomatic {
			if next > protocol.MaxElement {
				break
			}
		} else {
			chosen, err := prompt(ctx, next)
			if err != nil {
				_ = p.exitSetup()
				return err
			}
			next = chosen
		}
		if next < protocol.MinElement || next > protocol.MaxElement {
			_ = p.exitSetup()
			return ErrInvalidAddress
		}

		p.logger.Info("addressing_await_touch", "address", next, "element", protocol.ElementName(next))
		waitCtx, cancel := withOptionalTimeout(ctx, perAddressTimeout)
		frame, err := p.bus.Receive(waitCtx, protocol.AddrBroadcast)
		cancel()
		if err != nil {
			if errors.Is(err, session.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				p.logger.Warn("addressing_touch_timeout_retry", "address", next)
				continue
			}
			_ = p.exitSetup()
			return err
		}
		if frame.Command != protocol.CmdSetup || len(frame.Payload) == 0 || frame.Payload[0] != protocol.SetupReady {
			_ = p.exitSetup()
			return ErrSetupProtocol
		}
		p.logger.Info("addressing_touch_received", "from", frame.Source, "address", next)

		p.state = StateAssigning
		if err := sleepCtx(ctx, p.touchSettleDelay); err != nil {
			_ = p.exitSetup()
			return err
		}
		if err := p.bus.BroadcastCmd(ctx, protocol.CmdSetup, []byte{protocol.SetupAssign, next}, p.broadcastWait); err != nil {
			_ = p.exitSetup()
			return err
		}
		metrics.IncAddressAssigned()
		p.logger.Info("addressing_assigned", "address", next, "element", protocol.ElementName(next))

		next++
		p.state = StateAwaitingTouch
	}
	return p.exitSetup()
}

// exitSetup always broadcasts setup-exit on its own short budget, independent
// of whatever context caused the run to end.
func (p *Procedure) exitSetup() error {
	p.state = StateDone
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.bus.BroadcastCmd(ctx, protocol.CmdSetup, []byte{protocol.SetupExit}, p.broadcastWait)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
