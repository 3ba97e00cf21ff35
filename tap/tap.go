// Package tap runs the transparent interception loop: frames come in from a
// bus adapter, decode into transport units, pass through a user handler, and
// rewritten units go back out on the identifier they arrived on.
package tap

import (
	"context"
	"time"

	"github.com/cantools/isotap/bus"
	"github.com/cantools/isotap/logging"
	"github.com/cantools/isotap/metrics"
	"github.com/cantools/isotap/tp"
)

// Verdict is the handler's decision about one decoded unit.
type Verdict uint8

const (
	// Pass leaves the unit alone; nothing is transmitted.
	Pass Verdict = iota
	// Rewrite re-encodes the (possibly mutated) unit back onto the bus.
	Rewrite
)

// Handler inspects one decoded unit. frame is the link frame it arrived in.
// Mutating pdu and returning Rewrite sends the changed unit out on the same
// identifier.
type Handler func(frame tp.CanFrame, pdu *tp.PDU) Verdict

// Publisher mirrors decoded units to an external sink.
type Publisher interface {
	Publish(frame tp.CanFrame, pdu *tp.PDU)
}

// Options configures a Tap. Zero values get working defaults.
type Options struct {
	// Tick is the step interval of the session loop. Default 1ms.
	Tick time.Duration
	// AllowIDs restricts interception to these identifiers. Empty means
	// every frame on the bus is fed to the session.
	AllowIDs []uint32
	// Handler decides per unit. Nil means everything passes.
	Handler Handler
	// Publisher, when set, mirrors every decoded unit.
	Publisher Publisher
	// Auth, when set, tags rewritten single-frame units before transmit.
	Auth *Authenticator
	// TxDL is the transmit link size handed to the session. Default 8.
	TxDL uint8
}

// Tap owns one session and one bus adapter and pumps frames between them.
// All session access happens on the Run goroutine.
type Tap struct {
	adapter bus.Adapter
	sess    *tp.Session
	opts    Options

	// pending holds a frame refused by session backpressure until the next
	// step frees the slot.
	pending    tp.CanFrame
	hasPending bool

	// inFlight is the frame behind the currently visible unit, kept for the
	// handler and the mirror.
	inFlight tp.CanFrame

	wasTainted bool
}

// New builds a tap around adapter and brings its session into the listening
// state. A TxDL below the link minimum surfaces here as an error instead of
// an endlessly failing loop.
func New(adapter bus.Adapter, opts Options) (*Tap, error) {
	if opts.Tick <= 0 {
		opts.Tick = time.Millisecond
	}
	if opts.TxDL == 0 {
		opts.TxDL = tp.MaxCanDL
	}

	sess := tp.NewSession()
	cfg := sess.GetConfig()
	cfg.TxDL = opts.TxDL
	sess.SetConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// First step moves the session from configuration to listening.
	sess.Step(0)

	return &Tap{adapter: adapter, sess: sess, opts: opts}, nil
}

// Run pumps the tap until ctx is cancelled. It owns the session; nothing
// else may touch it while Run is active.
func (t *Tap) Run(ctx context.Context) error {
	logging.L().Info().
		Str("bus", t.adapter.Name()).
		Dur("tick", t.opts.Tick).
		Msg("tap loop started")

	ticker := time.NewTicker(t.opts.Tick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			logging.L().Info().Str("bus", t.adapter.Name()).Msg("tap loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			t.step(now.Sub(last))
			last = now
		}
	}
}

// step runs one intake-decode-dispatch cycle.
func (t *Tap) step(delta time.Duration) {
	pushed := t.intake()

	ev := t.sess.Step(delta)
	t.noteTaint()

	if ev != tp.EventPDU {
		if pushed {
			// The frame we just handed in matched no valid pattern.
			metrics.IncInvalid()
		}
		return
	}

	pdu, ok := t.sess.PDU()
	if !ok {
		return
	}
	metrics.IncDecoded(pdu.PCI.Type.String())

	if t.opts.Publisher != nil {
		t.opts.Publisher.Publish(t.inFlight, &pdu)
	}
	if t.opts.Handler == nil {
		return
	}
	if t.opts.Handler(t.inFlight, &pdu) != Rewrite {
		return
	}

	if t.opts.Auth != nil {
		if err := t.opts.Auth.Tag(&pdu); err != nil {
			logging.L().Error().Err(err).Msg("authentication tag failed, passing unit through")
			return
		}
	}

	if !t.sess.Override(pdu) {
		metrics.IncOverrideReject()
		return
	}
	metrics.IncOverride()

	f, ok := t.sess.Pop()
	if !ok || f.Len == 0 {
		// A zero-length frame means the unit did not encode; nothing to send.
		return
	}
	if err := t.adapter.Send(f); err != nil {
		logging.L().Error().Err(err).Uint32("id", f.ID).Msg("rewrite transmit failed")
		metrics.IncError(metrics.ErrBusSend)
	}
}

// intake moves at most one frame from the adapter into the session,
// respecting both the allow list and the session's single-slot backpressure.
// It reports whether a frame was handed over for the upcoming step.
func (t *Tap) intake() bool {
	if !t.hasPending {
		for {
			f, ok := t.adapter.Recv()
			if !ok {
				return false
			}
			if t.allowed(f.ID) {
				t.pending = f
				t.hasPending = true
				break
			}
		}
	}

	if !t.sess.Push(t.pending) {
		return false
	}
	t.inFlight = t.pending
	t.hasPending = false
	return true
}

func (t *Tap) allowed(id uint32) bool {
	if len(t.opts.AllowIDs) == 0 {
		return true
	}
	for _, a := range t.opts.AllowIDs {
		if a == id {
			return true
		}
	}
	return false
}

// noteTaint counts transitions of the reassembly into the inconsistent state.
func (t *Tap) noteTaint() {
	tainted := t.sess.ReassemblyInconsistent()
	if tainted && !t.wasTainted {
		metrics.IncReassemblyTaint()
	}
	t.wasTainted = tainted
}
