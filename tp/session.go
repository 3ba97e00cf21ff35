package tp

import "time"

// State is the lifecycle state of a Session.
type State uint8

const (
	// StateAwaitConfig waits for the user to supply a workable configuration.
	StateAwaitConfig State = iota
	// StateListen decodes pushed frames, one per step.
	StateListen
)

// Event is what a single Step reports back to the caller.
type Event uint8

const (
	EventNone Event = iota
	EventInvalidConfig
	EventPDU
)

func (e Event) String() string {
	switch e {
	case EventInvalidConfig:
		return "INVALID_CONFIG"
	case EventPDU:
		return "PDU"
	default:
		return "NONE"
	}
}

// frameSlot is a single-element frame buffer. Keeping the occupancy flag and
// the value behind put/take closes the gap where a bare bool could
// desynchronize from the data it guards.
type frameSlot struct {
	frame CanFrame
	full  bool
}

func (s *frameSlot) put(f CanFrame) bool {
	if s.full {
		return false
	}
	s.frame = f
	s.full = true
	return true
}

func (s *frameSlot) take() (CanFrame, bool) {
	if !s.full {
		return CanFrame{}, false
	}
	s.full = false
	return s.frame, true
}

// Session is the ISO-TP receive-side state machine: it classifies pushed
// frames into PDUs, tracks reassembly continuity, and carries the override
// path that turns a decoded PDU back into an outbound frame.
//
// A Session is strictly single-threaded: Step, Push, Pop and Override must be
// serialized by the caller. Every operation completes in bounded time; there
// is no internal scheduling and no blocking.
type Session struct {
	state State
	cfg   Config

	pdu PDU
	asm Reassembly

	rx frameSlot
	tx frameSlot

	// Identifier of the most recently pushed frame; the override path
	// replies on the same link address the triggering frame arrived on.
	lastRxID uint32
}

// NewSession returns a session in StateAwaitConfig with the default
// configuration. All state is initialized deterministically.
func NewSession() *Session {
	return &Session{
		state: StateAwaitConfig,
		cfg:   DefaultConfig(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// GetConfig returns a copy of the current configuration.
func (s *Session) GetConfig() Config { return s.cfg }

// SetConfig replaces the configuration. Outside StateAwaitConfig the call is
// a deliberate no-op: a listening session's parameters are frozen.
func (s *Session) SetConfig(cfg Config) {
	if s.state == StateAwaitConfig {
		s.cfg = cfg
	}
}

// Push hands an inbound frame to the session. It reports false while the
// session is not listening or while the previous frame has not been stepped
// through yet; the caller must hold the frame and retry after the next Step.
func (s *Session) Push(f CanFrame) bool {
	if s.state != StateListen {
		return false
	}
	if !s.rx.put(f) {
		return false
	}
	s.lastRxID = f.ID
	return true
}

// Pop returns the pending outbound frame, if any, and clears the slot.
func (s *Session) Pop() (CanFrame, bool) {
	return s.tx.take()
}

// PDU returns a copy of the current decoded unit and whether it is valid.
// The unit stays visible until the next Step overwrites or invalidates it.
func (s *Session) PDU() (PDU, bool) {
	return s.pdu, s.pdu.Valid()
}

// Reassembly returns the current reassembly bookkeeping.
func (s *Session) Reassembly() Reassembly { return s.asm }

// ReassemblyInconsistent reports whether the in-progress reassembly has been
// tainted by an unvalidated FirstFrame or a sequence discontinuity. The flag
// sticks until the next valid FirstFrame.
func (s *Session) ReassemblyInconsistent() bool { return s.asm.Inconsistent }

// Step advances the state machine by one tick. delta is the time elapsed
// since the previous call; it is reserved for separation-time enforcement
// and currently unused.
//
// In StateAwaitConfig the configuration is checked each call: an unusable
// TxDL yields EventInvalidConfig and the session stays put. Once TxDL is
// workable, min(FF_DL) is derived from it and the session starts listening.
//
// In StateListen exactly one buffered frame is consumed per call, whatever
// the decode outcome, and EventPDU is reported when it classified.
func (s *Session) Step(delta time.Duration) Event {
	_ = delta

	switch s.state {
	case StateAwaitConfig:
		if s.cfg.TxDL < MaxCanDL {
			return EventInvalidConfig
		}
		if s.cfg.TxDL == MaxCanDL {
			s.cfg.MinFFDL = MaxCanDL
		} else {
			s.cfg.MinFFDL = s.cfg.TxDL - 1
		}
		s.state = StateListen
		return EventNone

	case StateListen:
		// Invalidate before anything else: a decoded unit is visible for
		// one step cycle only. The PCI fields themselves persist, the
		// consecutive-frame sequence check depends on them.
		s.pdu.PCI.Type = PCIInvalid

		f, ok := s.rx.take()
		if !ok {
			return EventNone
		}
		DecodePDU(&f, &s.pdu, &s.asm, &s.cfg)
		if !s.pdu.Valid() {
			return EventNone
		}
		return EventPDU
	}

	return EventNone
}

// Override replaces the session's current unit with pdu, re-encodes it onto
// the identifier of the most recently received frame and queues the result
// for transmission. This is how transparent interception works: decode,
// inspect or mutate, re-encode, forward.
//
// It reports false while a previous outbound frame has not been popped yet;
// the caller retries after draining Pop.
func (s *Session) Override(pdu PDU) bool {
	if s.tx.full {
		return false
	}
	s.pdu = pdu
	f := EncodePDU(&s.pdu)
	f.ID = s.lastRxID
	return s.tx.put(f)
}
