// Package bus connects the transport core to a physical or virtual CAN link.
// Every adapter presents the same non-blocking surface so the tap loop stays
// backend-agnostic.
package bus

import (
	"github.com/cantools/isotap/tp"
)

// Adapter is a CAN link seen from the tap loop. Recv must never block: it
// reports false when no frame is pending. Send may block briefly on the
// underlying link. Close releases the link; Recv and Send must not be called
// afterwards.
type Adapter interface {
	Name() string
	Recv() (tp.CanFrame, bool)
	Send(f tp.CanFrame) error
	Close() error
}

// Loopback is an in-memory adapter pair for tests and dry runs: frames sent
// on one end arrive on the other. Both directions are buffered, so a Send
// only fails when the peer stopped draining entirely.
type Loopback struct {
	name string
	rx   chan tp.CanFrame
	tx   chan tp.CanFrame
}

// NewLoopback returns the two ends of a loopback link.
func NewLoopback(depth int) (*Loopback, *Loopback) {
	if depth <= 0 {
		depth = 16
	}
	ab := make(chan tp.CanFrame, depth)
	ba := make(chan tp.CanFrame, depth)
	a := &Loopback{name: "loop0", rx: ba, tx: ab}
	b := &Loopback{name: "loop1", rx: ab, tx: ba}
	return a, b
}

func (l *Loopback) Name() string { return l.name }

func (l *Loopback) Recv() (tp.CanFrame, bool) {
	select {
	case f := <-l.rx:
		return f, true
	default:
		return tp.CanFrame{}, false
	}
}

func (l *Loopback) Send(f tp.CanFrame) error {
	select {
	case l.tx <- f:
		return nil
	default:
		return newBusError("loopback peer not draining")
	}
}

func (l *Loopback) Close() error { return nil }

// BusError wraps link-level failures of any adapter.
type BusError struct {
	msg string
}

func newBusError(msg string) BusError {
	return BusError{msg: msg}
}

func (e BusError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "CAN bus error"
}
