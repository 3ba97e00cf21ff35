package tp

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

const tick = 10 * time.Millisecond

func newListeningSession(t *testing.T, txDL uint8) *Session {
	t.Helper()
	s := NewSession()
	cfg := s.GetConfig()
	cfg.TxDL = txDL
	s.SetConfig(cfg)
	if ev := s.Step(tick); ev != EventNone {
		t.Fatalf("expected clean transition to listen, got %v", ev)
	}
	if s.State() != StateListen {
		t.Fatalf("expected StateListen, got %v", s.State())
	}
	return s
}

func TestSession_InvalidConfigRepeats(t *testing.T) {
	s := NewSession()

	// The default TxDL is zero; every step reports the same failure and the
	// session stays in the configuration state.
	for i := 0; i < 3; i++ {
		if ev := s.Step(tick); ev != EventInvalidConfig {
			t.Fatalf("step %d: expected EventInvalidConfig, got %v", i, ev)
		}
		if s.State() != StateAwaitConfig {
			t.Fatalf("step %d: session must not leave StateAwaitConfig", i)
		}
	}

	if err := s.GetConfig().Validate(); err == nil {
		t.Error("Validate must reject the default configuration")
	} else {
		var ice InvalidConfigError
		if !errors.As(err, &ice) {
			t.Errorf("expected InvalidConfigError, got %T", err)
		}
	}

	// Fixing TxDL unblocks the very next step.
	cfg := s.GetConfig()
	cfg.TxDL = 8
	s.SetConfig(cfg)
	if ev := s.Step(tick); ev != EventNone {
		t.Fatalf("expected EventNone after fixing the config, got %v", ev)
	}
	if s.State() != StateListen {
		t.Fatal("session must be listening after a workable config")
	}
}

func TestSession_MinFFDLDerivation(t *testing.T) {
	cases := []struct {
		txDL, want uint8
	}{
		{8, 8},   // classic CAN: min FF_DL equals the frame size
		{12, 11}, // larger TxDL: one below
		{64, 63},
	}
	for _, tc := range cases {
		s := newListeningSession(t, tc.txDL)
		if got := s.GetConfig().MinFFDL; got != tc.want {
			t.Errorf("TxDL %d: expected MinFFDL %d, got %d", tc.txDL, tc.want, got)
		}
	}
}

func TestSession_ConfigFrozenWhileListening(t *testing.T) {
	s := newListeningSession(t, 8)

	cfg := s.GetConfig()
	cfg.TxDL = 64
	s.SetConfig(cfg)

	if got := s.GetConfig().TxDL; got != 8 {
		t.Errorf("SetConfig must be a no-op while listening, TxDL became %d", got)
	}
}

func TestSession_PushBackpressure(t *testing.T) {
	s := NewSession()
	f := CanFrame{ID: 0x7E0, Len: 3, Data: [8]byte{0x02, 0x3E, 0x00}}

	// Not listening yet: the frame is refused.
	if s.Push(f) {
		t.Fatal("Push must fail before the session is listening")
	}

	cfg := s.GetConfig()
	cfg.TxDL = 8
	s.SetConfig(cfg)
	s.Step(tick)

	if !s.Push(f) {
		t.Fatal("Push must succeed on a listening session with a free slot")
	}
	// Slot occupied: the second frame is refused until a step drains it.
	if s.Push(f) {
		t.Fatal("Push must fail while a frame is pending")
	}

	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("expected EventPDU, got %v", ev)
	}
	if !s.Push(f) {
		t.Fatal("Push must succeed again after the step consumed the frame")
	}
}

func TestSession_StepConsumesInvalidFramesSilently(t *testing.T) {
	s := newListeningSession(t, 8)

	// Unclassifiable garbage is consumed without an event.
	if !s.Push(CanFrame{ID: 0x100, Len: 8, Data: [8]byte{0x40, 1, 2, 3, 4, 5, 6, 7}}) {
		t.Fatal("push failed")
	}
	if ev := s.Step(tick); ev != EventNone {
		t.Fatalf("expected EventNone for garbage, got %v", ev)
	}
	if _, ok := s.PDU(); ok {
		t.Fatal("no valid unit must be visible after a failed decode")
	}

	// The slot is free again.
	if !s.Push(CanFrame{ID: 0x100, Len: 2, Data: [8]byte{0x01, 0xAA}}) {
		t.Fatal("slot must be free after the silent consume")
	}
}

func TestSession_PDUVisibleForOneStepOnly(t *testing.T) {
	s := newListeningSession(t, 8)

	s.Push(CanFrame{ID: 0x7E8, Len: 3, Data: [8]byte{0x02, 0x50, 0x01}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("expected EventPDU, got %v", ev)
	}
	if _, ok := s.PDU(); !ok {
		t.Fatal("decoded unit must be visible after the step that produced it")
	}

	// An idle step invalidates the unit.
	if ev := s.Step(tick); ev != EventNone {
		t.Fatalf("expected EventNone on an empty step, got %v", ev)
	}
	if _, ok := s.PDU(); ok {
		t.Fatal("the unit must not outlive the next step")
	}
}

func TestSession_SingleFrameScenario(t *testing.T) {
	// A tester-present response as seen on a real diagnostic bus.
	s := newListeningSession(t, 8)

	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x02, 0x7E, 0x00, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("expected EventPDU, got %v", ev)
	}

	pdu, ok := s.PDU()
	if !ok {
		t.Fatal("expected a valid unit")
	}
	if pdu.PCI.Type != PCISingleFrame {
		t.Fatalf("expected SINGLE_FRAME, got %v", pdu.PCI.Type)
	}
	if !bytes.Equal(pdu.Payload(), []byte{0x7E, 0x00}) {
		t.Errorf("unexpected payload: %x", pdu.Payload())
	}
}

func TestSession_SegmentedScenario(t *testing.T) {
	// A 9-byte response split FF + CF, reassembled across two steps.
	s := newListeningSession(t, 8)
	var assembled []byte

	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x10, 0x09, 0x62, 0xF1, 0x90, 'W', '0', 'L'}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("FF: expected EventPDU, got %v", ev)
	}
	pdu, _ := s.PDU()
	if pdu.PCI.Type != PCIFirstFrame || pdu.PCI.FFDataLen != 9 {
		t.Fatalf("unexpected FF decode: %+v", pdu.PCI)
	}
	assembled = append(assembled, pdu.Payload()...)
	if r := s.Reassembly(); r.Remaining != 3 || r.Inconsistent {
		t.Fatalf("unexpected reassembly after FF: %+v", r)
	}

	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x21, '0', '0', '0', 0xAA, 0xAA, 0xAA, 0xAA}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("CF: expected EventPDU, got %v", ev)
	}
	pdu, _ = s.PDU()
	if pdu.PCI.Type != PCIConsecutiveFrame {
		t.Fatalf("expected CONSECUTIVE_FRAME, got %v", pdu.PCI.Type)
	}
	assembled = append(assembled, pdu.Payload()...)

	r := s.Reassembly()
	if !r.Complete() {
		t.Fatalf("expected reassembly complete, %d remaining", r.Remaining)
	}
	if s.ReassemblyInconsistent() {
		t.Fatal("clean sequence must not be inconsistent")
	}
	if !bytes.Equal(assembled, []byte{0x62, 0xF1, 0x90, 'W', '0', 'L', '0', '0', '0'}) {
		t.Errorf("unexpected reassembled payload: %x", assembled)
	}
}

func TestSession_SequenceSkipTaints(t *testing.T) {
	s := newListeningSession(t, 8)

	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x10, 30, 1, 2, 3, 4, 5, 6}})
	s.Step(tick)

	// First CF arrives with sn=2 instead of 1.
	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x22, 7, 8, 9, 10, 11, 12, 13}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("a discontinuous CF is still delivered, got %v", ev)
	}
	if !s.ReassemblyInconsistent() {
		t.Fatal("sequence skip must taint the reassembly")
	}

	// The taint sticks through correctly numbered successors.
	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x23, 14, 15, 16, 17, 18, 19, 20}})
	s.Step(tick)
	if !s.ReassemblyInconsistent() {
		t.Fatal("taint must persist until the next valid FirstFrame")
	}

	// A new valid FF starts over cleanly.
	s.Push(CanFrame{ID: 0x7E8, Len: 8, Data: [8]byte{0x10, 30, 1, 2, 3, 4, 5, 6}})
	s.Step(tick)
	if s.ReassemblyInconsistent() {
		t.Fatal("a valid FirstFrame must clear the taint")
	}
}

func TestSession_Override(t *testing.T) {
	s := newListeningSession(t, 8)

	s.Push(CanFrame{ID: 0x7E8, Len: 4, Data: [8]byte{0x03, 0x62, 0x01, 0x42}})
	if ev := s.Step(tick); ev != EventPDU {
		t.Fatalf("expected EventPDU, got %v", ev)
	}

	// Rewrite the decoded unit and send it back out.
	pdu, _ := s.PDU()
	pdu.Data[2] = 0x00
	if !s.Override(pdu) {
		t.Fatal("Override must succeed with a free tx slot")
	}

	// A second override is refused until the frame is drained.
	if s.Override(pdu) {
		t.Fatal("Override must fail while a frame is queued")
	}

	f, ok := s.Pop()
	if !ok {
		t.Fatal("expected a queued outbound frame")
	}
	if f.ID != 0x7E8 {
		t.Errorf("outbound frame must reuse the inbound identifier, got %#x", f.ID)
	}
	if f.Len != 4 || !bytes.Equal(f.Data[:4], []byte{0x03, 0x62, 0x01, 0x00}) {
		t.Errorf("unexpected outbound frame: len %d data %x", f.Len, f.Data)
	}

	// Drained: overriding works again.
	if !s.Override(pdu) {
		t.Fatal("Override must succeed after Pop drained the slot")
	}
}

func TestSession_OverrideInvalidProducesNothing(t *testing.T) {
	s := newListeningSession(t, 8)

	var pdu PDU
	pdu.PCI.Type = PCIInvalid
	if !s.Override(pdu) {
		t.Fatal("Override itself accepts any unit")
	}

	f, ok := s.Pop()
	if !ok {
		t.Fatal("expected a queued frame")
	}
	if f.Len != 0 {
		t.Errorf("an invalid unit must encode to a zero-length frame, got %d", f.Len)
	}
}

func TestSession_PopEmpty(t *testing.T) {
	s := NewSession()
	if _, ok := s.Pop(); ok {
		t.Fatal("Pop on a fresh session must report nothing")
	}
}
