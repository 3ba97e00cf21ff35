package tp

import (
	"encoding/hex"
	"fmt"
)

// MaxCanDL is the largest data length code a classic CAN 2.0 frame can carry.
const MaxCanDL = 8

// CanFrame is a classic CAN frame as seen by the transport layer. It is a
// value type: the session copies it on Push and Pop and never holds a
// reference to caller memory.
type CanFrame struct {
	ID   uint32
	Len  uint8
	Data [MaxCanDL]byte
}

// Payload returns the valid portion of the frame data. A length beyond the
// link maximum is clamped rather than trusted.
func (f *CanFrame) Payload() []byte {
	n := f.Len
	if n > MaxCanDL {
		n = MaxCanDL
	}
	return f.Data[:n]
}

func (f CanFrame) String() string {
	return fmt.Sprintf("<CanFrame %03x [%d] %q>", f.ID, f.Len, hex.EncodeToString(f.Payload()))
}
