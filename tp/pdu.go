package tp

// PCIType classifies one decoded protocol data unit. PCIUnknown means the
// unit has not been classified yet; PCIInvalid means classification ran and
// rejected the frame. The two are deliberately distinct.
type PCIType uint8

const (
	PCIUnknown PCIType = iota
	PCIInvalid
	PCISingleFrame
	PCIFirstFrame
	PCIConsecutiveFrame
	PCIFlowControl
)

func (t PCIType) String() string {
	switch t {
	case PCISingleFrame:
		return "SINGLE_FRAME"
	case PCIFirstFrame:
		return "FIRST_FRAME"
	case PCIConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PCIFlowControl:
		return "FLOW_CONTROL"
	case PCIInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// FlowStatus values carried by a FlowControl frame.
const (
	FlowStatusContinueToSend uint8 = 0
	FlowStatusWait           uint8 = 1
	FlowStatusOverflow       uint8 = 2
)

// PCI holds the network protocol control information of one PDU. All fields
// are always present; only the ones matching Type carry meaning.
type PCI struct {
	Type PCIType

	// SingleFrame
	SFDataLen uint8 // SF_DL, 1..7 with normal addressing

	// FirstFrame
	FFDataLen uint32 // FF_DL, 12-bit field, max 4095

	// ConsecutiveFrame
	SeqNum uint8 // SN, wraps mod 16

	// FlowControl
	FlowStatus uint8
	BlockSize  uint8
	STmin      uint8 // recorded, not enforced
}

// PDU is one decoded (or to-be-encoded) network protocol data unit: the PCI
// plus the payload bytes carried by the frame it came from.
type PDU struct {
	PCI     PCI
	Data    [MaxCanDL]byte
	DataLen uint8
}

// Valid reports whether the PDU holds a classified, accepted unit.
func (p *PDU) Valid() bool {
	return p.PCI.Type != PCIUnknown && p.PCI.Type != PCIInvalid
}

// Payload returns the valid portion of the PDU data.
func (p *PDU) Payload() []byte {
	n := p.DataLen
	if n > MaxCanDL {
		n = MaxCanDL
	}
	return p.Data[:n]
}

// NewSingleFramePDU builds a SingleFrame PDU carrying data. The payload is
// limited to 7 bytes with normal addressing.
func NewSingleFramePDU(data []byte) (PDU, error) {
	var p PDU
	if len(data) == 0 || len(data) > 7 {
		return p, PayloadTooLargeError{newProtocolError(
			"single frame payload must be 1..7 bytes")}
	}
	p.PCI.Type = PCISingleFrame
	p.PCI.SFDataLen = uint8(len(data))
	p.DataLen = uint8(len(data))
	copy(p.Data[:], data)
	return p, nil
}

// NewFlowControlPDU builds a FlowControl PDU.
func NewFlowControlPDU(flowStatus, blockSize, stMin uint8) PDU {
	var p PDU
	p.PCI.Type = PCIFlowControl
	p.PCI.FlowStatus = flowStatus & 0x0F
	p.PCI.BlockSize = blockSize
	p.PCI.STmin = stMin
	return p
}
