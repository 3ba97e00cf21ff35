package tp

// DecodePDU classifies and decodes one link frame into pdu, following the
// N_PCI byte summary of ISO 15765-2 (normal addressing, classic frames).
//
// It never fails: any frame that matches no valid pattern, or fails its
// kind-specific validation, leaves pdu with type PCIInvalid. The previous
// contents of pdu matter only for consecutive frames, whose sequence
// continuity is checked against pdu.PCI.SeqNum as left by the preceding
// frame. asm carries the reassembly bookkeeping across frames and cfg
// receives the RX_DL deduced from FirstFrames.
func DecodePDU(f *CanFrame, pdu *PDU, asm *Reassembly, cfg *Config) {
	pdu.PCI.Type = PCIInvalid

	if f.Len > MaxCanDL {
		// A DLC beyond the link maximum never classifies; it would also
		// defeat the bounds checks below.
		return
	}

	switch {
	case f.Len >= 1 && f.Data[0]&0xF0 == 0x00:
		decodeSingleFrame(f, pdu)

	case f.Len >= 2 && f.Data[0]&0xF0 == 0x10:
		decodeFirstFrame(f, pdu, asm, cfg)

	case f.Len >= 1 && f.Data[0]&0xF0 == 0x20 && asm.Remaining > 1:
		decodeConsecutiveFrame(f, pdu, asm)

	case f.Len >= 3 && f.Data[0]&0xF0 == 0x30:
		decodeFlowControl(f, pdu)
	}
}

func decodeSingleFrame(f *CanFrame, pdu *PDU) {
	sfdl := f.Data[0] & 0x0F
	pdu.PCI.SFDataLen = sfdl

	switch {
	case sfdl == 0:
		// SF_DL 0 announces the escape-sequence variant (SF_DL in byte 1),
		// which needs FD frames and is not supported here.
	case sfdl > 7:
		// SF_DL above 7 is impossible with normal addressing on classic CAN.
	case f.Len < 1+sfdl:
		// DLC cannot be shorter than PCI plus announced data.
	default:
		pdu.PCI.Type = PCISingleFrame
		pdu.DataLen = sfdl
		copy(pdu.Data[:], f.Data[1:1+sfdl])
	}
}

func decodeFirstFrame(f *CanFrame, pdu *PDU, asm *Reassembly, cfg *Config) {
	ffdl := uint32(f.Data[0]&0x0F)<<8 | uint32(f.Data[1])
	pdu.PCI.FFDataLen = ffdl

	// RX_DL follows the observed CAN_DL directly instead of the standard's
	// received-CAN_DL-to-RX_DL mapping table. Equivalent for full 8-byte
	// classic frames, which is all this core speaks.
	cfg.RxDL = f.Len

	// Unsafe until this FirstFrame proves itself.
	asm.Inconsistent = true

	switch {
	case ffdl == 0:
		// FF_DL 0 announces the 32-bit escape-sequence variant, unsupported.
	case ffdl < uint32(cfg.MinFFDL):
		// FF_DL below the addressing scheme's minimum.
	case ffdl < uint32(cfg.RxDL)-2:
		// FF_DL cannot be less than RX_DL minus the PCI bytes.
	default:
		pdu.PCI.Type = PCIFirstFrame
		pdu.DataLen = f.Len - 2
		copy(pdu.Data[:], f.Data[2:f.Len])
		asm.Remaining = uint16(ffdl) - uint16(pdu.DataLen)
		pdu.PCI.SeqNum = 0
		asm.Inconsistent = false
	}
}

func decodeConsecutiveFrame(f *CanFrame, pdu *PDU, asm *Reassembly) {
	sn := f.Data[0] & 0x0F

	// Any frame that reaches this point is accepted as data; a broken
	// sequence only taints the reassembly, it does not reject the frame.
	pdu.PCI.Type = PCIConsecutiveFrame

	if (sn-1)&0x0F != pdu.PCI.SeqNum {
		asm.Inconsistent = true
	}
	pdu.PCI.SeqNum = sn

	if asm.Remaining > 7 {
		pdu.DataLen = 7
	} else {
		pdu.DataLen = uint8(asm.Remaining)
	}
	copy(pdu.Data[:], f.Data[1:1+pdu.DataLen])

	if asm.Remaining >= 7 {
		asm.Remaining -= 7
	} else {
		asm.Remaining = 0
	}
}

func decodeFlowControl(f *CanFrame, pdu *PDU) {
	pdu.PCI.Type = PCIFlowControl
	pdu.DataLen = 0
	pdu.PCI.FlowStatus = f.Data[0] & 0x0F
	pdu.PCI.BlockSize = f.Data[1]
	pdu.PCI.STmin = f.Data[2]
}

// EncodePDU renders a PDU back into a link frame. The frame payload is
// zero-filled before population, so padding bytes are always zero. An
// Unknown or Invalid PDU yields a zero-length frame, which signals "nothing
// to send" and must not be transmitted.
func EncodePDU(pdu *PDU) CanFrame {
	var f CanFrame

	switch pdu.PCI.Type {
	case PCISingleFrame:
		// SF PCI: 0000 LLLL. Only the normal-addressing range is emitted.
		if pdu.PCI.SFDataLen <= 7 {
			f.Data[0] = pdu.PCI.SFDataLen
			copy(f.Data[1:], pdu.Data[:pdu.PCI.SFDataLen])
			f.Len = 1 + pdu.PCI.SFDataLen
		}

	case PCIFirstFrame:
		// FF PCI: 0001 LLLL LLLL LLLL. A FirstFrame always goes out as a
		// full frame carrying the first 6 payload bytes.
		f.Data[0] = 0x10 | uint8(pdu.PCI.FFDataLen>>8)&0x0F
		f.Data[1] = uint8(pdu.PCI.FFDataLen)
		copy(f.Data[2:], pdu.Data[:6])
		f.Len = MaxCanDL

	case PCIConsecutiveFrame:
		// CF PCI: 0010 SSSS.
		n := pdu.DataLen
		if n > 7 {
			n = 7
		}
		f.Data[0] = 0x20 | pdu.PCI.SeqNum&0x0F
		copy(f.Data[1:], pdu.Data[:n])
		f.Len = 1 + n

	case PCIFlowControl:
		// FC PCI: 0011 FFFF. Padded to the full link size to keep the
		// on-wire frame length uniform.
		f.Data[0] = 0x30 | pdu.PCI.FlowStatus&0x0F
		f.Data[1] = pdu.PCI.BlockSize
		f.Data[2] = pdu.PCI.STmin
		f.Len = MaxCanDL
	}

	return f
}
