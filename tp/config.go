package tp

// TAType is the network target address type: the combination of addressing
// range (11/29-bit), frame format (classic/FD) and communication model
// (physical/functional). It is not carried in messages and has to be
// preconfigured.
type TAType uint8

const (
	TATypePhysical11Bit    TAType = iota // classic CAN, 11-bit, physical
	TATypeFunctional11Bit                // classic CAN, 11-bit, functional
	TATypePhysicalFD11Bit                // CAN FD, 11-bit, physical
	TATypeFunctionalFD11Bit              // CAN FD, 11-bit, functional
	TATypePhysical29Bit                  // classic CAN, 29-bit, physical
	TATypeFunctional29Bit                // classic CAN, 29-bit, functional
	TATypePhysicalFD29Bit                // CAN FD, 29-bit, physical
	TATypeFunctionalFD29Bit              // CAN FD, 29-bit, functional
)

// Config carries the session parameters. TxDL is the only field a user has
// to set; RxDL is deduced from received FirstFrames and MinFFDL is
// recomputed from TxDL when the session enters the listening state, so
// neither survives independent user values.
type Config struct {
	TAType  TAType
	TxDL    uint8
	RxDL    uint8
	MinFFDL uint8
}

// DefaultConfig returns the configuration a fresh session starts with. TxDL
// is deliberately zero: the session reports EventInvalidConfig until the
// caller picks a real value.
func DefaultConfig() Config {
	return Config{TAType: TATypePhysical11Bit}
}

// Validate reports whether the configuration allows the session to leave the
// configuration state.
func (c Config) Validate() error {
	if c.TxDL < MaxCanDL {
		return InvalidConfigError{newProtocolError("tx_dl must be at least 8")}
	}
	return nil
}
