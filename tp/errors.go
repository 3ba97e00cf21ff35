package tp

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// ProtocolError is the base type of all errors produced around the transport
// core. The core itself never fails on wire input — malformed bytes decode to
// PCIInvalid — so these cover configuration and usage errors only.
type ProtocolError struct {
	msg string
}

func newProtocolError(msg string) ProtocolError {
	return ProtocolError{msg: msg}
}

func (e ProtocolError) Error() string {
	return messageOrDefault(e.msg, "ISO-TP error")
}

type InvalidConfigError struct {
	ProtocolError
}

func (e InvalidConfigError) Error() string {
	return messageOrDefault(e.msg, "invalid transport configuration")
}

type PayloadTooLargeError struct {
	ProtocolError
}

func (e PayloadTooLargeError) Error() string {
	return messageOrDefault(e.msg, "payload does not fit the frame type")
}
