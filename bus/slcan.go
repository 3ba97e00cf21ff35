package bus

import (
	"bufio"
	"fmt"

	"github.com/tarm/serial"

	"github.com/cantools/isotap/logging"
	"github.com/cantools/isotap/metrics"
	"github.com/cantools/isotap/tp"
)

// SLCAN adapts a LAWICEL-style serial CAN dongle. Each frame travels as an
// ASCII line: 't' + 3 hex ID digits + DLC + data for 11-bit frames,
// 'T' + 8 hex ID digits + DLC + data for 29-bit, terminated by CR.
type SLCAN struct {
	name string
	port serialPort
	rx   chan tp.CanFrame
	done chan struct{}
}

// serialPort narrows tarm/serial for testability.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenSLCAN opens the serial device, resets the dongle and opens its CAN
// channel, then starts the receive pump.
func OpenSLCAN(device string, baud, depth int) (*SLCAN, error) {
	if depth <= 0 {
		depth = 256
	}
	// No read timeout: a timed-out read yields zero bytes, which the line
	// scanner would treat as lack of progress.
	port, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, err
	}

	s := &SLCAN{
		name: device,
		port: port,
		rx:   make(chan tp.CanFrame, depth),
		done: make(chan struct{}),
	}

	// Close a possibly open channel first, then open fresh.
	if _, err := port.Write([]byte("C\r")); err != nil {
		port.Close()
		return nil, err
	}
	if _, err := port.Write([]byte("O\r")); err != nil {
		port.Close()
		return nil, err
	}

	go s.readLoop()
	logging.L().Info().Str("device", device).Int("baud", baud).Msg("slcan link up")
	return s, nil
}

func (s *SLCAN) readLoop() {
	defer close(s.done)
	scanner := bufio.NewScanner(s.port)
	scanner.Split(scanCR)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := decodeSLCANLine(line)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		select {
		case s.rx <- f:
			metrics.IncSerialRx()
		default:
			metrics.IncDropped()
		}
	}
	if err := scanner.Err(); err != nil {
		logging.L().Error().Err(err).Str("device", s.name).Msg("slcan receive loop ended")
		metrics.IncError(metrics.ErrSerialRead)
	}
}

// scanCR splits on carriage returns, the LAWICEL line terminator.
func scanCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\r' || b == '\n' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (s *SLCAN) Name() string { return s.name }

func (s *SLCAN) Recv() (tp.CanFrame, bool) {
	select {
	case f := <-s.rx:
		return f, true
	default:
		return tp.CanFrame{}, false
	}
}

func (s *SLCAN) Send(f tp.CanFrame) error {
	if _, err := s.port.Write(encodeSLCANLine(f)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	metrics.IncSerialTx()
	return nil
}

func (s *SLCAN) Close() error {
	// Best effort: close the CAN channel before dropping the port.
	_, _ = s.port.Write([]byte("C\r"))
	err := s.port.Close()
	<-s.done
	return err
}

// decodeSLCANLine parses one LAWICEL transmit line into a frame. Remote and
// status lines are rejected; the tap only deals in data frames.
func decodeSLCANLine(line []byte) (tp.CanFrame, error) {
	var f tp.CanFrame
	var idDigits int

	switch line[0] {
	case 't':
		idDigits = 3
	case 'T':
		idDigits = 8
	default:
		return f, newBusError(fmt.Sprintf("unsupported slcan record %q", line[0]))
	}

	if len(line) < 1+idDigits+1 {
		return f, newBusError("slcan line truncated before DLC")
	}

	id, err := parseHex(line[1 : 1+idDigits])
	if err != nil {
		return f, err
	}
	f.ID = id

	dlc := line[1+idDigits] - '0'
	if dlc > tp.MaxCanDL {
		return f, newBusError(fmt.Sprintf("slcan DLC %d out of range", dlc))
	}
	f.Len = dlc

	body := line[1+idDigits+1:]
	if len(body) < int(dlc)*2 {
		return f, newBusError("slcan line truncated before data end")
	}
	for i := 0; i < int(dlc); i++ {
		b, err := parseHex(body[i*2 : i*2+2])
		if err != nil {
			return f, err
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

// encodeSLCANLine renders a frame as a CR-terminated LAWICEL line. IDs above
// the 11-bit range use the extended 'T' record.
func encodeSLCANLine(f tp.CanFrame) []byte {
	n := f.Len
	if n > tp.MaxCanDL {
		n = tp.MaxCanDL
	}

	var line []byte
	if f.ID > 0x7FF {
		line = fmt.Appendf(nil, "T%08X%d", f.ID&idMask, n)
	} else {
		line = fmt.Appendf(nil, "t%03X%d", f.ID, n)
	}
	for _, b := range f.Data[:n] {
		line = fmt.Appendf(line, "%02X", b)
	}
	return append(line, '\r')
}

func parseHex(s []byte) (uint32, error) {
	var v uint32
	for _, c := range s {
		var d uint32
		switch {
		case c >= '0' && c <= '9':
			d = uint32(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint32(c-'A') + 10
		default:
			return 0, newBusError(fmt.Sprintf("bad hex digit %q", c))
		}
		v = v<<4 | d
	}
	return v, nil
}
