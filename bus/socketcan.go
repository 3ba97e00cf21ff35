package bus

import (
	"github.com/brutella/can"

	"github.com/cantools/isotap/logging"
	"github.com/cantools/isotap/metrics"
	"github.com/cantools/isotap/tp"
)

// idMask strips the EFF/RTR/ERR flag bits off a raw SocketCAN identifier.
const idMask = 0x1FFFFFFF

// SocketCAN adapts a Linux SocketCAN interface. The library delivers frames
// on its own goroutine; they are buffered into rx so Recv stays non-blocking.
// Frames arriving while the buffer is full are dropped and counted.
type SocketCAN struct {
	name string
	bus  *can.Bus
	rx   chan tp.CanFrame
	done chan struct{}
}

// OpenSocketCAN binds the named interface (e.g. "can0") and starts the
// receive pump.
func OpenSocketCAN(ifname string, depth int) (*SocketCAN, error) {
	if depth <= 0 {
		depth = 256
	}
	b, err := can.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, err
	}

	s := &SocketCAN{
		name: ifname,
		bus:  b,
		rx:   make(chan tp.CanFrame, depth),
		done: make(chan struct{}),
	}
	b.SubscribeFunc(s.handleFrame)

	go func() {
		defer close(s.done)
		// Blocks until Disconnect or a link error.
		if err := b.ConnectAndPublish(); err != nil {
			logging.L().Error().Err(err).Str("interface", ifname).Msg("socketcan receive loop ended")
			metrics.IncError(metrics.ErrSocketCANRead)
		}
	}()

	logging.L().Info().Str("interface", ifname).Msg("socketcan link up")
	return s, nil
}

func (s *SocketCAN) handleFrame(frame can.Frame) {
	f := tp.CanFrame{
		ID:   frame.ID & idMask,
		Len:  frame.Length,
		Data: frame.Data,
	}
	select {
	case s.rx <- f:
		metrics.IncSocketCANRx()
	default:
		metrics.IncDropped()
	}
}

func (s *SocketCAN) Name() string { return s.name }

func (s *SocketCAN) Recv() (tp.CanFrame, bool) {
	select {
	case f := <-s.rx:
		return f, true
	default:
		return tp.CanFrame{}, false
	}
}

func (s *SocketCAN) Send(f tp.CanFrame) error {
	err := s.bus.Publish(can.Frame{
		ID:     f.ID,
		Length: f.Len,
		Data:   f.Data,
	})
	if err != nil {
		metrics.IncError(metrics.ErrSocketCANWrite)
		return err
	}
	metrics.IncSocketCANTx()
	return nil
}

func (s *SocketCAN) Close() error {
	err := s.bus.Disconnect()
	<-s.done
	return err
}
