// Package metrics exposes the tap's Prometheus counters and the readiness
// endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cantools/isotap/logging"
)

var (
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	DroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_dropped_frames_total",
		Help: "Total received CAN frames dropped because the intake buffer was full.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total link records rejected before frame decoding (bad hex, truncated).",
	})
	DecodedPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotp_decoded_pdus_total",
		Help: "Total transport PDUs decoded, by frame kind.",
	}, []string{"kind"})
	InvalidFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_invalid_frames_total",
		Help: "Total frames that matched no valid transport pattern.",
	})
	ReassemblyTaints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotp_reassembly_taints_total",
		Help: "Total transitions of a reassembly into the inconsistent state.",
	})
	Overrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_overrides_total",
		Help: "Total PDUs rewritten and re-emitted by the tap.",
	})
	OverrideRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tap_override_rejects_total",
		Help: "Total override attempts refused by transmit backpressure.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants, stable values to bound cardinality.
const (
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrMQTTPublish    = "mqtt_publish"
	ErrBusSend        = "bus_send"
)

func IncSocketCANRx() { SocketCANRxFrames.Inc() }
func IncSocketCANTx() { SocketCANTxFrames.Inc() }
func IncSerialRx()    { SerialRxFrames.Inc() }
func IncSerialTx()    { SerialTxFrames.Inc() }
func IncDropped()     { DroppedFrames.Inc() }
func IncMalformed()   { MalformedFrames.Inc() }

func IncDecoded(kind string) { DecodedPDUs.WithLabelValues(kind).Inc() }
func IncInvalid()            { InvalidFrames.Inc() }
func IncReassemblyTaint()    { ReassemblyTaints.Inc() }
func IncOverride()           { Overrides.Inc() }
func IncOverrideReject()     { OverrideRejects.Inc() }
func IncError(label string)  { Errors.WithLabelValues(label).Inc() }

// SetReadinessFunc registers the function behind /ready.
func SetReadinessFunc(fn func() bool) {
	readinessMu.Lock()
	readinessFn = fn
	readinessMu.Unlock()
}

// IsReady invokes the registered readiness function. Before one is set the
// process reports ready so the endpoint does not flap during startup.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves /metrics and /ready on addr in the background.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info().Str("addr", addr).Msg("metrics endpoint up")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error().Err(err).Msg("metrics http server failed")
		}
	}()
	return srv
}
