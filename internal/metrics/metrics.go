// Package metrics exposes Prometheus counters for the protocol engine:
// promauto counters for wire events, a labeled error CounterVec with a
// bounded label set, local atomic mirrors for cheap in-process snapshots,
// and an HTTP /metrics + /ready surface.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/elementbus/mendeleev-master/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FrameRxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_frame_rx_total",
		Help: "Total frames successfully decoded off the bus.",
	})
	FrameTxTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_frame_tx_total",
		Help: "Total frames written to the bus.",
	})
	MalformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_malformed_total",
		Help: "Total frames dropped for bad CRC, short length, or oversize declaration.",
	})
	DesyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_desync_total",
		Help: "Total leading bytes dropped while resynchronizing on the preamble.",
	})
	TimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_timeout_total",
		Help: "Total requests that exceeded their caller-supplied deadline.",
	})
	CommandFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_command_failed_total",
		Help: "Total replies carrying the error-command convention.",
	})
	ReconnectTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_reconnect_total",
		Help: "Total reconnect attempts made after transport loss.",
	})
	InboundDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_inbound_dropped_total",
		Help: "Total inbound frames dropped because the correlator's queue was full.",
	})
	AddressAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mendeleev_address_assigned_total",
		Help: "Total addresses assigned by the addressing procedure.",
	})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mendeleev_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable values to bound cardinality).
const (
	ErrTransportRead     = "transport_read"
	ErrTransportWrite    = "transport_write"
	ErrTransportOverflow = "transport_tx_overflow"
	ErrSessionTimeout    = "session_timeout"
	ErrAddressing        = "addressing"
)

func init() {
	for _, lbl := range []string{ErrTransportRead, ErrTransportWrite, ErrTransportOverflow, ErrSessionTimeout, ErrAddressing} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// Local mirrors for cheap in-process snapshotting (avoids scraping
// Prometheus from within the same process).
var (
	localFrameRx    uint64
	localFrameTx    uint64
	localMalformed  uint64
	localDesync     uint64
	localTimeout    uint64
	localCmdFailed  uint64
	localReconnect  uint64
	localInboundDrp uint64
	localAssigned   uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FrameRx        uint64
	FrameTx        uint64
	Malformed      uint64
	Desync         uint64
	Timeouts       uint64
	CommandFailed  uint64
	Reconnects     uint64
	InboundDropped uint64
	Assigned       uint64
	Errors         uint64
}

func Snap() Snapshot {
	return Snapshot{
		FrameRx:        atomic.LoadUint64(&localFrameRx),
		FrameTx:        atomic.LoadUint64(&localFrameTx),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Desync:         atomic.LoadUint64(&localDesync),
		Timeouts:       atomic.LoadUint64(&localTimeout),
		CommandFailed:  atomic.LoadUint64(&localCmdFailed),
		Reconnects:     atomic.LoadUint64(&localReconnect),
		InboundDropped: atomic.LoadUint64(&localInboundDrp),
		Assigned:       atomic.LoadUint64(&localAssigned),
		Errors:         atomic.LoadUint64(&localErrors),
	}
}

func IncFrameRx()   { FrameRxTotal.Inc(); atomic.AddUint64(&localFrameRx, 1) }
func IncFrameTx()   { FrameTxTotal.Inc(); atomic.AddUint64(&localFrameTx, 1) }
func IncMalformed() { MalformedTotal.Inc(); atomic.AddUint64(&localMalformed, 1) }
func IncDesync()    { DesyncTotal.Inc(); atomic.AddUint64(&localDesync, 1) }
func IncTimeout()   { TimeoutTotal.Inc(); atomic.AddUint64(&localTimeout, 1) }
func IncCommandFailed() {
	CommandFailedTotal.Inc()
	atomic.AddUint64(&localCmdFailed, 1)
}
func IncReconnect() { ReconnectTotal.Inc(); atomic.AddUint64(&localReconnect, 1) }
func IncInboundDropped() {
	InboundDroppedTotal.Inc()
	atomic.AddUint64(&localInboundDrp, 1)
}
func IncAddressAssigned() {
	AddressAssignedTotal.Inc()
	atomic.AddUint64(&localAssigned, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present, defaulting
// to true so the endpoint doesn't flap before one is registered.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}
