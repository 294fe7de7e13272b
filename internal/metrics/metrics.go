package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uds-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	CannelloniRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_rx_frames_total",
		Help: "Total CAN frames received from the remote cannelloni gateway.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	CannelloniTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_tx_frames_total",
		Help: "Total CAN frames sent to the remote cannelloni gateway.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total CAN frames dropped by hub due to slow diagnostic sessions.",
	})
	HubKickedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_sessions_total",
		Help: "Total sessions detached due to backpressure kick policy.",
	})
	HubActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_sessions",
		Help: "Current number of open bus sessions.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of sessions targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among sessions since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per session in last sample.",
	})
	UDSRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uds_requests_total",
		Help: "Diagnostic requests transmitted, by service.",
	}, []string{"service"})
	UDSNegativeResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uds_negative_responses_total",
		Help: "Negative responses received, by NRC.",
	}, []string{"nrc"})
	UDSTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_timeouts_total",
		Help: "Exchanges that ended without a matching response.",
	})
	UDSMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uds_malformed_total",
		Help: "Responses rejected as too short for their service.",
	})
	Updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updates_total",
		Help: "Firmware update attempts by terminal status.",
	}, []string{"status"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed backend frames (invalid length, checksum, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrHandshake      = "handshake"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrRemoteRead     = "cannelloni_read"
	ErrRemoteWrite    = "cannelloni_write"
	ErrBusOpen        = "bus_open"
	ErrBusClose       = "bus_close"
	ErrTransport      = "transport"
	ErrAPI            = "api"
	ErrTelemetry      = "telemetry"
	ErrDrive          = "drive"
)

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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx     uint64
	localSerialTx     uint64
	localSocketCANTx  uint64
	localSocketCANRx  uint64
	localRemoteRx     uint64
	localRemoteTx     uint64
	localHubDrop      uint64
	localHubKick      uint64
	localErrors       uint64
	localHubSessions  uint64
	localFanout       uint64
	localMalformed    uint64
	localQDMax        uint64
	localQDAvg        uint64
	localUDSRequests  uint64
	localUDSNegative  uint64
	localUDSTimeouts  uint64
	localUDSMalformed uint64
	localUpdates      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx      uint64
	SocketCANRx   uint64
	CannelloniRx  uint64
	SerialTx      uint64
	SocketCANTx   uint64
	CannelloniTx  uint64
	HubDrops      uint64
	HubKicks      uint64
	Errors        uint64 // sum across error labels
	HubSessions   uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
	UDSRequests   uint64
	UDSNegative   uint64
	UDSTimeouts   uint64
	UDSMalformed  uint64
	Updates       uint64
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:      atomic.LoadUint64(&localSerialRx),
		SocketCANRx:   atomic.LoadUint64(&localSocketCANRx),
		CannelloniRx:  atomic.LoadUint64(&localRemoteRx),
		SerialTx:      atomic.LoadUint64(&localSerialTx),
		SocketCANTx:   atomic.LoadUint64(&localSocketCANTx),
		CannelloniTx:  atomic.LoadUint64(&localRemoteTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		Errors:        atomic.LoadUint64(&localErrors),
		HubSessions:   atomic.LoadUint64(&localHubSessions),
		Fanout:        atomic.LoadUint64(&localFanout),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
		UDSRequests:   atomic.LoadUint64(&localUDSRequests),
		UDSNegative:   atomic.LoadUint64(&localUDSNegative),
		UDSTimeouts:   atomic.LoadUint64(&localUDSTimeouts),
		UDSMalformed:  atomic.LoadUint64(&localUDSMalformed),
		Updates:       atomic.LoadUint64(&localUpdates),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncCannelloniRx() {
	CannelloniRxFrames.Inc()
	atomic.AddUint64(&localRemoteRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncCannelloniTx() {
	CannelloniTxFrames.Inc()
	atomic.AddUint64(&localRemoteTx, 1)
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedSessions.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func SetHubSessions(n int) {
	HubActiveSessions.Set(float64(n))
	atomic.StoreUint64(&localHubSessions, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// IncUDSRequest counts one transmitted request for the named service.
func IncUDSRequest(service string) {
	UDSRequests.WithLabelValues(service).Inc()
	atomic.AddUint64(&localUDSRequests, 1)
}

// IncUDSNegative counts one negative response; nrc is a preformatted label like "0x22".
func IncUDSNegative(nrc string) {
	UDSNegativeResponses.WithLabelValues(nrc).Inc()
	atomic.AddUint64(&localUDSNegative, 1)
}

func IncUDSTimeout() {
	UDSTimeouts.Inc()
	atomic.AddUint64(&localUDSTimeouts, 1)
}

func IncUDSMalformed() {
	UDSMalformed.Inc()
	atomic.AddUint64(&localUDSMalformed, 1)
}

// IncUpdate counts a finished update by its terminal status.
func IncUpdate(status string) {
	Updates.WithLabelValues(status).Inc()
	atomic.AddUint64(&localUpdates, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrHandshake, ErrRemoteRead, ErrRemoteWrite,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrBusOpen, ErrBusClose, ErrTransport, ErrAPI, ErrTelemetry, ErrDrive,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
