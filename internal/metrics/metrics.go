package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/kstaniek/go-mirror-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	IngestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_ingest_bytes_total",
		Help: "Total bytes read from the device link into the ingest buffer.",
	})
	IngestOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_ingest_overflows_total",
		Help: "Times the ingest buffer was full and the reader had to retry.",
	})
	IngestHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_ingest_high_water_bytes",
		Help: "Largest ingest backlog observed since start.",
	})
	Messages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_messages_total",
		Help: "Decoded protocol messages by kind.",
	}, []string{"kind"})
	Desyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_desyncs_total",
		Help: "Stream desynchronisations that forced a reconnect, by reason.",
	}, []string{"reason"})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_malformed_messages_total",
		Help: "Messages with a valid header whose payload could not be applied.",
	})
	FramesPresented = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_frames_presented_total",
		Help: "Complete display frames handed to the display sink.",
	})
	RowsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_rows_applied_total",
		Help: "Display rows written into the frame store.",
	})
	AudioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_audio_bytes_total",
		Help: "PCM bytes accepted into the audio buffer.",
	})
	AudioOverflowBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_audio_overflow_bytes_total",
		Help: "PCM bytes discarded because the audio buffer was full.",
	})
	AudioUnderruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_audio_underruns_total",
		Help: "Audio pulls answered with silence because too little data was buffered.",
	})
	DeviceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_device_dropped_messages_total",
		Help: "Messages the device reports as dropped on its side.",
	})
	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_commands_sent_total",
		Help: "Text commands written to the device.",
	})
	LinkSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_link_sessions_total",
		Help: "Device link sessions opened.",
	})
	StreamStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_stream_starts_total",
		Help: "Handshakes completed with the first valid header.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_link_up",
		Help: "1 while the device link is open.",
	})
	ViewerTxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewer_tx_messages_total",
		Help: "Total messages sent to viewers.",
	})
	ViewerRxMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viewer_rx_messages_total",
		Help: "Total input messages received from viewers.",
	})
	HubDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_messages_total",
		Help: "Total messages dropped by hub due to slow viewers.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total viewers disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total viewer connection attempts rejected (e.g., max-viewers).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected viewers.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of viewers targeted in the most recent broadcast.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrLinkOpen      = "link_open"
	ErrLinkRead      = "link_read"
	ErrLinkWrite     = "link_write"
	ErrLinkFlush     = "link_flush"
	ErrTxOverflow    = "link_tx_overflow"
	ErrFrameApply    = "frame_apply"
	ErrViewerRead    = "viewer_read"
	ErrViewerWrite   = "viewer_write"
	ErrViewerInput   = "viewer_input"
	ErrViewerUpgrade = "viewer_upgrade"
)

// Desync reason labels.
const (
	DesyncHeader = "invalid_header"
	DesyncEcho   = "echo_mismatch"
)

// Routes registers /metrics and /ready on r.
func Routes(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	r := chi.NewRouter()
	Routes(r)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
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
	localIngest     uint64
	localOverflow   uint64
	localHighWater  uint64
	localMessages   uint64
	localDesync     uint64
	localMalformed  uint64
	localFrames     uint64
	localRows       uint64
	localAudio      uint64
	localAudioOver  uint64
	localUnderrun   uint64
	localDevDropped uint64
	localCommands   uint64
	localSessions   uint64
	localStarts     uint64
	localViewerTx   uint64
	localViewerRx   uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localFanout     uint64
	localErrors     uint64
	localLinkUp     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	IngestBytes     uint64
	IngestOverflows uint64
	IngestHighWater uint64
	Messages        uint64
	Desyncs         uint64
	Malformed       uint64
	Frames          uint64
	Rows            uint64
	AudioBytes      uint64
	AudioOverflow   uint64
	AudioUnderruns  uint64
	DeviceDropped   uint64
	CommandsSent    uint64
	LinkSessions    uint64
	StreamStarts    uint64
	LinkUp          bool
	ViewerTx        uint64
	ViewerRx        uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	HubClients      uint64
	Fanout          uint64
	Errors          uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		IngestBytes:     atomic.LoadUint64(&localIngest),
		IngestOverflows: atomic.LoadUint64(&localOverflow),
		IngestHighWater: atomic.LoadUint64(&localHighWater),
		Messages:        atomic.LoadUint64(&localMessages),
		Desyncs:         atomic.LoadUint64(&localDesync),
		Malformed:       atomic.LoadUint64(&localMalformed),
		Frames:          atomic.LoadUint64(&localFrames),
		Rows:            atomic.LoadUint64(&localRows),
		AudioBytes:      atomic.LoadUint64(&localAudio),
		AudioOverflow:   atomic.LoadUint64(&localAudioOver),
		AudioUnderruns:  atomic.LoadUint64(&localUnderrun),
		DeviceDropped:   atomic.LoadUint64(&localDevDropped),
		CommandsSent:    atomic.LoadUint64(&localCommands),
		LinkSessions:    atomic.LoadUint64(&localSessions),
		StreamStarts:    atomic.LoadUint64(&localStarts),
		LinkUp:          atomic.LoadUint64(&localLinkUp) == 1,
		ViewerTx:        atomic.LoadUint64(&localViewerTx),
		ViewerRx:        atomic.LoadUint64(&localViewerRx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		Errors:          atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func AddIngest(n int) {
	IngestBytes.Add(float64(n))
	atomic.AddUint64(&localIngest, uint64(n))
}

func IncIngestOverflow() {
	IngestOverflows.Inc()
	atomic.AddUint64(&localOverflow, 1)
}

// ObserveBacklog raises the ingest high-water mark if n exceeds it and
// reports whether it did.
func ObserveBacklog(n int) bool {
	v := uint64(n)
	for {
		cur := atomic.LoadUint64(&localHighWater)
		if v <= cur {
			return false
		}
		if atomic.CompareAndSwapUint64(&localHighWater, cur, v) {
			IngestHighWater.Set(float64(n))
			return true
		}
	}
}

func IncMessage(kind string) {
	Messages.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localMessages, 1)
}

func IncDesync(reason string) {
	Desyncs.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDesync, 1)
}

func IncMalformed() {
	MalformedMessages.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncFramePresented() {
	FramesPresented.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func AddRows(n int) {
	RowsApplied.Add(float64(n))
	atomic.AddUint64(&localRows, uint64(n))
}

func AddAudio(n int) {
	AudioBytes.Add(float64(n))
	atomic.AddUint64(&localAudio, uint64(n))
}

func AddAudioOverflow(n int) {
	AudioOverflowBytes.Add(float64(n))
	atomic.AddUint64(&localAudioOver, uint64(n))
}

func IncAudioUnderrun() {
	AudioUnderruns.Inc()
	atomic.AddUint64(&localUnderrun, 1)
}

func AddDeviceDropped(n int) {
	DeviceDropped.Add(float64(n))
	atomic.AddUint64(&localDevDropped, uint64(n))
}

func IncCommandSent() {
	CommandsSent.Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncLinkSession() {
	LinkSessions.Inc()
	atomic.AddUint64(&localSessions, 1)
}

func IncStreamStart() {
	StreamStarts.Inc()
	atomic.AddUint64(&localStarts, 1)
}

func SetLinkUp(up bool) {
	var v uint64
	if up {
		v = 1
	}
	LinkUp.Set(float64(v))
	atomic.StoreUint64(&localLinkUp, v)
}

func AddViewerTx(n int) {
	ViewerTxMessages.Add(float64(n))
	atomic.AddUint64(&localViewerTx, uint64(n))
}

func IncViewerRx() {
	ViewerRxMessages.Inc()
	atomic.AddUint64(&localViewerRx, 1)
}

func IncHubDrop() {
	HubDroppedMessages.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrLinkOpen, ErrLinkRead, ErrLinkWrite, ErrLinkFlush, ErrTxOverflow,
		ErrFrameApply, ErrViewerRead, ErrViewerWrite, ErrViewerInput, ErrViewerUpgrade,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{DesyncHeader, DesyncEcho} {
		Desyncs.WithLabelValues(r).Add(0)
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
