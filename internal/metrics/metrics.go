// Package metrics exposes Prometheus counters/gauges for the lockstep
// runtime, adapted from the teacher's internal/metrics: the same
// promauto + /metrics + /ready wiring, retargeted at session and peer
// endpoint events instead of CAN frame counters.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/lockstep/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_messages_sent_total",
		Help: "Total wire messages sent to peers.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_messages_received_total",
		Help: "Total wire messages received from peers.",
	})
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_messages_dropped_total",
		Help: "Total inbound messages dropped (bad magic, malformed body).",
	})
	Rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_rollbacks_total",
		Help: "Total rollbacks triggered by a misprediction.",
	})
	RollbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lockstep_rollback_depth_frames",
		Help:    "Number of frames replayed per rollback.",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})
	PredictionMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_prediction_misses_total",
		Help: "Total frames whose prediction did not match the confirmed input.",
	})
	QueueFullRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_queue_full_total",
		Help: "Total AddInput/GetInput calls rejected because the input queue was at capacity.",
	})
	PeerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_peer_disconnects_total",
		Help: "Total peers transitioned to Disconnected.",
	})
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_handshake_failures_total",
		Help: "Total peer handshakes that failed or timed out.",
	})
	DesyncsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_desyncs_detected_total",
		Help: "Total DesyncDetected events emitted.",
	})
	SimulatedFrame = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_simulated_frame",
		Help: "Current simulated (speculative) frame.",
	})
	AuthoritativeFrame = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_authoritative_frame",
		Help: "Current authoritative (fully confirmed) frame.",
	})
	FrameAdvantage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockstep_frame_advantage",
		Help: "Local simulated frame minus a peer's last confirmed frame.",
	}, []string{"peer"})
	RoundTripMillis = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockstep_round_trip_ms",
		Help: "Most recent measured round trip time to a peer, in milliseconds.",
	}, []string{"peer"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockstep_errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready, mirroring the teacher's metrics.StartHTTP.
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

// Local mirrored counters for periodic logging without scraping
// Prometheus in-process (mirrors the teacher's local* counters).
var (
	localSent       uint64
	localReceived   uint64
	localDropped    uint64
	localRollbacks  uint64
	localMispredict uint64
	localQueueFull  uint64
	localDisconnect uint64
	localDesyncs    uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesDropped   uint64
	Rollbacks         uint64
	PredictionMisses  uint64
	QueueFullRejects  uint64
	PeerDisconnects   uint64
	DesyncsDetected   uint64
	Errors            uint64
}

// Snap returns a point-in-time copy of the local counters.
func Snap() Snapshot {
	return Snapshot{
		MessagesSent:     atomic.LoadUint64(&localSent),
		MessagesReceived: atomic.LoadUint64(&localReceived),
		MessagesDropped:  atomic.LoadUint64(&localDropped),
		Rollbacks:        atomic.LoadUint64(&localRollbacks),
		PredictionMisses: atomic.LoadUint64(&localMispredict),
		QueueFullRejects: atomic.LoadUint64(&localQueueFull),
		PeerDisconnects:  atomic.LoadUint64(&localDisconnect),
		DesyncsDetected:  atomic.LoadUint64(&localDesyncs),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncMessagesSent() {
	MessagesSent.Inc()
	atomic.AddUint64(&localSent, 1)
}

func IncMessagesReceived() {
	MessagesReceived.Inc()
	atomic.AddUint64(&localReceived, 1)
}

func IncMessagesDropped() {
	MessagesDropped.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func ObserveRollback(depthFrames int) {
	Rollbacks.Inc()
	RollbackDepth.Observe(float64(depthFrames))
	atomic.AddUint64(&localRollbacks, 1)
}

func IncPredictionMiss() {
	PredictionMisses.Inc()
	atomic.AddUint64(&localMispredict, 1)
}

func IncQueueFull() {
	QueueFullRejections.Inc()
	atomic.AddUint64(&localQueueFull, 1)
}

func IncPeerDisconnect() {
	PeerDisconnects.Inc()
	atomic.AddUint64(&localDisconnect, 1)
}

func IncHandshakeFailure() { HandshakeFailures.Inc() }

func IncDesyncDetected() {
	DesyncsDetected.Inc()
	atomic.AddUint64(&localDesyncs, 1)
}

func SetSimulatedFrame(f int64)     { SimulatedFrame.Set(float64(f)) }
func SetAuthoritativeFrame(f int64) { AuthoritativeFrame.Set(float64(f)) }
func SetFrameAdvantage(peer string, v int) {
	FrameAdvantage.WithLabelValues(peer).Set(float64(v))
}
func SetRoundTrip(peer string, ms float64) { RoundTripMillis.WithLabelValues(peer).Set(ms) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function, defaulting to true
// when none has been registered yet so the endpoint doesn't flap.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
