package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// Methods are safe to call on a nil *Metrics.
type Metrics struct {
	ActiveStreams     prometheus.Gauge
	TurnEvents        *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	StorageErrors     *prometheus.CounterVec
	MalformedFrames   prometheus.Counter
	ContextCorrupt    prometheus.Counter
	SessionsExpired   prometheus.Counter
	WSMessages        *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram

	stages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streaming turns currently relaying.",
		}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Finished turns by mode and outcome.",
		}, []string{"mode", "outcome"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream model errors by adapter mode and code.",
		}, []string{"mode", "code"}),
		StorageErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage failures by store and operation.",
		}, []string{"store", "op"}),
		MalformedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Upstream stream frames skipped because they could not be decoded.",
		}),
		ContextCorrupt: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_corrupt_total",
			Help:      "Stored session contexts discarded as unreadable.",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Session contexts evicted by the in-memory janitor.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FirstDeltaLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from upstream request to first content delta in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 4000},
		}),
		stages: newTurnStageWindow(512),
	}
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

func (m *Metrics) IncTurn(mode, outcome string) {
	if m == nil {
		return
	}
	m.TurnEvents.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) IncUpstreamError(mode, code string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(mode, code).Inc()
}

func (m *Metrics) IncStorageError(store, op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(store, op).Inc()
}

func (m *Metrics) IncMalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *Metrics) IncContextCorrupt() {
	if m == nil {
		return
	}
	m.ContextCorrupt.Inc()
}

func (m *Metrics) IncSessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpired.Inc()
}

func (m *Metrics) IncWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageUpstreamFirstDelta, durationMS(d))
}

// ObserveTurnStage records a latency sample for the /v1/perf/latency window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, durationMS(d))
}

// ObserveTurnIndicator counts a named turn event in the latency window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
