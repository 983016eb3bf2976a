// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ChangesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "visual", Name: "changes_total", Help: "Visual changes detected per region."},
		[]string{"region"},
	)
	CaptureErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "visual", Name: "capture_errors_total", Help: "Failed captures per region."},
		[]string{"region"},
	)
	ScanPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "scanner", Name: "passes_total", Help: "Scan passes by kind (initial, filter) and outcome."},
		[]string{"kind", "outcome"},
	)
	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "reo", Subsystem: "scanner", Name: "pass_duration_seconds", Help: "Duration of scan passes.", Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)},
		[]string{"kind"},
	)
	Candidates = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "reo", Subsystem: "scanner", Name: "candidates", Help: "Candidates surviving the latest scan pass."},
	)
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "channel", Name: "messages_total", Help: "Messages by type and direction (in, out)."},
		[]string{"type", "direction"},
	)
	ProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "channel", Name: "protocol_errors_total", Help: "Frames dropped as malformed or unknown."},
	)
	QueueDrops = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "reo", Subsystem: "channel", Name: "queue_drops_total", Help: "Queued messages evicted because the inbound queue was full."},
	)
	Phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "reo", Subsystem: "workflow", Name: "phase", Help: "1 for the current workflow phase, 0 otherwise."},
		[]string{"phase"},
	)
)

func init() {
	prometheus.MustRegister(
		ChangesDetected,
		CaptureErrors,
		ScanPasses,
		ScanDuration,
		Candidates,
		Messages,
		ProtocolErrors,
		QueueDrops,
		Phase,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
