package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives scan metrics. Components depend on this interface so tests
// can pass NopRecorder.
type Recorder interface {
	// Detection metrics
	IncrementCandidates(method, network string)
	IncrementStrategyErrors(strategy string)
	RecordDetectionLatency(duration time.Duration)

	// Interaction metrics
	IncrementInteractions(navigationKind, clickMethod string)
	IncrementInteractionFailures(reason string)
	RecordInteractionLatency(duration time.Duration)
	IncrementRestoreFailures()

	// Scan metrics
	IncrementScans(status string)
}

// PrometheusRecorder implements Recorder on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	candidates          *prometheus.CounterVec
	strategyErrors      *prometheus.CounterVec
	detectionLatency    prometheus.Histogram
	interactions        *prometheus.CounterVec
	interactionFailures *prometheus.CounterVec
	interactionLatency  prometheus.Histogram
	restoreFailures     prometheus.Counter
	scans               *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers all collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),

		// candidates emitted per detection method and network
		candidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adprobe_candidates_total",
				Help: "Total ad candidates emitted after deduplication",
			},
			[]string{"method", "network"},
		),
		// strategy failures that were isolated
		strategyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adprobe_detection_strategy_errors_total",
				Help: "Total detection strategy failures",
			},
			[]string{"strategy"},
		),
		detectionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adprobe_detection_duration_seconds",
				Help:    "Histogram of full detection pass durations",
				Buckets: prometheus.DefBuckets,
			},
		),
		interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adprobe_interactions_total",
				Help: "Total interaction attempts by navigation outcome",
			},
			[]string{"navigation", "click_method"},
		),
		interactionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adprobe_interaction_failures_total",
				Help: "Total failed interaction attempts by reason",
			},
			[]string{"reason"},
		),
		interactionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adprobe_interaction_duration_seconds",
				Help:    "Histogram of interaction attempt durations",
				Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
			},
		),
		restoreFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adprobe_window_restore_failures_total",
				Help: "Total window restorations that could not complete",
			},
		),
		scans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adprobe_scans_total",
				Help: "Total target scans by status",
			},
			[]string{"status"},
		),
	}

	r.registry.MustRegister(
		r.candidates,
		r.strategyErrors,
		r.detectionLatency,
		r.interactions,
		r.interactionFailures,
		r.interactionLatency,
		r.restoreFailures,
		r.scans,
	)
	return r
}

// Registry exposes the underlying registry for gathering in tests.
func (r *PrometheusRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Detection metrics
func (r *PrometheusRecorder) IncrementCandidates(method, network string) {
	r.candidates.WithLabelValues(method, network).Inc()
}

func (r *PrometheusRecorder) IncrementStrategyErrors(strategy string) {
	r.strategyErrors.WithLabelValues(strategy).Inc()
}

func (r *PrometheusRecorder) RecordDetectionLatency(duration time.Duration) {
	r.detectionLatency.Observe(duration.Seconds())
}

// Interaction metrics
func (r *PrometheusRecorder) IncrementInteractions(navigationKind, clickMethod string) {
	r.interactions.WithLabelValues(navigationKind, clickMethod).Inc()
}

func (r *PrometheusRecorder) IncrementInteractionFailures(reason string) {
	r.interactionFailures.WithLabelValues(reason).Inc()
}

func (r *PrometheusRecorder) RecordInteractionLatency(duration time.Duration) {
	r.interactionLatency.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) IncrementRestoreFailures() {
	r.restoreFailures.Inc()
}

// Scan metrics
func (r *PrometheusRecorder) IncrementScans(status string) {
	r.scans.WithLabelValues(status).Inc()
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) IncrementCandidates(string, string) {}
func (NopRecorder) IncrementStrategyErrors(string) {}
func (NopRecorder) RecordDetectionLatency(time.Duration) {}
func (NopRecorder) IncrementInteractions(string, string) {}
func (NopRecorder) IncrementInteractionFailures(string) {}
func (NopRecorder) RecordInteractionLatency(time.Duration) {}
func (NopRecorder) IncrementRestoreFailures() {}
func (NopRecorder) IncrementScans(string) {}

var (
	_ Recorder = (*PrometheusRecorder)(nil)
	_ Recorder = NopRecorder{}
)
