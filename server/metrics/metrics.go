package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors on a private registry.
type Metrics struct {
	Inferences       prometheus.Counter
	InferenceErrors  prometheus.Counter
	InferenceLatency prometheus.Histogram
	Detections       *prometheus.CounterVec
	Violations       *prometheus.CounterVec

	AlertsFired      prometheus.Counter
	AlertsSuppressed prometheus.Counter
	AlertsFailed     *prometheus.CounterVec
	AlertsDropped    *prometheus.CounterVec

	FramesCaptured prometheus.Counter
	FramesDropped  prometheus.Counter
	MonitorRunning prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Inferences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_inferences_total",
			Help: "Detector calls",
		}),
		InferenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_inference_errors_total",
			Help: "Detector calls that returned an error",
		}),
		InferenceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "helmet_inference_duration_seconds",
			Help:    "Detector call latency",
			Buckets: prometheus.DefBuckets,
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmet_detections_total",
			Help: "Detections above threshold by class",
		}, []string{"class"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmet_violations_total",
			Help: "Frames or images with at least one no-helmet detection",
		}, []string{"source"}),
		AlertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_alerts_fired_total",
			Help: "Alerts dispatched",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_alerts_suppressed_total",
			Help: "Alerts skipped because of the cooldown window",
		}),
		AlertsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmet_alert_failures_total",
			Help: "Alert sink errors",
		}, []string{"sink"}),
		AlertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmet_alerts_dropped_total",
			Help: "Alerts discarded because the sink queue was full",
		}, []string{"sink"}),
		FramesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_monitor_frames_captured_total",
			Help: "Frames read from the camera",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmet_monitor_frames_dropped_total",
			Help: "Frames dropped because the consumer was behind",
		}),
		MonitorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "helmet_monitor_running",
			Help: "1 while the live monitor is running",
		}),
	}

	m.registry.MustRegister(
		m.Inferences,
		m.InferenceErrors,
		m.InferenceLatency,
		m.Detections,
		m.Violations,
		m.AlertsFired,
		m.AlertsSuppressed,
		m.AlertsFailed,
		m.AlertsDropped,
		m.FramesCaptured,
		m.FramesDropped,
		m.MonitorRunning,
		collectors.NewGoCollector(),
	)

	return m
}

func (m *Metrics) ObserveInference(d time.Duration, err error) {
	m.Inferences.Inc()
	m.InferenceLatency.Observe(d.Seconds())
	if err != nil {
		m.InferenceErrors.Inc()
	}
}

func (m *Metrics) ObserveClassification(helmet, noHelmet int) {
	m.Detections.WithLabelValues("helmet").Add(float64(helmet))
	m.Detections.WithLabelValues("no_helmet").Add(float64(noHelmet))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
