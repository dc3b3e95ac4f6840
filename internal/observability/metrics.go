package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the control plane.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lifecycle metrics.
	TransitionsTotal *prometheus.CounterVec

	// Admission metrics.
	AdmissionDecisionsTotal *prometheus.CounterVec
	AdmissionCheckDuration  *prometheus.HistogramVec

	// Schema validation metrics.
	ValidationTotal *prometheus.CounterVec

	// Event bus metrics.
	EventsPublishedTotal   *prometheus.CounterVec
	EventsDeliveredTotal   *prometheus.CounterVec
	DeliveriesDroppedTotal *prometheus.CounterVec
	SubscribersActive      *prometheus.GaugeVec

	// Tool runner metrics.
	ToolRunsTotal   *prometheus.CounterVec
	ToolRunDuration *prometheus.HistogramVec

	// Budget guard metrics.
	SpendUSDTotal    *prometheus.CounterVec
	GuardAlertsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Total sandbox lifecycle transition attempts.",
		}, []string{"transition", "result"}),

		AdmissionDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total admission decisions.",
		}, []string{"decision", "reason"}),

		AdmissionCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlinzi",
			Subsystem: "admission",
			Name:      "check_duration_seconds",
			Help:      "Admission check duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"decision"}),

		ValidationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "schema",
			Name:      "validations_total",
			Help:      "Total event payload validations.",
		}, []string{"topic", "result"}),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total events accepted and appended.",
		}, []string{"topic"}),

		EventsDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Total events handed to subscriber handlers.",
		}, []string{"topic"}),

		DeliveriesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "bus",
			Name:      "deliveries_dropped_total",
			Help:      "Total deliveries dropped due to a full subscriber queue.",
		}, []string{"topic"}),

		SubscribersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mlinzi",
			Subsystem: "bus",
			Name:      "subscribers_active",
			Help:      "Currently active subscribers per topic.",
		}, []string{"topic"}),

		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlinzi",
			Subsystem: "tool",
			Name:      "run_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SpendUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "guard",
			Name:      "spend_usd_total",
			Help:      "Total recorded spend in USD per sandbox.",
		}, []string{"sandbox_id"}),

		GuardAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "guard",
			Name:      "alerts_total",
			Help:      "Total budget guard alerts.",
		}, []string{"level"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mlinzi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mlinzi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mlinzi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.TransitionsTotal,
		m.AdmissionDecisionsTotal,
		m.AdmissionCheckDuration,
		m.ValidationTotal,
		m.EventsPublishedTotal,
		m.EventsDeliveredTotal,
		m.DeliveriesDroppedTotal,
		m.SubscribersActive,
		m.ToolRunsTotal,
		m.ToolRunDuration,
		m.SpendUSDTotal,
		m.GuardAlertsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
