package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the automation service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DeliveriesTotal      *prometheus.CounterVec
	DeliveryFailures     *prometheus.CounterVec
	ChannelSendDuration  *prometheus.HistogramVec
	RunsTotal            *prometheus.CounterVec
	RunDuration          prometheus.Histogram
	ResendsTotal         *prometheus.CounterVec
	DuplicateOccurrences *prometheus.CounterVec
	DeferredIntents      prometheus.Gauge
	ReceiptsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ActiveConnections    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates all metrics and registers them on reg
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	metrics := &Metrics{
		registry: reg,
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_deliveries_total",
				Help: "Total number of delivery records by channel and status",
			},
			[]string{"channel", "status"},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_delivery_failures_total",
				Help: "Total number of failed deliveries by channel and reason",
			},
			[]string{"channel", "reason"},
		),
		ChannelSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_channel_send_duration_seconds",
				Help:    "Time taken by channel transports to accept or reject a message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_rule_runs_total",
				Help: "Total number of rule evaluations by outcome",
			},
			[]string{"trigger_type", "status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "automation_run_duration_seconds",
				Help:    "Time taken by a full orchestrator run",
				Buckets: prometheus.DefBuckets,
			},
		),
		ResendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_resends_total",
				Help: "Total number of resend records created",
			},
			[]string{"mode"},
		),
		DuplicateOccurrences: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_duplicate_occurrences_total",
				Help: "Occurrences suppressed because they were already scheduled",
			},
			[]string{"trigger_type"},
		),
		DeferredIntents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "automation_deferred_intents",
				Help: "Intents waiting for their firing time",
			},
		),
		ReceiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "automation_receipts_total",
				Help: "Delivery receipts applied by channel",
			},
			[]string{"channel"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "automation_request_duration_seconds",
				Help:    "Time taken to serve API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api", "operation"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "automation_active_connections",
				Help: "Number of in-flight API requests",
			},
		),
	}

	reg.MustRegister(
		metrics.DeliveriesTotal,
		metrics.DeliveryFailures,
		metrics.ChannelSendDuration,
		metrics.RunsTotal,
		metrics.RunDuration,
		metrics.ResendsTotal,
		metrics.DuplicateOccurrences,
		metrics.DeferredIntents,
		metrics.ReceiptsTotal,
		metrics.RequestDuration,
		metrics.ActiveConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return metrics
}

// RecordDelivery records one delivery record
func (m *Metrics) RecordDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, status).Inc()
}

// RecordDeliveryFailure records a failed delivery
func (m *Metrics) RecordDeliveryFailure(channel, reason string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(channel, reason).Inc()
}

// RecordChannelDuration records channel send duration
func (m *Metrics) RecordChannelDuration(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.ChannelSendDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordRuleRun records one rule evaluation
func (m *Metrics) RecordRuleRun(triggerType, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(triggerType, status).Inc()
}

// RecordRunDuration records the duration of an orchestrator run
func (m *Metrics) RecordRunDuration(seconds float64) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(seconds)
}

// RecordResend records a created resend
func (m *Metrics) RecordResend(mode string) {
	if m == nil {
		return
	}
	m.ResendsTotal.WithLabelValues(mode).Inc()
}

// RecordDuplicateOccurrence records a suppressed duplicate
func (m *Metrics) RecordDuplicateOccurrence(triggerType string) {
	if m == nil {
		return
	}
	m.DuplicateOccurrences.WithLabelValues(triggerType).Inc()
}

// SetDeferredIntents sets the deferred intent gauge
func (m *Metrics) SetDeferredIntents(n float64) {
	if m == nil {
		return
	}
	m.DeferredIntents.Set(n)
}

// RecordReceipt records an applied delivery receipt
func (m *Metrics) RecordReceipt(channel string) {
	if m == nil {
		return
	}
	m.ReceiptsTotal.WithLabelValues(channel).Inc()
}

// RecordRequestDuration records API request duration
func (m *Metrics) RecordRequestDuration(api, operation string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(api, operation).Observe(seconds)
}

// IncrementActiveConnections increments active connections
func (m *Metrics) IncrementActiveConnections() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// DecrementActiveConnections decrements active connections
func (m *Metrics) DecrementActiveConnections() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
