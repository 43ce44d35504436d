package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the push delivery service
type Metrics struct {
	DeliveriesAttempted *prometheus.CounterVec
	DeliveriesFailed    *prometheus.CounterVec
	DeliveriesBlocked   *prometheus.CounterVec
	DeliveryLatency     *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	DeadLetterDepth     prometheus.Gauge
	RetryCount          *prometheus.CounterVec
	DevicesDeactivated  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metrics := &Metrics{
		DeliveriesAttempted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_deliveries_attempted_total",
				Help: "Total number of per-device delivery attempts",
			},
			[]string{"category", "platform", "status"},
		),
		DeliveriesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_deliveries_failed_total",
				Help: "Total number of failed per-device delivery attempts",
			},
			[]string{"category", "platform", "error_type"},
		),
		DeliveriesBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_deliveries_blocked_total",
				Help: "Total number of sends blocked before device fan-out",
			},
			[]string{"category", "reason"},
		),
		DeliveryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "push_delivery_duration_seconds",
				Help:    "Time taken by the transport to deliver to one device",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category", "platform"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_queue_depth",
				Help: "Number of notifications waiting in the queue",
			},
		),
		DeadLetterDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "push_dead_letter_depth",
				Help: "Number of notifications in the dead-letter bucket",
			},
		),
		RetryCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "push_retries_total",
				Help: "Total number of notification retries scheduled",
			},
			[]string{"category"},
		),
		DevicesDeactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "push_devices_deactivated_total",
				Help: "Total number of devices deactivated after invalid-token errors",
			},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		metrics.DeliveriesAttempted,
		metrics.DeliveriesFailed,
		metrics.DeliveriesBlocked,
		metrics.DeliveryLatency,
		metrics.QueueDepth,
		metrics.DeadLetterDepth,
		metrics.RetryCount,
		metrics.DevicesDeactivated,
	)

	return metrics
}

// RecordAttempt records one per-device delivery attempt
func (m *Metrics) RecordAttempt(category, platform, status string) {
	m.DeliveriesAttempted.WithLabelValues(category, platform, status).Inc()
}

// RecordFailure records a failed per-device attempt
func (m *Metrics) RecordFailure(category, platform, errorType string) {
	m.DeliveriesFailed.WithLabelValues(category, platform, errorType).Inc()
}

// RecordBlocked records a send blocked before fan-out
func (m *Metrics) RecordBlocked(category, reason string) {
	m.DeliveriesBlocked.WithLabelValues(category, reason).Inc()
}

// RecordLatency records the transport latency for one device
func (m *Metrics) RecordLatency(category, platform string, seconds float64) {
	m.DeliveryLatency.WithLabelValues(category, platform).Observe(seconds)
}

// SetQueueDepth sets the current queue depth
func (m *Metrics) SetQueueDepth(depth float64) {
	m.QueueDepth.Set(depth)
}

// SetDeadLetterDepth sets the current dead-letter depth
func (m *Metrics) SetDeadLetterDepth(depth float64) {
	m.DeadLetterDepth.Set(depth)
}

// RecordRetry records a scheduled retry
func (m *Metrics) RecordRetry(category string) {
	m.RetryCount.WithLabelValues(category).Inc()
}

// RecordDeviceDeactivated records an invalid-token deactivation
func (m *Metrics) RecordDeviceDeactivated() {
	m.DevicesDeactivated.Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
