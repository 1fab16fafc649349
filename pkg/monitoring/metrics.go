package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reminder lifecycle events recorded by RecordReminder
const (
	ReminderArmed    = "armed"
	ReminderSkipped  = "skipped"
	ReminderDisarmed = "disarmed"
	ReminderFired    = "fired"
	ReminderDropped  = "dropped"
	ReminderFailed   = "failed"
)

// MetricsCollector handles Prometheus metrics collection. Each collector owns
// its registry so several services (or tests) can coexist in one process.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	dbQueryDuration     *prometheus.HistogramVec
	bookingsTotal       *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	remindersTotal      *prometheus.CounterVec
	activeReminders     prometheus.Gauge
	recoveredReminders  prometheus.Counter
	systemErrors        *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	constLabels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "db_query_duration_seconds",
				Help:        "Duration of database queries in seconds",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
				ConstLabels: constLabels,
			},
			[]string{"query_type"},
		),
		bookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "bookings_total",
				Help:        "Booking attempts by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "appointment_transitions_total",
				Help:        "Appointment status transitions by target status",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		remindersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "reminders_total",
				Help:        "Reminder timer lifecycle events",
				ConstLabels: constLabels,
			},
			[]string{"event"},
		),
		activeReminders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "reminders_active",
				Help:        "Number of armed reminder timers",
				ConstLabels: constLabels,
			},
		),
		recoveredReminders: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "reminders_recovered_total",
				Help:        "Reminders re-armed by startup recovery",
				ConstLabels: constLabels,
			},
		),
		systemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "system_errors_total",
				Help:        "Total number of system errors",
				ConstLabels: constLabels,
			},
			[]string{"error_type", "component"},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dbQueryDuration,
		m.bookingsTotal,
		m.transitionsTotal,
		m.remindersTotal,
		m.activeReminders,
		m.recoveredReminders,
		m.systemErrors,
		prometheus.NewGoCollector(),
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	m.dbQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// RecordBooking records the outcome of a booking attempt (created, conflict, rejected, failed)
func (m *MetricsCollector) RecordBooking(outcome string) {
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records a status transition
func (m *MetricsCollector) RecordTransition(status string) {
	m.transitionsTotal.WithLabelValues(status).Inc()
}

// RecordReminder records a reminder lifecycle event
func (m *MetricsCollector) RecordReminder(event string) {
	m.remindersTotal.WithLabelValues(event).Inc()
}

// SetActiveReminders publishes the current number of armed timers
func (m *MetricsCollector) SetActiveReminders(n int) {
	m.activeReminders.Set(float64(n))
}

// RecordRecovered records reminders re-armed at startup
func (m *MetricsCollector) RecordRecovered(n int) {
	m.recoveredReminders.Add(float64(n))
}

// RecordSystemError records system error metrics
func (m *MetricsCollector) RecordSystemError(errorType, component string) {
	m.systemErrors.WithLabelValues(errorType, component).Inc()
}

// Registry exposes the underlying registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
