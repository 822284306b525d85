package monitoring

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spsh/backend/internal/domain"
	"spsh/backend/internal/ox"
)

// Metrics holds the service metrics.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// provisioning
	ProvisioningTotal    *prometheus.CounterVec
	ProvisioningDuration *prometheus.HistogramVec
	StatusChanges        *prometheus.CounterVec
	AddressesByStatus    *prometheus.GaugeVec

	// OX
	OxCallsTotal   *prometheus.CounterVec
	OxCallDuration *prometheus.HistogramVec

	// events
	EventsDispatched *prometheus.CounterVec
	HandlerPanics    *prometheus.CounterVec

	// system
	SystemUptime        prometheus.Gauge
	DatabaseConnections prometheus.Gauge
	MemoryUsage         prometheus.Gauge

	// errors
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics registers the metrics with reg. A nil reg uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spsh_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ProvisioningTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_email_provisioning_total",
				Help: "Synchronous e-mail provisioning runs by outcome",
			},
			[]string{"outcome"},
		),

		ProvisioningDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spsh_email_provisioning_duration_seconds",
				Help:    "Duration of synchronous e-mail provisioning runs",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"outcome"},
		),

		StatusChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_email_status_changes_total",
				Help: "E-mail address status transitions by target status",
			},
			[]string{"status"},
		),

		AddressesByStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spsh_email_addresses",
				Help: "Number of stored e-mail addresses by status",
			},
			[]string{"status"},
		),

		OxCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_ox_calls_total",
				Help: "OX SOAP calls by action and result",
			},
			[]string{"action", "result"},
		),

		OxCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spsh_ox_call_duration_seconds",
				Help:    "OX SOAP call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		EventsDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_events_dispatched_total",
				Help: "Events dispatched to local handlers",
			},
			[]string{"event"},
		),

		HandlerPanics: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_event_handler_panics_total",
				Help: "Event handlers that panicked",
			},
			[]string{"event"},
		),

		SystemUptime: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "spsh_system_uptime_seconds",
				Help: "System uptime in seconds",
			},
		),

		DatabaseConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "spsh_database_connections",
				Help: "Number of open database connections",
			},
		),

		MemoryUsage: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "spsh_memory_usage_bytes",
				Help: "Memory usage in bytes",
			},
		),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spsh_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "spsh_panics_total",
				Help: "Total number of recovered HTTP panics",
			},
		),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordProvisioning records a synchronous provisioning run.
func (m *Metrics) RecordProvisioning(outcome string, duration time.Duration) {
	m.ProvisioningTotal.WithLabelValues(outcome).Inc()
	m.ProvisioningDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStatusChange records a transition into status.
func (m *Metrics) RecordStatusChange(status domain.EmailAddressStatus) {
	m.StatusChanges.WithLabelValues(string(status)).Inc()
}

// RecordOxCall records one OX call. The result label is "ok" or the OX error code.
func (m *Metrics) RecordOxCall(action string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
		var oxErr *ox.Error
		if errors.As(err, &oxErr) && oxErr.Code != "" {
			result = oxErr.Code
		}
	}
	m.OxCallsTotal.WithLabelValues(action, result).Inc()
	m.OxCallDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveEvent records a dispatched event.
func (m *Metrics) ObserveEvent(name string, handlers int, panicked int) {
	m.EventsDispatched.WithLabelValues(name).Inc()
	if panicked > 0 {
		m.HandlerPanics.WithLabelValues(name).Add(float64(panicked))
	}
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// UpdateAddressesByStatus replaces the per status gauge.
func (m *Metrics) UpdateAddressesByStatus(counts map[domain.EmailAddressStatus]int) {
	m.AddressesByStatus.Reset()
	for status, n := range counts {
		m.AddressesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// UpdateSystemUptime sets the uptime gauge.
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateDatabaseConnections sets the open connection gauge.
func (m *Metrics) UpdateDatabaseConnections(count int) {
	m.DatabaseConnections.Set(float64(count))
}

// UpdateMemoryUsage sets the memory gauge.
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	m.MemoryUsage.Set(float64(bytes))
}

// HTTPHandler returns the Prometheus scrape handler.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
