package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. All record methods are safe to call
// on a nil *Metrics so services can run without a registry in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	PlanTransitionsTotal   *prometheus.CounterVec
	InvoicesGeneratedTotal prometheus.Counter
	InvoiceCapturesTotal   *prometheus.CounterVec
	WebhookEventsTotal     *prometheus.CounterVec

	// Collaborator metrics
	GatewayCallDuration       *prometheus.HistogramVec
	ProvisioningCallsTotal    *prometheus.CounterVec
	AuthorizationChangesTotal *prometheus.CounterVec

	// Job metrics
	JobRunsTotal          *prometheus.CounterVec
	JobDuration           *prometheus.HistogramVec
	JobOrganizationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBConnectionsWait   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgplane_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PlanTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_plan_transitions_total",
				Help: "Billing plan state transitions",
			},
			[]string{"transition"},
		),
		InvoicesGeneratedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orgplane_invoices_generated_total",
				Help: "Invoices created by the billing cycle",
			},
		),
		InvoiceCapturesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_invoice_captures_total",
				Help: "Invoice capture attempts",
			},
			[]string{"status"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_gateway_webhook_events_total",
				Help: "Payment gateway webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgplane_gateway_call_duration_seconds",
				Help:    "Payment gateway call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation", "status"},
		),
		ProvisioningCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_provisioning_calls_total",
				Help: "Calls to sibling services by operation and status",
			},
			[]string{"operation", "status"},
		),
		AuthorizationChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_authorization_changes_total",
				Help: "Authorization mutations by operation and scope",
			},
			[]string{"operation", "scope"},
		),

		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_job_runs_total",
				Help: "Periodic job runs by status",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgplane_job_duration_seconds",
				Help:    "Periodic job duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"job"},
		),
		JobOrganizationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgplane_job_organizations_total",
				Help: "Organizations processed by periodic jobs",
			},
			[]string{"job", "status"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgplane_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgplane_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWait: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orgplane_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PlanTransitionsTotal,
		m.InvoicesGeneratedTotal,
		m.InvoiceCapturesTotal,
		m.WebhookEventsTotal,
		m.GatewayCallDuration,
		m.ProvisioningCallsTotal,
		m.AuthorizationChangesTotal,
		m.JobRunsTotal,
		m.JobDuration,
		m.JobOrganizationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWait,
	)

	return m
}

// RecordPlanTransition counts a billing plan transition
func (m *Metrics) RecordPlanTransition(transition string) {
	if m == nil {
		return
	}
	m.PlanTransitionsTotal.WithLabelValues(transition).Inc()
}

// RecordInvoiceGenerated counts an invoice created by the billing cycle
func (m *Metrics) RecordInvoiceGenerated() {
	if m == nil {
		return
	}
	m.InvoicesGeneratedTotal.Inc()
}

// RecordInvoiceCapture counts a capture attempt ("paid" or "failed")
func (m *Metrics) RecordInvoiceCapture(status string) {
	if m == nil {
		return
	}
	m.InvoiceCapturesTotal.WithLabelValues(status).Inc()
}

// RecordWebhookEvent counts a processed gateway webhook event
func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveGatewayCall records the latency of a payment gateway call
func (m *Metrics) ObserveGatewayCall(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCallDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// RecordProvisioningCall counts a sibling-service call
func (m *Metrics) RecordProvisioningCall(operation, status string) {
	if m == nil {
		return
	}
	m.ProvisioningCallsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAuthorizationChange counts a role change or revocation
func (m *Metrics) RecordAuthorizationChange(operation, scope string) {
	if m == nil {
		return
	}
	m.AuthorizationChangesTotal.WithLabelValues(operation, scope).Inc()
}

// ObserveJobRun records the outcome and duration of a periodic job
func (m *Metrics) ObserveJobRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobRunsTotal.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordJobOrganization counts one organization processed by a job
func (m *Metrics) RecordJobOrganization(job, status string) {
	if m == nil {
		return
	}
	m.JobOrganizationsTotal.WithLabelValues(job, status).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWait.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Paths are labeled with the mux route template to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(serveMux *http.ServeMux, registry *prometheus.Registry) {
	serveMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
