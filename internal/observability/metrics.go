package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/fiscaldesk/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	sequenceIssued  *prometheus.CounterVec
	fiscalSwitches  *prometheus.CounterVec
	invoiceReviews  *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscaldesk_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiscaldesk_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscaldesk_sequence_issued_total",
		Help: "Document numbers issued per entity type.",
	}, []string{"entity_type"})
	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscaldesk_fiscal_switches_total",
		Help: "Fiscal year transitions by mode.",
	}, []string{"mode"})
	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscaldesk_invoice_reviews_total",
		Help: "DFC review decisions.",
	}, []string{"decision"})
	registry.MustRegister(requests, duration, issued, switches, reviews)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		sequenceIssued:  issued,
		fiscalSwitches:  switches,
		invoiceReviews:  reviews,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors sharing this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// SequenceIssued counts one issued document number.
func (m *Metrics) SequenceIssued(entityType string) {
	if m == nil {
		return
	}
	m.sequenceIssued.WithLabelValues(entityType).Inc()
}

// FiscalSwitched counts a completed fiscal year transition.
func (m *Metrics) FiscalSwitched(mode string) {
	if m == nil {
		return
	}
	m.fiscalSwitches.WithLabelValues(mode).Inc()
}

// InvoiceReviewed counts a DFC decision.
func (m *Metrics) InvoiceReviewed(decision string) {
	if m == nil {
		return
	}
	m.invoiceReviews.WithLabelValues(decision).Inc()
}

// TrackActiveSessions exposes the activity tracker's size as a gauge.
func (m *Metrics) TrackActiveSessions(count func() int) {
	if m == nil || count == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "fiscaldesk_active_sessions",
		Help: "Users with recorded activity inside the inactivity horizon.",
	}, func() float64 {
		return float64(count())
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
