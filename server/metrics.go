package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loginguard/risk"
)

// Metrics holds the Prometheus collectors of one App.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpInflight        prometheus.Gauge

	loginAttemptsTotal *prometheus.CounterVec
	loginRiskScore     prometheus.Histogram
	explanationsTotal  *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_http_requests_total",
			Help: "HTTP requests processed.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loginguard_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loginguard_http_inflight_requests",
			Help: "HTTP requests in flight.",
		}),
		loginAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_login_attempts_total",
			Help: "Login attempts by verdict status.",
		}, []string{"status"}),
		loginRiskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loginguard_login_risk_score",
			Help:    "Risk score of allowed logins.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		explanationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loginguard_explanations_total",
			Help: "Explanations by source (model or fallback).",
		}, []string{"source"}),
	}

	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpInflight,
		m.loginAttemptsTotal,
		m.loginRiskScore,
		m.explanationsTotal,
	} {
		if err := registerCollector(m.registry, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAttempt records a completed login attempt.
func (m *Metrics) ObserveAttempt(status string, a *risk.Assessment) {
	m.loginAttemptsTotal.WithLabelValues(status).Inc()
	if a != nil {
		m.loginRiskScore.Observe(float64(a.Score))
	}
}

// ObserveExplanation records which source produced an explanation.
func (m *Metrics) ObserveExplanation(source string) {
	m.explanationsTotal.WithLabelValues(source).Inc()
}

// Middleware instruments requests with counters, latency and in-flight gauge.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := strings.ToUpper(r.Method)
		m.httpInflight.Inc()
		start := time.Now()

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			m.httpInflight.Dec()
			path := routePattern(r)
			m.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		}()

		next.ServeHTTP(rec, r)
	})
}

// routePattern keeps label cardinality bounded: unmatched paths collapse to one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
