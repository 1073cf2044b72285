package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsCountRecoveredPanicAs500(t *testing.T) {
	up := newUpstream(t)
	app, _, _ := newTestApp(t, up.config())

	mux := app.Routes().(*chi.Mux)
	mux.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	reg := app.Metrics.Registry()
	if v := counterValue(t, reg, "loginguard_http_requests_total", map[string]string{"path": "/boom", "status": "500"}); v != 1 {
		t.Fatalf("panicking request counted %v times as 500", v)
	}
	if v := counterValue(t, reg, "loginguard_http_requests_total", map[string]string{"path": "/boom", "status": "200"}); v != 0 {
		t.Fatalf("panicking request counted as 200")
	}
}

func TestNewMetricsRegistriesAreIndependent(t *testing.T) {
	a, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b, err := NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a.ObserveExplanation("model")

	if v := counterValue(t, a.Registry(), "loginguard_explanations_total", map[string]string{"source": "model"}); v != 1 {
		t.Fatalf("explanations = %v", v)
	}
	if v := counterValue(t, b.Registry(), "loginguard_explanations_total", map[string]string{"source": "model"}); v != 0 {
		t.Fatalf("registries share state")
	}
}
