package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	p, err := New(context.Background(), Config{}, sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, rec
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRate: 7}
	cfg.applyDefaults()

	if cfg.ServiceName != "inpatient-server" {
		t.Errorf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Environment != "development" {
		t.Errorf("expected default environment, got %q", cfg.Environment)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected out-of-range sample rate to reset to 1.0, got %v", cfg.SampleRate)
	}

	cfg = Config{ServiceName: "ward-svc", SampleRate: 0.25}
	cfg.applyDefaults()
	if cfg.ServiceName != "ward-svc" || cfg.SampleRate != 0.25 {
		t.Errorf("expected custom values to be kept, got %+v", cfg)
	}
}

func TestTracingMiddleware_CreatesSpan(t *testing.T) {
	p, rec := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/api/v1/beds/:id", func(c echo.Context) error {
		c.Set("tenant_id", "north")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/beds/123", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "HTTP GET /api/v1/beds/:id" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	assertAttribute(t, span.Attributes(), "http.route", "/api/v1/beds/:id")
	assertAttribute(t, span.Attributes(), "tenant.id", "north")
	if span.Status().Code != codes.Ok {
		t.Errorf("expected OK status, got %v", span.Status().Code)
	}
}

func TestTracingMiddleware_ErrorStatus(t *testing.T) {
	p, rec := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})

	r := httptest.NewRecorder()
	e.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if r.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", r.Code)
	}
	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("expected one errored span, got %+v", spans)
	}
}

func TestTracingMiddleware_ContinuesTrace(t *testing.T) {
	p, rec := newTestProvider(t)

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/census", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/census", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected propagated trace id, got %s", got)
	}
}

func TestMetricsMiddleware_Records(t *testing.T) {
	p, _ := newTestProvider(t)

	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.POST("/api/v1/admissions", func(c echo.Context) error {
		return c.NoContent(http.StatusCreated)
	})
	e.GET("/api/v1/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/admissions", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/admissions", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/missing", nil))

	if got := testutil.ToFloat64(p.Metrics.RequestsTotal.WithLabelValues("POST", "/api/v1/admissions", "201")); got != 2 {
		t.Errorf("expected 2 admission requests, got %v", got)
	}
	if got := testutil.ToFloat64(p.Metrics.RequestsTotal.WithLabelValues("GET", "/api/v1/missing", "404")); got != 1 {
		t.Errorf("expected 1 not-found request, got %v", got)
	}
	if got := testutil.ToFloat64(p.Metrics.InFlight); got != 0 {
		t.Errorf("expected no in-flight requests, got %v", got)
	}
}

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	p, _ := newTestProvider(t)
	p.Metrics.ObserveOperation("admit", "ok", 3*time.Millisecond)
	p.Metrics.RecordDrift("available_beds", -2)

	e := echo.New()
	e.GET("/metrics", p.PrometheusHandler())
	r := httptest.NewRecorder()
	e.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := r.Body.String()
	for _, want := range []string{
		`inpatient_capacity_operations_total{operation="admit",outcome="ok"} 1`,
		`inpatient_ledger_counter_drift_total{bucket="available_beds"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("admit", "ok", time.Millisecond)
	m.RecordDrift("total_beds", 1)
	m.WardReconciled()
	m.AuditDrop("buffer_full")
	m.CacheLookup(true)
	m.DirectoryLookup("patient", "hit")
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two registries must not collide on collector names.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	a.CacheLookup(true)
	if got := testutil.ToFloat64(b.CensusCache.WithLabelValues("hit")); got != 0 {
		t.Errorf("expected independent registries, got %v", got)
	}
}

func assertAttribute(t *testing.T, attrs []attribute.KeyValue, key, expected string) {
	t.Helper()
	for _, kv := range attrs {
		if string(kv.Key) == key {
			if kv.Value.AsString() != expected {
				t.Errorf("attribute %s: expected %q, got %q", key, expected, kv.Value.AsString())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}
