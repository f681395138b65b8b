package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/noah-isme/backend-lexbill/internal/common"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewHTTPMetrics("lexbill", []float64{1, 10}, registry)
	handler := HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	req = req.WithContext(WithRoutePattern(req.Context(), "/health/ready"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/health/ready", "204")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewHTTPMetrics("lexbill", nil, registry)
	second := NewHTTPMetrics("lexbill", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestRequestLoggerUsesRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", "info")

	r := chi.NewRouter()
	r.Use(RoutePatternMiddleware)
	r.Use(RequestLogger{Logger: logger}.Middleware)
	r.Get("/api/v1/service-descriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/service-descriptions/abc", nil)
	req = req.WithContext(common.WithSubject(req.Context(), "exporter", nil))
	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "/api/v1/service-descriptions/{id}", entry["route"])
	require.Equal(t, float64(http.StatusTeapot), entry["status"])
	require.Equal(t, "exporter", entry["subject"])
	require.Equal(t, "http_request", entry["message"])
}

func TestDomainMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	MustRegisterDomainMetrics("lexbill_test", registry)

	ObserveCalculation("preview", 0.2)
	CountDataQuality("missing_hourly_rate")
	CountExportMismatch()

	require.Equal(t, 1.0, testutil.ToFloat64(BillingCalculationsTotal.WithLabelValues("preview")))
	require.Equal(t, 1.0, testutil.ToFloat64(BillingDataQualityTotal.WithLabelValues("missing_hourly_rate")))
	require.Equal(t, 1.0, testutil.ToFloat64(BillingExportMismatchTotal))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 12.5}, ParseBucketsCSV("5, nope, -1, 12.5"))
	require.Nil(t, ParseBucketsCSV(" "))
}

func TestTracingMiddlewareRenamesServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/api/v1/service-descriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	handler := otelhttp.NewHandler(r, "lexbill-api", otelhttp.WithTracerProvider(provider))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/service-descriptions/abc", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /api/v1/service-descriptions/{id}", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
}
