package observe

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// probeServer wraps a mux with the health-style routes in [Middleware].
func probeServer(t *testing.T) (http.Handler, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	exp := useTestTracer(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return Middleware(m)(mux), reader, exp
}

func serve(h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// routeAttrs returns the route label and status of every duration sample.
func routeAttrs(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	met := findMetric(collect(t, reader), "gemos.http.request.duration")
	if met == nil {
		t.Fatal("gemos.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want Histogram[float64]", met.Data)
	}
	out := make(map[string]int64, len(hist.DataPoints))
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status")
		out[route.AsString()] = status.AsInt64()
	}
	return out
}

func TestMiddleware_SetsTraceHeader(t *testing.T) {
	h, _, _ := probeServer(t)

	rec := serve(h, "/healthz", nil)
	if id := rec.Header().Get(TraceHeader); len(id) != 32 {
		t.Errorf("%s = %q, want a 32-char trace id", TraceHeader, id)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h, _, exp := probeServer(t)

	rec := serve(h, "/healthz", map[string]string{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	if got := rec.Header().Get(TraceHeader); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("%s = %q, want the incoming trace id", TraceHeader, got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /healthz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}

func TestMiddleware_LabelsByRoute(t *testing.T) {
	h, reader, exp := probeServer(t)

	serve(h, "/healthz", nil)
	serve(h, "/readyz", nil)
	serve(h, "/nope/123", nil)

	got := routeAttrs(t, reader)
	want := map[string]int64{
		"GET /healthz": http.StatusOK,
		"GET /readyz":  http.StatusServiceUnavailable,
		unmatchedRoute: http.StatusNotFound,
	}
	for route, status := range want {
		if got[route] != status {
			t.Errorf("route %q status = %d, want %d", route, got[route], status)
		}
	}
	if len(got) != len(want) {
		t.Errorf("routes = %v, want %v", got, want)
	}

	for _, s := range exp.GetSpans() {
		for _, a := range s.Attributes {
			if a.Key == "http.response.status_code" && a.Value.AsInt64() == 0 {
				t.Errorf("span %q has a zero status code", s.Name)
			}
		}
	}
}

func TestMiddleware_LogLevels(t *testing.T) {
	h, _, _ := probeServer(t)
	buf := captureLogs(t, slog.LevelInfo)

	serve(h, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("successful probe logged at info: %s", buf.String())
	}

	m, _ := newTestMetrics(t)
	failing := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	serve(failing, "/metrics", nil)
	if out := buf.String(); !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=500") {
		t.Errorf("5xx log = %q, want a warn line with status=500", out)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	if sr.Unwrap() != rec {
		t.Error("Unwrap did not return the wrapped writer")
	}
}
