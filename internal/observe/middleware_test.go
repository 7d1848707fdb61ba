package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/echoloop/internal/health"
)

// installTracer routes spans into an in-memory exporter for the duration of
// the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })
	return exp
}

// healthServer serves the echoloop health endpoints for src behind the
// middleware.
func healthServer(m *Metrics, src *fakeSource) http.Handler {
	mux := http.NewServeMux()
	health.New(src).Register(mux)
	return Middleware(m, src)(mux)
}

func get(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_ReadyzFollowsPipeline(t *testing.T) {
	m, reader := newTestMetrics(t)
	installTracer(t)
	src := &fakeSource{capacity: 1920}
	h := healthServer(m, src)

	if got := get(t, h, "/readyz"); got != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start = %d, want 503", got)
	}
	src.running = true
	if got := get(t, h, "/readyz"); got != http.StatusOK {
		t.Fatalf("readyz while running = %d, want 200", got)
	}
	if got := get(t, h, "/readyz"); got != http.StatusOK {
		t.Fatalf("readyz while running = %d, want 200", got)
	}
	src.running = false
	if got := get(t, h, "/readyz"); got != http.StatusServiceUnavailable {
		t.Fatalf("readyz after stop = %d, want 503", got)
	}
	if got := get(t, h, "/healthz"); got != http.StatusOK {
		t.Fatalf("healthz after stop = %d, want 200", got)
	}

	rm := collect(t, reader)
	met := findMetric(rm, "echoloop.http.health_checks")
	if met == nil {
		t.Fatal("health checks metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64], got %T", met.Data)
	}

	type key struct{ endpoint, outcome, pipeline string }
	got := make(map[key]int64)
	for _, dp := range sum.DataPoints {
		var k key
		if v, ok := dp.Attributes.Value("endpoint"); ok {
			k.endpoint = v.AsString()
		}
		if v, ok := dp.Attributes.Value("outcome"); ok {
			k.outcome = v.AsString()
		}
		if v, ok := dp.Attributes.Value("pipeline"); ok {
			k.pipeline = v.AsString()
		}
		got[k] += dp.Value
	}
	want := map[key]int64{
		{"readyz", "fail", "not_running"}: 2,
		{"readyz", "ok", "running"}:       2,
		{"healthz", "ok", "not_running"}:  1,
	}
	for k, n := range want {
		if got[k] != n {
			t.Errorf("health checks %+v = %d, want %d", k, got[k], n)
		}
	}
	if len(got) != len(want) {
		t.Errorf("health checks has %d series, want %d: %v", len(got), len(want), got)
	}
}

func TestMiddleware_SpanCarriesQueueState(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)
	src := &fakeSource{length: 480, capacity: 1920, running: true}
	h := healthServer(m, src)

	get(t, h, "/readyz")
	src.running = false
	get(t, h, "/readyz")

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	ready := spans[0]
	if ready.Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q, want %q", ready.Name, "HTTP GET /readyz")
	}
	if v, ok := spanAttr(ready, AttrRunning); !ok || !v.AsBool() {
		t.Errorf("running attribute = %v (present %v), want true", v.AsBool(), ok)
	}
	if v, ok := spanAttr(ready, AttrQueueFill); !ok || v.AsInt64() != 480 {
		t.Errorf("queue fill attribute = %d, want 480", v.AsInt64())
	}
	if v, ok := spanAttr(ready, AttrQueueCapacity); !ok || v.AsInt64() != 1920 {
		t.Errorf("queue capacity attribute = %d, want 1920", v.AsInt64())
	}
	if ready.Status.Code == codes.Error {
		t.Error("ready span has error status")
	}

	unready := spans[1]
	if v, ok := spanAttr(unready, AttrRunning); !ok || v.AsBool() {
		t.Errorf("running attribute after stop = %v, want false", v.AsBool())
	}
	if v, _ := spanAttr(unready, "http.status_code"); v.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("status attribute = %d, want 503", v.AsInt64())
	}
	if unready.Status.Code != codes.Error {
		t.Errorf("unready span status = %v, want Error", unready.Status.Code)
	}
}

func TestMiddleware_RecordsDurationByPathAndStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	installTracer(t)
	src := &fakeSource{}

	mux := http.NewServeMux()
	health.New(src).Register(mux)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := Middleware(m, src)(mux)

	get(t, h, "/metrics")
	get(t, h, "/readyz")

	rm := collect(t, reader)
	met := findMetric(rm, "echoloop.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", met.Data)
	}

	seen := make(map[string]int64)
	for _, dp := range hist.DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		seen[path.AsString()] = status.AsInt64()
	}
	if seen["/metrics"] != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", seen["/metrics"])
	}
	if seen["/readyz"] != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", seen["/readyz"])
	}

	// /metrics is not a health endpoint and must not be counted as one.
	if got := sumValue(t, rm, "echoloop.http.health_checks", nil); got != 1 {
		t.Errorf("health checks = %d, want 1", got)
	}
}

func TestMiddleware_NilSource(t *testing.T) {
	m, reader := newTestMetrics(t)
	exp := installTracer(t)

	mux := http.NewServeMux()
	health.New(nil).Register(mux)
	h := Middleware(m, nil)(mux)

	if got := get(t, h, "/healthz"); got != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", got)
	}

	notRunning := Attr("pipeline", "not_running")
	if got := sumValue(t, collect(t, reader), "echoloop.http.health_checks", &notRunning); got != 1 {
		t.Errorf("not_running health checks = %d, want 1", got)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if _, ok := spanAttr(spans[0], AttrQueueFill); ok {
		t.Error("queue fill attribute set without a pipeline")
	}
}
