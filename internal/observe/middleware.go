package observe

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder remembers the status code the wrapped handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// healthEndpoints maps the health routes to their endpoint label.
var healthEndpoints = map[string]string{
	"/healthz": "healthz",
	"/readyz":  "readyz",
}

// Middleware instruments the echoloop HTTP endpoint. Every request gets a
// server span and a duration sample, both tagged with the pipeline state read
// from src at the time the request was served. Answers on /healthz and /readyz
// are additionally counted by outcome, so a scrape shows how often readiness
// failed while the pipeline was not running.
//
// src may be nil, in which case the pipeline is reported as not running.
func Middleware(m *Metrics, src PipelineSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path

			ctx, span := StartSpan(r.Context(), "HTTP "+r.Method+" "+path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.route", path)),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			running := src != nil && src.IsRunning()
			ok := rec.statusCode < http.StatusBadRequest
			duration := time.Since(start)

			span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
			span.SetAttributes(QueueAttrs(src)...)
			if !ok {
				span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
			}

			m.HTTPRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
				attribute.String("path", path),
				attribute.Int("status", rec.statusCode),
			))
			if endpoint, isHealth := healthEndpoints[strings.TrimSuffix(path, "/")]; isHealth {
				m.RecordHealthCheck(ctx, endpoint, ok, running)
			}

			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "request served",
				slog.String("path", path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
				slog.String("pipeline", PipelineState(running)),
			)
		})
	}
}
