package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every echoloop span.
const tracerName = "github.com/MrWong99/echoloop"

// Span attribute keys describing the passthrough.
const (
	AttrSampleRate    = attribute.Key("echoloop.sample_rate")
	AttrChannels      = attribute.Key("echoloop.channels")
	AttrLatencyMs     = attribute.Key("echoloop.latency_ms")
	AttrQueueFill     = attribute.Key("echoloop.queue.fill")
	AttrQueueCapacity = attribute.Key("echoloop.queue.capacity")
	AttrRunning       = attribute.Key("echoloop.pipeline.running")
)

// Tracer returns the echoloop tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// SizingAttrs describes a pipeline start: the stream format, the latency
// target, and the resulting queue capacity in samples.
func SizingAttrs(sampleRate, channels int, latencyMs float64, capacity int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSampleRate.Int(sampleRate),
		AttrChannels.Int(channels),
		AttrLatencyMs.Float64(latencyMs),
		AttrQueueCapacity.Int(capacity),
	}
}

// QueueAttrs snapshots the live state of src. A nil src reports a stopped
// pipeline with no queue.
func QueueAttrs(src PipelineSource) []attribute.KeyValue {
	if src == nil {
		return []attribute.KeyValue{AttrRunning.Bool(false)}
	}
	return []attribute.KeyValue{
		AttrRunning.Bool(src.IsRunning()),
		AttrQueueFill.Int(src.QueueLen()),
		AttrQueueCapacity.Int(src.QueueCap()),
	}
}

// Logger returns the default logger, with trace_id and span_id attached when
// ctx carries a recording span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
