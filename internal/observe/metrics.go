// Package observe provides application-wide observability primitives for
// echoloop: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echoloop metrics.
const meterName = "github.com/MrWong99/echoloop"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline lifecycle ---

	// PipelineStarts counts pipeline start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	PipelineStarts metric.Int64Counter

	// StartDuration tracks how long sizing, pre-fill, and stream start take.
	StartDuration metric.Float64Histogram

	// StreamErrors counts asynchronous failures reported by device streams.
	// Use with attribute:
	//   attribute.String("side", "input"|"output")
	StreamErrors metric.Int64Counter

	// --- Hot-path events (recorded off the real-time threads) ---

	// OverflowBlocks counts capture blocks that dropped samples.
	OverflowBlocks metric.Int64Counter

	// UnderflowBlocks counts render blocks that played substituted silence.
	UnderflowBlocks metric.Int64Counter

	// DroppedSamples counts captured samples dropped on overflow.
	DroppedSamples metric.Int64Counter

	// SilenceSamples counts silent samples substituted on underflow.
	SilenceSamples metric.Int64Counter

	// --- Observed state ---

	// QueueFill reports the number of unread samples in the ring buffer.
	QueueFill metric.Int64ObservableGauge

	// QueueCapacity reports the ring buffer capacity in samples.
	QueueCapacity metric.Int64ObservableGauge

	// Running reports 1 while a pipeline is running and 0 otherwise.
	Running metric.Int64ObservableGauge

	// LostEvents reports events dropped because the event buffer was full.
	LostEvents metric.Int64ObservableCounter

	// --- HTTP endpoint ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("path", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// HealthChecks counts /healthz and /readyz answers. Use with attributes:
	//   attribute.String("endpoint", "healthz"|"readyz"),
	//   attribute.String("outcome", "ok"|"fail"),
	//   attribute.String("pipeline", "running"|"not_running")
	HealthChecks metric.Int64Counter

	meter metric.Meter
}

// startBuckets defines histogram bucket boundaries (in seconds) for pipeline
// start-up. Opening hardware streams typically takes tens of milliseconds;
// very large pre-fills push it towards a second.
var startBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Lifecycle.
	if met.PipelineStarts, err = m.Int64Counter("echoloop.pipeline.starts",
		metric.WithDescription("Total pipeline start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("echoloop.pipeline.start.duration",
		metric.WithDescription("Latency of pipeline start-up including pre-fill."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(startBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamErrors, err = m.Int64Counter("echoloop.stream.errors",
		metric.WithDescription("Total asynchronous device stream failures by side."),
	); err != nil {
		return nil, err
	}

	// Hot-path events.
	if met.OverflowBlocks, err = m.Int64Counter("echoloop.pipeline.overflow_blocks",
		metric.WithDescription("Capture blocks that dropped samples because the queue was full."),
	); err != nil {
		return nil, err
	}
	if met.UnderflowBlocks, err = m.Int64Counter("echoloop.pipeline.underflow_blocks",
		metric.WithDescription("Render blocks that played silence because the queue was empty."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("echoloop.pipeline.dropped_samples",
		metric.WithDescription("Captured samples dropped on overflow."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSamples, err = m.Int64Counter("echoloop.pipeline.silence_samples",
		metric.WithDescription("Silent samples substituted on underflow."),
	); err != nil {
		return nil, err
	}

	// Observed state.
	if met.QueueFill, err = m.Int64ObservableGauge("echoloop.queue.fill",
		metric.WithDescription("Unread samples in the ring buffer."),
	); err != nil {
		return nil, err
	}
	if met.QueueCapacity, err = m.Int64ObservableGauge("echoloop.queue.capacity",
		metric.WithDescription("Ring buffer capacity in samples."),
	); err != nil {
		return nil, err
	}
	if met.Running, err = m.Int64ObservableGauge("echoloop.pipeline.running",
		metric.WithDescription("1 while the pipeline is running, 0 otherwise."),
	); err != nil {
		return nil, err
	}
	if met.LostEvents, err = m.Int64ObservableCounter("echoloop.pipeline.lost_events",
		metric.WithDescription("Overflow/underflow events dropped because the event buffer was full."),
	); err != nil {
		return nil, err
	}

	// HTTP endpoint.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echoloop.http.request.duration",
		metric.WithDescription("HTTP request latency by path and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.HealthChecks, err = m.Int64Counter("echoloop.http.health_checks",
		metric.WithDescription("Health and readiness answers by outcome and pipeline state."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// PipelineSource exposes the live pipeline state read by the observable
// instruments. Implementations must be safe to call from any goroutine.
type PipelineSource interface {
	QueueLen() int
	QueueCap() int
	IsRunning() bool
	LostEvents() uint64
}

// ObservePipeline registers a callback that reports src through the
// observable instruments on every collection. Call Unregister on the returned
// registration when src goes away.
func (m *Metrics) ObservePipeline(src PipelineSource) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.QueueFill, int64(src.QueueLen()))
		o.ObserveInt64(m.QueueCapacity, int64(src.QueueCap()))
		running := int64(0)
		if src.IsRunning() {
			running = 1
		}
		o.ObserveInt64(m.Running, running)
		o.ObserveInt64(m.LostEvents, int64(src.LostEvents()))
		return nil
	}, m.QueueFill, m.QueueCapacity, m.Running, m.LostEvents)
}

// RecordStart is a convenience method that records a pipeline start attempt
// and its duration in seconds.
func (m *Metrics) RecordStart(ctx context.Context, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PipelineStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.StartDuration.Record(ctx, seconds)
}

// RecordOverflow is a convenience method that records one overflowed block
// and the number of samples it dropped.
func (m *Metrics) RecordOverflow(ctx context.Context, samples int) {
	m.OverflowBlocks.Add(ctx, 1)
	m.DroppedSamples.Add(ctx, int64(samples))
}

// RecordUnderflow is a convenience method that records one underflowed block
// and the number of silent samples substituted.
func (m *Metrics) RecordUnderflow(ctx context.Context, samples int) {
	m.UnderflowBlocks.Add(ctx, 1)
	m.SilenceSamples.Add(ctx, int64(samples))
}

// RecordStreamError is a convenience method that records an asynchronous
// stream failure on the given side ("input" or "output").
func (m *Metrics) RecordStreamError(ctx context.Context, side string) {
	m.StreamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("side", side)))
}

// RecordHealthCheck records one answer of the named endpoint ("healthz" or "readyz")
// together with whether the pipeline was running when it was served.
func (m *Metrics) RecordHealthCheck(ctx context.Context, endpoint string, ok, running bool) {
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	m.HealthChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
		attribute.String("pipeline", PipelineState(running)),
	))
}

// PipelineState labels a running flag for metric attributes and logs.
func PipelineState(running bool) string {
	if running {
		return "running"
	}
	return "not_running"
}
