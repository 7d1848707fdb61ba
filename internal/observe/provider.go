package observe

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig describes the running echoloop instance for telemetry.
type ProviderConfig struct {
	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// InputBackend and OutputBackend name the configured audio backends
	// ("portaudio", "oto", "virtual"). They are attached to the telemetry
	// resource, which Prometheus exposes on target_info.
	InputBackend  string
	OutputBackend string

	// Registerer receives the Prometheus collectors. When nil,
	// [prometheus.DefaultRegisterer] is used, which is what promhttp.Handler
	// serves.
	Registerer prometheus.Registerer
}

// InitProvider installs global OTel providers for echoloop: a meter provider
// exported through Prometheus and a tracer provider. Spans are not exported
// anywhere; they exist so the pipeline and HTTP log lines carry trace and span
// IDs (see [Logger]).
//
// The returned function flushes and shuts both providers down.
func InitProvider(_ context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

// newResource describes this process and its audio backends.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("echoloop"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InputBackend != "" {
		attrs = append(attrs, attribute.String("echoloop.input.backend", cfg.InputBackend))
	}
	if cfg.OutputBackend != "" {
		attrs = append(attrs, attribute.String("echoloop.output.backend", cfg.OutputBackend))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}
