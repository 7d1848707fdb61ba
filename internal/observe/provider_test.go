package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_ExportsPipelineMetrics(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		InputBackend:   "virtual",
		OutputBackend:  "oto",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordOverflow(context.Background(), 64)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var overflow, backends bool
	for _, mf := range families {
		name := mf.GetName()
		if strings.HasPrefix(name, "echoloop_pipeline_overflow_blocks") {
			overflow = true
		}
		if name != "target_info" {
			continue
		}
		for _, met := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range met.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["echoloop_input_backend"] == "virtual" && labels["echoloop_output_backend"] == "oto" {
				backends = true
			}
		}
	}
	if !overflow {
		t.Error("overflow counter not exported")
	}
	if !backends {
		t.Error("target_info does not carry the audio backends")
	}
}
