package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNewConfig_NoProviders(t *testing.T) {
	cfg := NewConfig()

	if cfg.ServiceName != "scanship" {
		t.Errorf("ServiceName = %q, want scanship", cfg.ServiceName)
	}
	if cfg.IsEnabled() {
		t.Error("expected observability to be disabled without providers")
	}
	if cfg.Tracer() == nil || cfg.Metrics() == nil {
		t.Error("expected noop instruments")
	}
}

func TestNewConfig_WithProviders(t *testing.T) {
	cfg := NewConfig(
		WithTracerProvider(tracenoop.NewTracerProvider()),
		WithMeterProvider(noop.NewMeterProvider()),
		WithServiceName("scanner-7"),
	)

	if !cfg.IsEnabled() {
		t.Error("expected observability to be enabled")
	}
	if cfg.ServiceName != "scanner-7" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
}

func TestNilConfig(t *testing.T) {
	var cfg *Config
	if cfg.Tracer() == nil || cfg.Metrics() == nil {
		t.Error("nil config must hand out noop instruments")
	}
	if cfg.IsEnabled() {
		t.Error("nil config must be disabled")
	}
}

func TestInstrumentsDoNotPanic(t *testing.T) {
	ctx := context.Background()
	for _, m := range []*Metrics{NewNoopMetrics(), NewMetrics(noop.NewMeterProvider())} {
		m.RecordSubmitted(ctx, "s")
		m.RecordSubmitFailed(ctx, "s")
		m.RecordCompleted(ctx, "uploaded")
		m.RecordOrphaned(ctx, 2)
		m.RecordOrphaned(ctx, 0)
		m.RecordDispatch(ctx, 3, 10*time.Millisecond)
	}

	tr := NewNoopTracer()
	ctx, span := tr.StartDispatch(ctx, "s")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	_, span = tr.StartRecover(ctx, "s")
	span.End()

	_, span = tr.StartSpan(ctx, "custom", RecordAttr("r1"))
	span.End()
}
