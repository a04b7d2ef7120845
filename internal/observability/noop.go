package observability

import (
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// NewNoopTracer creates a tracer that does nothing.
func NewNoopTracer() *Tracer {
	return &Tracer{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
	}
}

// NewNoopMetrics creates metrics that do nothing.
func NewNoopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter("")
	m := &Metrics{}

	m.submitted, _ = meter.Int64Counter(metricSubmitted)                   //nolint:errcheck
	m.completed, _ = meter.Int64Counter(metricCompleted)                   //nolint:errcheck
	m.submitFailed, _ = meter.Int64Counter(metricSubmitFailed)             //nolint:errcheck
	m.recoveryOrphaned, _ = meter.Int64Counter(metricRecoveryOrphaned)     //nolint:errcheck
	m.dispatchDuration, _ = meter.Float64Histogram(metricDispatchDuration) //nolint:errcheck

	return m
}
