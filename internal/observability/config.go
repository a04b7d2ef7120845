// Package observability wires OpenTelemetry metrics and tracing into the
// upload pipeline. Without providers every instrument is a no-op.
package observability

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	MeterName  = "github.com/bft-labs/scanship"
	TracerName = "github.com/bft-labs/scanship"
)

// Config holds the observability configuration for the pipeline.
type Config struct {
	// TracerProvider is the OpenTelemetry tracer provider.
	// If nil, tracing is disabled.
	TracerProvider trace.TracerProvider

	// MeterProvider is the OpenTelemetry meter provider.
	// If nil, metrics collection is disabled.
	MeterProvider metric.MeterProvider

	// ServiceName identifies this process in traces.
	ServiceName string

	tracer  *Tracer
	metrics *Metrics
}

// Option is a functional option for configuring observability.
type Option func(*Config)

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) {
		c.TracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) {
		c.MeterProvider = mp
	}
}

// WithServiceName sets the service name.
func WithServiceName(name string) Option {
	return func(c *Config) {
		c.ServiceName = name
	}
}

// NewConfig creates a configuration with the given options applied and
// its instruments initialized.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{ServiceName: "scanship"}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.TracerProvider != nil {
		cfg.tracer = NewTracer(cfg.TracerProvider, cfg.ServiceName)
	} else {
		cfg.tracer = NewNoopTracer()
	}
	if cfg.MeterProvider != nil {
		cfg.metrics = NewMetrics(cfg.MeterProvider)
	} else {
		cfg.metrics = NewNoopMetrics()
	}
	return cfg
}

// Tracer returns the configured tracer, or a no-op tracer if not configured.
func (c *Config) Tracer() *Tracer {
	if c == nil || c.tracer == nil {
		return NewNoopTracer()
	}
	return c.tracer
}

// Metrics returns the configured metrics, or no-op metrics if not configured.
func (c *Config) Metrics() *Metrics {
	if c == nil || c.metrics == nil {
		return NewNoopMetrics()
	}
	return c.metrics
}

// IsEnabled returns true if any provider is configured.
func (c *Config) IsEnabled() bool {
	return c != nil && (c.TracerProvider != nil || c.MeterProvider != nil)
}
