package scanship

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/bft-labs/scanship/internal/ports"
)

// Option configures optional behavior of Scanship.
type Option func(*options)

// options holds the optional configuration for a Scanship instance.
type options struct {
	httpClient     ports.HTTPClient
	uploader       ports.Uploader
	logger         ports.Logger
	eventHandler   EventHandler
	plugins        []Plugin
	gatingConfig   *GatingConfig
	gate           ports.Gate
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithHTTPClient sets a custom HTTP client for the ingestion service.
// If not provided, a default client with the configured timeout is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithUploader replaces the built-in uploader selected by Config.Transport.
func WithUploader(u Uploader) Option {
	return func(o *options) {
		o.uploader = u
	}
}

// WithLogger sets a custom logger for structured logging.
// If not provided, a no-op logger is used (no output).
func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventHandler sets a handler for scanship events.
// If not provided, no events are emitted.
func WithEventHandler(handler EventHandler) Option {
	return func(o *options) {
		o.eventHandler = handler
	}
}

// WithPlugin registers a plugin to be initialized when Scanship starts.
// Plugins are initialized in registration order and shutdown in reverse order.
func WithPlugin(plugin Plugin) Option {
	return func(o *options) {
		o.plugins = append(o.plugins, plugin)
	}
}

// WithGateFunc holds dispatch passes while ok returns false. It takes
// precedence over WithGating.
func WithGateFunc(ok func() bool) Option {
	return func(o *options) {
		if ok != nil {
			o.gate = ports.GateFunc(ok)
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// Default: the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider.
// Default: the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}
