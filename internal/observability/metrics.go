package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names.
const (
	metricSubmitted        = "scanship.transfers.submitted"
	metricCompleted        = "scanship.transfers.completed"
	metricSubmitFailed     = "scanship.transfers.submit_failed"
	metricRecoveryOrphaned = "scanship.recovery.orphaned"
	metricDispatchDuration = "scanship.dispatch.duration"
)

// Metrics holds the pipeline metric instruments.
type Metrics struct {
	submitted        metric.Int64Counter
	completed        metric.Int64Counter
	submitFailed     metric.Int64Counter
	recoveryOrphaned metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on a meter from mp.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	// Instrument creation only fails on invalid parameters; fall back to
	// the bare instrument and keep going.
	var err error

	m.submitted, err = meter.Int64Counter(
		metricSubmitted,
		metric.WithDescription("Transfers accepted by the transport"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		m.submitted, _ = meter.Int64Counter(metricSubmitted)
	}

	m.completed, err = meter.Int64Counter(
		metricCompleted,
		metric.WithDescription("Transfer results folded into the record store"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		m.completed, _ = meter.Int64Counter(metricCompleted)
	}

	m.submitFailed, err = meter.Int64Counter(
		metricSubmitFailed,
		metric.WithDescription("Submissions rejected by the transport"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		m.submitFailed, _ = meter.Int64Counter(metricSubmitFailed)
	}

	m.recoveryOrphaned, err = meter.Int64Counter(
		metricRecoveryOrphaned,
		metric.WithDescription("Uploading records with no surviving transfer at startup"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.recoveryOrphaned, _ = meter.Int64Counter(metricRecoveryOrphaned)
	}

	m.dispatchDuration, err = meter.Float64Histogram(
		metricDispatchDuration,
		metric.WithDescription("Duration of dispatch passes in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.dispatchDuration, _ = meter.Float64Histogram(metricDispatchDuration)
	}

	return m
}

// RecordSubmitted counts an accepted submission.
func (m *Metrics) RecordSubmitted(ctx context.Context, sessionID string) {
	m.submitted.Add(ctx, 1, metric.WithAttributes(SessionAttr(sessionID)))
}

// RecordSubmitFailed counts a submission the transport refused.
func (m *Metrics) RecordSubmitFailed(ctx context.Context, sessionID string) {
	m.submitFailed.Add(ctx, 1, metric.WithAttributes(SessionAttr(sessionID)))
}

// RecordCompleted counts a folded result. outcome is "uploaded", "failed"
// or "discarded".
func (m *Metrics) RecordCompleted(ctx context.Context, outcome string) {
	m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

// RecordOrphaned counts records recovery marked failed.
func (m *Metrics) RecordOrphaned(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.recoveryOrphaned.Add(ctx, int64(n))
}

// RecordDispatch records the duration of a dispatch pass.
func (m *Metrics) RecordDispatch(ctx context.Context, submitted int, duration time.Duration) {
	m.dispatchDuration.Record(ctx, float64(duration.Milliseconds()),
		metric.WithAttributes(attribute.Int(AttrSubmitted, submitted)))
}
