package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records license operation telemetry through the OTel metric API.
// All methods are nil-safe so the validator works without a metric pipeline
// (tests, the keygen tool).
type Metrics struct {
	verifications  metric.Int64Counter
	activations    metric.Int64Counter
	verifyDuration metric.Float64Histogram
}

// NewMetrics registers the license instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	verifications, err := meter.Int64Counter("license_verifications_total",
		metric.WithDescription("License verification cycles by outcome"),
	)
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter("license_activations_total",
		metric.WithDescription("License activation attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	verifyDuration, err := meter.Float64Histogram("license_verification_duration_seconds",
		metric.WithDescription("Duration of license verification cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		verifications:  verifications,
		activations:    activations,
		verifyDuration: verifyDuration,
	}, nil
}

// RecordVerification records one verification cycle.
func (m *Metrics) RecordVerification(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.verifications.Add(ctx, 1, attrs)
	m.verifyDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordActivation records one activation attempt.
func (m *Metrics) RecordActivation(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
