package updater

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records update pipeline telemetry. Nil-safe like the license
// metrics, so the updater runs without a metric pipeline in tests.
type Metrics struct {
	checks   metric.Int64Counter
	installs metric.Int64Counter
}

// NewMetrics registers the updater instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	checks, err := meter.Int64Counter("update_checks_total",
		metric.WithDescription("Update checks by outcome"),
	)
	if err != nil {
		return nil, err
	}

	installs, err := meter.Int64Counter("update_installs_total",
		metric.WithDescription("Update install attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{checks: checks, installs: installs}, nil
}

// RecordCheck records one update check.
func (m *Metrics) RecordCheck(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.checks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordInstall records one install attempt.
func (m *Metrics) RecordInstall(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.installs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
