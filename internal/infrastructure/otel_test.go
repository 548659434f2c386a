package infrastructure

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestInitTelemetry_CountersReachRegistry(t *testing.T) {
	telemetry, err := InitTelemetry("kerzz-core-test")
	require.NoError(t, err)
	defer telemetry.Shutdown(context.Background())

	counter, err := telemetry.Meter.Int64Counter("test_events_total",
		metric.WithDescription("test counter"),
	)
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := telemetry.Registry.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_events_total" {
			found = true
		}
	}
	assert.True(t, found, "OTel counters must be exported through the Prometheus registry")

	n, err := testutil.GatherAndCount(telemetry.Registry, "test_events_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTelemetry_ShutdownNilSafe(t *testing.T) {
	var telemetry *Telemetry
	assert.NoError(t, telemetry.Shutdown(context.Background()))
}
