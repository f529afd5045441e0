package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", false)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	in := NewInstruments()
	in.Decision(ctx, "wait")
	in.Decision(ctx, "respond")
	in.FragmentSent(ctx)
	in.Turn(ctx, "completed")
	in.LockContention(ctx)
	in.Job(ctx, "decide", "completed", 20*time.Millisecond)
	ObserveGauge("chatwithai/test", "chatwithai.test.gauge", "test gauge", func() int64 { return 7 })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	var gauge int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					gauge = dp.Value
				}
			}
		}
	}
	require.Equal(t, int64(2), sums["chatwithai.decisions"])
	require.Equal(t, int64(1), sums["chatwithai.fragments_sent"])
	require.Equal(t, int64(1), sums["chatwithai.turns"])
	require.Equal(t, int64(1), sums["chatwithai.lock_contention"])
	require.Equal(t, int64(1), sums["chatwithai.jobs"])
	require.Equal(t, int64(7), gauge)
}

func TestInstruments_NilSafe(t *testing.T) {
	var in *Instruments
	in.Decision(context.Background(), "wait")
	in.Job(context.Background(), "decide", "failed", time.Second)
}
