package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"github.com/tsarna/wmslive/pkg/wmslive/transport/memory"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	return NewProviderFrom(mp, tp, "wmslive-test", "0.0.1"), reader, recorder
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf[N int64 | float64](t *testing.T, data metricdata.Aggregation, key, value string) N {
	t.Helper()

	sum, ok := data.(metricdata.Sum[N])
	require.True(t, ok, "not a sum: %T", data)

	var total N
	for _, dp := range sum.DataPoints {
		if key == "" {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestCounterAndGauge(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	ctx := context.Background()

	counter := p.Counter(o11y.MetricMessagesReceived)
	counter.Add(ctx, 2, o11y.Label{Key: "topic", Value: "orders"})
	counter.Add(ctx, 1, o11y.Label{Key: "topic", Value: "vehicles"})

	gauge := p.Gauge(o11y.MetricActiveTopics)
	gauge.Set(ctx, 5)
	gauge.Set(ctx, 3)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf[int64](t, metrics[o11y.MetricMessagesReceived], "topic", "orders"))
	assert.Equal(t, int64(3), sumOf[int64](t, metrics[o11y.MetricMessagesReceived], "", ""))
	assert.Equal(t, 3.0, sumOf[float64](t, metrics[o11y.MetricActiveTopics], "", ""))
}

func TestHistogram(t *testing.T) {
	p, reader, _ := newTestProvider(t)

	p.Histogram(o11y.MetricDispatchDuration).Record(context.Background(), 0.25)

	hist, ok := collect(t, reader)[o11y.MetricDispatchDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
	assert.Equal(t, 0.25, hist.DataPoints[0].Sum)
}

func TestSpan(t *testing.T) {
	p, _, recorder := newTestProvider(t)

	_, span := p.StartSpan(context.Background(), "work")
	span.SetAttributes(o11y.Label{Key: "topic", Value: "orders"})
	span.SetStatus(o11y.SpanStatusError, "listener panicked")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "work", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("topic", "orders"))
}

func TestEventHubInstrumentation(t *testing.T) {
	p, reader, recorder := newTestProvider(t)
	broker := memory.NewBroker()

	h, err := hub.NewEventHub().
		WithTransport(broker.Factory()).
		WithLogger(zaptest.NewLogger(t)).
		WithMetrics(p).
		WithTracing(p).
		Build()
	require.NoError(t, err)
	t.Cleanup(h.Deactivate)

	_, err = h.Subscribe("orders", func(any) {})
	require.NoError(t, err)
	_, err = h.Subscribe("orders", func(any) { panic("boom") })
	require.NoError(t, err)

	h.Activate()
	require.Eventually(t, h.IsConnected, 2*time.Second, 5*time.Millisecond)

	broker.Publish("orders", []byte(`{"orderId":"o-1"}`))
	broker.Publish("orders", []byte(`not json`))

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf[int64](t, metrics[o11y.MetricMessagesReceived], "topic", "orders"))
	assert.Equal(t, int64(1), sumOf[int64](t, metrics[o11y.MetricMessagesDropped], "reason", "decode"))
	assert.Equal(t, int64(1), sumOf[int64](t, metrics[o11y.MetricListenerPanics], "topic", "orders"))
	assert.Equal(t, int64(1), sumOf[int64](t, metrics[o11y.MetricConnectAttempts], "", ""))
	assert.Equal(t, 1.0, sumOf[float64](t, metrics[o11y.MetricConnected], "", ""))
	assert.Equal(t, 1.0, sumOf[float64](t, metrics[o11y.MetricActiveTopics], "", ""))

	var dispatched []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "wmslive.dispatch" {
			dispatched = append(dispatched, span)
		}
	}
	require.Len(t, dispatched, 1)
	assert.Equal(t, codes.Error, dispatched[0].Status().Code)
}
