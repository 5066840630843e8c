package prometheus

import (
	"context"
	"strings"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap/zaptest"
)

func TestCounter(t *testing.T) {
	reg := promclient.NewRegistry()
	p := NewProvider(reg, zaptest.NewLogger(t))
	ctx := context.Background()

	c := p.Counter(o11y.MetricMessagesReceived)
	assert.Same(t, c, p.Counter(o11y.MetricMessagesReceived))

	c.Add(ctx, 1, o11y.Label{Key: "topic", Value: "orders"})
	c.Add(ctx, 2, o11y.Label{Key: "topic", Value: "orders"})
	c.Add(ctx, 1, o11y.Label{Key: "topic", Value: "vehicles"})

	expected := `
# HELP wmslive_messages_received_total Messages received from the transport.
# TYPE wmslive_messages_received_total counter
wmslive_messages_received_total{topic="orders"} 3
wmslive_messages_received_total{topic="vehicles"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), o11y.MetricMessagesReceived))
}

func TestGauge(t *testing.T) {
	reg := promclient.NewRegistry()
	p := NewProvider(reg, nil)
	ctx := context.Background()

	g := p.Gauge(o11y.MetricConnected)
	g.Set(ctx, 1)
	g.Set(ctx, 0)

	vec := p.gauges[o11y.MetricConnected].lazy.vec
	assert.Equal(t, 0.0, testutil.ToFloat64(vec.WithLabelValues()))

	g.Set(ctx, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues()))
}

func TestHistogram(t *testing.T) {
	reg := promclient.NewRegistry()
	p := NewProvider(reg, nil)
	ctx := context.Background()

	h := p.Histogram(o11y.MetricDispatchDuration)
	h.Record(ctx, 0.001, o11y.Label{Key: "topic", Value: "orders"})
	h.Record(ctx, 0.002, o11y.Label{Key: "topic", Value: "orders"})

	count, err := testutil.GatherAndCount(reg, o11y.MetricDispatchDuration)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMissingLabelsUseEmptyValues(t *testing.T) {
	reg := promclient.NewRegistry()
	p := NewProvider(reg, nil)
	ctx := context.Background()

	c := p.Counter(o11y.MetricMessagesDropped)
	c.Add(ctx, 1, o11y.Label{Key: "reason", Value: "decode"})
	c.Add(ctx, 1)

	vec := p.counters[o11y.MetricMessagesDropped].lazy.vec
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("")))
}

func TestSharedRegistry(t *testing.T) {
	reg := promclient.NewRegistry()
	ctx := context.Background()

	first := NewProvider(reg, nil)
	second := NewProvider(reg, nil)

	first.Counter(o11y.MetricReconnects).Add(ctx, 1)
	second.Counter(o11y.MetricReconnects).Add(ctx, 2)

	// the second provider reuses the collector the first registered
	vec := first.counters[o11y.MetricReconnects].lazy.vec
	assert.Equal(t, 3.0, testutil.ToFloat64(vec.WithLabelValues()))
}

func TestValues(t *testing.T) {
	labels := []o11y.Label{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}
	assert.Equal(t, []string{"1", "2", ""}, values([]string{"a", "b", "c"}, labels))
	assert.Empty(t, values(nil, labels))
}
