// Package prometheus provides a Prometheus implementation of the wmslive
// metrics interface.
package prometheus

import (
	"context"
	"errors"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap"
)

var help = map[string]string{
	o11y.MetricMessagesReceived:  "Messages received from the transport.",
	o11y.MetricMessagesDropped:   "Messages dropped before dispatch.",
	o11y.MetricListenerPanics:    "Listener invocations that panicked.",
	o11y.MetricConnectAttempts:   "Transport connection attempts.",
	o11y.MetricReconnects:        "Connections re-established after a loss.",
	o11y.MetricDispatchDuration:  "Time spent delivering one message to its listeners.",
	o11y.MetricConnected:         "1 while the hub is connected, otherwise 0.",
	o11y.MetricActiveTopics:      "Topics with at least one listener.",
	o11y.MetricTransportSubCalls: "Transport-level subscribe and unsubscribe calls.",
}

// DispatchBuckets suit in-process listener calls, from 50µs to about 13s.
var DispatchBuckets = promclient.ExponentialBuckets(0.00005, 4, 10)

// Provider implements o11y.MetricsProvider with Prometheus collectors.
// Collectors are registered on first use, with the label keys of that first
// observation; later observations supply values for the same keys.
type Provider struct {
	registerer promclient.Registerer
	logger     *zap.Logger

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
	gauges     map[string]*gauge
}

// NewProvider creates a Provider registering on reg, or on the default
// registerer if reg is nil.
func NewProvider(reg promclient.Registerer, logger *zap.Logger) *Provider {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		registerer: reg,
		logger:     logger,
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
		gauges:     make(map[string]*gauge),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[name]
	if !ok {
		c = &counter{lazy: lazy[*promclient.CounterVec]{provider: p, name: name}}
		p.counters[name] = c
	}
	return c
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histograms[name]
	if !ok {
		h = &histogram{lazy: lazy[*promclient.HistogramVec]{provider: p, name: name}}
		p.histograms[name] = h
	}
	return h
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gauges[name]
	if !ok {
		g = &gauge{lazy: lazy[*promclient.GaugeVec]{provider: p, name: name}}
		p.gauges[name] = g
	}
	return g
}

// lazy creates and registers a collector vector on first use.
type lazy[V promclient.Collector] struct {
	provider *Provider
	name     string
	once     sync.Once
	vec      V
	keys     []string
	ok       bool
}

func (l *lazy[V]) get(labels []o11y.Label, create func(name, help string, keys []string) V) (V, []string, bool) {
	l.once.Do(func() {
		keys := make([]string, len(labels))
		for i, label := range labels {
			keys[i] = label.Key
		}

		vec, err := register(l.provider.registerer, create(l.name, helpFor(l.name), keys))
		if err != nil {
			l.provider.logger.Error("Failed to register metric", zap.String("metric", l.name), zap.Error(err))
			return
		}
		l.vec, l.keys, l.ok = vec, keys, true
	})
	return l.vec, l.keys, l.ok
}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[V promclient.Collector](reg promclient.Registerer, c V) (V, error) {
	if err := reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(V); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// values orders label values by keys. Keys missing from labels get "".
func values(keys []string, labels []o11y.Label) []string {
	out := make([]string, len(keys))
	for i, key := range keys {
		for _, label := range labels {
			if label.Key == key {
				out[i] = label.Value
				break
			}
		}
	}
	return out
}

type counter struct {
	lazy lazy[*promclient.CounterVec]
}

func (c *counter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	vec, keys, ok := c.lazy.get(labels, func(name, help string, keys []string) *promclient.CounterVec {
		return promclient.NewCounterVec(promclient.CounterOpts{Name: name, Help: help}, keys)
	})
	if ok {
		vec.WithLabelValues(values(keys, labels)...).Add(float64(value))
	}
}

type histogram struct {
	lazy lazy[*promclient.HistogramVec]
}

func (h *histogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	vec, keys, ok := h.lazy.get(labels, func(name, help string, keys []string) *promclient.HistogramVec {
		return promclient.NewHistogramVec(promclient.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: DispatchBuckets,
		}, keys)
	})
	if ok {
		vec.WithLabelValues(values(keys, labels)...).Observe(value)
	}
}

type gauge struct {
	lazy lazy[*promclient.GaugeVec]
}

func (g *gauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	vec, keys, ok := g.lazy.get(labels, func(name, help string, keys []string) *promclient.GaugeVec {
		return promclient.NewGaugeVec(promclient.GaugeOpts{Name: name, Help: help}, keys)
	})
	if ok {
		vec.WithLabelValues(values(keys, labels)...).Set(value)
	}
}
