package hub

import (
	"fmt"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive"
	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap"
)

// DefaultOperationTimeout bounds each transport-level subscribe or unsubscribe.
const DefaultOperationTimeout = 10 * time.Second

// EventHubBuilder provides a fluent interface for creating an EventHub.
type EventHubBuilder struct {
	transportFactory  wmslive.TransportFactory
	logger            *zap.Logger
	policy            *ReconnectPolicy
	destinationPrefix string
	monitor           Monitor
	operationTimeout  time.Duration
	metricsProvider   o11y.MetricsProvider
	tracingProvider   o11y.TracingProvider
}

// NewEventHub creates a new EventHubBuilder.
//
// Example:
//
//	h, err := hub.NewEventHub().
//	    WithTransport(func(handler wmslive.TransportHandler) (wmslive.Transport, error) {
//	        return stomp.NewClient().WithURL(url).WithHandler(handler).Build()
//	    }).
//	    WithDestinationPrefix("/topic/").
//	    WithLogger(logger).
//	    Build()
func NewEventHub() *EventHubBuilder {
	return &EventHubBuilder{
		logger:           zap.NewNop(),
		operationTimeout: DefaultOperationTimeout,
	}
}

// WithTransport sets the factory used to create the hub's single transport.
func (b *EventHubBuilder) WithTransport(factory wmslive.TransportFactory) *EventHubBuilder {
	b.transportFactory = factory
	return b
}

// WithLogger sets the logger for the hub.
func (b *EventHubBuilder) WithLogger(logger *zap.Logger) *EventHubBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithReconnectPolicy sets the reconnect policy. Defaults to NewReconnectPolicy().Build().
func (b *EventHubBuilder) WithReconnectPolicy(policy *ReconnectPolicy) *EventHubBuilder {
	b.policy = policy
	return b
}

// WithDestinationPrefix sets a prefix that maps topics to transport
// destinations, e.g. "/topic/" turns topic "orders" into "/topic/orders".
func (b *EventHubBuilder) WithDestinationPrefix(prefix string) *EventHubBuilder {
	b.destinationPrefix = prefix
	return b
}

// WithMonitor sets an optional monitor for lifecycle notifications.
func (b *EventHubBuilder) WithMonitor(monitor Monitor) *EventHubBuilder {
	b.monitor = monitor
	return b
}

// WithOperationTimeout bounds each transport-level subscribe or unsubscribe.
func (b *EventHubBuilder) WithOperationTimeout(timeout time.Duration) *EventHubBuilder {
	if timeout > 0 {
		b.operationTimeout = timeout
	}
	return b
}

// WithMetrics sets the metrics provider for the hub.
func (b *EventHubBuilder) WithMetrics(provider o11y.MetricsProvider) *EventHubBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for the hub.
func (b *EventHubBuilder) WithTracing(provider o11y.TracingProvider) *EventHubBuilder {
	b.tracingProvider = provider
	return b
}

// IsValid checks that all required configuration is present.
func (b *EventHubBuilder) IsValid() error {
	if b.transportFactory == nil {
		return fmt.Errorf("transport is required")
	}
	return nil
}

// Build creates the EventHub and its transport. The hub starts deactivated.
func (b *EventHubBuilder) Build() (*EventHub, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	policy := b.policy
	if policy == nil {
		policy = NewReconnectPolicy().Build()
	}

	h := &EventHub{
		logger:            b.logger,
		policy:            policy,
		destinationPrefix: b.destinationPrefix,
		monitor:           b.monitor,
		operationTimeout:  b.operationTimeout,
		registry:          newRegistry(),
		wake:              make(chan struct{}, 1),
		lost:              make(chan error, 1),
	}

	if b.metricsProvider != nil || b.tracingProvider != nil {
		h.setupObservability(&o11y.ObservabilityConfig{
			MetricsProvider: b.metricsProvider,
			TracingProvider: b.tracingProvider,
		})
	}

	transport, err := b.transportFactory(&transportHandler{hub: h})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport factory returned nil")
	}
	h.transport = transport

	return h, nil
}
