package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive"
	"github.com/tsarna/wmslive/pkg/wmslive/o11y"
	"go.uber.org/zap"
)

var (
	ErrEmptyTopic  = errors.New("topic must not be empty")
	ErrNilListener = errors.New("listener must not be nil")

	errConnectionClosed = errors.New("connection closed")
)

// Listener receives one decoded message payload. Payloads are shared between
// the listeners of a message and must not be modified.
type Listener func(payload any)

// Unsubscribe removes the listener it was returned for. Calling it more than
// once has no effect.
type Unsubscribe func()

// EventHub owns one transport connection and a registry of topic listeners.
// All methods are safe for concurrent use.
type EventHub struct {
	logger            *zap.Logger
	transport         wmslive.Transport
	policy            *ReconnectPolicy
	destinationPrefix string
	monitor           Monitor
	operationTimeout  time.Duration

	// Serializes Activate and Deactivate
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	mu       sync.Mutex
	registry *registry
	state    State

	// wake asks the connection loop to reconcile subscriptions, lost carries
	// the end of an established connection.
	wake chan struct{}
	lost chan error

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	receivedCounter   o11y.Counter
	droppedCounter    o11y.Counter
	panicCounter      o11y.Counter
	connectCounter    o11y.Counter
	reconnectCounter  o11y.Counter
	subscribeCounter  o11y.Counter
	dispatchHistogram o11y.Histogram
	connectedGauge    o11y.Gauge
	activeTopicsGauge o11y.Gauge
}

func (h *EventHub) setupObservability(config *o11y.ObservabilityConfig) {
	h.metricsProvider = config.MetricsProvider
	h.tracingProvider = config.TracingProvider

	if h.metricsProvider != nil {
		h.receivedCounter = h.metricsProvider.Counter(o11y.MetricMessagesReceived)
		h.droppedCounter = h.metricsProvider.Counter(o11y.MetricMessagesDropped)
		h.panicCounter = h.metricsProvider.Counter(o11y.MetricListenerPanics)
		h.connectCounter = h.metricsProvider.Counter(o11y.MetricConnectAttempts)
		h.reconnectCounter = h.metricsProvider.Counter(o11y.MetricReconnects)
		h.subscribeCounter = h.metricsProvider.Counter(o11y.MetricTransportSubCalls)
		h.dispatchHistogram = h.metricsProvider.Histogram(o11y.MetricDispatchDuration)
		h.connectedGauge = h.metricsProvider.Gauge(o11y.MetricConnected)
		h.activeTopicsGauge = h.metricsProvider.Gauge(o11y.MetricActiveTopics)
	}
}

// Activate starts connecting in the background and returns immediately. It is
// a no-op while the hub is already active.
func (h *EventHub) Activate() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.done != nil {
		select {
		case <-h.done:
			// the loop gave up after exhausting its retries
			h.cancel()
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	h.logger.Info("Activating event hub")
	go h.run(ctx, h.done)
}

// Deactivate closes the connection and cancels any pending reconnect. It
// blocks until the connection loop has stopped. Registered listeners are kept
// and resume receiving after the next Activate.
func (h *EventHub) Deactivate() {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.done == nil {
		return
	}

	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil

	if err := h.transport.Disconnect(); err != nil {
		h.logger.Warn("Error during transport disconnect", zap.Error(err))
	}
	h.setState(context.Background(), Disconnected, nil)

	h.logger.Info("Event hub deactivated")
}

// Subscribe registers listener for topic and returns the function that
// removes it. The first listener on a topic causes a transport-level
// subscription as soon as the hub is connected; later listeners share it.
func (h *EventHub) Subscribe(topic string, listener Listener) (Unsubscribe, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if listener == nil {
		return nil, ErrNilListener
	}

	h.mu.Lock()
	id, created := h.registry.add(topic, listener)
	topicCount := len(h.registry.topics)
	h.mu.Unlock()

	if created {
		h.logger.Debug("Topic added", zap.String("topic", topic))
		h.setTopicGauge(topicCount)
		h.kick()
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(topic, id) })
	}, nil
}

func (h *EventHub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	found, emptied := h.registry.remove(topic, id)
	topicCount := len(h.registry.topics)
	h.mu.Unlock()

	if found && emptied {
		h.logger.Debug("Topic removed", zap.String("topic", topic))
		h.setTopicGauge(topicCount)
		h.kick()
	}
}

// Status returns the current connection state.
func (h *EventHub) Status() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// IsConnected returns true if the transport is connected and every topic
// registered when the connection was made has been subscribed. Topics added
// later are subscribed in the background and retried if that fails.
func (h *EventHub) IsConnected() bool {
	return h.Status() == Connected
}

// Topics returns the registered topics in sorted order.
func (h *EventHub) Topics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.topicList()
}

// ListenerCount returns the number of listeners registered on topic.
func (h *EventHub) ListenerCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.count(topic)
}

func (h *EventHub) kick() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *EventHub) setState(ctx context.Context, to State, err error) {
	h.mu.Lock()
	from := h.state
	h.state = to
	h.mu.Unlock()

	if from == to {
		return
	}

	h.logger.Debug("Connection state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	if h.connectedGauge != nil {
		connected := 0.0
		if to == Connected {
			connected = 1.0
		}
		h.connectedGauge.Set(ctx, connected)
	}

	if h.monitor != nil {
		h.monitor.OnStateChange(ctx, from, to, err)
	}
}

func (h *EventHub) setTopicGauge(count int) {
	if h.activeTopicsGauge != nil {
		h.activeTopicsGauge.Set(context.Background(), float64(count))
	}
}

func (h *EventHub) destination(topic string) string {
	return h.destinationPrefix + topic
}

func (h *EventHub) topicFor(destination string) string {
	if h.destinationPrefix != "" {
		if topic, ok := strings.CutPrefix(destination, h.destinationPrefix); ok {
			return topic
		}
	}
	return destination
}

// transportHandler adapts the hub to the wmslive.TransportHandler interface
// without exposing those methods on EventHub itself.
type transportHandler struct {
	hub *EventHub
}

var (
	_ wmslive.TransportHandler    = (*transportHandler)(nil)
	_ wmslive.SubscriptionHandler = (*transportHandler)(nil)
)

func (t *transportHandler) OnMessage(destination string, body []byte) {
	t.hub.dispatch(destination, body)
}

func (t *transportHandler) OnSubscriptionMessage(subscription, destination string, body []byte) {
	t.hub.dispatchSubscription(subscription, destination, body)
}

func (t *transportHandler) OnDisconnect(err error) {
	select {
	case t.hub.lost <- err:
	default:
	}
}

func (t *transportHandler) OnError(err error) {
	t.hub.logger.Error("Transport reported an error", zap.Error(err))
}
