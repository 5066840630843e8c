package hub

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Monitor receives EventHub lifecycle notifications. It is the push-based
// alternative to polling Status. Callbacks run on the hub's goroutines and
// must not block.
type Monitor interface {
	OnStateChange(ctx context.Context, from, to State, err error)
	OnSubscribe(ctx context.Context, topic string)
	OnUnsubscribe(ctx context.Context, topic string)
	OnDrop(ctx context.Context, destination string, err error)
}

// BaseMonitor implements Monitor with no-ops, for embedding.
type BaseMonitor struct{}

func (BaseMonitor) OnStateChange(ctx context.Context, from, to State, err error) {}
func (BaseMonitor) OnSubscribe(ctx context.Context, topic string)                {}
func (BaseMonitor) OnUnsubscribe(ctx context.Context, topic string)              {}
func (BaseMonitor) OnDrop(ctx context.Context, destination string, err error)    {}

// StateFunc adapts a function to a Monitor that only observes state changes.
type StateFunc func(from, to State)

func (f StateFunc) OnStateChange(ctx context.Context, from, to State, err error) { f(from, to) }
func (StateFunc) OnSubscribe(ctx context.Context, topic string)                 {}
func (StateFunc) OnUnsubscribe(ctx context.Context, topic string)               {}
func (StateFunc) OnDrop(ctx context.Context, destination string, err error)     {}

// Tracker is a Monitor that records connection and transport subscription
// state. It is safe for concurrent use.
type Tracker struct {
	mu                sync.RWMutex
	state             State
	connectionTime    time.Time
	disconnectionTime time.Time
	lastError         error
	connectCount      int
	dropCount         int
	subscriptions     map[string]time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		subscriptions: make(map[string]time.Time),
	}
}

func (t *Tracker) OnStateChange(ctx context.Context, from, to State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = to
	switch to {
	case Connected:
		t.connectionTime = time.Now()
		t.connectCount++
	case Disconnected:
		if from == Connected {
			t.disconnectionTime = time.Now()
		}
		// transport subscriptions do not survive the connection
		clear(t.subscriptions)
	}
	if err != nil {
		t.lastError = err
	}
}

func (t *Tracker) OnSubscribe(ctx context.Context, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscriptions[topic] = time.Now()
}

func (t *Tracker) OnUnsubscribe(ctx context.Context, topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, topic)
}

func (t *Tracker) OnDrop(ctx context.Context, destination string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropCount++
}

// GetState returns the last observed state.
func (t *Tracker) GetState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// IsConnected returns true if the last observed state is Connected.
func (t *Tracker) IsConnected() bool {
	return t.GetState() == Connected
}

// GetConnectionTime returns when the current or last connection was established.
func (t *Tracker) GetConnectionTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectionTime
}

// GetDisconnectionTime returns when the last established connection was lost.
func (t *Tracker) GetDisconnectionTime() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disconnectionTime
}

// GetLastError returns the last error reported with a state change.
func (t *Tracker) GetLastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastError
}

// GetReconnectCount returns how many times a connection was re-established
// after the first one.
func (t *Tracker) GetReconnectCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.connectCount == 0 {
		return 0
	}
	return t.connectCount - 1
}

// GetDropCount returns the number of dropped inbound messages.
func (t *Tracker) GetDropCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropCount
}

// GetSubscriptionCount returns the number of topics subscribed on the transport.
func (t *Tracker) GetSubscriptionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscriptions)
}

// GetSubscriptionTopics returns the topics subscribed on the transport, sorted.
func (t *Tracker) GetSubscriptionTopics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	topics := make([]string, 0, len(t.subscriptions))
	for topic := range t.subscriptions {
		topics = append(topics, topic)
	}
	slices.Sort(topics)
	return topics
}

// IsSubscribedTo returns true if the topic is subscribed on the transport.
func (t *Tracker) IsSubscribedTo(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.subscriptions[topic]
	return ok
}

// GetSubscriptionTime returns when the topic was subscribed on the transport,
// or the zero time.
func (t *Tracker) GetSubscriptionTime(topic string) time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.subscriptions[topic]
}
