// Package memory provides a process-local transport with fault injection,
// used for tests and demos of the EventHub.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/wmslive/pkg/wmslive"
)

var (
	ErrNotConnected     = errors.New("transport is not connected")
	ErrAlreadyConnected = errors.New("transport is already connected")
	ErrConnectRefused   = errors.New("connection refused")
	ErrSubscribeRefused = errors.New("subscription refused")
)

// Broker routes messages between in-memory transports by destination.
type Broker struct {
	mu               sync.Mutex
	connected        map[*Transport]struct{}
	failConnects     int
	failSubscribes   map[string]int
	hold             chan struct{}
	connectCalls     int
	subscribeCalls   map[string]int
	unsubscribeCalls map[string]int
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		connected:        make(map[*Transport]struct{}),
		failSubscribes:   make(map[string]int),
		subscribeCalls:   make(map[string]int),
		unsubscribeCalls: make(map[string]int),
	}
}

// Factory returns a TransportFactory producing transports attached to this broker.
func (b *Broker) Factory() wmslive.TransportFactory {
	return func(handler wmslive.TransportHandler) (wmslive.Transport, error) {
		return b.Transport(handler), nil
	}
}

// Transport creates a disconnected transport attached to this broker.
func (b *Broker) Transport(handler wmslive.TransportHandler) *Transport {
	return &Transport{
		broker:        b,
		handler:       handler,
		subscriptions: make(map[string]struct{}),
	}
}

// Publish delivers body to every connected transport with a subscription
// matching destination, synchronously, and returns how many received it.
// Subscriptions may use MQTT-style wildcards. A transport receives each
// message at most once.
func (b *Broker) Publish(destination string, body []byte) int {
	b.mu.Lock()
	var targets []*Transport
	for t := range b.connected {
		if t.matches(destination) {
			targets = append(targets, t)
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.handler.OnMessage(destination, append([]byte(nil), body...))
	}
	return len(targets)
}

// DropConnections ends every connection as if the network failed.
func (b *Broker) DropConnections(err error) {
	b.mu.Lock()
	dropped := make([]*Transport, 0, len(b.connected))
	for t := range b.connected {
		t.reset()
		dropped = append(dropped, t)
	}
	clear(b.connected)
	b.mu.Unlock()

	for _, t := range dropped {
		t.handler.OnDisconnect(err)
	}
}

// SendError reports a protocol error to every connected transport and then
// drops the connections, as a broker does after an ERROR frame.
func (b *Broker) SendError(err error) {
	b.mu.Lock()
	targets := make([]*Transport, 0, len(b.connected))
	for t := range b.connected {
		targets = append(targets, t)
	}
	b.mu.Unlock()

	for _, t := range targets {
		t.handler.OnError(err)
	}
	b.DropConnections(err)
}

// FailConnects makes the next n connection attempts fail.
func (b *Broker) FailConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
}

// FailSubscribes makes the next n subscribe calls for destination fail.
func (b *Broker) FailSubscribes(destination string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribes[destination] = n
}

// HoldConnects makes connection attempts block until ReleaseConnects is
// called or their context ends.
func (b *Broker) HoldConnects() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold == nil {
		b.hold = make(chan struct{})
	}
}

// ReleaseConnects unblocks connection attempts held by HoldConnects.
func (b *Broker) ReleaseConnects() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold != nil {
		close(b.hold)
		b.hold = nil
	}
}

// ConnectCalls returns the number of Connect calls made so far.
func (b *Broker) ConnectCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectCalls
}

// SubscribeCalls returns the number of Subscribe calls made for destination.
func (b *Broker) SubscribeCalls(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCalls[destination]
}

// UnsubscribeCalls returns the number of Unsubscribe calls made for destination.
func (b *Broker) UnsubscribeCalls(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeCalls[destination]
}

// IsSubscribed reports whether any connected transport is subscribed to destination.
func (b *Broker) IsSubscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range b.connected {
		if _, ok := t.subscriptions[destination]; ok {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of connected transports.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connected)
}

// Transport is an in-memory wmslive.Transport. Its state is guarded by the
// broker's lock.
type Transport struct {
	broker        *Broker
	handler       wmslive.TransportHandler
	connected     bool
	subscriptions map[string]struct{}
}

func (t *Transport) matches(destination string) bool {
	if _, ok := t.subscriptions[destination]; ok {
		return true
	}
	for sub := range t.subscriptions {
		if mqttpattern.Matches(sub, destination) {
			return true
		}
	}
	return false
}

func (t *Transport) reset() {
	t.connected = false
	clear(t.subscriptions)
}

func (t *Transport) Connect(ctx context.Context) error {
	b := t.broker

	b.mu.Lock()
	b.connectCalls++
	hold := b.hold
	b.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t.connected {
		return ErrAlreadyConnected
	}
	if b.failConnects > 0 {
		b.failConnects--
		return ErrConnectRefused
	}

	t.connected = true
	clear(t.subscriptions)
	b.connected[t] = struct{}{}
	return nil
}

func (t *Transport) Disconnect() error {
	b := t.broker

	b.mu.Lock()
	if !t.connected {
		b.mu.Unlock()
		return nil
	}
	t.reset()
	delete(b.connected, t)
	b.mu.Unlock()

	t.handler.OnDisconnect(nil)
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, destination string) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	b.subscribeCalls[destination]++
	if b.failSubscribes[destination] > 0 {
		b.failSubscribes[destination]--
		return ErrSubscribeRefused
	}
	t.subscriptions[destination] = struct{}{}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, destination string) error {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if !t.connected {
		return ErrNotConnected
	}
	b.unsubscribeCalls[destination]++
	delete(t.subscriptions, destination)
	return nil
}
