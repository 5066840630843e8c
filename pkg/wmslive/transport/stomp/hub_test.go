package stomp

import (
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"go.uber.org/zap/zaptest"
)

func TestEventHubOverStomp(t *testing.T) {
	b := newBroker(t)
	logger := zaptest.NewLogger(t)

	h, err := hub.NewEventHub().
		WithTransport(NewClient().
			WithURL(b.wsURL()).
			WithLogger(logger).
			WithHeartbeat(0, 0).
			WithReceipts(true).
			Factory()).
		WithDestinationPrefix("/topic/").
		WithReconnectPolicy(hub.NewReconnectPolicy().WithDelay(20 * time.Millisecond).Build()).
		WithLogger(logger).
		Build()
	require.NoError(t, err)
	t.Cleanup(h.Deactivate)

	updates := make(chan any, 4)
	_, err = h.Subscribe("vehicles", func(payload any) { updates <- payload })
	require.NoError(t, err)

	h.Activate()
	require.Eventually(t, h.IsConnected, 2*time.Second, 5*time.Millisecond)

	b.publish("/topic/vehicles", `{"vehicleId":"v1","active":true}`)
	select {
	case payload := <-updates:
		assert.Equal(t, map[string]any{"vehicleId": "v1", "active": true}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered")
	}

	b.dropAll()
	require.Eventually(t, func() bool {
		return h.IsConnected() && len(b.received(frame.SUBSCRIBE)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	b.publish("/topic/vehicles", `{"vehicleId":"v2","active":false}`)
	select {
	case payload := <-updates:
		assert.Equal(t, map[string]any{"vehicleId": "v2", "active": false}, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("update not delivered after reconnect")
	}
}

func TestOverlappingSubscriptionsDeliverOnce(t *testing.T) {
	b := newBroker(t)
	logger := zaptest.NewLogger(t)

	h, err := hub.NewEventHub().
		WithTransport(NewClient().
			WithURL(b.wsURL()).
			WithLogger(logger).
			WithHeartbeat(0, 0).
			WithReceipts(true).
			Factory()).
		WithDestinationPrefix("/topic/").
		WithLogger(logger).
		Build()
	require.NoError(t, err)
	t.Cleanup(h.Deactivate)

	exact := make(chan any, 4)
	pattern := make(chan any, 4)
	_, err = h.Subscribe("orders/1", func(payload any) { exact <- payload })
	require.NoError(t, err)
	_, err = h.Subscribe("orders/+", func(payload any) { pattern <- payload })
	require.NoError(t, err)

	h.Activate()
	require.Eventually(t, h.IsConnected, 2*time.Second, 5*time.Millisecond)

	// the broker sends a copy per matching subscription
	b.publishMatching("/topic/orders/1", `{"orderId":"1"}`)
	b.publishMatching("/topic/orders/2", `{"orderId":"2"}`)

	wait := func(ch chan any) any {
		t.Helper()
		select {
		case payload := <-ch:
			return payload
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
			return nil
		}
	}

	assert.Equal(t, map[string]any{"orderId": "1"}, wait(pattern))
	assert.Equal(t, map[string]any{"orderId": "2"}, wait(pattern))
	assert.Equal(t, map[string]any{"orderId": "1"}, wait(exact))

	// every copy was dispatched before the last one above
	assert.Empty(t, exact)
	assert.Empty(t, pattern)
}
