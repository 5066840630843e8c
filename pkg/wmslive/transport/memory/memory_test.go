package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	destination string
	body        string
}

type recordingHandler struct {
	mu          sync.Mutex
	messages    []received
	disconnects []error
	errs        []error
}

func (r *recordingHandler) OnMessage(destination string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{destination, string(body)})
}

func (r *recordingHandler) OnDisconnect(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, err)
}

func (r *recordingHandler) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingHandler) getMessages() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.messages...)
}

func TestTransportLifecycle(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	handler := &recordingHandler{}
	transport := broker.Transport(handler)

	t.Run("subscribe before connect fails", func(t *testing.T) {
		assert.ErrorIs(t, transport.Subscribe(ctx, "orders"), ErrNotConnected)
		assert.Equal(t, 0, broker.SubscribeCalls("orders"))
	})

	t.Run("connect", func(t *testing.T) {
		require.NoError(t, transport.Connect(ctx))
		assert.Equal(t, 1, broker.ConnectCalls())
		assert.Equal(t, 1, broker.ConnectionCount())
		assert.ErrorIs(t, transport.Connect(ctx), ErrAlreadyConnected)
	})

	t.Run("publish reaches subscribers only", func(t *testing.T) {
		require.NoError(t, transport.Subscribe(ctx, "orders"))
		assert.True(t, broker.IsSubscribed("orders"))

		assert.Equal(t, 1, broker.Publish("orders", []byte(`{"id":1}`)))
		assert.Equal(t, 0, broker.Publish("vehicles", []byte(`{"id":2}`)))
		assert.Equal(t, []received{{"orders", `{"id":1}`}}, handler.getMessages())
	})

	t.Run("unsubscribe", func(t *testing.T) {
		require.NoError(t, transport.Unsubscribe(ctx, "orders"))
		assert.False(t, broker.IsSubscribed("orders"))
		assert.Equal(t, 1, broker.UnsubscribeCalls("orders"))
		assert.Equal(t, 0, broker.Publish("orders", []byte(`{}`)))
	})

	t.Run("disconnect reports a requested close", func(t *testing.T) {
		require.NoError(t, transport.Disconnect())
		assert.Equal(t, 0, broker.ConnectionCount())
		require.Len(t, handler.disconnects, 1)
		assert.NoError(t, handler.disconnects[0])

		// second disconnect is silent
		require.NoError(t, transport.Disconnect())
		assert.Len(t, handler.disconnects, 1)
	})
}

func TestWildcardSubscriptions(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	handler := &recordingHandler{}
	transport := broker.Transport(handler)

	require.NoError(t, transport.Connect(ctx))
	require.NoError(t, transport.Subscribe(ctx, "vehicles/+"))
	require.NoError(t, transport.Subscribe(ctx, "vehicles/7"))

	assert.Equal(t, 1, broker.Publish("vehicles/7", []byte(`1`)))
	assert.Equal(t, 1, broker.Publish("vehicles/8", []byte(`2`)))
	assert.Equal(t, 0, broker.Publish("vehicles/8/position", []byte(`3`)))

	assert.Len(t, handler.getMessages(), 2)
}

func TestDropConnections(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	handler := &recordingHandler{}
	transport := broker.Transport(handler)

	require.NoError(t, transport.Connect(ctx))
	require.NoError(t, transport.Subscribe(ctx, "orders"))

	lost := errors.New("network unreachable")
	broker.DropConnections(lost)

	assert.Equal(t, 0, broker.ConnectionCount())
	assert.False(t, broker.IsSubscribed("orders"))
	require.Len(t, handler.disconnects, 1)
	assert.ErrorIs(t, handler.disconnects[0], lost)

	// subscriptions do not survive a new connection
	require.NoError(t, transport.Connect(ctx))
	assert.False(t, broker.IsSubscribed("orders"))
}

func TestSendError(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	handler := &recordingHandler{}
	transport := broker.Transport(handler)
	require.NoError(t, transport.Connect(ctx))

	protocolErr := errors.New("invalid frame")
	broker.SendError(protocolErr)

	assert.Equal(t, []error{protocolErr}, handler.errs)
	assert.Equal(t, []error{protocolErr}, handler.disconnects)
	assert.Equal(t, 0, broker.ConnectionCount())
}

func TestFailConnects(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	transport := broker.Transport(&recordingHandler{})

	broker.FailConnects(2)
	assert.ErrorIs(t, transport.Connect(ctx), ErrConnectRefused)
	assert.ErrorIs(t, transport.Connect(ctx), ErrConnectRefused)
	assert.NoError(t, transport.Connect(ctx))
	assert.Equal(t, 3, broker.ConnectCalls())
}

func TestFailSubscribes(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	handler := &recordingHandler{}
	transport := broker.Transport(handler)
	require.NoError(t, transport.Connect(ctx))

	broker.FailSubscribes("orders", 1)
	assert.ErrorIs(t, transport.Subscribe(ctx, "orders"), ErrSubscribeRefused)
	assert.Equal(t, 0, broker.Publish("orders", []byte(`1`)))

	require.NoError(t, transport.Subscribe(ctx, "orders"))
	assert.Equal(t, 1, broker.Publish("orders", []byte(`2`)))
	assert.Equal(t, 2, broker.SubscribeCalls("orders"))
	assert.Equal(t, []received{{"orders", "2"}}, handler.getMessages())
}

func TestHoldConnects(t *testing.T) {
	broker := NewBroker()
	transport := broker.Transport(&recordingHandler{})
	broker.HoldConnects()

	t.Run("context cancels a held connect", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, transport.Connect(ctx), context.DeadlineExceeded)
	})

	t.Run("release completes a held connect", func(t *testing.T) {
		errCh := make(chan error, 1)
		go func() { errCh <- transport.Connect(context.Background()) }()

		assert.Eventually(t, func() bool { return broker.ConnectCalls() == 2 }, time.Second, 5*time.Millisecond)
		broker.ReleaseConnects()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("connect was not released")
		}
	})
}
