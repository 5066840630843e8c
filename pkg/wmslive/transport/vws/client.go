package vws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tsarna/wmslive/pkg/wmslive"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("client is not connected")

// Client implements wmslive.Transport over a Vinculum WebSocket connection.
// Subscribe and Unsubscribe wait for the server's ack or nack.
type Client struct {
	url              string
	logger           *zap.Logger
	handler          wmslive.TransportHandler
	dialTimeout      time.Duration
	pingInterval     time.Duration
	writeChannelSize int
	authProvider     AuthorizationProvider
	headers          map[string][]string

	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.RWMutex
	subscribed map[string]struct{}
	started    int32
	stopping   int32

	messageID   int64
	pendingReqs map[int64]chan response
	pendingMu   sync.Mutex

	writeChannel chan []byte
	loops        sync.WaitGroup
}

type response struct {
	Success bool
	Error   string
}

// Connect dials the server and starts the read, write and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	if _, err := url.Parse(c.url); err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("invalid URL: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.writeChannel = make(chan []byte, c.writeChannelSize)

	c.pendingMu.Lock()
	c.pendingReqs = make(map[int64]chan response)
	c.pendingMu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{}
	if c.headers != nil {
		dialOptions.HTTPHeader = make(map[string][]string, len(c.headers))
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
	}

	// the provider wins over a custom Authorization header
	if c.authProvider != nil {
		authValue, err := c.authProvider(dialCtx)
		if err != nil {
			c.cancel()
			atomic.StoreInt32(&c.started, 0)
			return fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			if dialOptions.HTTPHeader == nil {
				dialOptions.HTTPHeader = make(map[string][]string)
			}
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		c.cancel()
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.subscribed = make(map[string]struct{})
	c.mu.Unlock()

	c.logger.Info("WebSocket client connected", zap.String("url", c.url))

	c.loops.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)
	if c.pingInterval > 0 {
		c.loops.Add(1)
		go c.pingLoop(conn)
	}

	return nil
}

// Disconnect closes the connection and reports a requested disconnect to the
// handler. It does nothing if the client is not connected.
func (c *Client) Disconnect() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.logger.Info("Disconnecting WebSocket client")
	c.cleanupWithStatus(websocket.StatusNormalClosure, "client disconnect")
	c.logger.Info("WebSocket client disconnected")

	c.handler.OnDisconnect(nil)
	return nil
}

func (c *Client) cleanupWithStatus(status websocket.StatusCode, reason string) {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(status, reason)
		c.conn = nil
	}
	c.subscribed = nil
	c.mu.Unlock()

	c.loops.Wait()

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

// notifyDisconnectError tears the connection down and then reports err to the
// handler. It runs the cleanup on its own goroutine because it is called from
// the loops that cleanup waits for.
func (c *Client) notifyDisconnectError(err error) {
	if atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		go func() {
			c.cleanupWithStatus(websocket.StatusInternalError, "connection error")
			c.handler.OnDisconnect(err)
		}()
	}
}

// Subscribe asks the server for events on topic. Subscribing to a topic that
// is already subscribed on this connection is a no-op.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return ErrNotConnected
	}
	if c.isSubscribed(topic) {
		return nil
	}

	msg := WireMessage{
		Kind:  MessageKindSubscribe,
		Topic: topic,
		Id:    c.nextMessageID(),
	}
	if err := c.sendMessage(ctx, msg); err != nil {
		return err
	}

	c.mu.Lock()
	if c.subscribed != nil {
		c.subscribed[topic] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe cancels a subscription made on this connection.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return ErrNotConnected
	}
	if !c.isSubscribed(topic) {
		return nil
	}

	msg := WireMessage{
		Kind:  MessageKindUnsubscribe,
		Topic: topic,
		Id:    c.nextMessageID(),
	}
	if err := c.sendMessage(ctx, msg); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.subscribed, topic)
	c.mu.Unlock()
	return nil
}

func (c *Client) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribed[topic]
	return ok
}

// sendMessage queues a request and waits for the matching ack or nack.
func (c *Client) sendMessage(ctx context.Context, msg WireMessage) error {
	msgID := msg.Id.(int64)

	respChan := make(chan response, 1)
	c.pendingMu.Lock()
	c.pendingReqs[msgID] = respChan
	c.pendingMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		c.cleanupPendingRequest(msgID)
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case c.writeChannel <- data:
	case <-ctx.Done():
		c.cleanupPendingRequest(msgID)
		return ctx.Err()
	case <-c.ctx.Done():
		c.cleanupPendingRequest(msgID)
		return ErrNotConnected
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			return fmt.Errorf("server error: %s", resp.Error)
		}
		return nil
	case <-ctx.Done():
		c.cleanupPendingRequest(msgID)
		return ctx.Err()
	case <-c.ctx.Done():
		c.cleanupPendingRequest(msgID)
		return ErrNotConnected
	}
}

func (c *Client) nextMessageID() int64 {
	return atomic.AddInt64(&c.messageID, 1)
}

func (c *Client) cleanupPendingRequest(msgID int64) (chan response, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	respChan, exists := c.pendingReqs[msgID]
	if exists {
		delete(c.pendingReqs, msgID)
	}
	return respChan, exists
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				c.notifyDisconnectError(err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.writeChannel:
			if err := conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
					c.notifyDisconnectError(err)
				}
				return
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("WebSocket ping failed", zap.Error(err))
					c.notifyDisconnectError(fmt.Errorf("ping failed: %w", err))
				}
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to unmarshal WebSocket message", zap.Error(err))
		return
	}

	switch msg.Kind {
	case MessageKindAck, MessageKindNack:
		c.handleResponse(msg)
	case MessageKindEvent:
		if msg.Topic == "" {
			return
		}
		c.handler.OnMessage(msg.Topic, msg.Data)
	default:
		c.logger.Warn("Unknown message kind", zap.String("kind", msg.Kind))
	}
}

func (c *Client) handleResponse(msg WireMessage) {
	// JSON numbers decode as float64
	msgID, ok := msg.Id.(float64)
	if !ok {
		return
	}

	respChan, exists := c.cleanupPendingRequest(int64(msgID))
	if exists {
		select {
		case respChan <- response{Success: msg.Kind == MessageKindAck, Error: msg.Error}:
		default:
		}
	}
}
