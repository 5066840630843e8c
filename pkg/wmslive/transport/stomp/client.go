package stomp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tsarna/wmslive/pkg/wmslive"
	"go.uber.org/zap"
)

var (
	ErrNotConnected = errors.New("client is not connected")
	// ErrBroker wraps the message of an ERROR frame sent by the broker.
	ErrBroker = errors.New("stomp broker error")
)

// Subprotocols are offered during the WebSocket handshake, newest first.
var Subprotocols = []string{"v12.stomp", "v11.stomp"}

var heartbeatFrame = []byte{'\n'}

// Client implements wmslive.Transport with STOMP 1.2 frames carried in
// WebSocket text messages. Each subscribed destination gets one
// subscription id for the lifetime of the connection.
type Client struct {
	url          string
	logger       *zap.Logger
	handler      wmslive.TransportHandler
	dialTimeout  time.Duration
	sendBeat     time.Duration
	recvBeat     time.Duration
	host         string
	login        string
	passcode     string
	headers      http.Header
	waitReceipts bool

	conn          *websocket.Conn
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.Mutex
	subscriptions map[string]string // destination to subscription id
	destinations  map[string]string // subscription id to destination
	started       int32
	stopping      int32

	// gorilla allows a single concurrent writer
	writeMu sync.Mutex

	// negotiated with the broker on connect
	sendInterval time.Duration
	recvInterval time.Duration

	receiptsMu sync.Mutex
	receipts   map[string]chan struct{}

	loops sync.WaitGroup
}

// Connect dials the broker, exchanges CONNECT/CONNECTED and starts the read
// and heart-beat loops.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.dialTimeout,
		Subprotocols:     Subprotocols,
	}

	conn, _, err := dialer.DialContext(dialCtx, c.url, c.headers)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	sendInterval, recvInterval, err := c.handshake(dialCtx, conn)
	if err != nil {
		conn.Close()
		atomic.StoreInt32(&c.started, 0)
		return err
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.sendInterval = sendInterval
	c.recvInterval = recvInterval

	c.receiptsMu.Lock()
	c.receipts = make(map[string]chan struct{})
	c.receiptsMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.subscriptions = make(map[string]string)
	c.destinations = make(map[string]string)
	c.mu.Unlock()

	c.logger.Info("STOMP client connected",
		zap.String("url", c.url),
		zap.String("subprotocol", conn.Subprotocol()),
		zap.Duration("send_heartbeat", sendInterval),
		zap.Duration("recv_heartbeat", recvInterval),
	)

	c.loops.Add(1)
	go c.readLoop(conn)
	if sendInterval > 0 {
		c.loops.Add(1)
		go c.heartbeatLoop()
	}

	return nil
}

// handshake sends CONNECT and waits for the broker's answer. It returns the
// negotiated outgoing and incoming heart-beat intervals.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (time.Duration, time.Duration, error) {
	// unblock the read below if ctx ends first
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1",
		frame.Host, c.host,
		frame.HeartBeat, formatHeartBeat(c.sendBeat, c.recvBeat),
	)
	if c.login != "" {
		connect.Header.Set(frame.Login, c.login)
		connect.Header.Set(frame.Passcode, c.passcode)
	}

	data, err := encodeFrame(connect)
	if err != nil {
		return 0, 0, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return 0, 0, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var reply *frame.Frame
	for reply == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, fmt.Errorf("waiting for CONNECTED: %w", ctx.Err())
			}
			return 0, 0, fmt.Errorf("waiting for CONNECTED: %w", err)
		}

		frames, err := decodeFrames(data)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid frame during connect: %w", err)
		}
		if len(frames) > 0 {
			reply = frames[0]
		}
	}

	conn.SetReadDeadline(time.Time{})

	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		return 0, 0, brokerError(reply)
	default:
		return 0, 0, fmt.Errorf("unexpected %s frame during connect", reply.Command)
	}

	var serverSend, serverRecv time.Duration
	if hb := reply.Header.Get(frame.HeartBeat); hb != "" {
		serverSend, serverRecv, err = frame.ParseHeartBeat(hb)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid heart-beat header %q: %w", hb, err)
		}
	}

	return negotiate(c.sendBeat, serverRecv), negotiate(c.recvBeat, serverSend), nil
}

// Disconnect sends DISCONNECT, closes the connection and reports a requested
// disconnect to the handler. It does nothing if the client is not connected.
func (c *Client) Disconnect() error {
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil
	}

	c.logger.Info("Disconnecting STOMP client")

	if err := c.write(frame.New(frame.DISCONNECT)); err != nil {
		c.logger.Debug("Failed to send DISCONNECT", zap.Error(err))
	}
	c.cleanupWithStatus(websocket.CloseNormalClosure, "client disconnect")

	c.logger.Info("STOMP client disconnected")
	c.handler.OnDisconnect(nil)
	return nil
}

func (c *Client) cleanupWithStatus(code int, reason string) {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subscriptions = nil
	c.destinations = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		conn.Close()
	}

	c.loops.Wait()

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

// notifyDisconnectError tears the connection down and then reports err. The
// cleanup runs on its own goroutine since the caller is one of the loops it
// waits for.
func (c *Client) notifyDisconnectError(err error) {
	if atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		go func() {
			c.cleanupWithStatus(websocket.CloseInternalServerErr, "connection error")
			c.handler.OnDisconnect(err)
		}()
	}
}

// Subscribe sends SUBSCRIBE for destination with a fresh subscription id.
// A destination already subscribed on this connection is left alone.
func (c *Client) Subscribe(ctx context.Context, destination string) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return ErrNotConnected
	}

	// the id is registered before SUBSCRIBE goes out so that the first
	// MESSAGE can be matched to it
	id := uuid.NewString()
	c.mu.Lock()
	if c.subscriptions == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if _, exists := c.subscriptions[destination]; exists {
		c.mu.Unlock()
		return nil
	}
	c.subscriptions[destination] = id
	c.destinations[id] = destination
	c.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
	if err := c.send(ctx, f); err != nil {
		c.mu.Lock()
		if c.subscriptions[destination] == id {
			delete(c.subscriptions, destination)
			delete(c.destinations, id)
		}
		c.mu.Unlock()
		return err
	}

	c.logger.Debug("Subscribed", zap.String("destination", destination), zap.String("id", id))
	return nil
}

// Unsubscribe sends UNSUBSCRIBE for the destination's subscription id.
func (c *Client) Unsubscribe(ctx context.Context, destination string) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return ErrNotConnected
	}

	c.mu.Lock()
	id, exists := c.subscriptions[destination]
	c.mu.Unlock()
	if !exists {
		return nil
	}

	if err := c.send(ctx, frame.New(frame.UNSUBSCRIBE, frame.Id, id)); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.subscriptions, destination)
	delete(c.destinations, id)
	c.mu.Unlock()
	return nil
}

// send writes f and, when receipts are enabled, waits for the broker's RECEIPT.
func (c *Client) send(ctx context.Context, f *frame.Frame) error {
	if !c.waitReceipts {
		return c.write(f)
	}

	receipt := uuid.NewString()
	f.Header.Set(frame.Receipt, receipt)

	done := make(chan struct{})
	c.receiptsMu.Lock()
	c.receipts[receipt] = done
	c.receiptsMu.Unlock()

	defer func() {
		c.receiptsMu.Lock()
		delete(c.receipts, receipt)
		c.receiptsMu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for receipt: %w", ctx.Err())
	case <-c.ctx.Done():
		return ErrNotConnected
	}
}

func (c *Client) write(f *frame.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Client) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("Failed to write to WebSocket", zap.Error(err))
			c.notifyDisconnectError(err)
		}
		return err
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.loops.Done()

	for {
		if c.recvInterval > 0 {
			// allow one missed heart-beat
			conn.SetReadDeadline(time.Now().Add(2 * c.recvInterval))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				c.notifyDisconnectError(err)
			}
			return
		}

		frames, err := decodeFrames(data)
		if err != nil {
			c.logger.Error("Received an invalid frame", zap.Error(err))
			c.notifyDisconnectError(fmt.Errorf("invalid frame: %w", err))
			return
		}

		for _, f := range frames {
			if !c.handleFrame(f) {
				return
			}
		}
	}
}

// handleFrame processes one inbound frame and returns false if the
// connection has ended.
func (c *Client) handleFrame(f *frame.Frame) bool {
	switch f.Command {
	case frame.MESSAGE:
		c.deliver(f)
	case frame.RECEIPT:
		c.receiptsMu.Lock()
		done, ok := c.receipts[f.Header.Get(frame.ReceiptId)]
		c.receiptsMu.Unlock()
		if ok {
			close(done)
		}
	case frame.ERROR:
		err := brokerError(f)
		c.logger.Error("Broker sent ERROR frame", zap.Error(err))
		c.handler.OnError(err)
		c.notifyDisconnectError(err)
		return false
	default:
		c.logger.Debug("Ignoring frame", zap.String("command", f.Command))
	}
	return true
}

// deliver hands a MESSAGE to the handler. A wildcard-aware broker sends one
// MESSAGE per matching subscription, so when the handler can route by
// subscription each copy goes to the destination it was subscribed under.
func (c *Client) deliver(f *frame.Frame) {
	destination := f.Header.Get(frame.Destination)

	sh, ok := c.handler.(wmslive.SubscriptionHandler)
	id := f.Header.Get(frame.Subscription)
	if !ok || id == "" {
		c.handler.OnMessage(destination, f.Body)
		return
	}

	c.mu.Lock()
	subscribed, known := c.destinations[id]
	c.mu.Unlock()
	if !known {
		// sent before the broker processed our UNSUBSCRIBE
		c.logger.Debug("Dropping message for unknown subscription",
			zap.String("destination", destination),
			zap.String("subscription", id))
		return
	}

	sh.OnSubscriptionMessage(subscribed, destination, f.Body)
}

func (c *Client) heartbeatLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeRaw(heartbeatFrame); err != nil {
				return
			}
		}
	}
}

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// decodeFrames parses every frame in one WebSocket message. Heart-beats
// produce no frames.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
}

func brokerError(f *frame.Frame) error {
	message := f.Header.Get(frame.Message)
	if len(f.Body) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrBroker, message, bytes.TrimSpace(f.Body))
	}
	return fmt.Errorf("%w: %s", ErrBroker, message)
}

func formatHeartBeat(outgoing, incoming time.Duration) string {
	return fmt.Sprintf("%d,%d", outgoing.Milliseconds(), incoming.Milliseconds())
}

// negotiate applies the STOMP heart-beat rule: disabled if either side
// declines, otherwise the larger of the two intervals.
func negotiate(ours, theirs time.Duration) time.Duration {
	if ours == 0 || theirs == 0 {
		return 0
	}
	return max(ours, theirs)
}
