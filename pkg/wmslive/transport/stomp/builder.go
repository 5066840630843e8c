package stomp

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout = 10 * time.Second
	DefaultHeartbeat   = 10 * time.Second
)

// ClientBuilder provides a fluent interface for building STOMP-over-WebSocket
// transports.
type ClientBuilder struct {
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
}

// NewClient creates a new ClientBuilder with 10s dial timeout and 10s
// heart-beats in both directions.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:      zap.NewNop(),
		dialTimeout: DefaultDialTimeout,
		sendBeat:    DefaultHeartbeat,
		recvBeat:    DefaultHeartbeat,
	}
}

// WithURL sets the WebSocket URL of the STOMP endpoint, e.g. ws://host/ws.
func (b *ClientBuilder) WithURL(url string) *ClientBuilder {
	b.url = url
	return b
}

// WithLogger sets the logger for the client.
func (b *ClientBuilder) WithLogger(logger *zap.Logger) *ClientBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithHandler sets the handler receiving messages and connection events.
func (b *ClientBuilder) WithHandler(handler wmslive.TransportHandler) *ClientBuilder {
	b.handler = handler
	return b
}

// WithDialTimeout bounds the WebSocket handshake plus the STOMP CONNECT
// exchange. Non-positive values are ignored.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithHeartbeat sets the heart-beat intervals offered to the broker. Zero
// disables a direction; negative values are ignored.
func (b *ClientBuilder) WithHeartbeat(outgoing, incoming time.Duration) *ClientBuilder {
	if outgoing >= 0 {
		b.sendBeat = outgoing
	}
	if incoming >= 0 {
		b.recvBeat = incoming
	}
	return b
}

// WithHost sets the STOMP host header. Defaults to the URL's host name.
func (b *ClientBuilder) WithHost(host string) *ClientBuilder {
	b.host = host
	return b
}

// WithLogin sets the STOMP login and passcode headers.
func (b *ClientBuilder) WithLogin(login, passcode string) *ClientBuilder {
	b.login = login
	b.passcode = passcode
	return b
}

// WithHeaders replaces the HTTP headers sent with the WebSocket handshake.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	b.headers = make(http.Header, len(headers))
	for key, values := range headers {
		for _, v := range values {
			b.headers.Add(key, v)
		}
	}
	return b
}

// WithHeader sets a single HTTP handshake header.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(http.Header)
	}
	b.headers.Set(key, value)
	return b
}

// WithAuthorization sets the Authorization handshake header.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	return b.WithHeader("Authorization", authHeader)
}

// WithReceipts makes Subscribe and Unsubscribe request a RECEIPT from the
// broker and wait for it.
func (b *ClientBuilder) WithReceipts(wait bool) *ClientBuilder {
	b.waitReceipts = wait
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
	}
	if _, err := url.Parse(b.url); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if b.handler == nil {
		return fmt.Errorf("handler is required")
	}
	return nil
}

// Build creates the Client. It does not connect.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	host := b.host
	if host == "" {
		u, _ := url.Parse(b.url)
		host = u.Hostname()
	}

	return &Client{
		url:          b.url,
		logger:       b.logger,
		handler:      b.handler,
		dialTimeout:  b.dialTimeout,
		sendBeat:     b.sendBeat,
		recvBeat:     b.recvBeat,
		host:         host,
		login:        b.login,
		passcode:     b.passcode,
		headers:      b.headers.Clone(),
		waitReceipts: b.waitReceipts,
	}, nil
}

// Factory returns a wmslive.TransportFactory that builds a Client from this
// builder's settings with the hub's handler.
func (b *ClientBuilder) Factory() wmslive.TransportFactory {
	return func(handler wmslive.TransportHandler) (wmslive.Transport, error) {
		client, err := b.WithHandler(handler).Build()
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
