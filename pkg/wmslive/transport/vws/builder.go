package vws

import (
	"context"
	"fmt"
	"time"

	"github.com/tsarna/wmslive/pkg/wmslive"
	"go.uber.org/zap"
)

const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultPingInterval     = 10 * time.Second
	DefaultWriteChannelSize = 100
)

// AuthorizationProvider returns the Authorization header value for a
// connection attempt, e.g. "Bearer token123". It is called on every Connect.
type AuthorizationProvider func(ctx context.Context) (string, error)

// ClientBuilder provides a fluent interface for building Vinculum WebSocket transports.
type ClientBuilder struct {
	url              string
	logger           *zap.Logger
	handler          wmslive.TransportHandler
	dialTimeout      time.Duration
	pingInterval     time.Duration
	writeChannelSize int
	authProvider     AuthorizationProvider
	headers          map[string][]string
}

// NewClient creates a new ClientBuilder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		logger:           zap.NewNop(),
		dialTimeout:      DefaultDialTimeout,
		pingInterval:     DefaultPingInterval,
		writeChannelSize: DefaultWriteChannelSize,
	}
}

// WithURL sets the WebSocket URL to connect to.
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

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithPingInterval sets how often the connection is checked with a ping.
// Zero disables pings. Negative values are ignored.
func (b *ClientBuilder) WithPingInterval(interval time.Duration) *ClientBuilder {
	if interval >= 0 {
		b.pingInterval = interval
	}
	return b
}

// WithWriteChannelSize sets the buffer size of the outbound message queue.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithAuthorization sets a static Authorization header value.
func (b *ClientBuilder) WithAuthorization(authHeader string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return authHeader, nil
	}
	return b
}

// WithAuthorizationProvider sets a function called on every connection
// attempt to obtain the Authorization header.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeaders replaces the custom handshake headers.
func (b *ClientBuilder) WithHeaders(headers map[string][]string) *ClientBuilder {
	b.headers = make(map[string][]string, len(headers))
	for key, values := range headers {
		b.headers[key] = append([]string(nil), values...)
	}
	return b
}

// WithHeader sets a single handshake header.
func (b *ClientBuilder) WithHeader(key, value string) *ClientBuilder {
	if b.headers == nil {
		b.headers = make(map[string][]string)
	}
	b.headers[key] = []string{value}
	return b
}

// IsValid checks that all required configuration is present.
func (b *ClientBuilder) IsValid() error {
	if b.url == "" {
		return fmt.Errorf("URL is required")
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

	return &Client{
		url:              b.url,
		logger:           b.logger,
		handler:          b.handler,
		dialTimeout:      b.dialTimeout,
		pingInterval:     b.pingInterval,
		writeChannelSize: b.writeChannelSize,
		authProvider:     b.authProvider,
		headers:          b.headers,
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
