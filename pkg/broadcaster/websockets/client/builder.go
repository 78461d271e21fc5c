package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AuthorizationProvider returns the Authorization header value for a dial,
// e.g. "Bearer eyJhbGciOi...".
type AuthorizationProvider func(ctx context.Context) (string, error)

// ClientBuilder provides a fluent interface for building WebSocket clients.
type ClientBuilder struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	requestTimeout   time.Duration
	writeChannelSize int
	authProvider     AuthorizationProvider
	headers          map[string][]string
}

// NewClient creates a new WebSocket client builder.
func NewClient() *ClientBuilder {
	return &ClientBuilder{
		dialTimeout:      30 * time.Second,
		requestTimeout:   10 * time.Second,
		logger:           zap.NewNop(),
		writeChannelSize: 100,
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

// WithDialTimeout sets the timeout for establishing the WebSocket connection.
func (b *ClientBuilder) WithDialTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithRequestTimeout bounds how long a request waits for its ack.
func (b *ClientBuilder) WithRequestTimeout(timeout time.Duration) *ClientBuilder {
	if timeout > 0 {
		b.requestTimeout = timeout
	}
	return b
}

// WithWriteChannelSize sets the buffer size for the internal write channel.
// Default is 100.
func (b *ClientBuilder) WithWriteChannelSize(size int) *ClientBuilder {
	if size > 0 {
		b.writeChannelSize = size
	}
	return b
}

// WithAuthKey sends authKey as a bearer token with every dial.
func (b *ClientBuilder) WithAuthKey(authKey string) *ClientBuilder {
	b.authProvider = func(ctx context.Context) (string, error) {
		return "Bearer " + authKey, nil
	}
	return b
}

// WithAuthorizationProvider sets a function called on every dial to obtain
// the Authorization header, so a refreshed key is picked up on reconnect.
func (b *ClientBuilder) WithAuthorizationProvider(provider AuthorizationProvider) *ClientBuilder {
	b.authProvider = provider
	return b
}

// WithHeader sets a single HTTP header for the WebSocket handshake.
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
	return nil
}

// Build creates and returns a new WebSocket client with the configured options.
func (b *ClientBuilder) Build() (*Client, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	return &Client{
		url:              b.url,
		logger:           b.logger,
		dialTimeout:      b.dialTimeout,
		requestTimeout:   b.requestTimeout,
		writeChannelSize: b.writeChannelSize,
		authProvider:     b.authProvider,
		headers:          b.headers,
		channels:         make(map[string]struct{}),
	}, nil
}
