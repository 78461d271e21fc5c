package server

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
)

// ListenerConfig holds the configuration for creating a WebSocket Listener.
// Use NewListenerConfig() to create a new configuration and chain methods
// to set the required parameters before calling Build().
type ListenerConfig struct {
	hub             *hub.Hub
	logger          *zap.Logger
	queueSize       int
	pingInterval    time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	readLimit       int64
	publishPolicy   hub.GrantPolicy
	metricsProvider o11y.MetricsProvider
}

const (
	// DefaultQueueSize is the default size for the per-connection outbound queue.
	DefaultQueueSize = 256

	// DefaultPingInterval is the default interval for sending WebSocket ping frames.
	DefaultPingInterval = 30 * time.Second

	// DefaultReadTimeout is the default timeout for reading messages from clients.
	// Should be longer than ping interval to allow for pong responses.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout is the default timeout for writing messages to clients.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit is the largest frame accepted from a client.
	DefaultReadLimit = 32768
)

// NewListenerConfig creates a new ListenerConfig for building a WebSocket Listener.
//
// Example:
//
//	listener, err := server.NewListenerConfig().
//	    WithHub(h).
//	    WithLogger(logger).
//	    WithPublishPolicy(hub.AllowChannelPrefix("system-")).
//	    Build()
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		queueSize:     DefaultQueueSize,
		pingInterval:  DefaultPingInterval,
		readTimeout:   DefaultReadTimeout,
		writeTimeout:  DefaultWriteTimeout,
		readLimit:     DefaultReadLimit,
		publishPolicy: hub.DenyAllChannels,
	}
}

// WithHub sets the hub that connections are attached to. Required.
func (c *ListenerConfig) WithHub(h *hub.Hub) *ListenerConfig {
	c.hub = h
	return c
}

// WithLogger sets the Logger for the WebSocket Listener. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	c.logger = logger
	return c
}

// WithQueueSize sets how many outbound frames are buffered per connection
// before channel messages start being dropped. Must be positive.
//
// Default: 256 messages per connection
func (c *ListenerConfig) WithQueueSize(size int) *ListenerConfig {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithPingInterval sets the interval for sending WebSocket ping frames.
// Set to 0 to disable ping/pong health monitoring.
//
// Default: 30 seconds
func (c *ListenerConfig) WithPingInterval(interval time.Duration) *ListenerConfig {
	if interval >= 0 {
		c.pingInterval = interval
	}
	return c
}

// WithReadTimeout sets the timeout for reading messages from WebSocket clients.
//
// Default: 60 seconds
func (c *ListenerConfig) WithReadTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.readTimeout = timeout
	}
	return c
}

// WithWriteTimeout sets the timeout for writing messages to WebSocket clients.
//
// Default: 10 seconds
func (c *ListenerConfig) WithWriteTimeout(timeout time.Duration) *ListenerConfig {
	if timeout > 0 {
		c.writeTimeout = timeout
	}
	return c
}

// WithReadLimit sets the largest frame accepted from a client, in bytes.
func (c *ListenerConfig) WithReadLimit(limit int64) *ListenerConfig {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// WithPublishPolicy decides which channels an authenticated client may
// publish to. The default denies every client publish.
func (c *ListenerConfig) WithPublishPolicy(policy hub.GrantPolicy) *ListenerConfig {
	if policy != nil {
		c.publishPolicy = policy
	}
	return c
}

// WithMetrics sets the metrics provider for connection and request metrics.
func (c *ListenerConfig) WithMetrics(provider o11y.MetricsProvider) *ListenerConfig {
	c.metricsProvider = provider
	return c
}

// IsValid checks if the configuration has all required parameters set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.hub == nil {
		missing = append(missing, "Hub")
	}
	if c.logger == nil {
		missing = append(missing, "Logger")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}

	return nil
}

// Build creates a new WebSocket Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}

	return newListener(c), nil
}
