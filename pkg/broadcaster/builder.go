package broadcaster

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// ManagerBuilder provides a fluent interface for creating Manager instances
type ManagerBuilder struct {
	transport       transport.Transport
	logger          *zap.Logger
	config          Config
	clock           Clock
	faults          FaultProvider
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
	lastMessageAt   time.Time
}

// NewManager creates a new ManagerBuilder with the default configuration
func NewManager() *ManagerBuilder {
	return &ManagerBuilder{
		config: DefaultConfig(),
		clock:  SystemClock{},
	}
}

// WithTransport sets the transport the Manager subscribes through
func (b *ManagerBuilder) WithTransport(t transport.Transport) *ManagerBuilder {
	b.transport = t
	return b
}

// WithLogger sets the logger for the Manager
func (b *ManagerBuilder) WithLogger(logger *zap.Logger) *ManagerBuilder {
	b.logger = logger
	return b
}

// WithConfig replaces the timing and limit configuration
func (b *ManagerBuilder) WithConfig(cfg Config) *ManagerBuilder {
	b.config = cfg
	return b
}

// WithClock sets the time source used for ticks, timeouts and catch-up anchors
func (b *ManagerBuilder) WithClock(clock Clock) *ManagerBuilder {
	b.clock = clock
	return b
}

// WithFaults sets the fault provider. The default supports the Simulate methods.
func (b *ManagerBuilder) WithFaults(faults FaultProvider) *ManagerBuilder {
	b.faults = faults
	return b
}

// WithMetrics sets the metrics provider for the Manager
func (b *ManagerBuilder) WithMetrics(provider o11y.MetricsProvider) *ManagerBuilder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider for the Manager
func (b *ManagerBuilder) WithTracing(provider o11y.TracingProvider) *ManagerBuilder {
	b.tracingProvider = provider
	return b
}

// WithLastMessageReceivedAt seeds the catch-up anchor, typically from a
// previous run of the application.
func (b *ManagerBuilder) WithLastMessageReceivedAt(at time.Time) *ManagerBuilder {
	b.lastMessageAt = at
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *ManagerBuilder) IsValid() error {
	if b.transport == nil {
		return fmt.Errorf("transport is required")
	}
	if b.clock == nil {
		return fmt.Errorf("clock is required")
	}
	if err := b.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Build creates and returns the Manager instance, returning an error if configuration is invalid
func (b *ManagerBuilder) Build() (*Manager, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	faults := b.faults
	if faults == nil {
		faults = NewFaults()
	}

	m := &Manager{
		cfg:             b.config,
		transport:       b.transport,
		clock:           b.clock,
		faults:          faults,
		logger:          logger,
		catchUp:         NewCatchUp(b.transport, b.config, b.clock.Now, logger),
		inbox:           newQueue[input](256),
		dispatch:        newDispatcher(logger),
		loopDone:        make(chan struct{}),
		tracingProvider: b.tracingProvider,
		table:           newChannelTable(),
		filter:          newMessageFilter(b.config.DedupWindow, logger),
		lastMessageAt:   b.lastMessageAt,
		timers:          make(map[int]Timer),
	}

	if b.metricsProvider != nil {
		m.statusCounter = b.metricsProvider.Counter("broadcaster_status_events_total")
		m.messageCounter = b.metricsProvider.Counter("broadcaster_messages_delivered_total")
		m.grantCounter = b.metricsProvider.Counter("broadcaster_grants_total")
		m.catchUpCounter = b.metricsProvider.Counter("broadcaster_catch_ups_total")
		m.catchUpHistogram = b.metricsProvider.Histogram("broadcaster_catch_up_duration_seconds")
		m.channelGauge = b.metricsProvider.Gauge("broadcaster_active_channels")
	}

	return m, nil
}
