package hub

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
)

// Builder provides a fluent interface for creating Hub instances
type Builder struct {
	logger          *zap.Logger
	bufferSize      int
	secret          []byte
	issuer          string
	policy          GrantPolicy
	grantRate       rate.Limit
	grantBurst      int
	retention       time.Duration
	pruneSchedule   string
	now             func() time.Time
	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider
}

// New creates a Builder with the default policy, a 30 day history retention
// pruned every minute and 50 grants per second.
func New() *Builder {
	return &Builder{
		bufferSize:    1000,
		issuer:        "broadcaster",
		policy:        DefaultPolicy(),
		grantRate:     50,
		grantBurst:    10,
		retention:     30 * 24 * time.Hour,
		pruneSchedule: "@every 1m",
		now:           time.Now,
	}
}

// WithLogger sets the logger for the Hub
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithBufferSize sets the request channel buffer size
func (b *Builder) WithBufferSize(size int) *Builder {
	b.bufferSize = size
	return b
}

// WithSecret sets the HMAC secret used to sign and verify auth keys
func (b *Builder) WithSecret(secret []byte) *Builder {
	b.secret = secret
	return b
}

// WithIssuer sets the issuer claim required on auth keys
func (b *Builder) WithIssuer(issuer string) *Builder {
	b.issuer = issuer
	return b
}

// WithPolicy sets the grant policy
func (b *Builder) WithPolicy(policy GrantPolicy) *Builder {
	b.policy = policy
	return b
}

// WithGrantRate limits how many grants per second the hub processes
func (b *Builder) WithGrantRate(perSecond float64, burst int) *Builder {
	b.grantRate = rate.Limit(perSecond)
	b.grantBurst = burst
	return b
}

// WithRetention sets how long history is kept. Zero keeps history forever.
func (b *Builder) WithRetention(retention time.Duration) *Builder {
	b.retention = retention
	return b
}

// WithPruneSchedule sets the cron schedule for dropping expired history.
// An empty schedule disables automatic pruning.
func (b *Builder) WithPruneSchedule(schedule string) *Builder {
	b.pruneSchedule = schedule
	return b
}

// WithClock sets the time source used for timetokens, ids and retention
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetrics sets the metrics provider
func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metricsProvider = provider
	return b
}

// WithTracing sets the tracing provider
func (b *Builder) WithTracing(provider o11y.TracingProvider) *Builder {
	b.tracingProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *Builder) IsValid() error {
	if b.bufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", b.bufferSize)
	}
	if len(b.secret) == 0 {
		return fmt.Errorf("an auth key secret is required")
	}
	if b.policy == nil {
		return fmt.Errorf("a grant policy is required")
	}
	if b.grantRate <= 0 || b.grantBurst <= 0 {
		return fmt.Errorf("grant rate and burst must be positive, got %v and %d", b.grantRate, b.grantBurst)
	}
	if b.retention < 0 {
		return fmt.Errorf("retention must not be negative, got %v", b.retention)
	}
	if b.now == nil {
		return fmt.Errorf("a clock is required")
	}
	return nil
}

// Build creates the Hub, returning an error if the configuration is invalid
func (b *Builder) Build() (*Hub, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	keys, err := NewKeys(b.secret, b.issuer)
	if err != nil {
		return nil, err
	}
	keys.now = b.now

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		ch:              make(chan hubMessage, b.bufferSize),
		ctx:             ctx,
		cancel:          cancel,
		logger:          logger,
		now:             b.now,
		keys:            keys,
		grants:          newGrantTable(b.policy, rate.NewLimiter(b.grantRate, b.grantBurst)),
		history:         newHistoryStore(b.now),
		retention:       b.retention,
		pruneSchedule:   b.pruneSchedule,
		sessions:        make(map[string]*Session),
		channels:        make(map[string]map[string]*Session),
		tracingProvider: b.tracingProvider,
	}

	if b.metricsProvider != nil {
		h.publishCounter = b.metricsProvider.Counter("hub_messages_published_total")
		h.subscribeCounter = b.metricsProvider.Counter("hub_subscriptions_total")
		h.deniedCounter = b.metricsProvider.Counter("hub_subscriptions_denied_total")
		h.grantCounter = b.metricsProvider.Counter("hub_grants_total")
		h.historyCounter = b.metricsProvider.Counter("hub_history_requests_total")
		h.prunedCounter = b.metricsProvider.Counter("hub_history_pruned_total")
		h.sessionGauge = b.metricsProvider.Gauge("hub_active_sessions")
	}

	return h, nil
}
