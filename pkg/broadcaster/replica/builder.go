package replica

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/cache"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
)

// ResyncFunc reloads a replica from the authoritative source after its caches
// were discarded.
type ResyncFunc func(ctx context.Context, r *Replica) error

// Builder provides a fluent interface for creating Replica instances
type Builder struct {
	logger          *zap.Logger
	collections     map[string][]cache.IndexSpec
	order           []string
	resync          ResyncFunc
	metricsProvider o11y.MetricsProvider
}

// New creates a Builder with no collections.
func New() *Builder {
	return &Builder{
		logger:      zap.NewNop(),
		collections: make(map[string][]cache.IndexSpec),
	}
}

// WithLogger sets the logger for the Replica
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithCollection declares a collection and the indexes of its cache
func (b *Builder) WithCollection(name string, indexes ...cache.IndexSpec) *Builder {
	if _, exists := b.collections[name]; !exists {
		b.order = append(b.order, name)
	}
	b.collections[name] = indexes
	return b
}

// WithResync sets the function called after a Reset discards the caches
func (b *Builder) WithResync(resync ResyncFunc) *Builder {
	b.resync = resync
	return b
}

// WithMetrics sets the metrics provider
func (b *Builder) WithMetrics(provider o11y.MetricsProvider) *Builder {
	b.metricsProvider = provider
	return b
}

// IsValid validates the builder configuration and returns an error if invalid
func (b *Builder) IsValid() error {
	if len(b.collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for _, name := range b.order {
		if name == "" {
			return fmt.Errorf("collection name must not be empty")
		}
	}
	return nil
}

// Build creates the Replica, returning an error if the configuration is invalid
func (b *Builder) Build() (*Replica, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	r := &Replica{
		logger:      b.logger,
		collections: make(map[string]*cache.Cache[cache.Record], len(b.collections)),
		order:       append([]string(nil), b.order...),
		resync:      b.resync,
	}
	for _, name := range b.order {
		c, err := cache.New[cache.Record](b.collections[name]...)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		r.collections[name] = c
	}

	if b.metricsProvider != nil {
		r.appliedCounter = b.metricsProvider.Counter("replica_records_applied_total")
		r.resetCounter = b.metricsProvider.Counter("replica_resets_total")
	}

	return r, nil
}
