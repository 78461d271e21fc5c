// Package replica keeps named entity caches in step with the message stream
// of a connection manager.
//
// Every message payload is a JSON object keyed by collection name whose
// values are lists of records:
//
//	{"posts": [{"id": "p1", "streamId": "s1", "seqNum": 7, "text": "hi"}]}
//
// A record replaces the cached version with the same id. A record carrying a
// "$changes" object is instead a delta: the changes are applied to the
// cached version with go-structdiff, and dropped when no version is cached.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster"
	"github.com/tsarna/broadcaster/pkg/broadcaster/cache"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// ChangesField marks a record as a delta against the cached version.
const ChangesField = "$changes"

// ErrNoPrevious is returned for a delta whose record is not cached.
var ErrNoPrevious = errors.New("no cached version to apply changes to")

// Source is what a replica follows, normally a *broadcaster.Manager.
type Source interface {
	OnStatusChange(fn func(broadcaster.StatusChangeEvent)) broadcaster.Disposable
	OnMessages(fn func([]transport.Message)) broadcaster.Disposable
}

// Replica applies message batches to its collections. It is safe for
// concurrent use; the caches it exposes may be queried at any time.
type Replica struct {
	logger      *zap.Logger
	collections map[string]*cache.Cache[cache.Record]
	order       []string
	resync      ResyncFunc

	// serializes batches and resets
	mu sync.Mutex

	appliedCounter o11y.Counter
	resetCounter   o11y.Counter
}

// Collection returns the cache of the named collection.
func (r *Replica) Collection(name string) (*cache.Cache[cache.Record], bool) {
	c, ok := r.collections[name]
	return c, ok
}

// Collections lists the collection names in declaration order.
func (r *Replica) Collections() []string {
	return append([]string(nil), r.order...)
}

// Attach follows src until the returned function is called.
func (r *Replica) Attach(src Source) func() {
	status := src.OnStatusChange(func(ev broadcaster.StatusChangeEvent) {
		r.HandleStatus(context.Background(), ev)
	})
	messages := src.OnMessages(func(batch []transport.Message) {
		if err := r.Apply(batch); err != nil {
			r.logger.Warn("Some records could not be applied", zap.Error(err))
		}
	})

	return func() {
		status.Dispose()
		messages.Dispose()
	}
}

// HandleStatus discards every cache on Reset and runs the resync hook.
// Other statuses are ignored.
func (r *Replica) HandleStatus(ctx context.Context, ev broadcaster.StatusChangeEvent) {
	if ev.Status != broadcaster.Reset {
		return
	}

	r.mu.Lock()
	for _, name := range r.order {
		r.collections[name].Clear()
	}
	r.mu.Unlock()

	if r.resetCounter != nil {
		r.resetCounter.Add(ctx, 1)
	}
	r.logger.Info("Replica reset, caches cleared")

	if r.resync == nil {
		return
	}
	if err := r.resync(ctx, r); err != nil {
		r.logger.Error("Replica resync failed", zap.Error(err))
	}
}

// Apply applies every record of every message in order. Records that fail
// are skipped; their errors are joined into the result.
func (r *Replica) Apply(batch []transport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, msg := range batch {
		var payload map[string][]map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			errs = append(errs, fmt.Errorf("message %s on %s: %w", msg.ID, msg.Channel, err))
			continue
		}

		for _, name := range r.order {
			records, ok := payload[name]
			if !ok {
				continue
			}
			c := r.collections[name]
			for _, record := range records {
				err := r.applyRecord(c, cache.Record(record))
				r.countApplied(name, err)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s %v: %w", name, record[cache.IDField], err))
				}
			}
		}

		for name := range payload {
			if _, ok := r.collections[name]; !ok {
				r.logger.Debug("Ignoring records of unknown collection", zap.String("collection", name), zap.String("channel", msg.Channel))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Replica) applyRecord(c *cache.Cache[cache.Record], record cache.Record) error {
	id, ok := record.Field(cache.IDField)
	if !ok {
		return fmt.Errorf("%w: %s", cache.ErrMissingKey, cache.IDField)
	}
	previous, hasPrevious := c.Get(id)

	raw, isDelta := record[ChangesField]
	if !isDelta {
		if hasPrevious {
			return c.Set(record, previous)
		}
		return c.Set(record)
	}

	if !hasPrevious {
		return ErrNoPrevious
	}
	changes, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%s must be an object, got %T", ChangesField, raw)
	}

	updated := deepCopy(previous).(map[string]any)
	if err := structdiff.Apply(&updated, changes); err != nil {
		return fmt.Errorf("failed to apply changes: %w", err)
	}
	return c.Set(cache.Record(updated), previous)
}

func (r *Replica) countApplied(collection string, err error) {
	if r.appliedCounter == nil {
		return
	}
	r.appliedCounter.Add(context.Background(), 1,
		o11y.Label{Key: "collection", Value: collection},
		o11y.StatusLabel(err),
	)
}

// deepCopy copies the maps and slices of a decoded JSON value so that
// applying changes never reaches into the cached version.
func deepCopy(v any) any {
	switch t := v.(type) {
	case cache.Record:
		return deepCopy(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
