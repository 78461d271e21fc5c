package cache

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Cache stores entities of type T by id and maintains the declared indexes.
// Every write either updates all indexes or none of them. A Cache is safe
// for concurrent use.
type Cache[T Entity] struct {
	mu      sync.RWMutex
	ids     *uniqueIndex[T]
	indexes []index[T]
	byField map[string]index[T]
}

// New creates a cache with a unique index on "id" plus the given indexes.
// A field may carry only one index.
func New[T Entity](specs ...IndexSpec) (*Cache[T], error) {
	ids := newUniqueIndex[T](IDField)
	c := &Cache[T]{
		ids:     ids,
		indexes: []index[T]{ids},
		byField: map[string]index[T]{IDField: ids},
	}

	for _, spec := range specs {
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("invalid index on %q: %w", spec.Field, err)
		}
		if _, exists := c.byField[spec.Field]; exists {
			return nil, fmt.Errorf("duplicate index on %q", spec.Field)
		}

		var x index[T]
		switch spec.Kind {
		case UniqueIndex:
			x = newUniqueIndex[T](spec.Field)
		case GroupIndex:
			x = newMemberIndex[T](spec.Field)
		case GroupSequentialIndex:
			x = newSequenceIndex[T](spec.Field, spec.SeqField)
		}
		c.indexes = append(c.indexes, x)
		c.byField[spec.Field] = x
	}

	return c, nil
}

// Indexes returns the declared indexes, starting with the id index.
func (c *Cache[T]) Indexes() []IndexSpec {
	specs := make([]IndexSpec, len(c.indexes))
	for i, x := range c.indexes {
		specs[i] = x.spec()
	}
	return specs
}

func (c *Cache[T]) lookup(field string, want IndexKind) (index[T], error) {
	x, ok := c.byField[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoIndex, field)
	}
	if kind := x.spec().Kind; kind != want {
		return nil, fmt.Errorf("%w: %s is %s, not %s", ErrWrongIndexType, field, kind, want)
	}
	return x, nil
}

// Get returns the entity with the given id.
func (c *Cache[T]) Get(id any) (T, bool) {
	var zero T
	k, err := normalizeKey(id)
	if err != nil {
		return zero, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ids.get(k)
}

// Has reports whether an entity with the given id is cached.
func (c *Cache[T]) Has(id any) bool {
	_, ok := c.Get(id)
	return ok
}

// Len returns the number of cached entities.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids.data)
}

// All returns every cached entity ordered by id.
func (c *Cache[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]any, 0, len(c.ids.data))
	for id := range c.ids.data {
		ids = append(ids, id)
	}
	sortKeys(ids)

	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = c.ids.data[id]
	}
	return out
}

// GetBy returns the entity whose field equals value. field needs a unique index.
func (c *Cache[T]) GetBy(field string, value any) (T, bool, error) {
	var zero T
	c.mu.RLock()
	defer c.mu.RUnlock()

	x, err := c.lookup(field, UniqueIndex)
	if err != nil {
		return zero, false, err
	}
	k, err := normalizeKey(value)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %s=%v", err, field, value)
	}
	entity, ok := x.(*uniqueIndex[T]).get(k)
	return entity, ok, nil
}

// GetManyBy returns the members of group value of field, ordered by id. ok
// is false when the group has not been initialized. field needs a group index.
func (c *Cache[T]) GetManyBy(field string, value any) ([]T, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	x, err := c.lookup(field, GroupIndex)
	if err != nil {
		return nil, false, err
	}
	k, err := normalizeKey(value)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s=%v", err, field, value)
	}
	members, ok := x.(*memberIndex[T]).members(k)
	return members, ok, nil
}

// GetGroupSlice returns sequence numbers [seqStart, seqEnd) of group value of
// field. The slice always has seqEnd-seqStart slots; unknown ones are marked
// as such. ok is false when the group has not been initialized. field needs a
// group-sequential index.
func (c *Cache[T]) GetGroupSlice(field string, value any, seqStart, seqEnd int64) (*SequentialSlice[T], bool, error) {
	if seqEnd < seqStart {
		return nil, false, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, seqStart, seqEnd)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	x, err := c.lookup(field, GroupSequentialIndex)
	if err != nil {
		return nil, false, err
	}
	k, err := normalizeKey(value)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s=%v", err, field, value)
	}
	slice, ok := x.(*sequenceIndex[T]).slice(k, seqStart, seqEnd)
	return slice, ok, nil
}

// GetGroupTail returns up to the last n sequence numbers of group value of
// field, ending at the highest one held and starting no earlier than 1. An
// empty group yields an empty slice at [1, 1).
func (c *Cache[T]) GetGroupTail(field string, value any, n int) (*SequentialSlice[T], bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	x, err := c.lookup(field, GroupSequentialIndex)
	if err != nil {
		return nil, false, err
	}
	k, err := normalizeKey(value)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s=%v", err, field, value)
	}
	slice, ok := x.(*sequenceIndex[T]).tail(k, n)
	return slice, ok, nil
}

// Set adds or updates entity in every index whose field it carries. When the
// entity's previous version is passed, it is first dissociated from any index
// values that changed; without it stale entries stay behind. Only the first
// previous value is used.
func (c *Cache[T]) Set(entity T, previous ...T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	apply, err := c.planSet(entity, previous...)
	if err != nil {
		return err
	}
	for _, fn := range apply {
		fn()
	}
	return nil
}

// SetAll stores every entity, each over its currently cached version. It
// checks all of them first and stores nothing when any is rejected.
func (c *Cache[T]) SetAll(entities []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entity := range entities {
		if _, err := c.planCurrent(entity); err != nil {
			return err
		}
	}
	for _, entity := range entities {
		apply, err := c.planCurrent(entity)
		if err != nil {
			return err
		}
		for _, fn := range apply {
			fn()
		}
	}
	return nil
}

func (c *Cache[T]) planCurrent(entity T) ([]func(), error) {
	id, err := idKey(entity)
	if err != nil {
		return nil, err
	}
	if current, ok := c.ids.get(id); ok {
		return c.planSet(entity, current)
	}
	return c.planSet(entity)
}

func (c *Cache[T]) planSet(entity T, previous ...T) ([]func(), error) {
	var prev T
	hasPrevious := len(previous) > 0
	if hasPrevious {
		prev = previous[0]
	}

	if _, err := idKey(entity); err != nil {
		return nil, err
	}

	apply := make([]func(), 0, len(c.indexes))
	for _, x := range c.indexes {
		field := x.spec().Field
		if _, present := entity.Field(field); !present {
			continue
		}
		fn, err := x.plan(entity, prev, hasPrevious)
		if err != nil {
			return nil, err
		}
		apply = append(apply, fn)
	}
	return apply, nil
}

// InitGroup declares entities the authoritative contents of group value of
// field and stores each of them. For a group-sequential index the entities
// are typically the group's most recent members. Initializing a group twice
// fails with ErrGroupInitialized.
func (c *Cache[T]) InitGroup(field string, value any, entities []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	x, ok := c.byField[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoIndex, field)
	}
	group, ok := x.(groupIndex[T])
	if !ok {
		return fmt.Errorf("%w: %s is %s, not a group index", ErrWrongIndexType, field, x.spec().Kind)
	}

	k, err := normalizeKey(value)
	if err != nil {
		return fmt.Errorf("%w: %s=%v", err, field, value)
	}
	if group.initialized(k) {
		return fmt.Errorf("%w: %s=%v", ErrGroupInitialized, field, value)
	}

	var apply []func()
	for _, entity := range entities {
		var fns []func()
		id, err := idKey(entity)
		if err != nil {
			return err
		}
		if current, ok := c.ids.get(id); ok {
			fns, err = c.planSet(entity, current)
		} else {
			fns, err = c.planSet(entity)
		}
		if err != nil {
			return err
		}
		apply = append(apply, fns...)
	}

	initFn, err := group.planInit(k, entities)
	if err != nil {
		return err
	}
	apply = append(apply, initFn)

	for _, fn := range apply {
		fn()
	}
	return nil
}

// Delete removes the entity with the given id from every index.
func (c *Cache[T]) Delete(id any) bool {
	k, err := normalizeKey(id)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entity, ok := c.ids.get(k)
	if !ok {
		return false
	}
	for _, x := range c.indexes {
		x.remove(entity)
	}
	return true
}

// Clear drops every entity and every initialized group.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, x := range c.indexes {
		x.reset()
	}
}
