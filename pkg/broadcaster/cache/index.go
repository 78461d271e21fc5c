package cache

import (
	"fmt"
	"sort"
)

// IndexKind is the type of a secondary index.
type IndexKind int

const (
	UniqueIndex IndexKind = iota
	GroupIndex
	GroupSequentialIndex
)

func (k IndexKind) String() string {
	switch k {
	case UniqueIndex:
		return "unique"
	case GroupIndex:
		return "group"
	case GroupSequentialIndex:
		return "group-sequential"
	default:
		return fmt.Sprintf("IndexKind(%d)", int(k))
	}
}

// IndexSpec declares an index. SeqField is required for GroupSequential
// indexes and ignored otherwise.
type IndexSpec struct {
	Kind     IndexKind `validate:"oneof=0 1 2"`
	Field    string    `validate:"required"`
	SeqField string    `validate:"required_if=Kind 2"`
}

// Unique declares a unique index on field.
func Unique(field string) IndexSpec {
	return IndexSpec{Kind: UniqueIndex, Field: field}
}

// Group declares a group index on field.
func Group(field string) IndexSpec {
	return IndexSpec{Kind: GroupIndex, Field: field}
}

// GroupSequential declares a group index on field ordered by seqField.
func GroupSequential(field, seqField string) IndexSpec {
	return IndexSpec{Kind: GroupSequentialIndex, Field: field, SeqField: seqField}
}

// index is one secondary index. plan validates a write without changing
// anything and returns the change to apply, so the cache can reject a write
// before any index has been touched.
type index[T Entity] interface {
	spec() IndexSpec
	plan(entity T, previous T, hasPrevious bool) (func(), error)
	remove(entity T)
	reset()
}

// groupIndex is an index whose groups must be initialized before use.
type groupIndex[T Entity] interface {
	index[T]
	initialized(key any) bool
	planInit(key any, entities []T) (func(), error)
}

func idKey(entity Entity) (any, error) {
	id, ok, err := keyOf(entity, IDField)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, IDField)
	}
	return id, nil
}

// sameEntity reports whether a and b carry the same id.
func sameEntity(a, b Entity) bool {
	ida, erra := idKey(a)
	idb, errb := idKey(b)
	return erra == nil && errb == nil && ida == idb
}

// previousKey returns previous's value for field when there is a usable one.
func previousKey[T Entity](previous T, hasPrevious bool, field string) (any, bool) {
	if !hasPrevious {
		return nil, false
	}
	k, ok, err := keyOf(previous, field)
	if err != nil || !ok {
		return nil, false
	}
	return k, true
}

type uniqueIndex[T Entity] struct {
	field string
	data  map[any]T
}

func newUniqueIndex[T Entity](field string) *uniqueIndex[T] {
	return &uniqueIndex[T]{field: field, data: make(map[any]T)}
}

func (x *uniqueIndex[T]) spec() IndexSpec {
	return Unique(x.field)
}

func (x *uniqueIndex[T]) plan(entity T, previous T, hasPrevious bool) (func(), error) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, x.field)
	}

	stale, hasStale := previousKey(previous, hasPrevious, x.field)
	if hasStale && stale == k {
		hasStale = false
	}

	return func() {
		if hasStale {
			if current, ok := x.data[stale]; ok && sameEntity(current, previous) {
				delete(x.data, stale)
			}
		}
		x.data[k] = entity
	}, nil
}

func (x *uniqueIndex[T]) get(k any) (T, bool) {
	entity, ok := x.data[k]
	return entity, ok
}

func (x *uniqueIndex[T]) remove(entity T) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil || !ok {
		return
	}
	if current, ok := x.data[k]; ok && sameEntity(current, entity) {
		delete(x.data, k)
	}
}

func (x *uniqueIndex[T]) reset() {
	x.data = make(map[any]T)
}

// memberIndex is a group index with unordered members.
type memberIndex[T Entity] struct {
	field  string
	groups map[any]map[any]T
}

func newMemberIndex[T Entity](field string) *memberIndex[T] {
	return &memberIndex[T]{field: field, groups: make(map[any]map[any]T)}
}

func (x *memberIndex[T]) spec() IndexSpec {
	return Group(x.field)
}

func (x *memberIndex[T]) initialized(k any) bool {
	_, ok := x.groups[k]
	return ok
}

func (x *memberIndex[T]) plan(entity T, previous T, hasPrevious bool) (func(), error) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, x.field)
	}
	id, err := idKey(entity)
	if err != nil {
		return nil, err
	}

	stale, hasStale := previousKey(previous, hasPrevious, x.field)
	var staleID any
	if hasStale {
		if staleID, err = idKey(previous); err != nil || stale == k {
			hasStale = false
		}
	}

	return func() {
		if hasStale {
			if group, ok := x.groups[stale]; ok {
				delete(group, staleID)
			}
		}
		if group, ok := x.groups[k]; ok {
			group[id] = entity
		}
	}, nil
}

func (x *memberIndex[T]) planInit(k any, entities []T) (func(), error) {
	ids := make([]any, len(entities))
	for i, entity := range entities {
		id, err := idKey(entity)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}

	return func() {
		group := make(map[any]T, len(entities))
		for i, entity := range entities {
			group[ids[i]] = entity
		}
		x.groups[k] = group
	}, nil
}

// members returns the group's entities ordered by id.
func (x *memberIndex[T]) members(k any) ([]T, bool) {
	group, ok := x.groups[k]
	if !ok {
		return nil, false
	}

	ids := make([]any, 0, len(group))
	for id := range group {
		ids = append(ids, id)
	}
	sortKeys(ids)

	out := make([]T, len(ids))
	for i, id := range ids {
		out[i] = group[id]
	}
	return out, true
}

func (x *memberIndex[T]) remove(entity T) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil || !ok {
		return
	}
	id, err := idKey(entity)
	if err != nil {
		return
	}
	if group, ok := x.groups[k]; ok {
		delete(group, id)
	}
}

func (x *memberIndex[T]) reset() {
	x.groups = make(map[any]map[any]T)
}

type sequence[T Entity] struct {
	entries map[int64]T
	maxSeq  int64
}

func (s *sequence[T]) put(seq int64, entity T) {
	s.entries[seq] = entity
	if seq > s.maxSeq {
		s.maxSeq = seq
	}
}

// sequenceIndex is a group index ordered by a numeric sequence field.
type sequenceIndex[T Entity] struct {
	field    string
	seqField string
	groups   map[any]*sequence[T]
}

func newSequenceIndex[T Entity](field, seqField string) *sequenceIndex[T] {
	return &sequenceIndex[T]{field: field, seqField: seqField, groups: make(map[any]*sequence[T])}
}

func (x *sequenceIndex[T]) spec() IndexSpec {
	return GroupSequential(x.field, x.seqField)
}

func (x *sequenceIndex[T]) initialized(k any) bool {
	_, ok := x.groups[k]
	return ok
}

func (x *sequenceIndex[T]) plan(entity T, previous T, hasPrevious bool) (func(), error) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, x.field)
	}

	// Sequence numbers are only required of entities whose group is held.
	group, held := x.groups[k]
	var seq int64
	if held {
		if seq, err = seqOf(entity, x.seqField); err != nil {
			return nil, err
		}
	}

	var staleGroup *sequence[T]
	var staleSeq int64
	if stale, ok := previousKey(previous, hasPrevious, x.field); ok {
		if g, ok := x.groups[stale]; ok {
			if s, err := seqOf(previous, x.seqField); err == nil && (stale != k || s != seq || !held) {
				staleGroup, staleSeq = g, s
			}
		}
	}

	return func() {
		if staleGroup != nil {
			if current, ok := staleGroup.entries[staleSeq]; ok && sameEntity(current, previous) {
				delete(staleGroup.entries, staleSeq)
			}
		}
		if held {
			group.put(seq, entity)
		}
	}, nil
}

func (x *sequenceIndex[T]) planInit(k any, entities []T) (func(), error) {
	seqs := make([]int64, len(entities))
	for i, entity := range entities {
		seq, err := seqOf(entity, x.seqField)
		if err != nil {
			return nil, err
		}
		seqs[i] = seq
	}

	return func() {
		group := &sequence[T]{entries: make(map[int64]T, len(entities))}
		for i, entity := range entities {
			group.put(seqs[i], entity)
		}
		x.groups[k] = group
	}, nil
}

// slice returns the slots [seqStart, seqEnd) of group k.
func (x *sequenceIndex[T]) slice(k any, seqStart, seqEnd int64) (*SequentialSlice[T], bool) {
	group, ok := x.groups[k]
	if !ok {
		return nil, false
	}

	out := NewSequentialSlice[T](seqStart, seqEnd)
	if int64(len(group.entries)) < seqEnd-seqStart {
		for seq, entity := range group.entries {
			out.Put(seq, entity)
		}
	} else {
		for seq := seqStart; seq < seqEnd; seq++ {
			if entity, ok := group.entries[seq]; ok {
				out.Put(seq, entity)
			}
		}
	}
	out.MaxSeq = group.maxSeq
	return out, true
}

// tail returns the last n slots of group k, ending at its highest sequence
// number and starting no earlier than 1.
func (x *sequenceIndex[T]) tail(k any, n int) (*SequentialSlice[T], bool) {
	group, ok := x.groups[k]
	if !ok {
		return nil, false
	}

	seqEnd := group.maxSeq + 1
	if len(group.entries) == 0 {
		seqEnd = 1
	}
	seqStart := seqEnd - int64(n)
	if n < 0 {
		seqStart = seqEnd
	}
	if seqStart < 1 {
		seqStart = 1
	}
	if seqStart > seqEnd {
		seqStart = seqEnd
	}
	return x.slice(k, seqStart, seqEnd)
}

func (x *sequenceIndex[T]) remove(entity T) {
	k, ok, err := keyOf(entity, x.field)
	if err != nil || !ok {
		return
	}
	group, ok := x.groups[k]
	if !ok {
		return
	}
	seq, err := seqOf(entity, x.seqField)
	if err != nil {
		return
	}
	if current, ok := group.entries[seq]; ok && sameEntity(current, entity) {
		delete(group.entries, seq)
	}
}

func (x *sequenceIndex[T]) reset() {
	x.groups = make(map[any]*sequence[T])
}

// sortKeys orders normalized keys: numbers before strings, each ascending.
func sortKeys(keys []any) {
	sort.Slice(keys, func(i, j int) bool {
		a, aNum := keys[i].(int64)
		b, bNum := keys[j].(int64)
		switch {
		case aNum && bNum:
			return a < b
		case aNum != bNum:
			return aNum
		default:
			return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j])
		}
	})
}
