// Package cache is an in-memory entity store with secondary indexes.
//
// Every cache indexes entities by their "id" field. Additional indexes are
// declared when the cache is created:
//
//   - Unique indexes map one field value to one entity, e.g. a user's email.
//   - Group indexes map one field value to the set of entities sharing it,
//     e.g. the members of a team.
//   - GroupSequential indexes are group indexes ordered by a numeric sequence
//     field, e.g. the posts of a stream by sequence number. They answer range
//     and tail queries with a SequentialSlice that marks unknown slots.
//
// Groups must be initialized with their authoritative member list before
// they accept writes, so a group the cache has never fetched is never
// reported as complete.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// IDField is the field every cache indexes uniquely.
const IDField = "id"

var (
	ErrNoIndex          = errors.New("no index declared for field")
	ErrWrongIndexType   = errors.New("wrong index type for field")
	ErrGroupInitialized = errors.New("group already initialized")
	ErrMissingKey       = errors.New("entity lacks a value for indexed field")
	ErrSeqNotNumeric    = errors.New("sequence value is not a non-negative integer")
	ErrInvalidKey       = errors.New("field value cannot be used as an index key")
	ErrInvalidRange     = errors.New("invalid sequence range")
)

// Entity is anything the cache can store. Field reports the value of a named
// field and whether it is set; a nil value counts as unset.
type Entity interface {
	Field(name string) (any, bool)
}

// Record is a schemaless entity, typically decoded from a JSON object.
type Record map[string]any

// Field implements Entity.
func (r Record) Field(name string) (any, bool) {
	v, ok := r[name]
	return v, ok && v != nil
}

// ID returns the record's id rendered as a string, or "" if it has none.
func (r Record) ID() string {
	v, ok := r.Field(IDField)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// keyOf returns the value of field on entity normalized for use as a map
// key. Integral numbers of any type compare equal, so a JSON-decoded 3.0
// and an int 3 address the same entry.
func keyOf(entity Entity, field string) (any, bool, error) {
	v, ok := entity.Field(field)
	if !ok {
		return nil, false, nil
	}
	k, err := normalizeKey(v)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s=%v", err, field, v)
	}
	return k, true, nil
}

func normalizeKey(v any) (any, error) {
	switch n := v.(type) {
	case string, bool:
		return n, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.String(), nil
	}

	if i, ok := integral(v); ok {
		return i, nil
	}
	if v == nil || !reflect.TypeOf(v).Comparable() {
		return nil, ErrInvalidKey
	}
	return v, nil
}

// integral converts any integer value, or a float with no fractional part,
// to int64.
func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return floatIntegral(float64(n))
	case float64:
		return floatIntegral(n)
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func floatIntegral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// seqOf returns the sequence number of entity. Strings are not accepted even
// when they hold digits.
func seqOf(entity Entity, field string) (int64, error) {
	v, ok := entity.Field(field)
	if !ok {
		return 0, fmt.Errorf("%w: %s is missing", ErrSeqNotNumeric, field)
	}
	if _, isString := v.(string); isString {
		return 0, fmt.Errorf("%w: %s=%q", ErrSeqNotNumeric, field, v)
	}
	seq, ok := integral(v)
	if !ok || seq < 0 {
		return 0, fmt.Errorf("%w: %s=%v", ErrSeqNotNumeric, field, v)
	}
	return seq, nil
}
