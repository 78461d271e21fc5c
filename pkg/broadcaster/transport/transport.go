// Package transport defines the boundary between the connection manager and a
// pub/sub service: channel subscribe, presence confirm, history replay and
// access grants.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MaxPageSize is the largest number of history items a single History call returns.
const MaxPageSize = 25

var (
	ErrNotConnected      = errors.New("transport is not connected")
	ErrClosed            = errors.New("transport is closed")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrGrantDenied       = errors.New("grant denied")
	ErrNoSuchChannel     = errors.New("no such channel")
)

// Timetoken is a message timestamp in units of 100ns since the unix epoch,
// i.e. unix milliseconds multiplied by 10000.
type Timetoken int64

// TimetokenOf converts a wall-clock time to a Timetoken with millisecond precision.
func TimetokenOf(t time.Time) Timetoken {
	return Timetoken(t.UnixMilli() * 10000)
}

// Time converts the timetoken back to wall-clock time, truncated to the millisecond.
func (tt Timetoken) Time() time.Time {
	return time.UnixMilli(int64(tt) / 10000)
}

// Message is a single item delivered on a channel, live or from history.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Channel   string          `json:"channel"`
	Timetoken Timetoken       `json:"timetoken"`
	Payload   json.RawMessage `json:"payload"`
}

// ReceivedAt is the time the service accepted the message.
func (m Message) ReceivedAt() time.Time {
	return m.Timetoken.Time()
}

// EventKind classifies asynchronous transport notifications.
type EventKind int

const (
	// EventConnected reports channels whose subscription is now live.
	EventConnected EventKind = iota
	// EventAccessDenied reports channels the service refused to subscribe.
	EventAccessDenied
	// EventNetworkError reports a heartbeat or connection failure.
	EventNetworkError
	// EventResetRequired reports that the service cannot continue the session.
	EventResetRequired
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventAccessDenied:
		return "access-denied"
	case EventNetworkError:
		return "network-error"
	case EventResetRequired:
		return "reset-required"
	default:
		return "unknown"
	}
}

// Event is an asynchronous notification from the transport.
type Event struct {
	Kind     EventKind
	Channels []string
	Err      error
}

// Handler receives asynchronous traffic from a Transport. Implementations must
// not block for long; the connection manager only enqueues.
type Handler interface {
	OnMessage(msg Message)
	OnEvent(ev Event)
}

// HistoryRequest asks for messages on one channel strictly after a timetoken.
type HistoryRequest struct {
	Channel string
	After   Timetoken
	Limit   int
}

// HistoryPage is one page of history in ascending timetoken order.
type HistoryPage struct {
	Messages []Message
	More     bool
}

// Transport is the set of operations the connection manager needs from a pub/sub
// service. Subscribe is asynchronous: its outcome arrives as EventConnected and
// EventAccessDenied events on the Handler passed to Open.
type Transport interface {
	Open(ctx context.Context, handler Handler) error
	Close() error

	Subscribe(ctx context.Context, channels []string) error
	Unsubscribe(ctx context.Context, channels []string) error

	// Confirm returns the channels on which this client is not present.
	Confirm(ctx context.Context, channels []string) ([]string, error)
	History(ctx context.Context, req HistoryRequest) (HistoryPage, error)
	Grant(ctx context.Context, channel string) error
	Reconnect(ctx context.Context) error
}

// ClampLimit bounds a requested page size to (0, MaxPageSize].
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
