package hub

import (
	"sort"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// A Sink receives the messages published on a session's channels. Deliver is
// called from the hub's loop and must not block.
type Sink interface {
	Deliver(msg transport.Message)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg transport.Message)

func (f SinkFunc) Deliver(msg transport.Message) {
	f(msg)
}

// Session is one connected client.
type Session struct {
	id      string
	userID  string
	authKey string
	authErr error
	sink    Sink

	// owned by the hub loop
	channels map[string]struct{}
}

// ID is the session's unique id, which is also what presence reports.
func (s *Session) ID() string {
	return s.id
}

// UserID is the subject of the session's auth key, empty when it did not verify.
func (s *Session) UserID() string {
	return s.userID
}

// AuthKey is the key the session connected with.
func (s *Session) AuthKey() string {
	return s.authKey
}

// Authenticated reports whether the session's auth key verified.
func (s *Session) Authenticated() bool {
	return s.authErr == nil
}

// AuthError is the verification failure for the session's auth key, if any.
func (s *Session) AuthError() error {
	return s.authErr
}

// SubscribeResult reports the outcome of a subscribe request.
type SubscribeResult struct {
	Connected []string
	Denied    []string
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
