package websockets

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// Message kind constants for the broadcaster WebSocket protocol.
// These correspond to the "k" (kind) field in wire messages.
const (
	// Client to Server message kinds
	MessageKindSubscribe   = "s" // Subscribe to channels
	MessageKindUnsubscribe = "u" // Unsubscribe from channels
	MessageKindPresence    = "p" // Ask which channels this connection is missing from
	MessageKindHistory     = "h" // Fetch one page of channel history
	MessageKindGrant       = "g" // Request an access grant for a channel

	// Server to Client message kinds
	MessageKindAck  = "a" // Positive acknowledgment of client request
	MessageKindNack = "n" // Negative acknowledgment (error response)

	// Bidirectional - channel messages have no "k" field
	MessageKindEvent = ""
)

// WireMessage represents the JSON structure for WebSocket messages, with
// short field names for efficiency.
type WireMessage struct {
	Kind      string              `json:"k,omitempty"`  // Message kind (see MessageKind constants)
	Channel   string              `json:"t,omitempty"`  // Single channel
	Channels  []string            `json:"c,omitempty"`  // Channel list for subscribe, unsubscribe and presence
	Data      json.RawMessage     `json:"d,omitempty"`  // Message payload or reply body
	Id        int64               `json:"i,omitempty"`  // Request identifier for ack/nack matching
	Error     string              `json:"e,omitempty"`  // Error message (used with NACK)
	Timetoken transport.Timetoken `json:"tt,omitempty"` // Message timetoken, or the history cursor
	Limit     int                 `json:"l,omitempty"`  // History page size
	MessageID string              `json:"m,omitempty"`  // Message id
}

// SubscribeReply is the data of a subscribe ack.
type SubscribeReply struct {
	Connected []string `json:"connected,omitempty"`
	Denied    []string `json:"denied,omitempty"`
}

// HistoryReply is the data of a history ack.
type HistoryReply struct {
	Messages []transport.Message `json:"messages"`
	More     bool                `json:"more,omitempty"`
}

// EventFromMessage builds the frame that delivers msg to a subscriber.
func EventFromMessage(msg transport.Message) WireMessage {
	return WireMessage{
		Channel:   msg.Channel,
		Data:      msg.Payload,
		Timetoken: msg.Timetoken,
		MessageID: msg.ID,
	}
}

// ToMessage converts an event frame back into a transport message.
func (m WireMessage) ToMessage() transport.Message {
	return transport.Message{
		ID:        m.MessageID,
		Channel:   m.Channel,
		Timetoken: m.Timetoken,
		Payload:   m.Data,
	}
}

// EncodeData marshals v into a reply body.
func EncodeData(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reply: %w", err)
	}
	return data, nil
}

var wireErrors = []error{
	transport.ErrAccessDenied,
	transport.ErrInvalidCredential,
	transport.ErrGrantDenied,
	transport.ErrNoSuchChannel,
	transport.ErrNotConnected,
}

// DecodeError turns a nack error string back into an error that matches the
// transport sentinel it was built from.
func DecodeError(text string) error {
	if text == "" {
		text = "request failed"
	}
	for _, sentinel := range wireErrors {
		prefix := sentinel.Error()
		if text == prefix {
			return sentinel
		}
		if strings.HasPrefix(text, prefix+": ") {
			return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(text, prefix+": "))
		}
	}
	return errors.New(text)
}
