package broadcaster

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// partialMessage is one piece of a message that was too large to publish whole.
type partialMessage struct {
	FullMessageID string `json:"fullMessageId"`
	Part          int    `json:"part"`
	TotalParts    int    `json:"totalParts"`
	Message       string `json:"message"`
}

type partialSet struct {
	parts   []string
	have    []bool
	updated time.Time
}

// messageFilter suppresses messages that were already delivered and joins
// partial messages back together. It is owned by the manager loop.
type messageFilter struct {
	logger   *zap.Logger
	window   time.Duration
	seen     map[string]time.Time
	partials map[string]*partialSet
}

func newMessageFilter(window time.Duration, logger *zap.Logger) *messageFilter {
	return &messageFilter{
		logger:   logger,
		window:   window,
		seen:     make(map[string]time.Time),
		partials: make(map[string]*partialSet),
	}
}

// process returns the messages that should be delivered, in input order.
func (f *messageFilter) process(now time.Time, messages []transport.Message) []transport.Message {
	out := make([]transport.Message, 0, len(messages))
	for _, msg := range messages {
		if key := messageKey(msg); key != "" {
			if _, dup := f.seen[key]; dup {
				f.logger.Debug("Dropping duplicate message", zap.String("id", key), zap.String("channel", msg.Channel))
				continue
			}
			f.seen[key] = now
		}

		if full, ok := f.assemble(now, msg); ok {
			out = append(out, full)
		}
	}
	f.expire(now)
	return out
}

// messageKey identifies a message for duplicate suppression: the transport id
// or, failing that, a messageId field in the payload.
func messageKey(msg transport.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	if len(msg.Payload) == 0 || msg.Payload[0] != '{' {
		return ""
	}
	var probe struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		return ""
	}
	return probe.MessageID
}

// assemble passes whole messages through. A partial is held until every part
// has arrived; the joined text must be valid JSON.
func (f *messageFilter) assemble(now time.Time, msg transport.Message) (transport.Message, bool) {
	if len(msg.Payload) == 0 || msg.Payload[0] != '{' {
		return msg, true
	}

	var part partialMessage
	if err := json.Unmarshal(msg.Payload, &part); err != nil || part.FullMessageID == "" {
		return msg, true
	}

	set, ok := f.partials[part.FullMessageID]
	if !ok {
		if part.TotalParts <= 0 {
			f.logger.Warn("Dropping partial message with no parts", zap.String("fullMessageId", part.FullMessageID))
			return transport.Message{}, false
		}
		set = &partialSet{
			parts: make([]string, part.TotalParts),
			have:  make([]bool, part.TotalParts),
		}
		f.partials[part.FullMessageID] = set
	}

	if part.Part < 0 || part.Part >= len(set.parts) {
		f.logger.Warn("Dropping partial message with part out of range",
			zap.String("fullMessageId", part.FullMessageID),
			zap.Int("part", part.Part),
			zap.Int("totalParts", len(set.parts)),
		)
		return transport.Message{}, false
	}

	set.parts[part.Part] = part.Message
	set.have[part.Part] = true
	set.updated = now

	for _, have := range set.have {
		if !have {
			return transport.Message{}, false
		}
	}
	delete(f.partials, part.FullMessageID)

	joined := strings.Join(set.parts, "")
	if !json.Valid([]byte(joined)) {
		f.logger.Warn("Unable to parse reassembled message, dropping", zap.String("fullMessageId", part.FullMessageID))
		return transport.Message{}, false
	}

	return transport.Message{
		ID:        part.FullMessageID,
		Channel:   msg.Channel,
		Timetoken: msg.Timetoken,
		Payload:   json.RawMessage(joined),
	}, true
}

func (f *messageFilter) expire(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, at := range f.seen {
		if at.Before(cutoff) {
			delete(f.seen, key)
		}
	}
	for id, set := range f.partials {
		if set.updated.Before(cutoff) {
			delete(f.partials, id)
		}
	}
}

func (f *messageFilter) reset() {
	f.partials = make(map[string]*partialSet)
}
