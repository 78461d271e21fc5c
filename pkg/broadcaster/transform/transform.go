// Package transform rewrites or filters channel messages on their way to a
// consumer, e.g. to project payloads with jq before printing them.
package transform

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// MessageTransformFunc transforms a message. Returning false drops the message
// and stops the chain.
type MessageTransformFunc func(msg transport.Message) (transport.Message, bool)

// DropChannelPattern drops messages whose channel topic matches an MQTT-style
// pattern, where channel "team-42" has the topic "team/42".
//
//	DropChannelPattern("system/+") // drops system-metrics, system-alerts, ...
func DropChannelPattern(pattern string) MessageTransformFunc {
	return func(msg transport.Message) (transport.Message, bool) {
		if mqttpattern.Matches(pattern, hub.ChannelTopic(msg.Channel)) {
			return msg, false
		}
		return msg, true
	}
}

// DropChannelPrefix drops messages whose channel name starts with prefix.
func DropChannelPrefix(prefix string) MessageTransformFunc {
	return func(msg transport.Message) (transport.Message, bool) {
		return msg, !strings.HasPrefix(msg.Channel, prefix)
	}
}

// ChainTransforms combines transforms into one, applied in order.
func ChainTransforms(transforms ...MessageTransformFunc) MessageTransformFunc {
	return func(msg transport.Message) (transport.Message, bool) {
		for _, transform := range transforms {
			var keep bool
			msg, keep = transform(msg)
			if !keep {
				return msg, false
			}
		}
		return msg, true
	}
}

// ApplyTransforms runs every message in a batch through the transforms and
// returns the ones that were kept. The input batch is not modified.
func ApplyTransforms(messages []transport.Message, transforms ...MessageTransformFunc) []transport.Message {
	if len(transforms) == 0 {
		return messages
	}

	chain := ChainTransforms(transforms...)
	kept := make([]transport.Message, 0, len(messages))
	for _, msg := range messages {
		if out, keep := chain(msg); keep {
			kept = append(kept, out)
		}
	}
	return kept
}
