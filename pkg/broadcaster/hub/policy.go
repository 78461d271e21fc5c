package hub

import (
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
)

// A GrantPolicy decides whether userID may be granted access to channel. For
// sessions whose auth key failed verification userID is empty.
type GrantPolicy func(userID, channel string) bool

// ChannelTopic maps a channel name of the form "<kind>-<id>" to the topic
// "<kind>/<id>" that policy patterns are matched against. Names without a
// dash are returned unchanged.
func ChannelTopic(channel string) string {
	kind, id, found := strings.Cut(channel, "-")
	if !found {
		return channel
	}
	return kind + "/" + id
}

// AllowAllChannels grants every channel.
func AllowAllChannels(userID, channel string) bool {
	return true
}

// DenyAllChannels grants nothing.
func DenyAllChannels(userID, channel string) bool {
	return false
}

// AllowChannelPrefix grants channels whose name starts with prefix.
func AllowChannelPrefix(prefix string) GrantPolicy {
	return func(userID, channel string) bool {
		return strings.HasPrefix(channel, prefix)
	}
}

// AllowChannelPattern grants channels whose topic matches an MQTT-style pattern.
//
// Pattern examples:
//   - "team/+" - allows team-1, team-abc, ...
//   - "stream/#" - allows stream-1 and any deeper topic
func AllowChannelPattern(pattern string) GrantPolicy {
	return func(userID, channel string) bool {
		return mqttpattern.Matches(pattern, ChannelTopic(channel))
	}
}

// AllowOwnChannel grants channels matching pattern only when the named
// extraction equals the requesting user id, e.g. AllowOwnChannel("user/+id", "id")
// lets user 42 subscribe to user-42 and nobody else's user channel.
func AllowOwnChannel(pattern, field string) GrantPolicy {
	return func(userID, channel string) bool {
		topic := ChannelTopic(channel)
		if userID == "" || !mqttpattern.Matches(pattern, topic) {
			return false
		}
		return mqttpattern.Extract(pattern, topic)[field] == userID
	}
}

// AnyOf grants a channel when at least one policy does.
func AnyOf(policies ...GrantPolicy) GrantPolicy {
	return func(userID, channel string) bool {
		for _, policy := range policies {
			if policy(userID, channel) {
				return true
			}
		}
		return false
	}
}

// AllOf grants a channel only when every policy does.
func AllOf(policies ...GrantPolicy) GrantPolicy {
	return func(userID, channel string) bool {
		for _, policy := range policies {
			if !policy(userID, channel) {
				return false
			}
		}
		return len(policies) > 0
	}
}

// DefaultPolicy grants the user, team, repo and stream channel kinds, plus
// system channels such as system-metrics.
func DefaultPolicy() GrantPolicy {
	return AnyOf(
		AllowChannelPattern("user/+"),
		AllowChannelPattern("team/+"),
		AllowChannelPattern("repo/+"),
		AllowChannelPattern("stream/+"),
		AllowChannelPrefix("system-"),
	)
}
