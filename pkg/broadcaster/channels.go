package broadcaster

import "sort"

// channelState is where a channel stands in the subscription lifecycle.
type channelState int

const (
	// statePending channels are requested but not yet acknowledged.
	statePending channelState = iota
	// stateActive channels are acknowledged by the transport.
	stateActive
	// stateQueued channels wait for the handshake in flight to settle.
	stateQueued
	// stateRecovering channels failed to subscribe and are being granted.
	stateRecovering
	// stateDropped channels could not be granted and are no longer subscribed.
	stateDropped
)

func (s channelState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateActive:
		return "active"
	case stateQueued:
		return "queued"
	case stateRecovering:
		return "recovering"
	case stateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// channelTable records the state of every channel the manager has been asked
// for. It is owned by the manager loop.
type channelTable struct {
	states map[string]channelState
}

func newChannelTable() *channelTable {
	return &channelTable{states: make(map[string]channelState)}
}

func (t *channelTable) state(channel string) (channelState, bool) {
	s, ok := t.states[channel]
	return s, ok
}

func (t *channelTable) set(channel string, s channelState) {
	t.states[channel] = s
}

// add records channels as pending unless they are already tracked. Dropped
// channels are requested again. It returns the channels that were added.
func (t *channelTable) add(channels []string) []string {
	var added []string
	for _, channel := range dedupe(channels) {
		if s, ok := t.states[channel]; ok && s != stateDropped {
			continue
		}
		t.states[channel] = statePending
		added = append(added, channel)
	}
	return added
}

// queue records channels as queued unless they are already tracked, and
// returns the channels that were queued.
func (t *channelTable) queue(channels []string) []string {
	var queued []string
	for _, channel := range dedupe(channels) {
		if s, ok := t.states[channel]; ok && s != stateDropped {
			continue
		}
		t.states[channel] = stateQueued
		queued = append(queued, channel)
	}
	return queued
}

// promoteQueued moves every queued channel to pending and returns them.
func (t *channelTable) promoteQueued() []string {
	promoted := t.in(stateQueued)
	for _, channel := range promoted {
		t.states[channel] = statePending
	}
	return promoted
}

// markPending moves tracked, non-dropped channels back to pending.
func (t *channelTable) markPending(channels []string) {
	for _, channel := range channels {
		if s, ok := t.states[channel]; ok && s != stateDropped && s != stateQueued {
			t.states[channel] = statePending
		}
	}
}

// markActive moves pending or recovering channels to active and returns
// the channels that changed.
func (t *channelTable) markActive(channels []string) []string {
	var changed []string
	for _, channel := range channels {
		s, ok := t.states[channel]
		if ok && (s == statePending || s == stateRecovering) {
			t.states[channel] = stateActive
			changed = append(changed, channel)
		}
	}
	return changed
}

func (t *channelTable) remove(channels []string) {
	for _, channel := range channels {
		delete(t.states, channel)
	}
}

func (t *channelTable) clear() {
	t.states = make(map[string]channelState)
}

// in returns the sorted channels in any of the given states.
func (t *channelTable) in(states ...channelState) []string {
	var channels []string
	for channel, s := range t.states {
		for _, want := range states {
			if s == want {
				channels = append(channels, channel)
				break
			}
		}
	}
	sort.Strings(channels)
	return channels
}

func (t *channelTable) count(states ...channelState) int {
	n := 0
	for _, s := range t.states {
		for _, want := range states {
			if s == want {
				n++
				break
			}
		}
	}
	return n
}

func (t *channelTable) active() []string {
	return t.in(stateActive)
}

// unsubscribed returns channels that are requested but not acknowledged.
func (t *channelTable) unsubscribed() []string {
	return t.in(statePending, stateRecovering)
}

// requested returns every channel the session is trying to hold, which is
// what a Connected event reports.
func (t *channelTable) requested() []string {
	return t.in(statePending, stateActive, stateRecovering)
}

// connectedEvent derives the Connected event for the current table.
func connectedEvent(t *channelTable, reconnected bool) StatusChangeEvent {
	return StatusChangeEvent{
		Status:      Connected,
		Channels:    t.requested(),
		Reconnected: reconnected,
	}
}

func dedupe(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, channel := range channels {
		if channel == "" {
			continue
		}
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		out = append(out, channel)
	}
	return out
}

func sortedCopy(channels []string) []string {
	out := append([]string(nil), channels...)
	sort.Strings(out)
	return out
}
