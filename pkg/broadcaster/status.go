package broadcaster

import (
	"fmt"
	"strings"
)

// Status is the kind of a StatusChangeEvent.
type Status int

const (
	// Queued reports channels held back until the handshake in flight settles.
	Queued Status = iota
	// Connected reports that every requested channel is subscribed and caught up.
	Connected
	// Offline reports that the application has gone offline.
	Offline
	// NetworkProblem reports a transport network error or a stalled process.
	NetworkProblem
	// Trouble reports channels whose subscription could not be confirmed.
	Trouble
	// Granted reports channels whose access grant succeeded and will be resubscribed.
	Granted
	// Confirmed reports that existing subscriptions survived an outage.
	Confirmed
	// Failed reports channels that were dropped because they could not be granted.
	Failed
	// Reset reports that missed history cannot be replayed; the consumer must resync.
	Reset
	// Aborted reports that the credential was rejected; the session is over.
	Aborted
)

var statusNames = [...]string{
	Queued:         "Queued",
	Connected:      "Connected",
	Offline:        "Offline",
	NetworkProblem: "NetworkProblem",
	Trouble:        "Trouble",
	Granted:        "Granted",
	Confirmed:      "Confirmed",
	Failed:         "Failed",
	Reset:          "Reset",
	Aborted:        "Aborted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(text)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

// StatusChangeEvent is emitted whenever the manager's view of the connection
// changes. Channels lists exactly the channels the event concerns, sorted, and
// is empty for connection-wide statuses. Reconnected is set on a Connected
// event that follows reported trouble.
type StatusChangeEvent struct {
	Status      Status   `json:"status"`
	Channels    []string `json:"channels,omitempty"`
	Reconnected bool     `json:"reconnected,omitempty"`
}

func (e StatusChangeEvent) String() string {
	var b strings.Builder
	b.WriteString(e.Status.String())
	if len(e.Channels) > 0 {
		b.WriteString("{")
		b.WriteString(strings.Join(e.Channels, ","))
		b.WriteString("}")
	}
	if e.Reconnected {
		b.WriteString(" (reconnected)")
	}
	return b.String()
}
