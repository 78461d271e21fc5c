package broadcaster

import "sync"

// FaultProvider lets tests steer the manager into failure paths that are hard
// to produce against a real transport. Production code uses NoFaults.
type FaultProvider interface {
	// DropLiveMessages reports whether live messages should be ignored, as if
	// the network were down.
	DropLiveMessages() bool
	// ConfirmFails reports whether the next presence confirm should be
	// treated as having lost every channel.
	ConfirmFails() bool
	// SwallowSubscribeAck reports, once, whether a subscribe acknowledgement
	// should be ignored so that the subscribe timeout fires.
	SwallowSubscribeAck() bool
	// GrantFails reports, once per arming, whether a grant for channel should fail.
	GrantFails(channel string) bool
}

// NoFaults injects nothing.
type NoFaults struct{}

func (NoFaults) DropLiveMessages() bool    { return false }
func (NoFaults) ConfirmFails() bool        { return false }
func (NoFaults) SwallowSubscribeAck() bool { return false }
func (NoFaults) GrantFails(string) bool    { return false }

// Faults is a FaultProvider whose faults are switched on and off at runtime.
type Faults struct {
	mu                  sync.Mutex
	offline             bool
	confirmFailure      bool
	subscriptionTimeout bool
	grantFailures       map[string]struct{}
}

// NewFaults returns a provider with every fault switched off.
func NewFaults() *Faults {
	return &Faults{grantFailures: make(map[string]struct{})}
}

func (f *Faults) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *Faults) SetConfirmFailure(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmFailure = fail
}

// ArmSubscriptionTimeout makes the next subscribe acknowledgement disappear.
func (f *Faults) ArmSubscriptionTimeout() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptionTimeout = true
}

// FailGrant makes the next grant for channel fail.
func (f *Faults) FailGrant(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grantFailures[channel] = struct{}{}
}

func (f *Faults) DropLiveMessages() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offline
}

func (f *Faults) ConfirmFails() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmFailure
}

func (f *Faults) SwallowSubscribeAck() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	armed := f.subscriptionTimeout
	f.subscriptionTimeout = false
	return armed
}

func (f *Faults) GrantFails(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grantFailures[channel]; ok {
		delete(f.grantFailures, channel)
		return true
	}
	return false
}
