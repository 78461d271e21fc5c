package broadcaster

import (
	"sort"
	"sync"
	"time"
)

// Clock is the manager's source of time and timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending call scheduled by a Clock.
type Timer interface {
	// Stop prevents the call from running and reports whether it was still pending.
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SimulatedClock only moves when Advance is called. Timers that come due
// during an Advance run after the clock has reached its new time, in due
// order, the way they would after a suspended process resumes.
type SimulatedClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*simulatedTimer
	seq     int
}

// NewSimulatedClock creates a simulated clock starting at start.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{current: start}
}

func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SimulatedClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &simulatedTimer{clock: c, due: c.current.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d and runs every timer that is due.
// Negative durations are ignored.
func (c *SimulatedClock) Advance(d time.Duration) {
	if d < 0 {
		return
	}

	c.mu.Lock()
	c.current = c.current.Add(d)

	var due, pending []*simulatedTimer
	for _, t := range c.timers {
		if !t.due.After(c.current) {
			due = append(due, t)
		} else {
			pending = append(pending, t)
		}
	}
	c.timers = pending
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].seq < due[j].seq
		}
		return due[i].due.Before(due[j].due)
	})
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have not fired or been stopped.
func (c *SimulatedClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

type simulatedTimer struct {
	clock *SimulatedClock
	due   time.Time
	seq   int
	f     func()
}

func (t *simulatedTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
