package broadcaster

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the manager's timing and retry tunables.
type Config struct {
	// TickInterval is how often the manager checks for a stalled process.
	TickInterval time.Duration `json:"tick_interval" validate:"min=1ms"`
	// LongTick is the gap between ticks that is treated as a stall.
	LongTick time.Duration `json:"long_tick" validate:"gtfield=TickInterval"`
	// SubscribeTimeout bounds how long a subscribe handshake may take.
	SubscribeTimeout time.Duration `json:"subscribe_timeout" validate:"min=1ms"`

	// ThresholdBuffer is subtracted from the last received message time to
	// form the catch-up anchor.
	ThresholdBuffer time.Duration `json:"threshold_buffer" validate:"min=0"`
	// FreshSessionLookback is subtracted from the start time to form the
	// anchor when no message has been received yet.
	FreshSessionLookback time.Duration `json:"fresh_session_lookback" validate:"min=0"`
	// CatchUpWindow is the oldest anchor that can still be replayed.
	CatchUpWindow time.Duration `json:"catch_up_window" validate:"min=1ms"`
	// MaxReplayPerChannel is the most messages replayed for one channel
	// before the manager gives up and emits Reset.
	MaxReplayPerChannel int `json:"max_replay_per_channel" validate:"min=1"`
	// HistoryPageSize is the page size requested from the transport.
	HistoryPageSize int `json:"history_page_size" validate:"min=1,max=25"`
	// FetchConcurrency bounds parallel history and grant requests.
	FetchConcurrency int `json:"fetch_concurrency" validate:"min=1"`

	// DedupWindow is how long message ids are remembered.
	DedupWindow time.Duration `json:"dedup_window" validate:"min=1ms"`

	// AbortAfterResubscribes is the resubscribe count after which a session
	// that never subscribed anything is aborted.
	AbortAfterResubscribes int `json:"abort_after_resubscribes" validate:"min=1"`
	// Throttle is the resubscribe delay ladder, see throttle.
	Throttle ThrottleConfig `json:"throttle"`
}

// ThrottleConfig spaces out resubscribe attempts: no delay for the first
// SlowAfter attempts, Slow until SlowestAfter attempts, then Slowest.
type ThrottleConfig struct {
	SlowAfter    int           `json:"slow_after" validate:"min=0"`
	Slow         time.Duration `json:"slow" validate:"min=0"`
	SlowestAfter int           `json:"slowest_after" validate:"gtefield=SlowAfter"`
	Slowest      time.Duration `json:"slowest" validate:"min=0"`
}

// DefaultConfig returns the tunables used in production.
func DefaultConfig() Config {
	return Config{
		TickInterval:           time.Second,
		LongTick:               10 * time.Second,
		SubscribeTimeout:       5 * time.Second,
		ThresholdBuffer:        12 * time.Second,
		FreshSessionLookback:   10 * time.Second,
		CatchUpWindow:          30*24*time.Hour - 10*time.Minute,
		MaxReplayPerChannel:    1000,
		HistoryPageSize:        25,
		FetchConcurrency:       8,
		DedupWindow:            10 * time.Minute,
		AbortAfterResubscribes: 10,
		Throttle: ThrottleConfig{
			SlowAfter:    10,
			Slow:         time.Second,
			SlowestAfter: 100,
			Slowest:      time.Minute,
		},
	}
}

var validate = validator.New()

// Validate checks every field against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid broadcaster config: %w", err)
	}
	return nil
}

// delay returns how long to wait before resubscribe number n.
func (t ThrottleConfig) delay(n int) time.Duration {
	switch {
	case n < t.SlowAfter:
		return 0
	case n < t.SlowestAfter:
		return t.Slow
	default:
		return t.Slowest
	}
}
