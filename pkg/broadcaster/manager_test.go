package broadcaster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport/memory"
)

const waitFor = 3 * time.Second
const pollEvery = 5 * time.Millisecond

type recorder struct {
	mu       sync.Mutex
	events   []StatusChangeEvent
	messages []transport.Message
	// messagesAtConnected is the number of messages delivered when each
	// Connected event arrived.
	messagesAtConnected []int
}

func (r *recorder) onStatus(ev StatusChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Status == Connected {
		r.messagesAtConnected = append(r.messagesAtConnected, len(r.messages))
	}
}

func (r *recorder) onMessages(messages []transport.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, messages...)
}

func (r *recorder) snapshot() []StatusChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusChangeEvent(nil), r.events...)
}

func (r *recorder) statuses() []Status {
	var statuses []Status
	for _, ev := range r.snapshot() {
		statuses = append(statuses, ev.Status)
	}
	return statuses
}

func (r *recorder) received() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.messages...)
}

func (r *recorder) count(status Status) int {
	n := 0
	for _, s := range r.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

// waitForCount waits until status has been emitted n times and returns the
// latest such event.
func (r *recorder) waitForCount(t *testing.T, status Status, n int) StatusChangeEvent {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(status) >= n }, waitFor, pollEvery,
		"waiting for %d %s events, got %v", n, status, r.statuses())

	events := r.snapshot()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Status == status {
			return events[i]
		}
	}
	return StatusChangeEvent{}
}

func (r *recorder) waitFor(t *testing.T, status Status) StatusChangeEvent {
	t.Helper()
	return r.waitForCount(t, status, 1)
}

type harness struct {
	hub       *hub.Hub
	transport *memory.Transport
	manager   *Manager
	recorder  *recorder
	userID    string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 50 * time.Millisecond
	cfg.LongTick = 5 * time.Second
	cfg.SubscribeTimeout = 200 * time.Millisecond
	return cfg
}

type harnessOptions struct {
	authKey   string
	config    Config
	clock     Clock
	metrics   o11y.MetricsProvider
	beforeRun func(h *hub.Hub)
	wrap      func(tr *memory.Transport) transport.Transport
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h, err := hub.New().
		WithLogger(logger).
		WithSecret([]byte("manager-test-secret")).
		WithPruneSchedule("").
		Build()
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })

	userID := "u1"
	authKey := opts.authKey
	if authKey == "" {
		authKey, err = h.Keys().Issue(userID, time.Hour)
		require.NoError(t, err)
	}
	if opts.beforeRun != nil {
		opts.beforeRun(h)
	}

	cfg := opts.config
	if cfg == (Config{}) {
		cfg = testConfig()
	}

	tr := memory.New(h, authKey, logger)
	var managed transport.Transport = tr
	if opts.wrap != nil {
		managed = opts.wrap(tr)
	}
	builder := NewManager().
		WithTransport(managed).
		WithLogger(logger).
		WithConfig(cfg)
	if opts.clock != nil {
		builder.WithClock(opts.clock)
	}
	if opts.metrics != nil {
		builder.WithMetrics(opts.metrics)
	}

	m, err := builder.Build()
	require.NoError(t, err)

	rec := &recorder{}
	m.OnStatusChange(rec.onStatus)
	m.OnMessages(rec.onMessages)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	return &harness{hub: h, transport: tr, manager: m, recorder: rec, userID: userID}
}

func (h *harness) userChannel() string {
	return "user-" + h.userID
}

func (h *harness) publish(t *testing.T, channel string, payload string) {
	t.Helper()
	require.NoError(t, h.hub.Publish(context.Background(), channel, []byte(payload)))
}

func TestManagerBuilder(t *testing.T) {
	t.Run("transport is required", func(t *testing.T) {
		_, err := NewManager().Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport is required")
	})

	t.Run("config is validated", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.HistoryPageSize = 100

		_, err := NewManager().WithTransport(memory.New(nil, "", nil)).WithConfig(cfg).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HistoryPageSize")
	})

	t.Run("defaults", func(t *testing.T) {
		m, err := NewManager().WithTransport(memory.New(nil, "", nil)).Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), m.cfg)
		assert.IsType(t, SystemClock{}, m.clock)
		assert.IsType(t, &Faults{}, m.faults)
	})
}

func TestManagerStartStop(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	require.Error(t, h.manager.Start(context.Background()))
	require.NoError(t, h.manager.Stop())
	require.NoError(t, h.manager.Stop())

	_, err := h.manager.State(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

// failingOpen fails its first Open.
type failingOpen struct {
	*memory.Transport
	opens atomic.Int32
}

func (f *failingOpen) Open(ctx context.Context, handler transport.Handler) error {
	if f.opens.Add(1) == 1 {
		return transport.ErrClosed
	}
	return f.Transport.Open(ctx, handler)
}

func TestManagerStartAfterFailedOpen(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h, err := hub.New().WithLogger(logger).WithSecret([]byte("manager-test-secret")).WithPruneSchedule("").Build()
	require.NoError(t, err)
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })

	authKey, err := h.Keys().Issue("u1", time.Hour)
	require.NoError(t, err)

	m, err := NewManager().
		WithTransport(&failingOpen{Transport: memory.New(h, authKey, logger)}).
		WithLogger(logger).
		WithConfig(testConfig()).
		Build()
	require.NoError(t, err)
	rec := &recorder{}
	m.OnStatusChange(rec.onStatus)

	err = m.Start(context.Background())
	require.ErrorIs(t, err, transport.ErrClosed)

	t.Run("stop returns", func(t *testing.T) {
		stopped := make(chan error, 1)
		go func() { stopped <- m.Stop() }()
		select {
		case err := <-stopped:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Stop did not return")
		}
		_, err := m.State(context.Background())
		assert.ErrorIs(t, err, ErrStopped)
	})

	t.Run("start can be retried", func(t *testing.T) {
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(func() { _ = m.Stop() })

		m.Subscribe("user-u1")
		ev := rec.waitFor(t, Connected)
		assert.Equal(t, []string{"user-u1"}, ev.Channels)
	})
}

func TestManagerStopFromListener(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	stopped := make(chan error, 1)
	h.manager.OnStatusChange(func(ev StatusChangeEvent) {
		if ev.Status == Connected {
			stopped <- h.manager.Stop()
		}
	})
	h.manager.Subscribe(h.userChannel())

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop from a listener did not return")
	}
	_, err := h.manager.State(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestManagerSubscribe(t *testing.T) {
	t.Run("first subscribe connects", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel(), "team-7")

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"team-7", "user-u1"}, ev.Channels)
		assert.False(t, ev.Reconnected)
		assert.Equal(t, []Status{Connected}, h.recorder.statuses())

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.False(t, state.Pending)
		assert.Equal(t, map[string]string{"team-7": "active", "user-u1": "active"}, state.Channels)
	})

	t.Run("subscribe during handshake is queued", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe("user-a")
		h.manager.Subscribe("user-a", "team-b")

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"team-b", "user-a"}, ev.Channels)

		time.Sleep(100 * time.Millisecond)
		events := h.recorder.snapshot()
		require.Len(t, events, 2)
		assert.Equal(t, StatusChangeEvent{Status: Queued, Channels: []string{"team-b"}}, events[0])
		assert.Equal(t, Connected, events[1].Status)
	})

	t.Run("resubscribing known channels is silent", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe("user-a")
		h.recorder.waitFor(t, Connected)

		h.manager.Subscribe("user-a")
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []Status{Connected}, h.recorder.statuses())

		h.manager.Subscribe("user-b")
		ev := h.recorder.waitForCount(t, Connected, 2)
		assert.Equal(t, []string{"user-a", "user-b"}, ev.Channels)
	})

	t.Run("unsubscribe removes channels", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe("user-a", "user-b")
		h.recorder.waitFor(t, Connected)

		h.manager.Unsubscribe("user-b")
		require.Eventually(t, func() bool {
			occupants, err := h.hub.HereNow(context.Background(), []string{"user-b"})
			return err == nil && len(occupants["user-b"]) == 0
		}, waitFor, pollEvery)

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"user-a": "active"}, state.Channels)
	})
}

func TestManagerOnline(t *testing.T) {
	t.Run("offline is reported once per transition", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SetOnline(false)
		h.manager.SetOnline(false)
		h.recorder.waitFor(t, Offline)

		h.manager.SetOnline(true)
		h.recorder.waitFor(t, Confirmed)

		assert.Equal(t, []Status{Connected, Offline, NetworkProblem, Confirmed}, h.recorder.statuses())
	})

	t.Run("network error while offline waits for online", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SetOnline(false)
		h.manager.SimulateNetError(0)
		h.manager.SimulateNetError(0)
		h.recorder.waitFor(t, NetworkProblem)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []Status{Connected, Offline, NetworkProblem}, h.recorder.statuses())

		h.manager.SetOnline(true)
		h.recorder.waitFor(t, Confirmed)
		assert.Equal(t, []Status{Connected, Offline, NetworkProblem, NetworkProblem, Confirmed}, h.recorder.statuses())
	})

	t.Run("simulated network error confirms", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SimulateNetError(20 * time.Millisecond)
		h.recorder.waitFor(t, Confirmed)
		assert.Equal(t, []Status{Connected, NetworkProblem, Confirmed}, h.recorder.statuses())
	})

	t.Run("lost session is resubscribed", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		require.NoError(t, h.transport.Drop(context.Background()))

		ev := h.recorder.waitForCount(t, Connected, 2)
		assert.True(t, ev.Reconnected)
		assert.Equal(t, []string{"user-u1"}, ev.Channels)
		assert.Equal(t, []Status{Connected, NetworkProblem, Trouble, Connected}, h.recorder.statuses())
	})

	t.Run("missing presence is resubscribed", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe("user-a", "user-b")
		h.recorder.waitFor(t, Connected)

		require.NoError(t, h.transport.Forget(context.Background(), []string{"user-b"}))
		h.manager.SimulateNetError(0)

		ev := h.recorder.waitForCount(t, Connected, 2)
		assert.True(t, ev.Reconnected)
		assert.Equal(t, []string{"user-a", "user-b"}, ev.Channels)

		trouble := h.recorder.waitFor(t, Trouble)
		assert.Equal(t, []string{"user-b"}, trouble.Channels)
	})

	t.Run("confirm failure resubscribes", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SimulateConfirmFailure(true)
		h.manager.SetOnline(false)
		h.manager.SetOnline(true)

		ev := h.recorder.waitForCount(t, Connected, 2)
		assert.True(t, ev.Reconnected)
		assert.Equal(t, []Status{Connected, Offline, NetworkProblem, Trouble, Connected}, h.recorder.statuses())
	})
}

func TestManagerLongTick(t *testing.T) {
	t.Run("simulated clock gap", func(t *testing.T) {
		clock := NewSimulatedClock(time.Now())
		h := newHarness(t, harnessOptions{clock: clock})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		clock.Advance(testConfig().LongTick + time.Second)
		h.recorder.waitFor(t, Confirmed)
		assert.Equal(t, []Status{Connected, NetworkProblem, Confirmed}, h.recorder.statuses())
	})

	t.Run("simulate long tick", func(t *testing.T) {
		cfg := testConfig()
		cfg.TickInterval = 20 * time.Millisecond
		cfg.LongTick = 300 * time.Millisecond

		h := newHarness(t, harnessOptions{config: cfg})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SimulateLongTick()
		h.recorder.waitFor(t, Confirmed)
		assert.Contains(t, h.recorder.statuses(), NetworkProblem)
	})
}

func TestManagerCatchUp(t *testing.T) {
	t.Run("history is replayed before connected", func(t *testing.T) {
		h := newHarness(t, harnessOptions{beforeRun: func(h *hub.Hub) {
			for i := 0; i < 30; i++ {
				require.NoError(t, h.Publish(context.Background(), "user-u1", []byte(fmt.Sprintf(`{"n":%d}`, i))))
			}
		}})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		received := h.recorder.received()
		require.Len(t, received, 30)
		for i, msg := range received {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.Payload))
		}
		assert.Equal(t, []int{30}, h.recorder.messagesAtConnected)

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, received[29].ReceivedAt(), state.LastMessageReceivedAt)
	})

	t.Run("missed messages are replayed once", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.publish(t, "user-u1", `{"n":0}`)
		require.Eventually(t, func() bool { return len(h.recorder.received()) == 1 }, waitFor, pollEvery)

		h.manager.SimulateOffline(true)
		for i := 1; i <= 5; i++ {
			h.publish(t, "user-u1", fmt.Sprintf(`{"n":%d}`, i))
		}
		time.Sleep(50 * time.Millisecond)
		assert.Len(t, h.recorder.received(), 1)
		h.manager.SimulateOffline(false)

		h.manager.SetOnline(false)
		h.manager.SetOnline(true)
		h.recorder.waitFor(t, Confirmed)

		require.Eventually(t, func() bool { return len(h.recorder.received()) == 6 }, waitFor, pollEvery)
		time.Sleep(50 * time.Millisecond)
		received := h.recorder.received()
		require.Len(t, received, 6)
		for i, msg := range received {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.Payload))
		}
	})

	t.Run("anchor outside history window resets", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel())
		h.recorder.waitFor(t, Connected)

		h.manager.SetLastMessageReceivedAt(time.UnixMilli(1))
		h.manager.SetOnline(false)
		h.manager.SetOnline(true)

		h.recorder.waitFor(t, Reset)
		assert.Equal(t, []Status{Connected, Offline, NetworkProblem, Confirmed, Reset}, h.recorder.statuses())
		assert.Empty(t, h.recorder.received())

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.Empty(t, state.Channels)
	})

	t.Run("too much history resets", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxReplayPerChannel = 20

		h := newHarness(t, harnessOptions{config: cfg, beforeRun: func(h *hub.Hub) {
			for i := 0; i < 30; i++ {
				require.NoError(t, h.Publish(context.Background(), "user-u1", []byte(`{}`)))
			}
		}})
		h.manager.Subscribe(h.userChannel())

		h.recorder.waitFor(t, Reset)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []Status{Reset}, h.recorder.statuses())
		assert.Empty(t, h.recorder.received())
	})

	t.Run("seeded anchor", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		at := time.UnixMilli(1_700_000_000_000)
		h.manager.SetLastMessageReceivedAt(at)

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, at, state.LastMessageReceivedAt)
	})
}

func TestManagerLiveMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.manager.Subscribe(h.userChannel())
	h.recorder.waitFor(t, Connected)

	h.publish(t, "user-u1", `{"messageId":"m1","text":"hello"}`)
	h.publish(t, "user-u1", `{"messageId":"m1","text":"hello"}`)
	h.publish(t, "user-u1", `{"fullMessageId":"big","part":1,"totalParts":2,"message":"\"b\":2}"}`)
	h.publish(t, "user-u1", `{"fullMessageId":"big","part":0,"totalParts":2,"message":"{\"a\":1,"}`)

	require.Eventually(t, func() bool { return len(h.recorder.received()) == 3 }, waitFor, pollEvery)
	time.Sleep(50 * time.Millisecond)

	received := h.recorder.received()
	require.Len(t, received, 3)
	assert.JSONEq(t, `{"messageId":"m1","text":"hello"}`, string(received[0].Payload))
	assert.JSONEq(t, `{"messageId":"m1","text":"hello"}`, string(received[1].Payload))
	assert.Equal(t, "big", received[2].ID)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(received[2].Payload))
}

func TestManagerGrantRecovery(t *testing.T) {
	t.Run("invalid channel fails", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.Subscribe(h.userChannel(), "invalid-channel")

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"user-u1"}, ev.Channels)
		assert.True(t, ev.Reconnected)

		events := h.recorder.snapshot()
		require.Len(t, events, 3)
		assert.Equal(t, StatusChangeEvent{Status: Trouble, Channels: []string{"invalid-channel"}}, events[0])
		assert.Equal(t, StatusChangeEvent{Status: Failed, Channels: []string{"invalid-channel"}}, events[1])

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "dropped", state.Channels["invalid-channel"])
	})

	t.Run("subscription timeout is granted", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.SimulateSubscriptionTimeout()
		h.manager.Subscribe(h.userChannel())

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"user-u1"}, ev.Channels)
		assert.True(t, ev.Reconnected)

		events := h.recorder.snapshot()
		require.Len(t, events, 3)
		assert.Equal(t, StatusChangeEvent{Status: Trouble, Channels: []string{"user-u1"}}, events[0])
		assert.Equal(t, StatusChangeEvent{Status: Granted, Channels: []string{"user-u1"}}, events[1])
		assert.Contains(t, h.hub.Grants(h.transport.Session().AuthKey()), "user-u1")
	})

	t.Run("grant failure drops only that channel", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.manager.SimulateGrantFailure("user-b")
		h.manager.SimulateSubscriptionTimeout()
		h.manager.Subscribe("user-a", "user-b")

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"user-a"}, ev.Channels)

		failed := h.recorder.waitFor(t, Failed)
		assert.Equal(t, []string{"user-b"}, failed.Channels)
		granted := h.recorder.waitFor(t, Granted)
		assert.Equal(t, []string{"user-a"}, granted.Channels)
	})

	t.Run("revoked channel is granted again", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		h.hub.Revoke(h.transport.Session().AuthKey(), "team-7")
		h.manager.Subscribe("team-7")

		ev := h.recorder.waitFor(t, Connected)
		assert.Equal(t, []string{"team-7"}, ev.Channels)
		assert.Equal(t, []Status{Trouble, Granted, Connected}, h.recorder.statuses())
	})

	t.Run("subscribe during recovery is queued then merged", func(t *testing.T) {
		h := newHarness(t, harnessOptions{wrap: func(tr *memory.Transport) transport.Transport {
			return &slowGrant{Transport: tr, delay: 300 * time.Millisecond}
		}})
		h.manager.SimulateSubscriptionTimeout()
		h.manager.Subscribe("user-a")
		h.recorder.waitFor(t, Trouble)
		h.manager.Subscribe("user-b")

		h.recorder.waitFor(t, Connected)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, []StatusChangeEvent{
			{Status: Trouble, Channels: []string{"user-a"}},
			{Status: Queued, Channels: []string{"user-b"}},
			{Status: Granted, Channels: []string{"user-a"}},
			{Status: Connected, Channels: []string{"user-a", "user-b"}, Reconnected: true},
		}, h.recorder.snapshot())
	})

	t.Run("rejected credential aborts", func(t *testing.T) {
		h := newHarness(t, harnessOptions{authKey: "not-a-token"})
		h.manager.Subscribe("user-u1")

		h.recorder.waitFor(t, Aborted)
		assert.Equal(t, 11, h.recorder.count(Trouble))
		assert.Equal(t, 10, h.recorder.count(Granted))
		assert.Zero(t, h.recorder.count(Connected))

		h.manager.Subscribe("user-u1")
		h.recorder.waitForCount(t, Aborted, 2)

		state, err := h.manager.State(context.Background())
		require.NoError(t, err)
		assert.True(t, state.Aborted)
		assert.Empty(t, state.Channels)
	})
}

// slowGrant delays every grant.
type slowGrant struct {
	*memory.Transport
	delay time.Duration
}

func (s *slowGrant) Grant(ctx context.Context, channel string) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Transport.Grant(ctx, channel)
}

func TestManagerStopIsSilent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.manager.Subscribe(h.userChannel())
	h.recorder.waitFor(t, Connected)

	h.manager.SimulateNetError(50 * time.Millisecond)
	require.NoError(t, h.manager.Stop())
	before := h.recorder.statuses()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, before, h.recorder.statuses())
	assert.Equal(t, []Status{Connected}, before)
}

func TestManagerDisposeListener(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var mu sync.Mutex
	var seen []Status
	d := h.manager.OnStatusChange(func(ev StatusChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Status)
	})

	h.manager.Subscribe("user-a")
	h.recorder.waitFor(t, Connected)
	d.Dispose()
	d.Dispose()

	h.manager.Subscribe("user-b")
	h.recorder.waitForCount(t, Connected, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{Connected}, seen)
}

func TestManagerMetrics(t *testing.T) {
	metrics := o11y.NewStandaloneProvider(nil, nil)
	h := newHarness(t, harnessOptions{metrics: metrics, beforeRun: func(h *hub.Hub) {
		require.NoError(t, h.Publish(context.Background(), "user-u1", []byte(`{}`)))
	}})
	h.manager.Subscribe(h.userChannel())
	h.recorder.waitFor(t, Connected)

	snapshot := metrics.Snapshot()
	assert.Equal(t, int64(1), snapshot.Counters["broadcaster_status_events_total{status=Connected}"])
	assert.Equal(t, int64(1), snapshot.Counters["broadcaster_messages_delivered_total{source=history}"])
	assert.Equal(t, int64(1), snapshot.Counters["broadcaster_catch_ups_total{status=success}"])
	assert.Equal(t, float64(1), snapshot.Gauges["broadcaster_active_channels"])
}
