package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/broadcaster/pkg/broadcaster"
	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets/server"
)

type recordingHandler struct {
	mu       sync.Mutex
	messages []transport.Message
	events   []transport.Event
}

func (h *recordingHandler) OnMessage(msg transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) OnEvent(ev transport.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHandler) receivedMessages() []transport.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Message(nil), h.messages...)
}

func (h *recordingHandler) receivedEvents() []transport.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Event(nil), h.events...)
}

type testServer struct {
	hub      *hub.Hub
	listener *server.Listener
	http     *httptest.Server
	url      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	h, err := hub.New().
		WithLogger(logger).
		WithSecret([]byte("client-test-secret")).
		WithPruneSchedule("").
		Build()
	require.NoError(t, err)
	require.NoError(t, h.Start())

	listener, err := server.NewListenerConfig().
		WithHub(h).
		WithLogger(logger).
		WithPublishPolicy(hub.AllowAllChannels).
		Build()
	require.NoError(t, err)

	srv := httptest.NewServer(listener)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = listener.Shutdown(ctx)
		srv.Close()
		_ = h.Stop()
	})

	return &testServer{
		hub:      h,
		listener: listener,
		http:     srv,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (s *testServer) key(t *testing.T, userID string) string {
	t.Helper()
	key, err := s.hub.Keys().Issue(userID, time.Hour)
	require.NoError(t, err)
	return key
}

func (s *testServer) open(t *testing.T, authKey string) (*Client, *recordingHandler) {
	t.Helper()

	c, err := NewClient().
		WithURL(s.url).
		WithLogger(zaptest.NewLogger(t)).
		WithAuthKey(authKey).
		WithRequestTimeout(2 * time.Second).
		Build()
	require.NoError(t, err)

	handler := &recordingHandler{}
	require.NoError(t, c.Open(context.Background(), handler))
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool { return s.listener.ConnectionCount() > 0 }, time.Second, 5*time.Millisecond)
	return c, handler
}

func TestClientBuilder(t *testing.T) {
	t.Run("URL is required", func(t *testing.T) {
		_, err := NewClient().Build()
		assert.EqualError(t, err, "URL is required")
	})

	t.Run("fluent interface returns same builder", func(t *testing.T) {
		builder := NewClient()
		assert.Same(t, builder, builder.WithURL("ws://localhost:8080/ws"))
		assert.Same(t, builder, builder.WithLogger(zap.NewNop()))
		assert.Same(t, builder, builder.WithDialTimeout(5*time.Second))
		assert.Same(t, builder, builder.WithRequestTimeout(time.Second))
		assert.Same(t, builder, builder.WithWriteChannelSize(200))
		assert.Same(t, builder, builder.WithAuthKey("key"))
		assert.Same(t, builder, builder.WithHeader("User-Agent", "broadcaster-test"))
	})

	t.Run("invalid values keep defaults", func(t *testing.T) {
		c, err := NewClient().
			WithURL("ws://localhost:8080/ws").
			WithDialTimeout(-1).
			WithWriteChannelSize(0).
			WithLogger(nil).
			Build()
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, c.dialTimeout)
		assert.Equal(t, 100, c.writeChannelSize)
		assert.NotNil(t, c.logger)
	})

	t.Run("auth key becomes a bearer header", func(t *testing.T) {
		b := NewClient().WithAuthKey("abc")
		value, err := b.authProvider(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer abc", value)
	})
}

func TestClientRequiresOpen(t *testing.T) {
	c, err := NewClient().WithURL("ws://127.0.0.1:1/ws").Build()
	require.NoError(t, err)

	assert.ErrorIs(t, c.Subscribe(context.Background(), []string{"user-1"}), transport.ErrNotConnected)
	assert.ErrorIs(t, c.Reconnect(context.Background()), transport.ErrNotConnected)

	require.NoError(t, c.Close())
	_, err = c.Confirm(context.Background(), []string{"user-1"})
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, c.Open(context.Background(), &recordingHandler{}), transport.ErrClosed)
}

func TestClientDialFailure(t *testing.T) {
	c, err := NewClient().WithURL("ws://127.0.0.1:1/ws").WithDialTimeout(time.Second).Build()
	require.NoError(t, err)

	err = c.Open(context.Background(), &recordingHandler{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestClientSubscribeAndReceive(t *testing.T) {
	s := newTestServer(t)
	c, handler := s.open(t, s.key(t, "u1"))
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"user-u1", "invalid-channel"}))

	events := handler.receivedEvents()
	require.Len(t, events, 2)
	assert.Equal(t, transport.EventAccessDenied, events[0].Kind)
	assert.Equal(t, []string{"invalid-channel"}, events[0].Channels)
	assert.Equal(t, transport.EventConnected, events[1].Kind)
	assert.Equal(t, []string{"user-u1"}, events[1].Channels)

	require.NoError(t, s.hub.Publish(ctx, "user-u1", json.RawMessage(`{"hello":"world"}`)))
	require.Eventually(t, func() bool { return len(handler.receivedMessages()) == 1 }, time.Second, 5*time.Millisecond)

	msg := handler.receivedMessages()[0]
	assert.Equal(t, "user-u1", msg.Channel)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timetoken)
	assert.JSONEq(t, `{"hello":"world"}`, string(msg.Payload))
}

func TestClientConfirm(t *testing.T) {
	s := newTestServer(t)
	c, _ := s.open(t, s.key(t, "u1"))
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"user-u1"}))

	missing, err := c.Confirm(ctx, []string{"user-u1", "team-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"team-1"}, missing)

	require.NoError(t, c.Unsubscribe(ctx, []string{"user-u1"}))
	missing, err = c.Confirm(ctx, []string{"user-u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-u1"}, missing)
}

func TestClientHistory(t *testing.T) {
	s := newTestServer(t)
	c, _ := s.open(t, s.key(t, "u1"))
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, s.hub.Publish(ctx, "team-1", map[string]int{"n": i}))
	}

	page, err := c.History(ctx, transport.HistoryRequest{Channel: "team-1", Limit: 100})
	require.NoError(t, err)
	require.Len(t, page.Messages, transport.MaxPageSize)
	assert.True(t, page.More)

	page, err = c.History(ctx, transport.HistoryRequest{Channel: "team-1", After: page.Messages[24].Timetoken, Limit: 25})
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	assert.False(t, page.More)
	assert.JSONEq(t, `{"n":29}`, string(page.Messages[4].Payload))
}

func TestClientGrant(t *testing.T) {
	s := newTestServer(t)
	c, _ := s.open(t, s.key(t, "u1"))
	ctx := context.Background()

	require.NoError(t, c.Grant(ctx, "team-1"))

	err := c.Grant(ctx, "invalid-channel")
	assert.ErrorIs(t, err, transport.ErrGrantDenied)
}

func TestClientPublish(t *testing.T) {
	s := newTestServer(t)
	publisher, _ := s.open(t, s.key(t, "u1"))
	subscriber, handler := s.open(t, s.key(t, "u2"))
	ctx := context.Background()

	require.NoError(t, subscriber.Subscribe(ctx, []string{"team-1"}))
	require.NoError(t, publisher.Publish(ctx, "team-1", json.RawMessage(`{"text":"hi"}`)))

	require.Eventually(t, func() bool { return len(handler.receivedMessages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"text":"hi"}`, string(handler.receivedMessages()[0].Payload))
}

func TestClientInvalidCredential(t *testing.T) {
	s := newTestServer(t)
	c, handler := s.open(t, "not-a-token")
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"user-u1"}))
	events := handler.receivedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, transport.EventAccessDenied, events[0].Kind)

	_, err := c.History(ctx, transport.HistoryRequest{Channel: "user-u1"})
	assert.ErrorIs(t, err, transport.ErrInvalidCredential)

	err = c.Publish(ctx, "user-u1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, transport.ErrInvalidCredential)
}

func TestClientDropAndReconnect(t *testing.T) {
	s := newTestServer(t)
	c, handler := s.open(t, s.key(t, "u1"))
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, []string{"user-u1"}))
	require.NoError(t, c.Drop())

	require.Eventually(t, func() bool {
		for _, ev := range handler.receivedEvents() {
			if ev.Kind == transport.EventNetworkError {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	_, err := c.Confirm(ctx, []string{"user-u1"})
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, c.Reconnect(ctx))
	missing, err := c.Confirm(ctx, []string{"user-u1"})
	require.NoError(t, err)
	assert.Empty(t, missing)

	events := handler.receivedEvents()
	last := events[len(events)-1]
	assert.Equal(t, transport.EventConnected, last.Kind)
	assert.Equal(t, []string{"user-u1"}, last.Channels)
}

func TestClientServerShutdown(t *testing.T) {
	s := newTestServer(t)
	_, handler := s.open(t, s.key(t, "u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.listener.Shutdown(ctx))

	require.Eventually(t, func() bool {
		events := handler.receivedEvents()
		return len(events) > 0 && events[len(events)-1].Kind == transport.EventNetworkError
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerOverWebSocket(t *testing.T) {
	s := newTestServer(t)
	logger := zaptest.NewLogger(t)

	c, err := NewClient().WithURL(s.url).WithLogger(logger).WithAuthKey(s.key(t, "u1")).Build()
	require.NoError(t, err)

	cfg := broadcaster.DefaultConfig()
	cfg.SubscribeTimeout = time.Second

	m, err := broadcaster.NewManager().WithTransport(c).WithLogger(logger).WithConfig(cfg).Build()
	require.NoError(t, err)

	var mu sync.Mutex
	var events []broadcaster.StatusChangeEvent
	var messages []transport.Message
	m.OnStatusChange(func(ev broadcaster.StatusChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	m.OnMessages(func(batch []transport.Message) {
		mu.Lock()
		defer mu.Unlock()
		messages = append(messages, batch...)
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.Subscribe("user-u1", "invalid-channel")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, broadcaster.Trouble, events[0].Status)
	assert.Equal(t, broadcaster.Failed, events[1].Status)
	assert.Equal(t, []string{"invalid-channel"}, events[1].Channels)
	assert.Equal(t, broadcaster.Connected, events[2].Status)
	assert.Equal(t, []string{"user-u1"}, events[2].Channels)
	mu.Unlock()

	require.NoError(t, c.Drop())
	require.NoError(t, s.hub.Publish(context.Background(), "user-u1", json.RawMessage(`{"missed":true}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && events[len(events)-1].Status == broadcaster.Connected && len(events) > 3
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"missed":true}`, string(messages[0].Payload))
	assert.True(t, events[len(events)-1].Reconnected)
}
