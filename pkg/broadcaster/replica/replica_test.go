package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/broadcaster/pkg/broadcaster"
	"github.com/tsarna/broadcaster/pkg/broadcaster/cache"
	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport/memory"
)

func message(t *testing.T, payload any) transport.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.Message{ID: "m", Channel: "stream-1", Payload: data}
}

func newReplica(t *testing.T) *Replica {
	t.Helper()
	r, err := New().
		WithLogger(zaptest.NewLogger(t)).
		WithCollection("posts", cache.GroupSequential("streamId", "seqNum")).
		WithCollection("users", cache.Unique("email"), cache.Group("teamId")).
		Build()
	require.NoError(t, err)
	return r
}

func TestBuilder(t *testing.T) {
	t.Run("requires a collection", func(t *testing.T) {
		_, err := New().Build()
		assert.EqualError(t, err, "at least one collection is required")
	})

	t.Run("rejects an empty collection name", func(t *testing.T) {
		_, err := New().WithCollection("").Build()
		assert.EqualError(t, err, "collection name must not be empty")
	})

	t.Run("rejects invalid indexes", func(t *testing.T) {
		_, err := New().WithCollection("posts", cache.Unique("id")).Build()
		assert.Error(t, err)
	})

	t.Run("keeps declaration order", func(t *testing.T) {
		r := newReplica(t)
		assert.Equal(t, []string{"posts", "users"}, r.Collections())

		_, ok := r.Collection("users")
		assert.True(t, ok)
		_, ok = r.Collection("teams")
		assert.False(t, ok)
	})
}

func TestApply(t *testing.T) {
	t.Run("stores records by collection", func(t *testing.T) {
		r := newReplica(t)
		users, _ := r.Collection("users")
		require.NoError(t, users.InitGroup("teamId", "t1", nil))

		err := r.Apply([]transport.Message{
			message(t, map[string]any{
				"users": []map[string]any{
					{"id": "u1", "email": "a@example.com", "teamId": "t1"},
					{"id": "u2", "email": "b@example.com", "teamId": "t2"},
				},
			}),
		})
		require.NoError(t, err)

		got, ok, err := users.GetBy("email", "b@example.com")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "u2", got.ID())

		members, ok, err := users.GetManyBy("teamId", "t1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, members, 1)
		assert.Equal(t, "u1", members[0].ID())
	})

	t.Run("a full record replaces the cached version", func(t *testing.T) {
		r := newReplica(t)
		users, _ := r.Collection("users")
		require.NoError(t, users.InitGroup("teamId", "t1", nil))
		require.NoError(t, users.InitGroup("teamId", "t2", nil))

		require.NoError(t, r.Apply([]transport.Message{
			message(t, map[string]any{"users": []map[string]any{{"id": "u1", "email": "a@example.com", "teamId": "t1"}}}),
			message(t, map[string]any{"users": []map[string]any{{"id": "u1", "email": "z@example.com", "teamId": "t2"}}}),
		}))

		_, ok, err := users.GetBy("email", "a@example.com")
		require.NoError(t, err)
		assert.False(t, ok)

		t1, _, err := users.GetManyBy("teamId", "t1")
		require.NoError(t, err)
		assert.Empty(t, t1)

		t2, _, err := users.GetManyBy("teamId", "t2")
		require.NoError(t, err)
		assert.Len(t, t2, 1)
	})

	t.Run("changes are applied to the cached version", func(t *testing.T) {
		r := newReplica(t)
		posts, _ := r.Collection("posts")
		require.NoError(t, posts.InitGroup("streamId", "s1", nil))

		require.NoError(t, r.Apply([]transport.Message{
			message(t, map[string]any{"posts": []map[string]any{{
				"id": "p1", "streamId": "s1", "seqNum": 1, "text": "first",
				"meta": map[string]any{"edited": false, "reactions": 0},
			}}}),
		}))
		original, ok := posts.Get("p1")
		require.True(t, ok)

		require.NoError(t, r.Apply([]transport.Message{
			message(t, map[string]any{"posts": []map[string]any{{
				"id":       "p1",
				"$changes": map[string]any{"text": "edited", "meta": map[string]any{"edited": true}},
			}}}),
		}))

		updated, ok := posts.Get("p1")
		require.True(t, ok)
		assert.Equal(t, "edited", updated["text"])
		assert.Equal(t, "s1", updated["streamId"])
		meta, ok := updated["meta"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, meta["edited"])
		assert.Equal(t, float64(0), meta["reactions"])

		assert.Equal(t, "first", original["text"])
		assert.Equal(t, false, original["meta"].(map[string]any)["edited"])

		tail, _, err := posts.GetGroupTail("streamId", "s1", 1)
		require.NoError(t, err)
		require.Equal(t, 1, tail.Len())
		assert.Equal(t, "edited", tail.Data[0]["text"])
	})

	t.Run("changes without a cached version are dropped", func(t *testing.T) {
		r := newReplica(t)

		err := r.Apply([]transport.Message{
			message(t, map[string]any{"posts": []map[string]any{{"id": "p9", "$changes": map[string]any{"text": "x"}}}}),
		})
		assert.ErrorIs(t, err, ErrNoPrevious)

		posts, _ := r.Collection("posts")
		assert.False(t, posts.Has("p9"))
	})

	t.Run("bad records do not stop the batch", func(t *testing.T) {
		r := newReplica(t)

		err := r.Apply([]transport.Message{
			{ID: "bad", Channel: "stream-1", Payload: json.RawMessage(`"not an object"`)},
			message(t, map[string]any{
				"users":    []map[string]any{{"email": "missing-id@example.com"}, {"id": "u3", "email": "c@example.com"}},
				"comments": []map[string]any{{"id": "c1"}},
			}),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrMissingKey)
		assert.Contains(t, err.Error(), "message bad on stream-1")

		users, _ := r.Collection("users")
		assert.True(t, users.Has("u3"))
		assert.Equal(t, 1, users.Len())
	})

	t.Run("records are counted", func(t *testing.T) {
		metrics := o11y.NewStandaloneProvider(nil, nil)
		r, err := New().WithCollection("users").WithMetrics(metrics).Build()
		require.NoError(t, err)

		_ = r.Apply([]transport.Message{
			message(t, map[string]any{"users": []map[string]any{{"id": "u1"}, {"name": "no id"}}}),
		})

		counters := metrics.Snapshot().Counters
		collection := o11y.Label{Key: "collection", Value: "users"}
		assert.Equal(t, int64(1), counters[o11y.SeriesKey("replica_records_applied_total", collection, o11y.StatusLabel(nil))])
		assert.Equal(t, int64(1), counters[o11y.SeriesKey("replica_records_applied_total", collection, o11y.StatusLabel(errors.New("x")))])
	})
}

func TestHandleStatus(t *testing.T) {
	t.Run("reset clears caches and resyncs", func(t *testing.T) {
		resyncs := 0
		r, err := New().
			WithCollection("users", cache.Group("teamId")).
			WithResync(func(ctx context.Context, r *Replica) error {
				resyncs++
				users, _ := r.Collection("users")
				return users.InitGroup("teamId", "t1", []cache.Record{{"id": "fresh", "teamId": "t1"}})
			}).
			Build()
		require.NoError(t, err)

		users, _ := r.Collection("users")
		require.NoError(t, users.InitGroup("teamId", "t1", []cache.Record{{"id": "stale", "teamId": "t1"}}))

		r.HandleStatus(context.Background(), broadcaster.StatusChangeEvent{Status: broadcaster.Connected})
		assert.Equal(t, 0, resyncs)
		assert.True(t, users.Has("stale"))

		r.HandleStatus(context.Background(), broadcaster.StatusChangeEvent{Status: broadcaster.Reset})
		assert.Equal(t, 1, resyncs)
		assert.False(t, users.Has("stale"))
		assert.True(t, users.Has("fresh"))
	})

	t.Run("a failing resync is tolerated", func(t *testing.T) {
		r, err := New().
			WithCollection("users").
			WithResync(func(ctx context.Context, r *Replica) error { return errors.New("offline") }).
			Build()
		require.NoError(t, err)

		r.HandleStatus(context.Background(), broadcaster.StatusChangeEvent{Status: broadcaster.Reset})
	})
}

type fakeSource struct {
	status   func(broadcaster.StatusChangeEvent)
	messages func([]transport.Message)
	disposed int
}

type disposer func()

func (d disposer) Dispose() { d() }

func (s *fakeSource) OnStatusChange(fn func(broadcaster.StatusChangeEvent)) broadcaster.Disposable {
	s.status = fn
	return disposer(func() { s.disposed++ })
}

func (s *fakeSource) OnMessages(fn func([]transport.Message)) broadcaster.Disposable {
	s.messages = fn
	return disposer(func() { s.disposed++ })
}

func TestAttach(t *testing.T) {
	r := newReplica(t)
	src := &fakeSource{}

	detach := r.Attach(src)
	require.NotNil(t, src.status)
	require.NotNil(t, src.messages)

	src.messages([]transport.Message{message(t, map[string]any{"users": []map[string]any{{"id": "u1", "email": "a@example.com"}}})})
	users, _ := r.Collection("users")
	assert.True(t, users.Has("u1"))

	src.status(broadcaster.StatusChangeEvent{Status: broadcaster.Reset})
	assert.False(t, users.Has("u1"))

	detach()
	assert.Equal(t, 2, src.disposed)
}

func TestFollowsManager(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h, err := hub.New().WithLogger(logger).WithSecret([]byte("replica-test-secret")).WithPruneSchedule("").Build()
	require.NoError(t, err)
	require.NoError(t, h.Start())
	defer h.Stop()

	key, err := h.Keys().Issue("u1", time.Hour)
	require.NoError(t, err)

	m, err := broadcaster.NewManager().
		WithTransport(memory.New(h, key, logger)).
		WithLogger(logger).
		Build()
	require.NoError(t, err)

	r := newReplica(t)
	posts, _ := r.Collection("posts")
	require.NoError(t, posts.InitGroup("streamId", "s1", nil))
	detach := r.Attach(m)
	defer detach()

	var mu sync.Mutex
	connected := false
	m.OnStatusChange(func(ev broadcaster.StatusChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Status == broadcaster.Connected {
			connected = true
		}
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	m.Subscribe("stream-1")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connected
	}, 2*time.Second, 5*time.Millisecond)

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, h.Publish(context.Background(), "stream-1", map[string]any{
			"posts": []map[string]any{{"id": seq, "streamId": "s1", "seqNum": seq}},
		}))
	}

	require.Eventually(t, func() bool { return posts.Len() == 3 }, 2*time.Second, 5*time.Millisecond)

	slice, ok, err := posts.GetGroupSlice("streamId", "s1", 1, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []cache.Gap{{Start: 4, End: 5}}, slice.Gaps())
}
