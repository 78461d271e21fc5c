package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	stream1Post1 = makePost("1", "1", 1)
	stream1Post2 = makePost("2", "1", 2)
	stream1Post3 = makePost("3", "1", 3)
	stream1Post4 = makePost("4", "1", 4)
	stream1Post5 = makePost("5", "1", 5)

	stream2Post1 = makePost("6", "2", 1)
	stream2Post2 = makePost("7", "2", 2)
	stream2Post3 = makePost("8", "2", 3)
)

func newPostCache(t *testing.T) *Cache[post] {
	t.Helper()
	c, err := New[post](GroupSequential("streamId", "seq"))
	require.NoError(t, err)
	return c
}

// slots renders a slice as the entity ids it holds, "" for unknown slots.
func slots(s *SequentialSlice[post]) []string {
	out := make([]string, s.Len())
	for i, p := range s.Data {
		if s.Known(i) {
			out[i] = p.id
		}
	}
	return out
}

func TestGroupSequentialIndex(t *testing.T) {
	t.Run("groups entities with the same key", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", []post{stream1Post3}))
		require.NoError(t, c.InitGroup("streamId", "2", []post{stream2Post3}))
		for _, p := range []post{stream1Post2, stream1Post1, stream2Post2, stream2Post1} {
			require.NoError(t, c.Set(p))
		}

		stream1, ok, err := c.GetGroupSlice("streamId", "1", 1, 4)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []post{stream1Post1, stream1Post2, stream1Post3}, stream1.Entities())

		stream2, ok, err := c.GetGroupSlice("streamId", "2", 1, 4)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []post{stream2Post1, stream2Post2, stream2Post3}, stream2.Entities())
	})

	t.Run("orders entities by sequence", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", []post{stream1Post3}))
		for _, p := range []post{stream1Post1, stream1Post2, stream1Post5, stream1Post4} {
			require.NoError(t, c.Set(p))
		}

		stream1, _, err := c.GetGroupSlice("streamId", "1", 1, 6)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3", "4", "5"}, slots(stream1))
		assert.True(t, stream1.Complete())
	})

	t.Run("slices always have end minus start slots", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", []post{stream1Post4, stream1Post5}))
		require.NoError(t, c.Set(stream1Post2))

		slice11, _, err := c.GetGroupSlice("streamId", "1", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), slice11.SeqStart)
		assert.Equal(t, int64(1), slice11.SeqEnd)
		assert.Equal(t, 0, slice11.Len())

		slice16, _, err := c.GetGroupSlice("streamId", "1", 1, 6)
		require.NoError(t, err)
		assert.Equal(t, []string{"", "2", "", "4", "5"}, slots(slice16))

		slice19, _, err := c.GetGroupSlice("streamId", "1", 1, 9)
		require.NoError(t, err)
		assert.Equal(t, int64(9), slice19.SeqEnd)
		assert.Equal(t, []string{"", "2", "", "4", "5", "", "", ""}, slots(slice19))
		assert.Equal(t, int64(5), slice19.MaxSeq)

		slice35, _, err := c.GetGroupSlice("streamId", "1", 3, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"", "4"}, slots(slice35))

		_, _, err = c.GetGroupSlice("streamId", "1", 5, 3)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("returns the tail of a group", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", []post{stream1Post3, stream1Post4, stream1Post5}))

		tail9, _, err := c.GetGroupTail("streamId", "1", 9)
		require.NoError(t, err)
		assert.Equal(t, int64(1), tail9.SeqStart)
		assert.Equal(t, int64(6), tail9.SeqEnd)
		assert.Equal(t, []string{"", "", "3", "4", "5"}, slots(tail9))

		tail5, _, err := c.GetGroupTail("streamId", "1", 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"", "", "3", "4", "5"}, slots(tail5))

		tail2, _, err := c.GetGroupTail("streamId", "1", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(4), tail2.SeqStart)
		assert.Equal(t, int64(6), tail2.SeqEnd)
		assert.Equal(t, []string{"4", "5"}, slots(tail2))
	})

	t.Run("empty group tail", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", nil))

		tail, ok, err := c.GetGroupTail("streamId", "1", 10)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), tail.SeqStart)
		assert.Equal(t, int64(1), tail.SeqEnd)
		assert.Equal(t, 0, tail.Len())
	})

	t.Run("uninitialized groups are not reported", func(t *testing.T) {
		c := newPostCache(t)

		slice, ok, err := c.GetGroupSlice("streamId", "1", 1, 6)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, slice)

		tail, ok, err := c.GetGroupTail("streamId", "1", 5)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, tail)
	})

	t.Run("non-numeric sequences are rejected", func(t *testing.T) {
		c := newPostCache(t)
		err := c.InitGroup("streamId", "1", []post{{id: "1", streamID: "1", seq: "3"}})
		assert.ErrorIs(t, err, ErrSeqNotNumeric)

		require.NoError(t, c.InitGroup("streamId", "1", nil))
		err = c.Set(post{id: "2", streamID: "1", seq: 2.5})
		assert.ErrorIs(t, err, ErrSeqNotNumeric)
		err = c.Set(post{id: "3", streamID: "1"})
		assert.ErrorIs(t, err, ErrSeqNotNumeric)
	})

	t.Run("moving an entity clears its old slot", func(t *testing.T) {
		c := newPostCache(t)
		require.NoError(t, c.InitGroup("streamId", "1", []post{stream1Post1, stream1Post2}))
		require.NoError(t, c.InitGroup("streamId", "2", nil))

		moved := stream1Post2
		moved.streamID = "2"
		moved.seq = 1
		require.NoError(t, c.Set(moved, stream1Post2))

		stream1, _, err := c.GetGroupSlice("streamId", "1", 1, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", ""}, slots(stream1))

		stream2, _, err := c.GetGroupSlice("streamId", "2", 1, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, slots(stream2))
	})

	t.Run("JSON numbers are sequences", func(t *testing.T) {
		c, err := New[Record](GroupSequential("streamId", "seqNum"))
		require.NoError(t, err)

		require.NoError(t, c.InitGroup("streamId", "s", []Record{
			{"id": "a", "streamId": "s", "seqNum": float64(1)},
			{"id": "b", "streamId": "s", "seqNum": float64(3)},
		}))

		tail, _, err := c.GetGroupTail("streamId", "s", 3)
		require.NoError(t, err)
		assert.Equal(t, []Gap{{Start: 2, End: 3}}, tail.Gaps())
	})
}

func TestSequentialSliceGaps(t *testing.T) {
	t.Run("brackets each unknown run", func(t *testing.T) {
		s := NewSequentialSlice[string](1, 11)
		for _, seq := range []int64{2, 3, 7, 10} {
			require.True(t, s.Put(seq, "P"))
		}

		assert.Equal(t, []Gap{{Start: 1, End: 2}, {Start: 4, End: 7}, {Start: 8, End: 10}}, s.Gaps())
		assert.False(t, s.Complete())
	})

	t.Run("trailing run closes at the slice end", func(t *testing.T) {
		s := NewSequentialSlice[string](5, 10)
		s.Put(5, "a")
		s.Put(6, "b")

		gaps := s.Gaps()
		assert.Equal(t, []Gap{{Start: 7, End: 10}}, gaps)
		assert.Equal(t, int64(3), gaps[0].Len())
	})

	t.Run("fully unknown and fully known slices", func(t *testing.T) {
		empty := NewSequentialSlice[string](1, 4)
		assert.Equal(t, []Gap{{Start: 1, End: 4}}, empty.Gaps())

		full := NewSequentialSlice[string](1, 3)
		full.Put(1, "a")
		full.Put(2, "b")
		assert.Empty(t, full.Gaps())
		assert.True(t, full.Complete())
		assert.Equal(t, []string{"a", "b"}, full.Entities())
	})

	t.Run("zero length slice has no gaps", func(t *testing.T) {
		s := NewSequentialSlice[string](3, 3)
		assert.Equal(t, 0, s.Len())
		assert.Empty(t, s.Gaps())
	})

	t.Run("out of range access", func(t *testing.T) {
		s := NewSequentialSlice[string](1, 3)
		assert.False(t, s.Put(0, "x"))
		assert.False(t, s.Put(3, "x"))

		_, ok := s.At(5)
		assert.False(t, ok)
		assert.False(t, s.Known(-1))
	})
}
