package hub

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// historyStore keeps every channel's messages in ascending timetoken order.
type historyStore struct {
	mu       sync.Mutex
	channels map[string][]transport.Message
	last     transport.Timetoken
	entropy  *ulid.MonotonicEntropy
	now      func() time.Time
}

func newHistoryStore(now func() time.Time) *historyStore {
	return &historyStore{
		channels: make(map[string][]transport.Message),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      now,
	}
}

// append stores msg and returns it with its id and timetoken filled in.
// Messages without a timetoken get one that is strictly greater than any
// previously assigned; messages that carry one are inserted in order.
func (s *historyStore) append(msg transport.Message) (transport.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if msg.ID == "" {
		id, err := ulid.New(ulid.Timestamp(now), s.entropy)
		if err != nil {
			return transport.Message{}, err
		}
		msg.ID = id.String()
	}

	if msg.Timetoken == 0 {
		tt := transport.TimetokenOf(now)
		if tt <= s.last {
			tt = s.last + 1
		}
		msg.Timetoken = tt
	}
	if msg.Timetoken > s.last {
		s.last = msg.Timetoken
	}

	messages := s.channels[msg.Channel]
	i := sort.Search(len(messages), func(i int) bool {
		return messages[i].Timetoken > msg.Timetoken
	})
	messages = append(messages, transport.Message{})
	copy(messages[i+1:], messages[i:])
	messages[i] = msg
	s.channels[msg.Channel] = messages

	return msg, nil
}

// page returns up to limit messages on channel strictly after the given timetoken.
func (s *historyStore) page(channel string, after transport.Timetoken, limit int) transport.HistoryPage {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = transport.ClampLimit(limit)
	messages := s.channels[channel]
	start := sort.Search(len(messages), func(i int) bool {
		return messages[i].Timetoken > after
	})

	end := start + limit
	more := end < len(messages)
	if !more {
		end = len(messages)
	}

	page := transport.HistoryPage{
		Messages: make([]transport.Message, end-start),
		More:     more,
	}
	copy(page.Messages, messages[start:end])
	return page
}

// prune drops every message older than cutoff and returns how many were removed.
func (s *historyStore) prune(cutoff transport.Timetoken) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for channel, messages := range s.channels {
		keep := sort.Search(len(messages), func(i int) bool {
			return messages[i].Timetoken >= cutoff
		})
		if keep == 0 {
			continue
		}
		removed += keep
		if keep == len(messages) {
			delete(s.channels, channel)
			continue
		}
		s.channels[channel] = append([]transport.Message(nil), messages[keep:]...)
	}
	return removed
}

func (s *historyStore) size(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels[channel])
}
