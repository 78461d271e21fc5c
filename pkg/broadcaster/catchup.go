package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// ErrTooMuchHistory is returned by CatchUp.Fetch when a channel has more
// missed messages than can sensibly be replayed.
var ErrTooMuchHistory = errors.New("too much history to replay")

// CatchUpResult is the merged replay for a set of channels.
type CatchUpResult struct {
	// Messages in ascending timetoken order; each channel's messages keep
	// their creation order.
	Messages []transport.Message
	// Latest is the receipt time of the newest replayed message.
	Latest time.Time
}

// CatchUp fetches the history a client missed while it was disconnected.
type CatchUp struct {
	transport   transport.Transport
	logger      *zap.Logger
	now         func() time.Time
	pageSize    int
	maxMessages int
	concurrency int
}

// NewCatchUp creates a replay engine reading from t.
func NewCatchUp(t transport.Transport, cfg Config, now func() time.Time, logger *zap.Logger) *CatchUp {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &CatchUp{
		transport:   t,
		logger:      logger,
		now:         now,
		pageSize:    transport.ClampLimit(cfg.HistoryPageSize),
		maxMessages: cfg.MaxReplayPerChannel,
		concurrency: cfg.FetchConcurrency,
	}
}

// Fetch returns every message published on channels after since. Channels
// are fetched in parallel. It fails with ErrTooMuchHistory when any channel
// exceeds the replay limit.
func (c *CatchUp) Fetch(ctx context.Context, channels []string, since time.Time) (CatchUpResult, error) {
	perChannel := make([][]transport.Message, len(channels))
	after := transport.TimetokenOf(since)

	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, channel := range channels {
		g.Go(func() error {
			messages, err := c.fetchChannel(gctx, channel, after)
			if err != nil {
				return err
			}
			perChannel[i] = messages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CatchUpResult{}, err
	}

	var result CatchUpResult
	for _, messages := range perChannel {
		result.Messages = append(result.Messages, messages...)
	}
	sort.SliceStable(result.Messages, func(i, j int) bool {
		return result.Messages[i].Timetoken < result.Messages[j].Timetoken
	})
	if n := len(result.Messages); n > 0 {
		result.Latest = result.Messages[n-1].ReceivedAt()
	}
	return result, nil
}

func (c *CatchUp) fetchChannel(ctx context.Context, channel string, after transport.Timetoken) ([]transport.Message, error) {
	var messages []transport.Message
	now := transport.TimetokenOf(c.now())

	for {
		page, err := c.transport.History(ctx, transport.HistoryRequest{
			Channel: channel,
			After:   after,
			Limit:   c.pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("history for %s: %w", channel, err)
		}

		messages = append(messages, page.Messages...)
		if len(messages) > c.maxMessages {
			return nil, fmt.Errorf("%w: more than %d messages on %s", ErrTooMuchHistory, c.maxMessages, channel)
		}
		if !page.More || len(page.Messages) == 0 {
			break
		}

		newest := page.Messages[len(page.Messages)-1].Timetoken
		if newest > now {
			c.logger.Debug("History is ahead of the local clock, stopping",
				zap.String("channel", channel),
				zap.Int64("timetoken", int64(newest)),
			)
			break
		}
		after = newest
	}

	c.logger.Debug("Fetched history", zap.String("channel", channel), zap.Int("messages", len(messages)))
	return messages, nil
}
