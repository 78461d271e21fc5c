package hub

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

func (h *Hub) startRetention() error {
	if h.retention <= 0 || h.pruneSchedule == "" {
		return nil
	}

	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	c := cron.New(cron.WithLogger(cronLogger{logger: h.logger}), cron.WithParser(parser))

	if _, err := c.AddFunc(h.pruneSchedule, func() { h.PruneExpired() }); err != nil {
		return err
	}

	c.Start()
	h.cron = c
	return nil
}

func (h *Hub) stopRetention() {
	if h.cron == nil {
		return
	}
	<-h.cron.Stop().Done()
	h.cron = nil
}

// PruneExpired drops history older than the retention period and returns the
// number of messages removed.
func (h *Hub) PruneExpired() int {
	if h.retention <= 0 {
		return 0
	}

	cutoff := transport.TimetokenOf(h.now().Add(-h.retention))
	removed := h.history.prune(cutoff)
	if removed > 0 {
		h.logger.Debug("Pruned expired history", zap.Int("removed", removed))
		if h.prunedCounter != nil {
			h.prunedCounter.Add(h.ctx, int64(removed))
		}
	}
	return removed
}

// cronLogger adapts a zap.Logger to the cron.Logger interface
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, cronFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func cronFields(keysAndValues []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}
