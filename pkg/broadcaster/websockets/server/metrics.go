package server

import (
	"context"
	"time"

	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets"
)

// listenerMetrics holds the instruments for the WebSocket server. A nil
// *listenerMetrics records nothing.
type listenerMetrics struct {
	activeConnections  o11y.Gauge
	totalConnections   o11y.Counter
	connectionDuration o11y.Histogram
	messagesDropped    o11y.Counter
	requestsTotal      o11y.Counter
	requestDuration    o11y.Histogram
}

func newListenerMetrics(provider o11y.MetricsProvider) *listenerMetrics {
	if provider == nil {
		return nil
	}

	return &listenerMetrics{
		activeConnections:  provider.Gauge("websocket_active_connections"),
		totalConnections:   provider.Counter("websocket_connections_total"),
		connectionDuration: provider.Histogram("websocket_connection_duration_seconds"),
		messagesDropped:    provider.Counter("websocket_messages_dropped_total"),
		requestsTotal:      provider.Counter("websocket_requests_total"),
		requestDuration:    provider.Histogram("websocket_request_duration_seconds"),
	}
}

func (m *listenerMetrics) connectionOpened(ctx context.Context, active int) {
	if m == nil {
		return
	}
	m.totalConnections.Add(ctx, 1)
	m.activeConnections.Set(ctx, float64(active))
}

func (m *listenerMetrics) connectionClosed(ctx context.Context, active int, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeConnections.Set(ctx, float64(active))
	m.connectionDuration.Record(ctx, duration.Seconds())
}

func (m *listenerMetrics) messageDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1)
}

func (m *listenerMetrics) request(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	kindLabel := o11y.Label{Key: "kind", Value: kindName(kind)}
	m.requestsTotal.Add(ctx, 1, kindLabel, o11y.StatusLabel(err))
	m.requestDuration.Record(ctx, duration.Seconds(), kindLabel)
}

func kindName(kind string) string {
	switch kind {
	case websockets.MessageKindSubscribe:
		return "subscribe"
	case websockets.MessageKindUnsubscribe:
		return "unsubscribe"
	case websockets.MessageKindPresence:
		return "presence"
	case websockets.MessageKindHistory:
		return "history"
	case websockets.MessageKindGrant:
		return "grant"
	case websockets.MessageKindEvent:
		return "publish"
	default:
		return "unknown"
	}
}
