// Package memory provides a transport.Transport bound directly to an
// in-process hub.Hub.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

// Transport talks to a Hub without a network in between.
type Transport struct {
	hub    *hub.Hub
	logger *zap.Logger

	mu       sync.Mutex
	authKey  string
	handler  transport.Handler
	session  *hub.Session
	channels map[string]struct{}
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport that will connect to h with authKey.
func New(h *hub.Hub, authKey string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		hub:      h,
		logger:   logger,
		authKey:  authKey,
		channels: make(map[string]struct{}),
	}
}

func (t *Transport) Open(ctx context.Context, handler transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	t.handler = handler
	return t.connectLocked(ctx)
}

func (t *Transport) connectLocked(ctx context.Context) error {
	handler := t.handler
	session, err := t.hub.Connect(ctx, t.authKey, hub.SinkFunc(func(msg transport.Message) {
		handler.OnMessage(msg)
	}))
	if err != nil {
		return err
	}
	t.session = session
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.session == nil {
		return nil
	}
	err := t.hub.Disconnect(context.Background(), t.session)
	t.session = nil
	return err
}

func (t *Transport) current() (*hub.Session, transport.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, nil, transport.ErrClosed
	}
	if t.session == nil {
		return nil, nil, transport.ErrNotConnected
	}
	return t.session, t.handler, nil
}

// Subscribe asks the hub for the channels and reports the outcome through the
// handler as EventConnected and EventAccessDenied events.
func (t *Transport) Subscribe(ctx context.Context, channels []string) error {
	session, handler, err := t.current()
	if err != nil {
		return err
	}

	result, err := t.hub.Subscribe(ctx, session, channels)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, channel := range result.Connected {
		t.channels[channel] = struct{}{}
	}
	t.mu.Unlock()

	if len(result.Denied) > 0 {
		handler.OnEvent(transport.Event{
			Kind:     transport.EventAccessDenied,
			Channels: result.Denied,
			Err:      transport.ErrAccessDenied,
		})
	}
	if len(result.Connected) > 0 {
		handler.OnEvent(transport.Event{Kind: transport.EventConnected, Channels: result.Connected})
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, channels []string) error {
	session, _, err := t.current()
	if err != nil {
		return err
	}

	t.mu.Lock()
	for _, channel := range channels {
		delete(t.channels, channel)
	}
	t.mu.Unlock()

	return t.hub.Unsubscribe(ctx, session, channels)
}

// Confirm returns the channels on which the hub does not list this session.
func (t *Transport) Confirm(ctx context.Context, channels []string) ([]string, error) {
	session, _, err := t.current()
	if err != nil {
		return nil, err
	}

	occupants, err := t.hub.HereNow(ctx, channels)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, channel := range channels {
		present := false
		for _, id := range occupants[channel] {
			if id == session.ID() {
				present = true
				break
			}
		}
		if !present {
			missing = append(missing, channel)
		}
	}
	return missing, nil
}

func (t *Transport) History(ctx context.Context, req transport.HistoryRequest) (transport.HistoryPage, error) {
	session, _, err := t.current()
	if err != nil {
		return transport.HistoryPage{}, err
	}
	return t.hub.History(ctx, session, req)
}

func (t *Transport) Grant(ctx context.Context, channel string) error {
	session, _, err := t.current()
	if err != nil {
		return err
	}
	return t.hub.Grant(ctx, session, channel)
}

// Reconnect re-establishes a session that was dropped, restoring the
// subscriptions the transport held. A live session is left as is.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.session != nil {
		t.mu.Unlock()
		return nil
	}
	if err := t.connectLocked(ctx); err != nil {
		t.mu.Unlock()
		return err
	}
	channels := make([]string, 0, len(t.channels))
	for channel := range t.channels {
		channels = append(channels, channel)
	}
	t.mu.Unlock()

	t.logger.Debug("Reconnected to hub", zap.Strings("channels", channels))
	if len(channels) == 0 {
		return nil
	}
	return t.Subscribe(ctx, channels)
}

// Drop disconnects the session on the hub side, as if the service had lost
// it, and reports a network error to the handler.
func (t *Transport) Drop(ctx context.Context) error {
	t.mu.Lock()
	session, handler := t.session, t.handler
	t.session = nil
	t.mu.Unlock()

	if session == nil {
		return transport.ErrNotConnected
	}
	if err := t.hub.Disconnect(ctx, session); err != nil {
		return err
	}

	handler.OnEvent(transport.Event{Kind: transport.EventNetworkError, Err: transport.ErrNotConnected})
	return nil
}

// Forget removes the session's subscriptions on the hub without telling the
// handler, so the next presence confirm reports the channels as missing.
func (t *Transport) Forget(ctx context.Context, channels []string) error {
	session, _, err := t.current()
	if err != nil {
		return err
	}
	return t.hub.Unsubscribe(ctx, session, channels)
}

// SetAuthKey replaces the key used by the next session, which takes effect
// after Drop and Reconnect.
func (t *Transport) SetAuthKey(authKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authKey = authKey
}

// Session exposes the hub session, nil while disconnected.
func (t *Transport) Session() *hub.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}
