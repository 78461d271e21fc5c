// Package hub implements a small pub/sub service with the operations the
// connection manager relies on: channel subscriptions with access control,
// presence, history replay and access grants. It backs the in-memory
// transport used in tests and the websocket server.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
)

var (
	ErrNotRunning     = errors.New("hub is not running")
	ErrUnknownSession = errors.New("unknown session")
)

type messageType int

const (
	messageTypeConnect messageType = iota
	messageTypeDisconnect
	messageTypeSubscribe
	messageTypeUnsubscribe
	messageTypePublish
	messageTypeHereNow
)

// hubMessage is a request to the hub loop
type hubMessage struct {
	ctx        context.Context
	msgType    messageType
	session    *Session
	channels   []string
	message    transport.Message
	responseCh chan hubResponse
}

type hubResponse struct {
	err       error
	subscribe SubscribeResult
	occupants map[string][]string
	message   transport.Message
}

// Hub is the pub/sub service. All subscription state is owned by a single
// goroutine; history and grants have their own locks.
type Hub struct {
	ch      chan hubMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32
	logger  *zap.Logger
	now     func() time.Time

	keys    *Keys
	grants  *grantTable
	history *historyStore

	retention     time.Duration
	pruneSchedule string
	cron          *cron.Cron

	// owned by the loop goroutine
	sessions map[string]*Session
	channels map[string]map[string]*Session

	tracingProvider o11y.TracingProvider

	publishCounter   o11y.Counter
	subscribeCounter o11y.Counter
	deniedCounter    o11y.Counter
	grantCounter     o11y.Counter
	historyCounter   o11y.Counter
	prunedCounter    o11y.Counter
	sessionGauge     o11y.Gauge
}

// Keys returns the issuer used to verify session auth keys.
func (h *Hub) Keys() *Keys {
	return h.keys
}

// Start begins processing requests and schedules history pruning.
func (h *Hub) Start() error {
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return fmt.Errorf("hub already started")
	}

	if err := h.startRetention(); err != nil {
		atomic.StoreInt32(&h.started, 0)
		return fmt.Errorf("invalid prune schedule %q: %w", h.pruneSchedule, err)
	}

	h.wg.Add(1)
	go h.loop()

	return nil
}

// Stop ends the hub loop. Pending and future requests fail with ErrNotRunning.
func (h *Hub) Stop() error {
	if !atomic.CompareAndSwapInt32(&h.started, 1, 0) {
		return nil
	}

	h.stopRetention()
	h.cancel()
	h.wg.Wait()

	return nil
}

func (h *Hub) loop() {
	defer h.wg.Done()
	h.logger.Info("Hub started")

	for {
		select {
		case msg := <-h.ch:
			var resp hubResponse

			switch msg.msgType {
			case messageTypeConnect:
				resp.err = h.doConnect(msg)
			case messageTypeDisconnect:
				resp.err = h.doDisconnect(msg)
			case messageTypeSubscribe:
				resp.subscribe, resp.err = h.doSubscribe(msg)
			case messageTypeUnsubscribe:
				resp.err = h.doUnsubscribe(msg)
			case messageTypePublish:
				resp.message, resp.err = h.doPublish(msg)
			case messageTypeHereNow:
				resp.occupants = h.doHereNow(msg)
			default:
				h.logger.Debug("Hub received unknown message type", zap.Int("msgType", int(msg.msgType)))
			}

			msg.responseCh <- resp

		case <-h.ctx.Done():
			h.logger.Info("Hub stopping")
			return
		}
	}
}

// call hands msg to the loop and waits for the response.
func (h *Hub) call(ctx context.Context, msg hubMessage) (hubResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if atomic.LoadInt32(&h.started) == 0 {
		return hubResponse{}, ErrNotRunning
	}

	msg.ctx = ctx
	msg.responseCh = make(chan hubResponse, 1)

	select {
	case h.ch <- msg:
	case <-ctx.Done():
		return hubResponse{}, ctx.Err()
	case <-h.ctx.Done():
		return hubResponse{}, ErrNotRunning
	}

	select {
	case resp := <-msg.responseCh:
		return resp, resp.err
	case <-ctx.Done():
		return hubResponse{}, ctx.Err()
	case <-h.ctx.Done():
		return hubResponse{}, ErrNotRunning
	}
}

func (h *Hub) startSpan(ctx context.Context, name string, labels ...o11y.Label) (context.Context, o11y.Span) {
	if h.tracingProvider == nil {
		return ctx, nil
	}
	ctx, span := h.tracingProvider.StartSpan(ctx, name)
	span.SetAttributes(labels...)
	return ctx, span
}

// Connect registers a new session. A key that fails verification still yields
// a session, but every subscribe it makes is denied.
func (h *Hub) Connect(ctx context.Context, authKey string, sink Sink) (*Session, error) {
	session := &Session{
		id:       uuid.NewString(),
		authKey:  authKey,
		sink:     sink,
		channels: make(map[string]struct{}),
	}
	session.userID, session.authErr = h.keys.Verify(authKey)
	if session.authErr != nil {
		h.logger.Debug("Session connected with an invalid auth key", zap.String("session", session.id), zap.Error(session.authErr))
	}

	if _, err := h.call(ctx, hubMessage{msgType: messageTypeConnect, session: session}); err != nil {
		return nil, err
	}
	return session, nil
}

// Disconnect removes the session and all of its subscriptions.
func (h *Hub) Disconnect(ctx context.Context, session *Session) error {
	_, err := h.call(ctx, hubMessage{msgType: messageTypeDisconnect, session: session})
	return err
}

// Subscribe adds the session to each allowed channel. Channels the session may
// not access are reported as denied; that is not an error.
func (h *Hub) Subscribe(ctx context.Context, session *Session, channels []string) (SubscribeResult, error) {
	ctx, span := h.startSpan(ctx, "hub.subscribe", o11y.Label{Key: "session", Value: session.id})

	resp, err := h.call(ctx, hubMessage{msgType: messageTypeSubscribe, session: session, channels: channels})
	o11y.EndSpan(span, err)

	if h.subscribeCounter != nil {
		h.subscribeCounter.Add(ctx, int64(len(resp.subscribe.Connected)), o11y.StatusLabel(err))
	}
	if h.deniedCounter != nil && len(resp.subscribe.Denied) > 0 {
		h.deniedCounter.Add(ctx, int64(len(resp.subscribe.Denied)))
	}

	return resp.subscribe, err
}

// Unsubscribe removes the session from the channels.
func (h *Hub) Unsubscribe(ctx context.Context, session *Session, channels []string) error {
	_, err := h.call(ctx, hubMessage{msgType: messageTypeUnsubscribe, session: session, channels: channels})
	return err
}

// HereNow returns, for each requested channel, the sorted ids of the sessions
// subscribed to it.
func (h *Hub) HereNow(ctx context.Context, channels []string) (map[string][]string, error) {
	resp, err := h.call(ctx, hubMessage{msgType: messageTypeHereNow, channels: channels})
	return resp.occupants, err
}

// Publish marshals payload to JSON and publishes it on channel. It satisfies
// o11y.MetricsPublisher.
func (h *Hub) Publish(ctx context.Context, channel string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload for %s: %w", channel, err)
		}
		raw = data
	}

	_, err := h.PublishMessage(ctx, transport.Message{Channel: channel, Payload: raw})
	return err
}

// PublishMessage stores msg in history and delivers it to every subscriber of
// its channel. An empty ID is replaced by a ULID and a zero Timetoken by the
// next monotonic timetoken. The stored message is returned.
func (h *Hub) PublishMessage(ctx context.Context, msg transport.Message) (transport.Message, error) {
	if msg.Channel == "" {
		return transport.Message{}, errors.New("message has no channel")
	}

	ctx, span := h.startSpan(ctx, "hub.publish", o11y.Label{Key: "channel", Value: msg.Channel})

	resp, err := h.call(ctx, hubMessage{msgType: messageTypePublish, message: msg})
	o11y.EndSpan(span, err)

	if h.publishCounter != nil {
		h.publishCounter.Add(ctx, 1, o11y.StatusLabel(err))
	}
	return resp.message, err
}

// History returns one page of a channel's history for an authenticated session.
func (h *Hub) History(ctx context.Context, session *Session, req transport.HistoryRequest) (transport.HistoryPage, error) {
	_, span := h.startSpan(ctx, "hub.history", o11y.Label{Key: "channel", Value: req.Channel})

	var err error
	var page transport.HistoryPage
	if !session.Authenticated() {
		err = session.authErr
	} else {
		page = h.history.page(req.Channel, req.After, req.Limit)
	}
	o11y.EndSpan(span, err)

	if h.historyCounter != nil {
		h.historyCounter.Add(ctx, 1, o11y.StatusLabel(err))
	}
	return page, err
}

// Grant records an explicit grant of channel to the session's auth key. It
// waits for the grant rate limiter and fails with transport.ErrGrantDenied when
// the policy refuses the channel. Grants are recorded even for sessions whose
// key did not verify, which is how the hub reproduces a rejected credential
// that grants cannot fix.
func (h *Hub) Grant(ctx context.Context, session *Session, channel string) error {
	ctx, span := h.startSpan(ctx, "hub.grant", o11y.Label{Key: "channel", Value: channel})

	err := h.grants.grant(ctx, session.userID, session.authKey, channel)
	o11y.EndSpan(span, err)

	if h.grantCounter != nil {
		h.grantCounter.Add(ctx, 1, o11y.StatusLabel(err))
	}
	if err != nil {
		h.logger.Debug("Grant refused", zap.String("session", session.id), zap.String("channel", channel), zap.Error(err))
	}
	return err
}

// Revoke withdraws authKey's access to channel until it is granted again.
// Existing subscriptions are not affected.
func (h *Hub) Revoke(authKey, channel string) {
	h.grants.revoke(authKey, channel)
}

// Grants lists the channels explicitly granted to authKey.
func (h *Hub) Grants(authKey string) []string {
	channels := h.grants.explicit(authKey)
	sort.Strings(channels)
	return channels
}

func (h *Hub) doConnect(msg hubMessage) error {
	h.sessions[msg.session.id] = msg.session
	h.updateSessionGauge(msg.ctx)
	return nil
}

func (h *Hub) doDisconnect(msg hubMessage) error {
	session, ok := h.sessions[msg.session.id]
	if !ok {
		return ErrUnknownSession
	}

	for channel := range session.channels {
		h.removeMember(channel, session)
	}
	delete(h.sessions, session.id)
	h.updateSessionGauge(msg.ctx)
	return nil
}

func (h *Hub) doSubscribe(msg hubMessage) (SubscribeResult, error) {
	session, ok := h.sessions[msg.session.id]
	if !ok {
		return SubscribeResult{}, ErrUnknownSession
	}

	var result SubscribeResult
	for _, channel := range msg.channels {
		if !session.Authenticated() || !h.grants.allows(session.userID, session.authKey, channel) {
			result.Denied = append(result.Denied, channel)
			continue
		}

		members, ok := h.channels[channel]
		if !ok {
			members = make(map[string]*Session)
			h.channels[channel] = members
		}
		members[session.id] = session
		session.channels[channel] = struct{}{}
		result.Connected = append(result.Connected, channel)
	}

	return result, nil
}

func (h *Hub) doUnsubscribe(msg hubMessage) error {
	session, ok := h.sessions[msg.session.id]
	if !ok {
		return ErrUnknownSession
	}

	for _, channel := range msg.channels {
		if _, ok := session.channels[channel]; ok {
			h.removeMember(channel, session)
		}
	}
	return nil
}

func (h *Hub) removeMember(channel string, session *Session) {
	delete(session.channels, channel)
	if members, ok := h.channels[channel]; ok {
		delete(members, session.id)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
}

func (h *Hub) doPublish(msg hubMessage) (transport.Message, error) {
	stored, err := h.history.append(msg.message)
	if err != nil {
		return transport.Message{}, err
	}

	for _, session := range h.channels[stored.Channel] {
		session.sink.Deliver(stored)
	}
	return stored, nil
}

func (h *Hub) doHereNow(msg hubMessage) map[string][]string {
	occupants := make(map[string][]string, len(msg.channels))
	for _, channel := range msg.channels {
		occupants[channel] = sortedKeys(h.channels[channel])
	}
	return occupants
}

func (h *Hub) updateSessionGauge(ctx context.Context) {
	if h.sessionGauge != nil {
		h.sessionGauge.Set(ctx, float64(len(h.sessions)))
	}
}
