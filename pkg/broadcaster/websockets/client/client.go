package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets"
)

// Client is a transport.Transport over a WebSocket connection to a hub
// server. A dropped connection is reported to the handler as a network error
// and dialed again by Reconnect.
type Client struct {
	url              string
	logger           *zap.Logger
	dialTimeout      time.Duration
	requestTimeout   time.Duration
	writeChannelSize int
	authProvider     AuthorizationProvider
	headers          map[string][]string

	mu       sync.Mutex
	handler  transport.Handler
	conn     *connection
	channels map[string]struct{}
	closed   bool

	messageID int64
}

var _ transport.Transport = (*Client)(nil)

// connection is the state of one dialed socket.
type connection struct {
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	writeCh  chan []byte
	done     chan struct{}
	closing  int32
	lostOnce sync.Once

	pendingMu sync.Mutex
	pending   map[int64]chan websockets.WireMessage
}

// Open dials the server and delivers traffic to handler.
func (c *Client) Open(ctx context.Context, handler transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transport.ErrClosed
	}
	if c.handler != nil {
		return fmt.Errorf("client is already open")
	}
	if _, err := url.Parse(c.url); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	c.handler = handler
	return c.dialLocked(ctx)
}

func (c *Client) dialLocked(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{HTTPHeader: make(map[string][]string)}
	for key, values := range c.headers {
		dialOptions.HTTPHeader[key] = values
	}

	if c.authProvider != nil {
		authValue, err := c.authProvider(dialCtx)
		if err != nil {
			return fmt.Errorf("failed to get authorization: %w", err)
		}
		if authValue != "" {
			dialOptions.HTTPHeader["Authorization"] = []string{authValue}
		}
	}

	ws, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		ws:      ws,
		ctx:     connCtx,
		cancel:  cancel,
		writeCh: make(chan []byte, c.writeChannelSize),
		done:    make(chan struct{}),
		pending: make(map[int64]chan websockets.WireMessage),
	}
	c.conn = conn

	go c.readLoop(conn)
	go c.writeLoop(conn)

	c.logger.Info("WebSocket client connected", zap.String("url", c.url))
	return nil
}

// Close closes the socket. The handler receives nothing further.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.shutdown(conn, websocket.StatusNormalClosure, "client disconnect")
	}
	c.logger.Info("WebSocket client disconnected")
	return nil
}

func (c *Client) shutdown(conn *connection, status websocket.StatusCode, reason string) {
	atomic.StoreInt32(&conn.closing, 1)
	conn.ws.Close(status, reason)
	conn.cancel()
	<-conn.done
}

// lost forgets conn after a read or write failure and reports it.
func (c *Client) lost(conn *connection, err error) {
	conn.lostOnce.Do(func() {
		conn.cancel()

		c.mu.Lock()
		current := c.conn == conn
		if current {
			c.conn = nil
		}
		handler := c.handler
		c.mu.Unlock()

		if current && atomic.LoadInt32(&conn.closing) == 0 {
			c.logger.Warn("WebSocket connection lost", zap.Error(err))
			handler.OnEvent(transport.Event{Kind: transport.EventNetworkError, Err: err})
		}
	})
}

func (c *Client) current() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}
	if c.conn == nil {
		return nil, transport.ErrNotConnected
	}
	return c.conn, nil
}

// request sends msg and waits for its ack. A nack is returned as an error
// matching the transport sentinel the server reported.
func (c *Client) request(ctx context.Context, msg websockets.WireMessage) (websockets.WireMessage, error) {
	conn, err := c.current()
	if err != nil {
		return websockets.WireMessage{}, err
	}

	msg.Id = atomic.AddInt64(&c.messageID, 1)
	data, err := json.Marshal(msg)
	if err != nil {
		return websockets.WireMessage{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	respCh := make(chan websockets.WireMessage, 1)
	conn.pendingMu.Lock()
	conn.pending[msg.Id] = respCh
	conn.pendingMu.Unlock()
	defer func() {
		conn.pendingMu.Lock()
		delete(conn.pending, msg.Id)
		conn.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case conn.writeCh <- data:
	case <-ctx.Done():
		return websockets.WireMessage{}, ctx.Err()
	case <-conn.ctx.Done():
		return websockets.WireMessage{}, transport.ErrNotConnected
	}

	select {
	case resp := <-respCh:
		if resp.Kind == websockets.MessageKindNack {
			return resp, websockets.DecodeError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return websockets.WireMessage{}, ctx.Err()
	case <-conn.ctx.Done():
		return websockets.WireMessage{}, transport.ErrNotConnected
	}
}

// Subscribe asks the server for channels and reports the outcome through
// the handler as EventAccessDenied and EventConnected events.
func (c *Client) Subscribe(ctx context.Context, channels []string) error {
	resp, err := c.request(ctx, websockets.WireMessage{
		Kind:     websockets.MessageKindSubscribe,
		Channels: channels,
	})
	if err != nil {
		return err
	}

	var reply websockets.SubscribeReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return fmt.Errorf("invalid subscribe reply: %w", err)
	}

	c.mu.Lock()
	for _, channel := range reply.Connected {
		c.channels[channel] = struct{}{}
	}
	handler := c.handler
	c.mu.Unlock()

	if len(reply.Denied) > 0 {
		handler.OnEvent(transport.Event{
			Kind:     transport.EventAccessDenied,
			Channels: reply.Denied,
			Err:      transport.ErrAccessDenied,
		})
	}
	if len(reply.Connected) > 0 {
		handler.OnEvent(transport.Event{Kind: transport.EventConnected, Channels: reply.Connected})
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, channels []string) error {
	c.mu.Lock()
	for _, channel := range channels {
		delete(c.channels, channel)
	}
	c.mu.Unlock()

	_, err := c.request(ctx, websockets.WireMessage{
		Kind:     websockets.MessageKindUnsubscribe,
		Channels: channels,
	})
	return err
}

// Confirm returns the channels the server does not list this connection on.
func (c *Client) Confirm(ctx context.Context, channels []string) ([]string, error) {
	resp, err := c.request(ctx, websockets.WireMessage{
		Kind:     websockets.MessageKindPresence,
		Channels: channels,
	})
	if err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) History(ctx context.Context, req transport.HistoryRequest) (transport.HistoryPage, error) {
	resp, err := c.request(ctx, websockets.WireMessage{
		Kind:      websockets.MessageKindHistory,
		Channel:   req.Channel,
		Timetoken: req.After,
		Limit:     transport.ClampLimit(req.Limit),
	})
	if err != nil {
		return transport.HistoryPage{}, err
	}

	var reply websockets.HistoryReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return transport.HistoryPage{}, fmt.Errorf("invalid history reply: %w", err)
	}
	return transport.HistoryPage{Messages: reply.Messages, More: reply.More}, nil
}

func (c *Client) Grant(ctx context.Context, channel string) error {
	_, err := c.request(ctx, websockets.WireMessage{
		Kind:    websockets.MessageKindGrant,
		Channel: channel,
	})
	return err
}

// Publish sends payload to channel and waits for the server to accept it.
func (c *Client) Publish(ctx context.Context, channel string, payload json.RawMessage) error {
	_, err := c.request(ctx, websockets.WireMessage{
		Kind:    websockets.MessageKindEvent,
		Channel: channel,
		Data:    payload,
	})
	return err
}

// Reconnect dials again if the connection was lost and restores the
// subscriptions held before. A live connection is left as is.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.handler == nil {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	if err := c.dialLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	channels := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		channels = append(channels, channel)
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return nil
	}
	sort.Strings(channels)
	c.logger.Debug("Restoring subscriptions", zap.Strings("channels", channels))
	return c.Subscribe(ctx, channels)
}

func (c *Client) readLoop(conn *connection) {
	defer close(conn.done)

	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			if conn.ctx.Err() == nil && atomic.LoadInt32(&conn.closing) == 0 {
				c.lost(conn, err)
			}
			return
		}
		c.handleMessage(conn, data)
	}
}

func (c *Client) writeLoop(conn *connection) {
	for {
		select {
		case <-conn.ctx.Done():
			return
		case data := <-conn.writeCh:
			if err := conn.ws.Write(conn.ctx, websocket.MessageText, data); err != nil {
				if conn.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
					c.lost(conn, err)
				}
				return
			}
		}
	}
}

func (c *Client) handleMessage(conn *connection, data []byte) {
	var msg websockets.WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to unmarshal WebSocket message", zap.Error(err))
		return
	}

	switch msg.Kind {
	case websockets.MessageKindAck, websockets.MessageKindNack:
		conn.pendingMu.Lock()
		respCh, ok := conn.pending[msg.Id]
		conn.pendingMu.Unlock()
		if ok {
			select {
			case respCh <- msg:
			default:
			}
		} else if msg.Kind == websockets.MessageKindNack {
			c.logger.Warn("Server rejected a message", zap.String("error", msg.Error))
		}

	case websockets.MessageKindEvent:
		if msg.Channel == "" {
			return
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		handler.OnMessage(msg.ToMessage())

	default:
		c.logger.Warn("Unknown message kind", zap.String("kind", msg.Kind))
	}
}

// Drop closes the socket as if the network had failed. The handler receives
// a network error event, as it would for a real outage.
func (c *Client) Drop() error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	conn.ws.CloseNow()
	<-conn.done
	c.lost(conn, errors.New("connection dropped"))
	return nil
}
