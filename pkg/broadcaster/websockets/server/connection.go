package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/transport"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets"
)

// Connection is one WebSocket client attached to a hub session. It is the
// session's Sink, forwarding channel messages to the client, and it serves
// the client's requests against the hub.
type Connection struct {
	ctx     context.Context
	conn    *websocket.Conn
	hub     *hub.Hub
	session *hub.Session
	logger  *zap.Logger
	config  *ListenerConfig
	metrics *listenerMetrics

	// Outbound frames are queued so hub delivery never blocks on the network.
	outbound chan websockets.WireMessage
	done     chan struct{}

	cleanupOnce sync.Once
}

func newConnection(ctx context.Context, conn *websocket.Conn, config *ListenerConfig, metrics *listenerMetrics) *Connection {
	return &Connection{
		ctx:      ctx,
		conn:     conn,
		hub:      config.hub,
		logger:   config.logger,
		config:   config,
		metrics:  metrics,
		outbound: make(chan websockets.WireMessage, config.queueSize),
		done:     make(chan struct{}),
	}
}

// Deliver implements hub.Sink.
func (c *Connection) Deliver(msg transport.Message) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.outbound <- websockets.EventFromMessage(msg):
	default:
		c.logger.Warn("Outbound channel full, dropping channel message",
			zap.String("channel", msg.Channel),
			zap.String("id", msg.ID),
		)
		c.metrics.messageDropped(c.ctx)
	}
}

// Start serves the connection until it closes. The message reader runs in
// the calling goroutine.
func (c *Connection) Start() {
	c.logger.Debug("Starting WebSocket connection handler", zap.String("session", c.session.ID()))

	go c.messageSender()
	c.messageReader()

	c.logger.Debug("WebSocket connection handler stopping", zap.String("session", c.session.ID()))
	c.cleanup()
}

// messageSender serializes every write to the client, including pings.
func (c *Connection) messageSender() {
	defer c.logger.Debug("Message sender goroutine stopped")

	var pingChan <-chan time.Time
	if c.config.pingInterval > 0 {
		pingTicker := time.NewTicker(c.config.pingInterval)
		defer pingTicker.Stop()
		pingChan = pingTicker.C
	}

	for {
		select {
		case msg := <-c.outbound:
			if err := c.write(msg); err != nil {
				c.logger.Error("Failed to send WebSocket message", zap.Error(err), zap.String("channel", msg.Channel))
				if websocket.CloseStatus(err) != -1 {
					return
				}
			}

		case <-pingChan:
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Error("Failed to send ping", zap.Error(err))
				return
			}

		case <-c.done:
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(msg websockets.WireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, c.config.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) messageReader() {
	defer c.logger.Debug("Message reader stopped")

	c.conn.SetReadLimit(c.config.readLimit)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(c.ctx, c.config.readTimeout)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			if closeStatus := websocket.CloseStatus(err); closeStatus != -1 {
				c.logger.Debug("WebSocket connection closed by client", zap.Int("close_status", int(closeStatus)))
			} else {
				c.logger.Debug("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if len(data) == 0 {
			continue
		}

		var request websockets.WireMessage
		if err := json.Unmarshal(data, &request); err != nil {
			c.logger.Warn("Failed to parse incoming WebSocket message",
				zap.Error(err),
				zap.Int("data_length", len(data)),
			)
			c.reply(websockets.WireMessage{Kind: websockets.MessageKindNack, Error: "invalid JSON format"})
			continue
		}

		c.handleRequest(request)
	}
}

func (c *Connection) reply(msg websockets.WireMessage) {
	select {
	case c.outbound <- msg:
	case <-c.done:
	case <-c.ctx.Done():
	}
}

func (c *Connection) respond(request websockets.WireMessage, reply websockets.WireMessage, err error) {
	reply.Id = request.Id
	reply.Kind = websockets.MessageKindAck
	if err != nil {
		reply = websockets.WireMessage{
			Kind:  websockets.MessageKindNack,
			Id:    request.Id,
			Error: err.Error(),
		}
	}
	c.reply(reply)
}

func (c *Connection) handleRequest(request websockets.WireMessage) {
	start := time.Now()
	ctx := c.ctx

	var reply websockets.WireMessage
	var err error

	switch request.Kind {
	case websockets.MessageKindSubscribe:
		var result hub.SubscribeResult
		result, err = c.hub.Subscribe(ctx, c.session, request.Channels)
		if err == nil {
			reply.Data, err = websockets.EncodeData(websockets.SubscribeReply{
				Connected: result.Connected,
				Denied:    result.Denied,
			})
		}

	case websockets.MessageKindUnsubscribe:
		err = c.hub.Unsubscribe(ctx, c.session, request.Channels)

	case websockets.MessageKindPresence:
		reply.Channels, err = c.missing(ctx, request.Channels)

	case websockets.MessageKindHistory:
		var page transport.HistoryPage
		page, err = c.hub.History(ctx, c.session, transport.HistoryRequest{
			Channel: request.Channel,
			After:   request.Timetoken,
			Limit:   request.Limit,
		})
		if err == nil {
			reply.Data, err = websockets.EncodeData(websockets.HistoryReply{Messages: page.Messages, More: page.More})
		}

	case websockets.MessageKindGrant:
		err = c.hub.Grant(ctx, c.session, request.Channel)

	case websockets.MessageKindEvent:
		err = c.publish(ctx, request)
		if request.Id == 0 {
			c.metrics.request(ctx, request.Kind, time.Since(start), err)
			if err != nil {
				c.logger.Debug("Dropping client publish", zap.Error(err))
			}
			return
		}

	case websockets.MessageKindAck:
		return

	default:
		err = fmt.Errorf("unsupported request type: %s", request.Kind)
	}

	c.metrics.request(ctx, request.Kind, time.Since(start), err)
	c.respond(request, reply, err)
}

// missing returns the channels on which this connection's session is not present.
func (c *Connection) missing(ctx context.Context, channels []string) ([]string, error) {
	occupants, err := c.hub.HereNow(ctx, channels)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, channel := range channels {
		present := false
		for _, id := range occupants[channel] {
			if id == c.session.ID() {
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

func (c *Connection) publish(ctx context.Context, request websockets.WireMessage) error {
	switch {
	case request.Channel == "":
		return fmt.Errorf("channel is required")
	case len(request.Data) == 0:
		return fmt.Errorf("data is required")
	case !c.session.Authenticated():
		return fmt.Errorf("%w: %v", transport.ErrInvalidCredential, c.session.AuthError())
	case !c.config.publishPolicy(c.session.UserID(), request.Channel):
		return fmt.Errorf("%w: publish to %s", transport.ErrAccessDenied, request.Channel)
	}

	_, err := c.hub.PublishMessage(ctx, transport.Message{
		ID:      request.MessageID,
		Channel: request.Channel,
		Payload: request.Data,
	})
	return err
}

// cleanup detaches the session from the hub and closes the socket. It runs once.
func (c *Connection) cleanup() {
	c.cleanupOnce.Do(func() {
		close(c.done)

		if err := c.hub.Disconnect(context.Background(), c.session); err != nil {
			c.logger.Debug("Failed to disconnect hub session during cleanup", zap.Error(err))
		}

		if err := c.conn.Close(websocket.StatusNormalClosure, "Connection closed"); err != nil {
			c.logger.Debug("WebSocket close error (may be expected)", zap.Error(err))
		}
	})
}

// shutdownClose closes the socket with a specific close code, which makes
// the reader exit and run the normal cleanup.
func (c *Connection) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("Error closing WebSocket during shutdown", zap.Error(err))
	}
}
