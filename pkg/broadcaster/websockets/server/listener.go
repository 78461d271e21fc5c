package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Listener accepts WebSocket connections and attaches each one to a hub
// session authenticated by the request's auth key.
type Listener struct {
	config  *ListenerConfig
	logger  *zap.Logger
	metrics *listenerMetrics

	connections  map[*Connection]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		config:      config,
		logger:      config.logger,
		metrics:     newListenerMetrics(config.metricsProvider),
		connections: make(map[*Connection]struct{}),
		shutdown:    make(chan struct{}),
	}
}

// AuthKey extracts the auth key from a bearer Authorization header, falling
// back to the "auth" query parameter for clients that cannot set headers.
func AuthKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("auth")
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.ServeWebsocket(w, r)
}

// ServeWebsocket upgrades the request and serves the connection until it
// closes. It can be plugged directly into an HTTP router.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("user_agent", r.UserAgent()),
		)
		return
	}

	ctx := r.Context()
	connection := newConnection(ctx, conn, l.config, l.metrics)

	session, err := l.config.hub.Connect(ctx, AuthKey(r), connection)
	if err != nil {
		l.logger.Error("Failed to open hub session", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		conn.Close(websocket.StatusInternalError, "hub unavailable")
		return
	}
	connection.session = session

	l.logger.Debug("WebSocket connection established",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("session", session.ID()),
		zap.String("user", session.UserID()),
		zap.Bool("authenticated", session.Authenticated()),
	)

	start := time.Now()
	l.connMutex.Lock()
	l.connections[connection] = struct{}{}
	connCount := len(l.connections)
	l.connMutex.Unlock()
	l.metrics.connectionOpened(ctx, connCount)

	connection.Start()

	l.connMutex.Lock()
	delete(l.connections, connection)
	connCount = len(l.connections)
	l.connMutex.Unlock()
	l.metrics.connectionClosed(context.Background(), connCount, time.Since(start))

	l.logger.Debug("WebSocket connection removed from tracking",
		zap.String("session", session.ID()),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown stops accepting connections, closes the active ones with
// StatusGoingAway and waits for them to finish or for ctx to end.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")
		close(l.shutdown)

		l.connMutex.RLock()
		connections := make([]*Connection, 0, len(l.connections))
		for conn := range l.connections {
			connections = append(connections, conn)
		}
		l.connMutex.RUnlock()

		for _, conn := range connections {
			go conn.shutdownClose(websocket.StatusGoingAway, "Server shutting down")
		}
	})

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := l.ConnectionCount()
		if remaining == 0 {
			l.logger.Info("All WebSocket connections closed")
			return nil
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("Shutdown timeout reached with active connections", zap.Int("remaining_connections", remaining))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConnectionCount returns the current number of active WebSocket connections.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.connections)
}
