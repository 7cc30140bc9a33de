package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/voicebridge/meeting-relay-service/internal/config"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/relay"
)

// WSServer accepts WebSocket connections, classifies each one from its
// first message, and hands the resulting read loop to the session's relay.
type WSServer struct {
	cfg      config.ServerConfig
	manager  *relay.Manager
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
}

// wsConn wraps a websocket connection with a write mutex so the relay's
// fan-out and the transcript pump can write concurrently. Gorilla permits
// only one concurrent writer per connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// NewWSServer creates the WebSocket server
func NewWSServer(cfg config.ServerConfig, manager *relay.Manager,
	logger *slog.Logger, m *metrics.Metrics) *WSServer {

	s := &WSServer{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Bots and meeting pages connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/{session_id}", s.handleWebSocket).Methods("GET")

	s.httpServer = &http.Server{
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections are long-lived
		WriteTimeout: 0,
	}

	return s
}

// Start binds the listener and serves until Stop is called
func (s *WSServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind WebSocket listener on %s: %w", addr, err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server listening",
		slog.String("address", addr),
	)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket server error",
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Stop closes the listener. Open WebSocket connections are torn down by
// the relay manager's shutdown, not here, so in-flight transcripts still
// reach the bot first.
func (s *WSServer) Stop(ctx context.Context) error {
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			return fmt.Errorf("failed to close WebSocket listener: %w", err)
		}
	}
	s.logger.Info("WebSocket server stopped")
	return nil
}

// handleWebSocket upgrades the connection and runs its read loop. The
// first message classifies the connection exactly once; it is consumed by
// classification and never relayed.
func (s *WSServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn.SetReadLimit(s.cfg.ReadLimit)
	wrapped := &wsConn{conn: conn}

	// The role handshake must arrive promptly; after it the connection
	// may sit quiet between meeting events.
	conn.SetReadDeadline(time.Now().Add(s.cfg.GetHandshakeTimeout()))
	_, first, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("Connection closed before classification",
			slog.String("session_id", sessionID),
			slog.String("remote_addr", wrapped.RemoteAddr()),
			slog.String("error", err.Error()),
		)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	role := relay.ClassifyFirstMessage(first)
	s.metrics.RecordConnectionUpgraded(role.String())

	rel := s.manager.GetOrCreate(sessionID)

	s.logger.Info("Connection classified",
		slog.String("session_id", sessionID),
		slog.String("role", role.String()),
		slog.String("remote_addr", wrapped.RemoteAddr()),
	)

	switch role {
	case relay.RoleBot:
		rel.RegisterBot(wrapped)
		s.readLoop(rel, wrapped, role, sessionID)
		rel.UnregisterBot(wrapped)
	default:
		rel.RegisterMeeting(wrapped)
		s.readLoop(rel, wrapped, role, sessionID)
		rel.UnregisterMeeting(wrapped)
	}

	s.metrics.RecordConnectionClosed(role.String())
	conn.Close()
}

// readLoop pumps messages from one connection into the relay until the
// connection errors or closes
func (s *WSServer) readLoop(rel *relay.Relay, conn *wsConn, role relay.Role, sessionID string) {
	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.RecordReadError()
				s.logger.Debug("WebSocket read error",
					slog.String("session_id", sessionID),
					slog.String("role", role.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		switch role {
		case relay.RoleBot:
			rel.HandleBotMessage(messageType, data)
		default:
			rel.HandleMeetingMessage(conn, messageType, data)
		}
	}
}
