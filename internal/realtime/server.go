// Package realtime is the front end's window onto the backend: a websocket
// hub for readiness and exit events plus a small REST status surface.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prehisle/pianki/internal/backend"
	"github.com/prehisle/pianki/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The webview origin varies by platform.
	},
}

// StatusSource reports the current backend state.
type StatusSource interface {
	Status() backend.Status
}

// WindowEventFunc is called for window lifecycle messages. msgType is
// protocol.TypeWindowCloseRequested or protocol.TypeWindowDestroyed.
type WindowEventFunc func(msgType, label string)

// Server manages WebSocket connections and pushes backend events to them.
type Server struct {
	source    StatusSource
	devMode   bool
	logger    *zap.Logger
	clients   map[*client]bool
	clientsMu sync.RWMutex

	windowMu sync.RWMutex
	onWindow WindowEventFunc
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server. devMode is reported in status payloads
// so the front end knows no backend will be spawned.
func New(source StatusSource, devMode bool, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		source:  source,
		devMode: devMode,
		logger:  logger.Named("realtime"),
		clients: make(map[*client]bool),
	}
}

// OnWindowEvent registers the handler for window lifecycle messages.
func (s *Server) OnWindowEvent(fn WindowEventFunc) {
	s.windowMu.Lock()
	s.onWindow = fn
	s.windowMu.Unlock()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", zap.String("client_id", c.id))

	// A new client always starts from the current state.
	s.sendStatus(c)

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	s.logger.Debug("client disconnected", zap.String("client_id", c.id))
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// CloseClients drops every websocket connection. http.Server.Shutdown does
// not touch hijacked connections, so the shell calls this on exit.
func (s *Server) CloseClients() {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeWindowCloseRequested, protocol.TypeWindowDestroyed:
		var payload protocol.WindowEventPayload
		json.Unmarshal(msg.Payload, &payload)

		s.logger.Info("window event", zap.String("type", msg.Type), zap.String("label", payload.Label))

		s.windowMu.RLock()
		fn := s.onWindow
		s.windowMu.RUnlock()
		if fn != nil {
			fn(msg.Type, payload.Label)
		}

	case protocol.TypeBackendRequestStatus:
		s.sendStatus(c)
	}
}

// statusPayload converts the backend status for the wire.
func (s *Server) statusPayload() protocol.BackendStatusPayload {
	p := protocol.BackendStatusPayload{DevMode: s.devMode}
	if s.source == nil {
		return p
	}

	st := s.source.Status()
	p.Running = st.Running
	p.PID = st.PID
	p.RunID = st.RunID
	p.Port = st.Port
	if st.StartedAt != nil {
		p.StartedAt = st.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if st.LastExit != nil {
		p.LastExit = &protocol.ExitPayload{ExitCode: st.LastExit.Code, Signal: st.LastExit.Signal}
	}
	p.StartError = st.StartError
	return p
}

func (s *Server) sendStatus(c *client) {
	msg, err := protocol.NewMessage(protocol.TypeBackendStatus, s.statusPayload())
	if err != nil {
		return
	}
	s.sendTo(c, msg)
}

func (s *Server) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	s.sendTo(c, msg)
}

func (s *Server) sendTo(c *client, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// BroadcastStatus pushes the current status to all clients.
func (s *Server) BroadcastStatus() {
	msg, err := protocol.NewMessage(protocol.TypeBackendStatus, s.statusPayload())
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastReady tells all clients the backend accepts connections on port.
func (s *Server) BroadcastReady(port int, source string) {
	msg, err := protocol.NewMessage(protocol.TypeBackendReady, protocol.BackendReadyPayload{
		Port:   port,
		Source: source,
		URL:    fmt.Sprintf("http://localhost:%d", port),
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastExited tells all clients the backend process ended.
func (s *Server) BroadcastExited(runID string, status backend.ExitStatus) {
	msg, err := protocol.NewMessage(protocol.TypeBackendExited, protocol.BackendExitedPayload{
		RunID:       runID,
		ExitPayload: protocol.ExitPayload{ExitCode: status.Code, Signal: status.Signal},
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// BroadcastError pushes an error notice, e.g. when the backend failed to start.
func (s *Server) BroadcastError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}
