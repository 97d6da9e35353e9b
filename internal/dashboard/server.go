// Package dashboard provides a real-time WebSocket view of the sync engine.
//
// The server streams status transitions, conflict lists and aggregate stats
// to connected WebSocket clients. A client receives the latest message of
// each kind as soon as it connects, then every later one in order. Plain JSON
// endpoints expose the same state for scripts.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries one engine status transition
	MessageTypeStatus MessageType = "status"

	// MessageTypeConflicts carries the conflicts waiting for a decision
	MessageTypeConflicts MessageType = "conflicts"

	// MessageTypeStats carries aggregate counters
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Source is the engine state the dashboard reads.
type Source interface {
	Status() recsync.Status
	Conflicts() []record.Conflict
	Pending() []record.Intent
	IsEnabled() bool
}

// Resolver is implemented by sources that accept conflict decisions. It
// enables POST /resolve.
type Resolver interface {
	ResolveSyncConflict(id string, decision record.Decision) error
}

// ResolveRequest is the body of POST /resolve.
type ResolveRequest struct {
	RecordID string `json:"record_id"`
	Decision string `json:"decision"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status    recsync.Status `json:"status"`
	Enabled   bool           `json:"enabled"`
	Pending   int            `json:"pending"`
	Conflicts int            `json:"conflicts"`
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	source   Source
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting. Only broadcastLoop writes to clients.
	broadcast chan Message
	register  chan *websocket.Conn
	latest    map[MessageType]Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Source of engine state. Required.
	Source Source

	// Logger for server activity. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 8080,
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config Config) (*Server, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("dashboard source cannot be nil")
	}
	if config.Host == "" {
		config.Host = DefaultConfig().Host
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		source:    config.Source,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		register:  make(chan *websocket.Conn),
		latest:    make(map[MessageType]Message),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("dashboard"),
	}, nil
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/conflicts", s.handleConflicts)
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Seed the replay cache so the first client sees the current status.
	if msg, err := newMessage(MessageTypeStatus, s.source.Status()); err == nil {
		s.latest[MessageTypeStatus] = msg
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("dashboard server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// broadcastLoop delivers broadcasts and greets new clients. Doing both on
// one goroutine keeps every client's stream in order.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case conn := <-s.register:
			s.clientsMu.Lock()
			s.clients[conn] = true
			clientCount := len(s.clients)
			s.clientsMu.Unlock()
			s.logger.Debug("client connected", zap.Int("clients", clientCount))

			for _, typ := range []MessageType{MessageTypeStatus, MessageTypeConflicts, MessageTypeStats} {
				if msg, ok := s.latest[typ]; ok {
					s.send(conn, msg)
				}
			}

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			s.latest[msg.Type] = msg

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				s.send(conn, msg)
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("failed to send to client", zap.Error(err))
		s.removeClient(conn)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	select {
	case s.register <- conn:
	case <-s.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}

	s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
		// Client messages are ignored.
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus returns the engine status with queue and conflict counts
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{
		Status:    s.source.Status(),
		Enabled:   s.source.IsEnabled(),
		Pending:   len(s.source.Pending()),
		Conflicts: len(s.source.Conflicts()),
	})
}

// handleConflicts returns the conflicts waiting for a decision
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := s.source.Conflicts()
	if conflicts == nil {
		conflicts = []record.Conflict{}
	}
	writeJSON(w, conflicts)
}

// handleResolve applies a conflict decision and rebroadcasts the conflict
// list.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resolver, ok := s.source.(Resolver)
	if !ok {
		http.Error(w, "conflict resolution not supported", http.StatusNotImplemented)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	decision, err := record.ParseDecision(req.Decision)
	if err != nil || decision == record.DecisionNone {
		http.Error(w, fmt.Sprintf("invalid decision %q", req.Decision), http.StatusBadRequest)
		return
	}

	if err := resolver.ResolveSyncConflict(req.RecordID, decision); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, errs.ErrNotFound):
			code = http.StatusNotFound
		case errors.Is(err, errs.ErrInvalidInput):
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.logger.Info("conflict resolved via dashboard",
		zap.String("record", req.RecordID), zap.Stringer("decision", decision))

	if msg, err := newMessage(MessageTypeConflicts, s.source.Conflicts()); err == nil {
		s.Broadcast(msg)
	}
	writeJSON(w, map[string]string{"status": "resolved", "record_id": req.RecordID})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>recsync</title>
</head>
<body>
    <h1>recsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a>, conflicts: <a href="/conflicts">/conflicts</a>, health: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func newMessage(typ MessageType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: data}, nil
}
