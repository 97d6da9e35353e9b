package dashboard

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/errs"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// StatsData contains aggregate counters since the handler started
type StatsData struct {
	Transitions int    `json:"transitions"`
	Synced      int    `json:"synced"`
	Errors      int    `json:"errors"`
	Offline     int    `json:"offline"`
	Pending     int    `json:"pending"`
	Conflicts   int    `json:"conflicts"`
	LastError   string `json:"last_error,omitempty"`
}

// Handler turns engine status transitions into dashboard messages.
// It bridges between the engine's status stream and the WebSocket server.
type Handler struct {
	server *Server
	source Source
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, source Source, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		server: server,
		source: source,
		logger: logger.Named("dashboard"),
	}
}

// Run forwards updates until ctx is done or the channel closes.
func (h *Handler) Run(ctx context.Context, updates <-chan recsync.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			h.OnStatus(s)
		}
	}
}

// OnStatus handles one status transition
func (h *Handler) OnStatus(s recsync.Status) {
	h.broadcast(MessageTypeStatus, s)

	h.mu.Lock()
	h.stats.Transitions++
	switch s.State {
	case recsync.StateSynced:
		h.stats.Synced++
	case recsync.StateError:
		h.stats.Errors++
		if s.Err != nil {
			h.stats.LastError = s.Err.Error()
		}
	case recsync.StateOffline:
		h.stats.Offline++
	}
	h.mu.Unlock()

	// Conflicts and counts only move when a run ends.
	if s.State == recsync.StateSyncing {
		return
	}
	if s.State == recsync.StateError && errors.Is(s.Err, errs.ErrConflictDetected) {
		h.broadcastConflicts()
	}
	h.broadcastStats()
}

func (h *Handler) broadcastConflicts() {
	h.broadcast(MessageTypeConflicts, h.source.Conflicts())
}

// broadcastStats sends current statistics to all clients
func (h *Handler) broadcastStats() {
	h.broadcast(MessageTypeStats, h.GetStats())
}

func (h *Handler) broadcast(typ MessageType, v any) {
	msg, err := newMessage(typ, v)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	h.server.Broadcast(msg)
}

// GetStats returns the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	stats := h.stats
	h.mu.Unlock()

	stats.Pending = len(h.source.Pending())
	stats.Conflicts = len(h.source.Conflicts())
	return stats
}
