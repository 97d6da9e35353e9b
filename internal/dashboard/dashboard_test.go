package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// fakeSource is a fixed engine state.
type fakeSource struct {
	mu        sync.Mutex
	status    recsync.Status
	conflicts []record.Conflict
	pending   []record.Intent
}

func (f *fakeSource) Status() recsync.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) Conflicts() []record.Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Conflict(nil), f.conflicts...)
}

func (f *fakeSource) Pending() []record.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Intent(nil), f.pending...)
}

func (f *fakeSource) IsEnabled() bool { return true }

// statusView mirrors the JSON form of a status.
type statusView struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error"`
	RecordID string  `json:"record_id"`
}

func startServer(t *testing.T, source Source) *Server {
	t.Helper()
	server, err := NewServer(Config{Port: 0, Source: source})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func decodeStatus(t *testing.T, msg Message) statusView {
	t.Helper()
	require.Equal(t, MessageTypeStatus, msg.Type)
	var view statusView
	require.NoError(t, json.Unmarshal(msg.Data, &view))
	return view
}

func TestNewServer_RequiresSource(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	server, err := NewServer(Config{Port: 0, Source: &fakeSource{}})
	require.NoError(t, err)
	require.NoError(t, server.Start())

	assert.NotEmpty(t, server.GetAddr())
	require.NoError(t, server.Stop())
}

func TestWebSocket_ReceivesCurrentStatusOnConnect(t *testing.T) {
	source := &fakeSource{status: recsync.Status{State: recsync.StateOffline}}
	server := startServer(t, source)

	conn := dial(t, server)
	view := decodeStatus(t, readMessage(t, conn))
	assert.Equal(t, "offline", view.State)

	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocket_StreamsTransitionsInOrder(t *testing.T) {
	source := &fakeSource{status: recsync.Status{State: recsync.StateIdle}}
	server := startServer(t, source)
	handler := NewHandler(server, source, nil)

	conn := dial(t, server)
	assert.Equal(t, "idle", decodeStatus(t, readMessage(t, conn)).State)

	handler.OnStatus(recsync.Status{State: recsync.StateSyncing, Progress: 0.5, RecordID: "rec-1"})
	handler.OnStatus(recsync.Status{State: recsync.StateSynced, RecordID: "rec-1"})

	first := decodeStatus(t, readMessage(t, conn))
	assert.Equal(t, "syncing", first.State)
	assert.Equal(t, 0.5, first.Progress)
	assert.Equal(t, "rec-1", first.RecordID)

	assert.Equal(t, "synced", decodeStatus(t, readMessage(t, conn)).State)

	stats := readMessage(t, conn)
	require.Equal(t, MessageTypeStats, stats.Type)
	var data StatsData
	require.NoError(t, json.Unmarshal(stats.Data, &data))
	assert.Equal(t, 1, data.Synced)
	assert.Equal(t, 2, data.Transitions)
}

func TestWebSocket_LateClientGetsLatest(t *testing.T) {
	source := &fakeSource{status: recsync.Status{State: recsync.StateIdle}}
	server := startServer(t, source)
	handler := NewHandler(server, source, nil)

	early := dial(t, server)
	readMessage(t, early)
	handler.OnStatus(recsync.Status{State: recsync.StateSynced})
	readMessage(t, early)
	readMessage(t, early)

	late := dial(t, server)
	assert.Equal(t, "synced", decodeStatus(t, readMessage(t, late)).State)
	assert.Equal(t, MessageTypeStats, readMessage(t, late).Type)
}

func TestHandler_ConflictBroadcast(t *testing.T) {
	source := &fakeSource{
		status:    recsync.Status{State: recsync.StateIdle},
		conflicts: []record.Conflict{{RecordID: "rec-1"}},
	}
	server := startServer(t, source)
	handler := NewHandler(server, source, nil)

	conn := dial(t, server)
	readMessage(t, conn)

	conflictErr := &errs.Error{Code: errs.CodeConflictDetected, RecordID: "rec-1"}
	handler.OnStatus(recsync.Status{State: recsync.StateError, Err: conflictErr, RecordID: "rec-1"})

	view := decodeStatus(t, readMessage(t, conn))
	assert.Equal(t, "error", view.State)
	assert.Contains(t, view.Error, "CONFLICT_DETECTED")

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeConflicts, msg.Type)
	var conflicts []record.Conflict
	require.NoError(t, json.Unmarshal(msg.Data, &conflicts))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "rec-1", conflicts[0].RecordID)

	stats := handler.GetStats()
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Conflicts)
	assert.Contains(t, stats.LastError, "CONFLICT_DETECTED")
}

func TestHandler_RunStopsOnClose(t *testing.T) {
	source := &fakeSource{}
	server := startServer(t, source)
	handler := NewHandler(server, source, nil)

	updates := make(chan recsync.Status, 1)
	updates <- recsync.Status{State: recsync.StateOffline}
	close(updates)

	done := make(chan struct{})
	go func() {
		handler.Run(context.Background(), updates)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	assert.Equal(t, 1, handler.GetStats().Offline)
}

func TestHTTPEndpoints(t *testing.T) {
	source := &fakeSource{
		status:    recsync.Status{State: recsync.StateSynced},
		conflicts: []record.Conflict{{RecordID: "rec-9"}},
		pending:   []record.Intent{{RecordID: "rec-1"}, {RecordID: "rec-2"}},
	}
	server := startServer(t, source)
	base := "http://" + server.GetAddr()

	get := func(path string, v any) {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	var status struct {
		Status    statusView `json:"status"`
		Enabled   bool       `json:"enabled"`
		Pending   int        `json:"pending"`
		Conflicts int        `json:"conflicts"`
	}
	get("/status", &status)
	assert.Equal(t, "synced", status.Status.State)
	assert.True(t, status.Enabled)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.Conflicts)

	var conflicts []record.Conflict
	get("/conflicts", &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "rec-9", conflicts[0].RecordID)

	var health map[string]any
	get("/health", &health)
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(base + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// resolvingSource accepts decisions for its conflicts.
type resolvingSource struct {
	fakeSource
	decisions map[string]record.Decision
}

func (r *resolvingSource) ResolveSyncConflict(id string, decision record.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.conflicts {
		if c.RecordID == id {
			r.conflicts = append(r.conflicts[:i], r.conflicts[i+1:]...)
			r.decisions[id] = decision
			return nil
		}
	}
	return &errs.Error{Code: errs.CodeNotFound, RecordID: id}
}

func postResolve(t *testing.T, server *Server, body string) int {
	t.Helper()
	resp, err := http.Post("http://"+server.GetAddr()+"/resolve", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestResolveEndpoint(t *testing.T) {
	source := &resolvingSource{
		fakeSource: fakeSource{
			status:    recsync.Status{State: recsync.StateIdle},
			conflicts: []record.Conflict{{RecordID: "rec-1"}},
		},
		decisions: make(map[string]record.Decision),
	}
	server := startServer(t, source)

	conn := dial(t, server)
	readMessage(t, conn)

	assert.Equal(t, http.StatusBadRequest, postResolve(t, server, `{"record_id":"rec-1","decision":"sideways"}`))
	assert.Equal(t, http.StatusBadRequest, postResolve(t, server, `not json`))
	assert.Equal(t, http.StatusNotFound, postResolve(t, server, `{"record_id":"rec-2","decision":"local"}`))
	assert.Equal(t, http.StatusOK, postResolve(t, server, `{"record_id":"rec-1","decision":"keep-cloud"}`))

	assert.Equal(t, record.KeepCloud, source.decisions["rec-1"])

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeConflicts, msg.Type)
	var conflicts []record.Conflict
	require.NoError(t, json.Unmarshal(msg.Data, &conflicts))
	assert.Empty(t, conflicts)

	resp, err := http.Get("http://" + server.GetAddr() + "/resolve")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResolveEndpoint_Unsupported(t *testing.T) {
	server := startServer(t, &fakeSource{})
	assert.Equal(t, http.StatusNotImplemented, postResolve(t, server, `{"record_id":"rec-1","decision":"local"}`))
}
