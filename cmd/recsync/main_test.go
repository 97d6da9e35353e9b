package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/config"
	"github.com/mschirtzinger/recsync/internal/dashboard"
	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/remote"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("36h", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-36*time.Hour), got)

	got, err = parseSince("2026-01-31", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2026-02-01T08:30:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC), got)

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now))
	assert.True(t, got.After(now.Add(-48*time.Hour)))

	_, err = parseSince("qwerty", now)
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "ünïc…", truncate("ünïcödé", 5))
}

func TestResolveViaDaemon(t *testing.T) {
	var got dashboard.ResolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resolve", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.RecordID == "missing" {
			http.Error(w, "no pending conflict", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	handled, err := resolveViaDaemon(context.Background(), port, "rec-1", record.KeepBoth)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, "rec-1", got.RecordID)
	decision, err := record.ParseDecision(got.Decision)
	require.NoError(t, err)
	assert.Equal(t, record.KeepBoth, decision)

	handled, err = resolveViaDaemon(context.Background(), port, "missing", record.KeepLocal)
	assert.True(t, handled)
	assert.ErrorContains(t, err, "no pending conflict")
}

func TestResolveViaDaemon_NotRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	handled, err := resolveViaDaemon(context.Background(), port, "rec-1", record.KeepLocal)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestBuildStatusReport(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Local.DBPath = filepath.Join(dir, "recsync.db")
	cfg = &c
	t.Cleanup(func() { cfg = nil })

	ctx := context.Background()
	db, err := localstore.Open(cfg.Local.DBPath)
	require.NoError(t, err)
	defer db.Close()

	rec := record.New("Standup", time.Now())
	require.NoError(t, db.Put(ctx, rec))
	require.NoError(t, db.SaveIntent(ctx, record.Intent{RecordID: rec.ID, Op: record.OpSync, RequestedAt: record.Now()}))
	require.NoError(t, db.SaveConflict(ctx, record.Conflict{RecordID: "rec-9", DetectedAt: record.Now()}))

	report, err := buildStatusReport(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.Unsynced)
	require.Len(t, report.Pending, 1)
	assert.Equal(t, rec.ID, report.Pending[0].RecordID)
	assert.Equal(t, "sync", report.Pending[0].Op)
	assert.Equal(t, []string{"rec-9"}, report.Conflicts)
	assert.Contains(t, report.Remote, "in-memory")
}

func openTestApp(t *testing.T, store remote.Store) *app {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Local.DBPath = filepath.Join(dir, "recsync.db")
	c.Local.RecordingsDir = filepath.Join(dir, "recordings")
	cfg = &c
	t.Cleanup(func() { cfg = nil })

	a, err := openApp(context.Background(), appOptions{remote: store, enabled: true})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestDrain_StopsWhenRemoteUnavailable(t *testing.T) {
	store := remote.NewMemory()
	store.SetAvailable(false)
	a := openTestApp(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.db.Put(ctx, record.New("Standup", time.Now())))
	require.NoError(t, a.engine.SyncAll(ctx))

	queued, err := drain(ctx, a.engine)
	require.NoError(t, err, "returns before the timeout")
	assert.True(t, queued)
	assert.NotEmpty(t, a.engine.Pending())
}

func TestDrain_ReturnsWhenIdle(t *testing.T) {
	a := openTestApp(t, remote.NewMemory())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := record.New("Standup", time.Now())
	require.NoError(t, a.db.Put(ctx, rec))
	require.NoError(t, a.engine.SyncAll(ctx))

	queued, err := drain(ctx, a.engine)
	require.NoError(t, err)
	assert.False(t, queued)

	got, err := a.db.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
}
