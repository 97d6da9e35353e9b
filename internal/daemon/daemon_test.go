package daemon

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/ingest"
	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
)

// fakeEngine records the calls the daemon makes.
type fakeEngine struct {
	mu        sync.Mutex
	submitted []string
	deleted   []string
	syncAlls  int
}

func (f *fakeEngine) Submit(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, id)
	return nil
}

func (f *fakeEngine) DeleteRecord(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeEngine) SyncAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncAlls++
	return nil
}

func (f *fakeEngine) wasSubmitted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.submitted, id)
}

func (f *fakeEngine) wasDeleted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.deleted, id)
}

func (f *fakeEngine) submitCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submitted {
		if s == id {
			n++
		}
	}
	return n
}

func (f *fakeEngine) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncAlls
}

// fakeProber counts Start and Stop calls.
type fakeProber struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (p *fakeProber) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
}

func (p *fakeProber) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// setupDaemon creates a daemon over a temporary store and recordings dir.
func setupDaemon(t *testing.T) (*Daemon, *fakeEngine, *localstore.DB, string) {
	t.Helper()

	tmpDir := t.TempDir()
	db, err := localstore.Open(filepath.Join(tmpDir, "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := filepath.Join(tmpDir, "recordings")
	require.NoError(t, os.MkdirAll(dir, 0755))

	engine := &fakeEngine{}
	d, err := New(ingest.New(db, nil), engine, Config{
		RecordingsDir:    dir,
		DebounceInterval: 20 * time.Millisecond,
		SweepInterval:    50 * time.Millisecond,
	})
	require.NoError(t, err)
	return d, engine, db, dir
}

// writeRecordFile writes a record file for testing.
func writeRecordFile(t *testing.T, dir, id, title string) {
	t.Helper()
	rec := &record.Record{
		ID:           id,
		Title:        title,
		StartedAt:    time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC),
		Duration:     time.Hour,
		LastModified: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, record.WriteFile(dir, rec))
}

// runDaemon starts Run in the background and returns a stop func that
// waits for it.
func runDaemon(t *testing.T, d *Daemon) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, d.IsRunning, time.Second, 5*time.Millisecond)
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &fakeEngine{}, DefaultConfig())
	assert.Error(t, err)

	ing := ingest.New(nil, nil)
	_, err = New(ing, nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(ing, &fakeEngine{}, Config{})
	assert.Error(t, err)
}

func TestDaemon_InitialScanSubmitsExistingFiles(t *testing.T) {
	d, engine, db, dir := setupDaemon(t)
	writeRecordFile(t, dir, "rec-1", "Standup")
	writeRecordFile(t, dir, "rec-2", "Retro")

	require.NoError(t, d.PerformFullScan(context.Background()))

	assert.True(t, engine.wasSubmitted("rec-1"))
	assert.True(t, engine.wasSubmitted("rec-2"))
	assert.Equal(t, 1, engine.sweeps())

	total, _, err := db.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestDaemon_WatchesCreateModifyDelete(t *testing.T) {
	d, engine, db, dir := setupDaemon(t)
	prober := &fakeProber{}
	d.config.Prober = prober
	stop := runDaemon(t, d)

	writeRecordFile(t, dir, "rec-1", "Standup")
	require.Eventually(t, func() bool { return engine.wasSubmitted("rec-1") },
		2*time.Second, 10*time.Millisecond, "new file is submitted")

	writeRecordFile(t, dir, "rec-1", "Standup (edited)")
	require.Eventually(t, func() bool { return engine.submitCount("rec-1") >= 2 },
		2*time.Second, 10*time.Millisecond, "edit is submitted")
	got, err := db.Get(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Standup (edited)", got.Title)

	require.NoError(t, os.Remove(filepath.Join(dir, "rec-1.json")))
	require.Eventually(t, func() bool { return engine.wasDeleted("rec-1") },
		2*time.Second, 10*time.Millisecond, "removal is replicated")

	require.Eventually(t, func() bool { return engine.sweeps() >= 2 },
		2*time.Second, 10*time.Millisecond, "periodic sweep runs")

	stop()
	assert.False(t, d.IsRunning())
	assert.True(t, prober.started)
	assert.True(t, prober.stopped)
}

func TestDaemon_WriteBackIsNotResubmitted(t *testing.T) {
	d, engine, db, dir := setupDaemon(t)
	ctx := context.Background()

	downloaded := record.New("From laptop", time.Now())
	downloaded.IsSynced = true
	downloaded.SyncedAt = downloaded.LastModified
	require.NoError(t, db.Put(ctx, downloaded))

	stop := runDaemon(t, d)
	d.WriteBack(downloaded)

	_, err := os.Stat(filepath.Join(dir, downloaded.Filename()))
	require.NoError(t, err)

	// Let the watcher event settle past the debounce window.
	time.Sleep(150 * time.Millisecond)
	stop()

	assert.False(t, engine.wasSubmitted(downloaded.ID))
	got, err := db.Get(ctx, downloaded.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
}

func TestDaemon_RunTwice(t *testing.T) {
	d, _, _, _ := setupDaemon(t)
	stop := runDaemon(t, d)
	defer stop()

	assert.Error(t, d.Run(context.Background()))
}

func TestFileWatcher_ConvertEvent(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWatcher()
	require.NoError(t, err)
	require.NoError(t, fw.Start(dir))
	defer fw.Stop()

	path := filepath.Join(fw.dir, "rec-1.json")

	tests := []struct {
		name   string
		event  fsnotify.Event
		wantOK bool
		wantOp EventOp
	}{
		{"create", fsnotify.Event{Name: path, Op: fsnotify.Create}, true, OpCreate},
		{"write", fsnotify.Event{Name: path, Op: fsnotify.Write}, true, OpModify},
		{"remove", fsnotify.Event{Name: path, Op: fsnotify.Remove}, true, OpDelete},
		{"rename", fsnotify.Event{Name: path, Op: fsnotify.Rename}, true, OpDelete},
		{"chmod", fsnotify.Event{Name: path, Op: fsnotify.Chmod}, false, 0},
		{"not json", fsnotify.Event{Name: filepath.Join(fw.dir, "rec-1.tmp"), Op: fsnotify.Create}, false, 0},
		{"other dir", fsnotify.Event{Name: filepath.Join(t.TempDir(), "rec-1.json"), Op: fsnotify.Create}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok := fw.convertEvent(tt.event)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantOp, event.Op)
				assert.Equal(t, "rec-1", event.RecordID)
			}
		})
	}
}

func TestFileWatcher_StartStop(t *testing.T) {
	fw, err := NewFileWatcher()
	require.NoError(t, err)

	require.NoError(t, fw.Start(t.TempDir()))
	assert.True(t, fw.IsRunning())
	assert.Error(t, fw.Start(t.TempDir()), "already running")

	require.NoError(t, fw.Stop())
	assert.False(t, fw.IsRunning())
	require.NoError(t, fw.Stop())

	_, open := <-fw.Events()
	assert.False(t, open)
}

func TestEventOp_String(t *testing.T) {
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "modify", OpModify.String())
	assert.Equal(t, "delete", OpDelete.String())
	assert.Equal(t, "unknown", EventOp(9).String())
}
