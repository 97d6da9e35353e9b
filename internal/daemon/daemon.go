// Package daemon provides the long-running sync daemon.
//
// The daemon:
//  1. Ingests every record file in the recordings directory on startup
//  2. Watches the directory and ingests changed files after a debounce
//  3. Hands changed records to the sync engine and replicates deletions
//  4. Periodically sweeps with SyncAll so remote-side changes are pulled
//  5. Writes records the engine downloaded back into the directory
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/recsync/internal/ingest"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Engine is the part of the sync engine the daemon drives.
type Engine interface {
	Submit(id string) error
	DeleteRecord(ctx context.Context, id string) error
	SyncAll(ctx context.Context) error
}

// Prober is a connectivity source the daemon runs for its lifetime.
type Prober interface {
	Start(ctx context.Context)
	Stop()
}

// Config holds configuration for the daemon.
type Config struct {
	// RecordingsDir is the directory of {id}.json record files.
	RecordingsDir string

	// DebounceInterval is how long a file must be quiet before it is
	// ingested. This batches the writes of one save together.
	DebounceInterval time.Duration

	// SweepInterval is how often to run SyncAll. Zero disables sweeping.
	SweepInterval time.Duration

	// Prober, if set, is started with the daemon and stopped on shutdown.
	Prober Prober

	// Logger for daemon activity. Nil disables logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecordingsDir:    "recordings",
		DebounceInterval: 250 * time.Millisecond,
		SweepInterval:    time.Minute,
	}
}

// Daemon orchestrates file watching, ingestion and the sync engine.
type Daemon struct {
	ingester *ingest.Ingester
	engine   Engine
	config   Config
	logger   *zap.Logger

	watcher *FileWatcher

	changeQueue   map[string]FileEvent // record id -> latest event
	changeAt      map[string]time.Time
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool
}

// New creates a new Daemon instance.
func New(ingester *ingest.Ingester, engine Engine, config Config) (*Daemon, error) {
	if ingester == nil {
		return nil, fmt.Errorf("ingester cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config.RecordingsDir == "" {
		return nil, fmt.Errorf("recordings directory cannot be empty")
	}
	def := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Daemon{
		ingester:    ingester,
		engine:      engine,
		config:      config,
		logger:      logger.Named("daemon"),
		changeQueue: make(map[string]FileEvent),
		changeAt:    make(map[string]time.Time),
	}, nil
}

// Run performs the initial scan, then watches and sweeps until ctx is done.
// It returns nil on a clean shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("starting daemon", zap.String("dir", d.config.RecordingsDir))

	if err := os.MkdirAll(d.config.RecordingsDir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return err
	}
	// Watch before scanning so no write falls between the two.
	if err := watcher.Start(d.config.RecordingsDir); err != nil {
		return err
	}
	d.watcher = watcher
	defer func() {
		if err := watcher.Stop(); err != nil {
			d.logger.Warn("error closing watcher", zap.Error(err))
		}
	}()

	if d.config.Prober != nil {
		d.config.Prober.Start(ctx)
		defer d.config.Prober.Stop()
	}

	if err := d.PerformFullScan(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial scan failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchFileEvents(gctx) })
	g.Go(func() error { return d.processChangeQueue(gctx) })
	if d.config.SweepInterval > 0 {
		g.Go(func() error { return d.sweep(gctx) })
	}

	err = g.Wait()
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// IsRunning reports whether Run is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// PerformFullScan ingests every record file and submits the changed ones,
// then asks the engine for a full reconciliation.
func (d *Daemon) PerformFullScan(ctx context.Context) error {
	result, err := d.ingester.Scan(ctx, d.config.RecordingsDir)
	if err != nil {
		return err
	}
	for _, id := range result.Changed {
		d.submit(id)
	}
	if err := d.engine.SyncAll(ctx); err != nil {
		d.logger.Warn("sync all failed", zap.Error(err))
	}
	return nil
}

// WriteBack stores rec as a record file. Install it as the engine's
// OnLocalWrite hook so downloaded records reach the recording layer. The
// watcher event it causes ingests unchanged content and is dropped.
func (d *Daemon) WriteBack(rec *record.Record) {
	if err := record.WriteFile(d.config.RecordingsDir, rec); err != nil {
		d.logger.Error("failed to write record file", zap.String("record", rec.ID), zap.Error(err))
		return
	}
	d.logger.Debug("wrote record file", zap.String("record", rec.ID))
}

// watchFileEvents queues file events until ctx is done.
func (d *Daemon) watchFileEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-d.watcher.Events():
			if !ok {
				return nil
			}
			d.logger.Debug("file event", zap.Stringer("op", event.Op), zap.String("path", event.Path))
			d.queueChange(event)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// queueChange records the latest event for a record and restarts its
// debounce window.
func (d *Daemon) queueChange(event FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[event.RecordID] = event
	d.changeAt[event.RecordID] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue(ctx context.Context) error {
	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.processPendingChanges(ctx)
		}
	}
}

// processPendingChanges handles records whose files have been quiet for a
// full debounce interval.
func (d *Daemon) processPendingChanges(ctx context.Context) {
	now := time.Now()

	d.changeQueueMu.Lock()
	var ready []FileEvent
	for id, event := range d.changeQueue {
		if now.Sub(d.changeAt[id]) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, event)
		delete(d.changeQueue, id)
		delete(d.changeAt, id)
	}
	d.changeQueueMu.Unlock()

	for _, event := range ready {
		if err := d.handle(ctx, event); err != nil {
			d.logger.Warn("failed to process change",
				zap.String("record", event.RecordID),
				zap.Stringer("op", event.Op),
				zap.Error(err))
		}
	}
}

// handle applies one settled file change. The file's current state decides:
// a rename-then-recreate or delete-then-rewrite ends up as an edit.
func (d *Daemon) handle(ctx context.Context, event FileEvent) error {
	path := filepath.Join(d.config.RecordingsDir, event.RecordID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.logger.Info("record file removed, deleting", zap.String("record", event.RecordID))
		return d.engine.DeleteRecord(ctx, event.RecordID)
	}

	id, changed, err := d.ingester.IngestFile(ctx, path)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	d.submit(id)
	return nil
}

func (d *Daemon) submit(id string) {
	if err := d.engine.Submit(id); err != nil {
		d.logger.Warn("failed to queue record", zap.String("record", id), zap.Error(err))
	}
}

// sweep periodically asks the engine to reconcile everything.
func (d *Daemon) sweep(ctx context.Context) error {
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.engine.SyncAll(ctx); err != nil {
				d.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
