package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/connectivity"
	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/remote"
	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

// app is the engine stack one command works against.
type app struct {
	db     *localstore.DB
	remote remote.Store
	engine *recsync.Engine
}

// appOptions tweaks openApp for a command.
type appOptions struct {
	remote       remote.Store // opened from config when nil
	enabled      bool
	connectivity recsync.ConnectivityPort
	onLocalWrite func(rec *record.Record)
}

// openApp opens the local store and the configured remote and starts an
// engine over them.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	db, err := localstore.Open(cfg.Local.DBPath)
	if err != nil {
		return nil, err
	}

	store := opts.remote
	if store == nil {
		store, err = remote.Open(ctx, cfg.Remote)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to open remote: %w", err)
		}
	}

	engine, err := recsync.New(recsync.Config{
		Local:        db,
		Remote:       store,
		Connectivity: opts.connectivity,
		Logger:       logger,
		Workers:      cfg.Sync.Workers,
		Retry:        cfg.Sync.RetryPolicy(),
		Enabled:      opts.enabled,
		OnLocalWrite: opts.onLocalWrite,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &app{db: db, remote: store, engine: engine}, nil
}

// newProber probes the remote's health endpoint on the configured interval.
func newProber(store remote.Store) *connectivity.Prober {
	return connectivity.NewProber(store.Ping, connectivity.ProberConfig{
		Interval: cfg.Sync.ProbeInterval,
		Logger:   logger,
	})
}

// writeBack stores engine downloads as record files so the recording layer
// sees them.
func writeBack(rec *record.Record) {
	if err := record.WriteFile(cfg.Local.RecordingsDir, rec); err != nil {
		logger.Warn("failed to write record file", zap.String("record", rec.ID), zap.Error(err))
	}
}

func (a *app) Close() {
	_ = a.engine.Close()
	_ = a.db.Close()
}

// drain waits until the engine has nothing left to do. It returns early with
// queued set once the remote is reported unreachable, because deferred
// intents stay journaled until it answers again.
func drain(ctx context.Context, engine *recsync.Engine) (queued bool, err error) {
	updates, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := make(chan error, 1)
	go func() { idle <- engine.WaitIdle(wctx) }()

	for {
		select {
		case err := <-idle:
			return false, err
		case s, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if s.State == recsync.StateOffline {
				return true, nil
			}
		}
	}
}
