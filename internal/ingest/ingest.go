// Package ingest moves records written by the recording layer into the local
// store.
//
// The recording layer owns the record files in the recordings directory
// ({id}.json). Ingesting a file stores its content with bumped sync
// bookkeeping so the engine picks it up; ingesting a file whose content is
// unchanged is a no-op, which keeps a synced record synced when the watcher
// reports a touch or a rewrite of identical bytes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// Store is the part of the local store ingestion writes to.
type Store interface {
	Get(ctx context.Context, id string) (*record.Record, error)
	Put(ctx context.Context, rec *record.Record) error
}

// Ingester stores record files in a Store.
type Ingester struct {
	store  Store
	logger *zap.Logger
}

// New creates an Ingester. If logger is nil logging is disabled.
func New(store Store, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		store:  store,
		logger: logger.Named("ingest"),
	}
}

// IngestFile reads one record file and stores it. It returns the record id
// and whether the stored content changed.
func (i *Ingester) IngestFile(ctx context.Context, path string) (string, bool, error) {
	rec, err := record.ReadFile(path)
	if err != nil {
		return "", false, &errs.Error{Code: errs.CodeInvalidInput, Op: "ingest file", Err: err}
	}

	// The file name is the identity; a mismatching id field is a copy gone wrong.
	if id, ok := record.IDFromFilename(path); ok && id != rec.ID {
		return "", false, &errs.Error{Code: errs.CodeInvalidInput, Op: "ingest file", RecordID: rec.ID,
			Err: fmt.Errorf("file %s holds record %s", filepath.Base(path), rec.ID)}
	}

	changed, err := i.Apply(ctx, rec)
	if err != nil {
		return rec.ID, false, err
	}
	if changed {
		i.logger.Debug("ingested record", zap.String("record", rec.ID), zap.String("title", rec.Title))
	}
	return rec.ID, changed, nil
}

// Apply stores rec unless the store already holds the same content.
//
// A changed record gets a LastModified later than the stored one and is
// flagged unsynced. The stored SyncedAt is kept so the engine can still tell
// which side moved since the last sync.
func (i *Ingester) Apply(ctx context.Context, rec *record.Record) (bool, error) {
	existing, err := i.load(ctx, rec.ID)
	if err != nil {
		return false, err
	}

	next := rec.Clone()
	if existing != nil {
		if existing.ContentHash() == next.ContentHash() {
			return false, nil
		}
		next.LastModified = existing.LastModified
		next.SyncedAt = existing.SyncedAt
		next.Touch()
	} else {
		// Never synced from this device, whatever the file claims.
		next.IsSynced = false
		next.SyncedAt = time.Time{}
		if next.LastModified.IsZero() {
			next.Touch()
		}
		next.LastModified = next.LastModified.UTC()
	}

	if err := i.store.Put(ctx, next); err != nil {
		return false, fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}
	return true, nil
}

// load returns the stored record, or nil if there is none.
func (i *Ingester) load(ctx context.Context, id string) (*record.Record, error) {
	existing, err := i.store.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", id, err)
	}
	return existing, nil
}

// ScanResult summarizes a directory scan.
type ScanResult struct {
	Read    int
	Changed []string
	Failed  int
}

// Scan ingests every {id}.json file in dir. Individual file failures are
// logged and counted but don't stop the scan. A missing directory yields an
// empty result.
func (i *Ingester) Scan(ctx context.Context, dir string) (*ScanResult, error) {
	result := &ScanResult{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			i.logger.Info("recordings directory doesn't exist, skipping scan", zap.String("dir", dir))
			return result, nil
		}
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		id, changed, err := i.IngestFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			i.logger.Warn("failed to ingest record file", zap.String("file", entry.Name()), zap.Error(err))
			result.Failed++
			continue
		}
		result.Read++
		if changed {
			result.Changed = append(result.Changed, id)
		}
	}

	i.logger.Info("scan complete",
		zap.String("dir", dir),
		zap.Int("read", result.Read),
		zap.Int("changed", len(result.Changed)),
		zap.Int("failed", result.Failed))
	return result, nil
}
