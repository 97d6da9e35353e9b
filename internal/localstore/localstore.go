// Package localstore provides the always-writable local replica on embedded
// SQLite.
//
// Besides the records themselves the database holds two pieces of sync state
// that must survive a restart: the queued sync intents and the list of
// conflicts waiting for a caller decision.
//
// Architecture:
//   - Database file: configured by local.db_path (default .recsync/local.db)
//   - WAL mode: the daemon and CLI can read while the engine writes
//   - Schema: records, intents, conflicts
//   - Timestamps are stored as integer nanoseconds so LastModified survives
//     a round trip exactly
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// DB wraps the SQLite connection with record and sync-state operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL enabled and the schema created if needed.
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := localstore.Open(".recsync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)"
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL DEFAULT 0,
		participants TEXT,  -- JSON array
		transcript TEXT NOT NULL DEFAULT '',
		payload BLOB,
		last_modified INTEGER NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		synced_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS intents (
		record_id TEXT PRIMARY KEY,
		op TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		not_before INTEGER NOT NULL DEFAULT 0,
		decision INTEGER NOT NULL DEFAULT 0,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		record_id TEXT PRIMARY KEY,
		local TEXT NOT NULL,   -- JSON metadata
		remote TEXT NOT NULL,  -- JSON metadata
		detected_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_unsynced ON records(is_synced) WHERE is_synced = 0;
	CREATE INDEX IF NOT EXISTS idx_records_modified ON records(last_modified);
	CREATE INDEX IF NOT EXISTS idx_intents_seq ON intents(seq);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

const recordColumns = `id, title, started_at, duration, participants, transcript,
	payload, last_modified, is_synced, synced_at`

// Get returns the record with the given id, or an errs.CodeNotFound error.
func (db *DB) Get(ctx context.Context, id string) (*record.Record, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.Error{Code: errs.CodeNotFound, Op: "local get", RecordID: id}
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "local get", fmt.Errorf("failed to load record %s: %w", id, err))
	}
	return rec, nil
}

// Put inserts or replaces a record.
func (db *DB) Put(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return &errs.Error{Code: errs.CodeInvalidInput, Op: "local put", RecordID: rec.ID, Err: err}
	}

	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}

	query := `
	INSERT INTO records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		started_at = excluded.started_at,
		duration = excluded.duration,
		participants = excluded.participants,
		transcript = excluded.transcript,
		payload = excluded.payload,
		last_modified = excluded.last_modified,
		is_synced = excluded.is_synced,
		synced_at = excluded.synced_at
	`

	_, err = db.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Title,
		toNanos(rec.StartedAt),
		int64(rec.Duration),
		string(participants),
		rec.Transcript,
		rec.Payload,
		toNanos(rec.LastModified),
		boolToInt(rec.IsSynced),
		toNanos(rec.SyncedAt),
	)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "local put", fmt.Errorf("failed to upsert record %s: %w", rec.ID, err))
	}

	return nil
}

// PutIfUnchanged writes rec only if the stored row still has the expected
// last_modified, or does not exist when expected is zero. A false result
// means a concurrent write got there first and nothing was changed.
func (db *DB) PutIfUnchanged(ctx context.Context, rec *record.Record, expected time.Time) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, &errs.Error{Code: errs.CodeInvalidInput, Op: "local put", RecordID: rec.ID, Err: err}
	}

	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return false, fmt.Errorf("failed to marshal participants: %w", err)
	}

	var res sql.Result
	if expected.IsZero() {
		res, err = db.conn.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rec.ID,
			rec.Title,
			toNanos(rec.StartedAt),
			int64(rec.Duration),
			string(participants),
			rec.Transcript,
			rec.Payload,
			toNanos(rec.LastModified),
			boolToInt(rec.IsSynced),
			toNanos(rec.SyncedAt),
		)
	} else {
		res, err = db.conn.ExecContext(ctx, `
			UPDATE records SET
				title = ?,
				started_at = ?,
				duration = ?,
				participants = ?,
				transcript = ?,
				payload = ?,
				last_modified = ?,
				is_synced = ?,
				synced_at = ?
			WHERE id = ? AND last_modified = ?`,
			rec.Title,
			toNanos(rec.StartedAt),
			int64(rec.Duration),
			string(participants),
			rec.Transcript,
			rec.Payload,
			toNanos(rec.LastModified),
			boolToInt(rec.IsSynced),
			toNanos(rec.SyncedAt),
			rec.ID,
			toNanos(expected),
		)
	}
	if err != nil {
		return false, errs.Wrap(errs.CodeInternal, "local put", fmt.Errorf("failed to write record %s: %w", rec.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap(errs.CodeInternal, "local put", err)
	}
	return n == 1, nil
}

// Delete removes a record. Returns nil if the record doesn't exist.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return errs.Wrap(errs.CodeInternal, "local delete", fmt.Errorf("failed to delete record %s: %w", id, err))
	}
	return nil
}

// ListUnsynced returns every record whose is_synced flag is clear, oldest
// modification first.
func (db *DB) ListUnsynced(ctx context.Context) ([]*record.Record, error) {
	return db.query(ctx, `SELECT `+recordColumns+` FROM records WHERE is_synced = 0 ORDER BY last_modified, id`)
}

// List returns records modified at or after since (all records for the zero
// time), most recent first.
func (db *DB) List(ctx context.Context, since time.Time) ([]*record.Record, error) {
	return db.query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE last_modified >= ? ORDER BY last_modified DESC`,
		toNanos(since))
}

// MarkSynced records that both replicas agree on lastModified. The record is
// only flagged synced if its stored lastModified still equals the given
// timestamp; a local edit that raced the transfer keeps it pending.
func (db *DB) MarkSynced(ctx context.Context, id string, lastModified time.Time) error {
	ts := toNanos(lastModified)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE records
		SET is_synced = CASE WHEN last_modified = ? THEN 1 ELSE 0 END,
		    synced_at = ?
		WHERE id = ?`, ts, ts, id)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "local mark synced", fmt.Errorf("failed to mark %s synced: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errs.Error{Code: errs.CodeNotFound, Op: "local mark synced", RecordID: id}
	}
	return nil
}

// Counts returns the total and unsynced record counts.
func (db *DB) Counts(ctx context.Context) (total, unsynced int, err error) {
	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN is_synced = 0 THEN 1 ELSE 0 END), 0) FROM records`,
	).Scan(&total, &unsynced)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count records: %w", err)
	}
	return total, unsynced, nil
}

func (db *DB) query(ctx context.Context, q string, args ...any) ([]*record.Record, error) {
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "local list", fmt.Errorf("failed to query records: %w", err))
	}
	defer rows.Close()

	var recs []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "local list", fmt.Errorf("failed to scan record: %w", err))
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "local list", err)
	}
	return recs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*record.Record, error) {
	var (
		rec          record.Record
		startedAt    int64
		duration     int64
		participants sql.NullString
		lastModified int64
		isSynced     int
		syncedAt     int64
	)

	err := s.Scan(
		&rec.ID,
		&rec.Title,
		&startedAt,
		&duration,
		&participants,
		&rec.Transcript,
		&rec.Payload,
		&lastModified,
		&isSynced,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if participants.Valid && participants.String != "" && participants.String != "null" {
		if err := json.Unmarshal([]byte(participants.String), &rec.Participants); err != nil {
			return nil, fmt.Errorf("failed to parse participants for %s: %w", rec.ID, err)
		}
	}

	rec.StartedAt = fromNanos(startedAt)
	rec.Duration = time.Duration(duration)
	rec.LastModified = fromNanos(lastModified)
	rec.IsSynced = isSynced != 0
	rec.SyncedAt = fromNanos(syncedAt)

	return &rec, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
