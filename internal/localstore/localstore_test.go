package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/errs"
	"github.com/mschirtzinger/recsync/internal/record"
)

// openTestDB opens a database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRecord(id string) *record.Record {
	rec := &record.Record{
		ID:           id,
		Title:        "Design review " + id,
		StartedAt:    time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC),
		Duration:     30 * time.Minute,
		Participants: []string{"kim", "lee"},
		Transcript:   "agenda",
		Payload:      []byte{0x1, 0x2, 0x3},
	}
	rec.Touch()
	return rec
}

func TestOpen_CreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"records", "intents", "conflicts"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}

	// Idempotent
	require.NoError(t, db.InitSchema(context.Background()))
}

func TestPutGet_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := newRecord("rec-1")

	require.NoError(t, db.Put(ctx, rec))

	got, err := db.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Title, got.Title)
	assert.Equal(t, rec.Participants, got.Participants)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.Duration, got.Duration)
	assert.True(t, rec.LastModified.Equal(got.LastModified), "lastModified must survive exactly")
	assert.Equal(t, rec.ContentHash(), got.ContentHash())
	assert.False(t, got.IsSynced)
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestPut_RejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	rec := newRecord("bad/id")

	err := db.Put(context.Background(), rec)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestDelete_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, newRecord("rec-1")))

	require.NoError(t, db.Delete(ctx, "rec-1"))
	require.NoError(t, db.Delete(ctx, "rec-1"))

	_, err := db.Get(ctx, "rec-1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMarkSynced(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := newRecord("rec-1")
	require.NoError(t, db.Put(ctx, rec))

	require.NoError(t, db.MarkSynced(ctx, "rec-1", rec.LastModified))

	got, err := db.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, got.IsSynced)
	assert.True(t, got.SyncedAt.Equal(rec.LastModified))

	unsynced, err := db.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestMarkSynced_StaleTimestampKeepsPending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := newRecord("rec-1")
	uploaded := rec.LastModified
	require.NoError(t, db.Put(ctx, rec))

	// A local edit lands while the upload is in flight.
	rec.Touch()
	require.NoError(t, db.Put(ctx, rec))

	require.NoError(t, db.MarkSynced(ctx, "rec-1", uploaded))

	got, err := db.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.False(t, got.IsSynced)
	assert.True(t, got.SyncedAt.Equal(uploaded))
}

func TestMarkSynced_Missing(t *testing.T) {
	db := openTestDB(t)
	err := db.MarkSynced(context.Background(), "missing", time.Now())
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestListAndCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, db.Put(ctx, newRecord(id)))
	}
	b, err := db.Get(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, db.MarkSynced(ctx, "b", b.LastModified))

	total, unsynced, err := db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, unsynced)

	pending, err := db.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "c", pending[1].ID)

	all, err := db.List(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	recent, err := db.List(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestIntentJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := record.Now()

	require.NoError(t, db.SaveIntent(ctx, record.Intent{RecordID: "a", Op: record.OpSync, RequestedAt: now}))
	require.NoError(t, db.SaveIntent(ctx, record.Intent{RecordID: "b", Op: record.OpDelete, RequestedAt: now}))
	// Refresh keeps position but updates fields.
	require.NoError(t, db.SaveIntent(ctx, record.Intent{
		RecordID: "a", Op: record.OpSync, RequestedAt: now.Add(time.Second),
		Attempts: 2, NotBefore: now.Add(time.Minute), Decision: record.KeepLocal,
	}))

	intents, err := db.LoadIntents(ctx)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	assert.Equal(t, "a", intents[0].RecordID)
	assert.Equal(t, 2, intents[0].Attempts)
	assert.Equal(t, record.KeepLocal, intents[0].Decision)
	assert.True(t, intents[0].NotBefore.Equal(now.Add(time.Minute)))
	assert.Equal(t, record.OpDelete, intents[1].Op)

	require.NoError(t, db.DeleteIntent(ctx, "a"))
	intents, err = db.LoadIntents(ctx)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, "b", intents[0].RecordID)
}

func TestConflictJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := newRecord("rec-1")
	remote := rec.Metadata()
	remote.LastModified = remote.LastModified.Add(time.Second)

	c := record.Conflict{RecordID: "rec-1", Local: rec.Metadata(), Remote: remote, DetectedAt: record.Now()}
	require.NoError(t, db.SaveConflict(ctx, c))

	conflicts, err := db.LoadConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.True(t, conflicts[0].Remote.LastModified.Equal(remote.LastModified))
	assert.Equal(t, rec.ContentHash(), conflicts[0].Local.ContentHash)

	require.NoError(t, db.DeleteConflict(ctx, "rec-1"))
	conflicts, err = db.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestPutIfUnchanged(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := newRecord("rec-1")
	ok, err := db.PutIfUnchanged(ctx, rec, time.Time{})
	require.NoError(t, err)
	assert.True(t, ok, "insert when absent")

	dup := rec.Clone()
	dup.Title = "second insert"
	ok, err = db.PutIfUnchanged(ctx, dup, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok, "existing record is not replaced")

	base := rec.LastModified
	edited := rec.Clone()
	edited.Title = "edited locally"
	edited.Touch()
	require.NoError(t, db.Put(ctx, edited))

	download := rec.Clone()
	download.Title = "from the cloud"
	download.LastModified = base.Add(time.Minute)
	download.IsSynced = true
	ok, err = db.PutIfUnchanged(ctx, download, base)
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation")

	got, err := db.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "edited locally", got.Title)
	assert.False(t, got.IsSynced)

	ok, err = db.PutIfUnchanged(ctx, download, edited.LastModified)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = db.Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "from the cloud", got.Title)
	assert.True(t, got.IsSynced)
}

func TestPutIfUnchanged_Missing(t *testing.T) {
	db := openTestDB(t)
	rec := newRecord("rec-1")

	ok, err := db.PutIfUnchanged(context.Background(), rec, rec.LastModified)
	require.NoError(t, err)
	assert.False(t, ok, "deleted meanwhile")

	_, err = db.Get(context.Background(), "rec-1")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Hold several connections at once so the pool has to open new ones.
	for i := 0; i < 3; i++ {
		conn, err := db.conn.Conn(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout, "connection %d", i)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)
	}
}
