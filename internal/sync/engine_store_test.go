package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/recsync/internal/localstore"
	"github.com/mschirtzinger/recsync/internal/record"
	"github.com/mschirtzinger/recsync/internal/remote"
)

func startEngine(t *testing.T, db *localstore.DB, rs *remote.Memory, enabled bool) *Engine {
	t.Helper()
	e, err := New(Config{
		Local:   db,
		Remote:  rs,
		Enabled: enabled,
		Retry:   RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func TestEngine_RestartRestoresQueueAndConflicts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")
	db, err := localstore.Open(path)
	require.NoError(t, err)
	rs := remote.NewMemory()

	first := startEngine(t, db, rs, true)

	conflicted := record.New("Retro", testBase)
	require.NoError(t, db.Put(ctx, conflicted))
	require.NoError(t, syncRecord(t, first, conflicted.ID))

	synced, err := db.Get(ctx, conflicted.ID)
	require.NoError(t, err)
	cloud := synced.Clone()
	cloud.Title = "Retro (cloud)"
	cloud.LastModified = synced.LastModified.Add(time.Second)
	rs.Put(cloud)
	edited := synced.Clone()
	edited.Title = "Retro (local)"
	edited.LastModified = synced.LastModified.Add(2 * time.Second)
	edited.IsSynced = false
	require.NoError(t, db.Put(ctx, edited))
	require.Error(t, syncRecord(t, first, conflicted.ID))

	first.DisableSync()
	waiting := record.New("Planning", testBase)
	require.NoError(t, db.Put(ctx, waiting))
	require.NoError(t, first.Submit(waiting.ID))
	require.NoError(t, first.Close())
	require.NoError(t, db.Close())

	db, err = localstore.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	second := startEngine(t, db, rs, false)
	t.Cleanup(func() { _ = second.Close() })

	pending := second.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, waiting.ID, pending[0].RecordID)
	conflicts := second.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflicted.ID, conflicts[0].RecordID)

	second.EnableSync()
	require.NoError(t, second.ResolveSyncConflict(conflicted.ID, record.KeepLocal))
	waitIdle(t, second)

	got, err := db.Get(ctx, waiting.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSynced)

	stored, ok := rs.Get(conflicted.ID)
	require.True(t, ok)
	assert.Equal(t, "Retro (local)", stored.Title)
	assert.Empty(t, second.Conflicts())

	intents, err := db.LoadIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents, "journal drained")
	persisted, err := db.LoadConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
