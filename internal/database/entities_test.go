package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndEnqueue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	item := saveUpdate(t, db, "q-1", models.OpCreate, `{"title":"Roof"}`, t0)
	assert.NotZero(t, item.ID)

	e, err := db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, e.SyncStatus)
	assert.Equal(t, int64(0), e.Version)
	assert.True(t, e.UpdatedAt.Equal(t0))

	items, err := db.EntityQueue(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.OpCreate, items[0].Operation)
	assert.JSONEq(t, `{"title":"Roof"}`, string(items[0].PayloadSnapshot))
}

func TestSaveAndEnqueue_AtomicOnFailure(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := &models.Entity{ID: "q-1", Type: models.EntityQuote, UpdatedAt: t0, Payload: json.RawMessage(`{}`)}
	bad := &models.QueueItem{EntityType: models.EntityQuote, EntityID: "q-1", Operation: "upsert"}

	require.Error(t, db.SaveAndEnqueue(ctx, e, bad))

	_, err := db.GetEntity(ctx, "q-1")
	assert.ErrorIs(t, err, ErrNotFound, "entity write rolled back with the queue insert")
}

func TestPutEntity_LocalOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutEntity(ctx, &models.Entity{ID: "d-1", Type: models.EntityJob, Payload: json.RawMessage(`{"site":"x"}`)}))

	e, err := db.GetEntity(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncLocalOnly, e.SyncStatus)

	n, err := db.PendingCount(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCompletePush(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := saveUpdate(t, db, "q-1", models.OpCreate, `{"title":"a"}`, t0)
	second := saveUpdate(t, db, "q-1", models.OpUpdate, `{"title":"b"}`, t0.Add(time.Second))

	removed, status, err := db.CompletePush(ctx, first.ID, models.Ack{ID: "q-1", Version: 1}, json.RawMessage(`{"title":"a"}`))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, models.SyncPending, status, "entity stays pending while items remain")

	e, err := db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)
	assert.JSONEq(t, `{"title":"b"}`, string(e.Payload), "local payload untouched by the ack")
	assert.JSONEq(t, `{"title":"a"}`, string(e.BasePayload))

	removed, status, err = db.CompletePush(ctx, second.ID, models.Ack{ID: "q-1", Version: 2}, json.RawMessage(`{"title":"b"}`))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, models.SyncSynced, status)

	// Replaying the same acknowledgement changes nothing.
	removed, _, err = db.CompletePush(ctx, second.ID, models.Ack{ID: "q-1", Version: 2}, nil)
	require.NoError(t, err)
	assert.False(t, removed)

	e, err = db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, models.SyncSynced, e.SyncStatus)
}

func TestCompletePush_VersionNeverDecreases(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := saveUpdate(t, db, "q-1", models.OpCreate, `{}`, t0)
	_, _, err := db.CompletePush(ctx, first.ID, models.Ack{Version: 5}, nil)
	require.NoError(t, err)

	next := saveUpdate(t, db, "q-1", models.OpUpdate, `{}`, t0.Add(time.Second))
	_, _, err = db.CompletePush(ctx, next.ID, models.Ack{Version: 3}, nil)
	require.NoError(t, err)

	e, err := db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), e.Version)
}

func TestCompletePush_DeletePurges(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	create := saveUpdate(t, db, "q-1", models.OpCreate, `{}`, t0)
	_, _, err := db.CompletePush(ctx, create.ID, models.Ack{Version: 1}, nil)
	require.NoError(t, err)

	del := saveUpdate(t, db, "q-1", models.OpDelete, ``, t0.Add(time.Second))
	live, err := db.ListEntities(ctx, models.EntityQuote)
	require.NoError(t, err)
	assert.Empty(t, live, "tombstones are hidden from listings")

	_, _, err = db.CompletePush(ctx, del.ID, models.Ack{Version: 2}, nil)
	require.NoError(t, err)

	_, err = db.GetEntity(ctx, "q-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestApplyRemote(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	remote := models.RemoteEntity{ID: "q-9", Payload: json.RawMessage(`{"title":"remote"}`), Version: 3, UpdatedAt: t0}
	applied, err := db.ApplyRemote(ctx, models.EntityQuote, remote, "w1")
	require.NoError(t, err)
	assert.True(t, applied)

	e, err := db.GetEntity(ctx, "q-9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Version)
	assert.Equal(t, models.SyncSynced, e.SyncStatus)
	assert.JSONEq(t, `{"title":"remote"}`, string(e.BasePayload))

	t.Run("StaleVersionSkipped", func(t *testing.T) {
		stale := models.RemoteEntity{ID: "q-9", Payload: json.RawMessage(`{"title":"old"}`), Version: 2, UpdatedAt: t0}
		applied, err := db.ApplyRemote(ctx, models.EntityQuote, stale, "w2")
		require.NoError(t, err)
		assert.True(t, applied)

		e, err := db.GetEntity(ctx, "q-9")
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"remote"}`, string(e.Payload))

		wm, err := db.GetWatermark(ctx, models.EntityQuote)
		require.NoError(t, err)
		assert.Equal(t, "w2", wm)
	})

	t.Run("UnsyncedLocalRefused", func(t *testing.T) {
		saveUpdate(t, db, "q-9", models.OpUpdate, `{"title":"mine"}`, t0.Add(time.Minute))
		newer := models.RemoteEntity{ID: "q-9", Payload: json.RawMessage(`{"title":"theirs"}`), Version: 4, UpdatedAt: t0}
		applied, err := db.ApplyRemote(ctx, models.EntityQuote, newer, "w3")
		require.NoError(t, err)
		assert.False(t, applied)

		e, err := db.GetEntity(ctx, "q-9")
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"mine"}`, string(e.Payload))

		wm, err := db.GetWatermark(ctx, models.EntityQuote)
		require.NoError(t, err)
		assert.Equal(t, "w2", wm, "refused entity does not advance the watermark")
	})

	t.Run("RemoteTombstonePurgesCleanCopy", func(t *testing.T) {
		_, err := db.ApplyRemote(ctx, models.EntityQuote, models.RemoteEntity{ID: "q-10", Payload: json.RawMessage(`{}`), Version: 1}, "w4")
		require.NoError(t, err)
		applied, err := db.ApplyRemote(ctx, models.EntityQuote, models.RemoteEntity{ID: "q-10", Version: 2, Deleted: true}, "w5")
		require.NoError(t, err)
		assert.True(t, applied)

		_, err = db.GetEntity(ctx, "q-10")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRebaseEntity(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	create := saveUpdate(t, db, "q-1", models.OpCreate, `{"notes":"a"}`, t0)
	_, _, err := db.CompletePush(ctx, create.ID, models.Ack{Version: 1}, json.RawMessage(`{"notes":"a"}`))
	require.NoError(t, err)
	saveUpdate(t, db, "q-1", models.OpUpdate, `{"notes":"a","status":"draft"}`, t0.Add(time.Second))
	saveUpdate(t, db, "q-1", models.OpUpdate, `{"notes":"a","status":"sent"}`, t0.Add(2*time.Second))

	remote := models.RemoteEntity{ID: "q-1", Payload: json.RawMessage(`{"notes":"b"}`), Version: 2}
	merge := func(local json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		if err := json.Unmarshal(local, &m); err != nil {
			return nil, err
		}
		m["notes"] = "b"
		return json.Marshal(m)
	}
	require.NoError(t, db.RebaseEntity(ctx, "q-1", remote, merge))

	e, err := db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, models.SyncPending, e.SyncStatus)
	assert.JSONEq(t, `{"notes":"b","status":"sent"}`, string(e.Payload))
	assert.JSONEq(t, `{"notes":"b"}`, string(e.BasePayload))

	items, err := db.EntityQueue(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.JSONEq(t, `{"notes":"b","status":"draft"}`, string(items[0].PayloadSnapshot))
	assert.JSONEq(t, `{"notes":"b","status":"sent"}`, string(items[1].PayloadSnapshot))

	t.Run("MergeErrorRollsBack", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.RebaseEntity(ctx, "q-1", models.RemoteEntity{ID: "q-1", Version: 7}, func(json.RawMessage) (json.RawMessage, error) {
			return nil, boom
		})
		require.ErrorIs(t, err, boom)

		e, err := db.GetEntity(ctx, "q-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Version)
	})
}

func TestSetSyncStatusKeepsConflict(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	saveUpdate(t, db, "q-1", models.OpUpdate, `{}`, t0)
	require.NoError(t, db.SetSyncStatus(ctx, "q-1", models.SyncConflict))
	require.NoError(t, db.SetSyncStatus(ctx, "q-1", models.SyncSyncing))

	e, err := db.GetEntity(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncConflict, e.SyncStatus)
}

func TestResetSyncing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	saveUpdate(t, db, "q-1", models.OpUpdate, `{}`, t0)
	saveUpdate(t, db, "q-2", models.OpUpdate, `{}`, t0)
	require.NoError(t, db.SetSyncStatus(ctx, "q-1", models.SyncSyncing))

	n, err := db.ResetSyncing(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	syncing, err := db.ListEntitiesByStatus(ctx, models.SyncSyncing)
	require.NoError(t, err)
	assert.Empty(t, syncing)
}
