package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const entityColumns = `id, entity_type, version, updated_at, payload, base_payload, sync_status, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		e         models.Entity
		updatedAt int64
		payload   sql.NullString
		base      sql.NullString
		status    string
		deleted   int
	)
	if err := row.Scan(&e.ID, &e.Type, &e.Version, &updatedAt, &payload, &base, &status, &deleted); err != nil {
		return nil, err
	}
	e.UpdatedAt = fromNanos(updatedAt)
	e.Payload = rawOrNil(payload)
	e.BasePayload = rawOrNil(base)
	e.SyncStatus = models.SyncStatus(status)
	e.Deleted = deleted == 1
	return &e, nil
}

func getEntity(ctx context.Context, q querier, id string) (*models.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// GetEntity returns the entity by id, tombstones included.
func (db *DB) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return getEntity(ctx, db, id)
}

// ListEntities returns live entities of entityType, or of every type when it is empty.
func (db *DB) ListEntities(ctx context.Context, entityType string) ([]models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE deleted = 0`
	var args []any
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY updated_at DESC, id`
	return db.queryEntities(ctx, query, args...)
}

// ListEntitiesByStatus returns entities, tombstones included, in the given sync status.
func (db *DB) ListEntitiesByStatus(ctx context.Context, status models.SyncStatus) ([]models.Entity, error) {
	return db.queryEntities(ctx, `SELECT `+entityColumns+` FROM entities WHERE sync_status = ? ORDER BY id`, string(status))
}

func (db *DB) queryEntities(ctx context.Context, query string, args ...any) ([]models.Entity, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PutEntity stores a local-only entity without queueing it for sync.
func (db *DB) PutEntity(ctx context.Context, e *models.Entity) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if e.SyncStatus == "" {
			e.SyncStatus = models.SyncLocalOnly
		}
		return upsertUserEntity(ctx, tx, e)
	})
}

// SaveAndEnqueue writes a user mutation and its queue item atomically: both land or neither does.
func (db *DB) SaveAndEnqueue(ctx context.Context, e *models.Entity, item *models.QueueItem) error {
	if item.EntityID != e.ID {
		return fmt.Errorf("queue item references %s, entity is %s", item.EntityID, e.ID)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		e.SyncStatus = models.SyncPending
		if err := upsertUserEntity(ctx, tx, e); err != nil {
			return err
		}
		return insertQueueItem(ctx, tx, item)
	})
}

// upsertUserEntity writes the business fields. Version and base payload belong to the
// orchestrator and are only set on first insert; an open conflict is never cleared here.
func upsertUserEntity(ctx context.Context, q querier, e *models.Entity) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
        INSERT INTO entities (id, entity_type, version, updated_at, payload, base_payload, sync_status, deleted)
        VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            payload = excluded.payload,
            updated_at = excluded.updated_at,
            deleted = excluded.deleted,
            sync_status = CASE WHEN entities.sync_status = 'conflict' THEN 'conflict' ELSE excluded.sync_status END
    `, e.ID, e.Type, e.Version, toNanos(e.UpdatedAt), nullString(e.Payload), string(e.SyncStatus), boolToInt(e.Deleted))
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

// SetSyncStatus updates the sync-derived status. An open conflict is only left through resolution.
func (db *DB) SetSyncStatus(ctx context.Context, id string, status models.SyncStatus) error {
	_, err := db.ExecContext(ctx, `
        UPDATE entities SET sync_status = ?
        WHERE id = ? AND (sync_status != 'conflict' OR ? = 'conflict')
    `, string(status), id, string(status))
	if err != nil {
		return wrapErr(fmt.Errorf("failed to update sync status: %w", err))
	}
	return nil
}

// ResetSyncing returns entities left in syncing by an interrupted process to pending.
func (db *DB) ResetSyncing(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `UPDATE entities SET sync_status = 'pending' WHERE sync_status = 'syncing'`)
	if err != nil {
		return 0, wrapErr(fmt.Errorf("failed to reset syncing entities: %w", err))
	}
	return res.RowsAffected()
}

// HasUnsyncedChanges reports whether the entity has queued operations or an open conflict.
func (db *DB) HasUnsyncedChanges(ctx context.Context, id string) (bool, error) {
	return hasUnsyncedChanges(ctx, db, id)
}

func hasUnsyncedChanges(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM sync_queue WHERE entity_id = ?) +
               (SELECT COUNT(*) FROM entities WHERE id = ? AND sync_status = 'conflict')
    `, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check unsynced changes: %w", err)
	}
	return n > 0, nil
}

// CompletePush removes an acknowledged queue item and records the confirmed version.
// The entity becomes synced only when nothing else is queued for it. Replaying it for an
// item that is already gone is a no-op and reports removed=false.
func (db *DB) CompletePush(ctx context.Context, itemID int64, ack models.Ack, confirmed json.RawMessage) (removed bool, status models.SyncStatus, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			entityID string
			op       string
		)
		err := tx.QueryRowContext(ctx, `SELECT entity_id, operation FROM sync_queue WHERE id = ?`, itemID).Scan(&entityID, &op)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load queue item: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, itemID); err != nil {
			return fmt.Errorf("failed to delete queue item: %w", err)
		}
		removed = true

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE entity_id = ?`, entityID).Scan(&remaining); err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}

		if models.Operation(op) == models.OpDelete && remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, entityID); err != nil {
				return fmt.Errorf("failed to purge entity: %w", err)
			}
			return nil
		}

		status = models.SyncSynced
		if remaining > 0 {
			status = models.SyncPending
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE entities SET
                version = MAX(version, ?),
                base_payload = COALESCE(?, base_payload),
                sync_status = CASE WHEN sync_status = 'conflict' THEN 'conflict' ELSE ? END
            WHERE id = ?
        `, ack.Version, nullString(confirmed), string(status), entityID); err != nil {
			return fmt.Errorf("failed to confirm entity: %w", err)
		}
		return nil
	})
	return removed, status, err
}

// ApplyRemote overwrites the local copy with the remote state and advances the pull
// watermark in the same transaction. It refuses (applied=false) when the entity carries
// unsynced local changes; the caller must route those through the resolver.
func (db *DB) ApplyRemote(ctx context.Context, entityType string, remote models.RemoteEntity, watermark string) (applied bool, err error) {
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		local, err := getEntity(ctx, tx, remote.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if local != nil {
			unsynced, err := hasUnsyncedChanges(ctx, tx, remote.ID)
			if err != nil {
				return err
			}
			if unsynced {
				return nil
			}
		}
		applied = true

		if local == nil || remote.Version > local.Version {
			if err := writeRemote(ctx, tx, entityType, remote, models.SyncSynced); err != nil {
				return err
			}
		}
		return setWatermark(ctx, tx, entityType, watermark)
	})
	return applied, err
}

func writeRemote(ctx context.Context, q querier, entityType string, remote models.RemoteEntity, status models.SyncStatus) error {
	if remote.Deleted {
		if _, err := q.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, remote.ID); err != nil {
			return fmt.Errorf("failed to purge entity: %w", err)
		}
		return nil
	}
	_, err := q.ExecContext(ctx, `
        INSERT INTO entities (id, entity_type, version, updated_at, payload, base_payload, sync_status, deleted)
        VALUES (?, ?, ?, ?, ?, ?, ?, 0)
        ON CONFLICT(id) DO UPDATE SET
            version = MAX(entities.version, excluded.version),
            updated_at = excluded.updated_at,
            payload = excluded.payload,
            base_payload = excluded.base_payload,
            sync_status = excluded.sync_status,
            deleted = 0
    `, remote.ID, entityType, remote.Version, toNanos(remote.UpdatedAt), nullString(remote.Payload), nullString(remote.Payload), string(status))
	if err != nil {
		return fmt.Errorf("failed to write remote entity: %w", err)
	}
	return nil
}

// MergeFunc rewrites one local payload against a known remote state.
type MergeFunc func(local json.RawMessage) (json.RawMessage, error)

// RebaseEntity applies an automatic merge: the entity and every queued snapshot for it are
// rewritten by merge and the entity adopts the remote version as its new base. Any merge
// error rolls the whole rebase back.
func (db *DB) RebaseEntity(ctx context.Context, entityID string, remote models.RemoteEntity, merge MergeFunc) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		local, err := getEntity(ctx, tx, entityID)
		if err != nil {
			return err
		}

		merged := local.Payload
		if !local.Deleted {
			merged, err = merge(local.Payload)
			if err != nil {
				return err
			}
		}

		items, err := entityQueue(ctx, tx, entityID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Operation == models.OpDelete || len(item.PayloadSnapshot) == 0 {
				continue
			}
			snapshot, err := merge(item.PayloadSnapshot)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE sync_queue SET payload_snapshot = ? WHERE id = ?`, nullString(snapshot), item.ID); err != nil {
				return fmt.Errorf("failed to rebase queue item: %w", err)
			}
		}

		// The id exists remotely now, so a queued create would be refused again.
		if remote.Version > 0 && !remote.Deleted {
			if _, err := tx.ExecContext(ctx, `
                UPDATE sync_queue SET operation = 'update' WHERE entity_id = ? AND operation = 'create'
            `, entityID); err != nil {
				return fmt.Errorf("failed to rebase queued creates: %w", err)
			}
		}

		status := models.SyncPending
		if len(items) == 0 {
			status = models.SyncSynced
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE entities SET
                payload = ?,
                base_payload = ?,
                version = MAX(version, ?),
                sync_status = ?
            WHERE id = ?
        `, nullString(merged), nullString(remote.Payload), remote.Version, string(status), entityID)
		if err != nil {
			return fmt.Errorf("failed to rebase entity: %w", err)
		}
		return nil
	})
}

// DeleteLocalEntity removes a draft that was never queued for sync.
func (db *DB) DeleteLocalEntity(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM entities WHERE id = ? AND sync_status = 'local_only'`, id)
	if err != nil {
		return wrapErr(fmt.Errorf("failed to delete entity: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("local entity %s: %w", id, ErrNotFound)
	}
	return nil
}
