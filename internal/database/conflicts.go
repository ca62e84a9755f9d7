package database

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrConflictResolved rejects a second, different resolution of the same conflict.
	ErrConflictResolved = errors.New("conflict already resolved differently")
	// ErrInvalidResolution rejects malformed resolution input.
	ErrInvalidResolution = errors.New("invalid resolution")
)

const conflictColumns = `id, entity_type, entity_id, local_payload, local_deleted, remote_payload, remote_deleted,
    remote_version, remote_updated_at, fields, detected_at, resolved_at, choice, result_version, result_digest`

func scanConflict(row rowScanner) (*models.Conflict, error) {
	var (
		c             models.Conflict
		local, remote sql.NullString
		localDel      int
		remoteDel     int
		remoteUpd     int64
		fields        string
		detected      int64
		resolved      sql.NullInt64
		choice        sql.NullString
		resultVersion sql.NullInt64
		digest        sql.NullString
	)
	err := row.Scan(&c.ID, &c.EntityType, &c.EntityID, &local, &localDel, &remote, &remoteDel,
		&c.RemoteVersion, &remoteUpd, &fields, &detected, &resolved, &choice, &resultVersion, &digest)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = rawOrNil(local)
	c.LocalDeleted = localDel == 1
	c.RemotePayload = rawOrNil(remote)
	c.RemoteDeleted = remoteDel == 1
	c.RemoteUpdatedAt = fromNanos(remoteUpd)
	if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode conflict fields: %w", err)
	}
	c.DetectedAt = fromNanos(detected)
	if resolved.Valid {
		t := fromNanos(resolved.Int64)
		c.ResolvedAt = &t
	}
	c.Choice = models.ResolutionChoice(choice.String)
	c.ResultVersion = resultVersion.Int64
	c.ResultDigest = digest.String
	return &c, nil
}

func getConflict(ctx context.Context, q querier, id string) (*models.Conflict, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

// GetConflict returns a conflict record, resolved or not.
func (db *DB) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	return getConflict(ctx, db, id)
}

// ListConflicts returns open conflicts, or every conflict when includeResolved is set.
func (db *DB) ListConflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// OpenConflictCount counts conflicts awaiting resolution.
func (db *DB) OpenConflictCount(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return n, nil
}

// RecordConflict stores a manual conflict and blocks the entity. An entity has at most one
// open conflict: a newer detection refreshes the existing record and keeps its id.
func (db *DB) RecordConflict(ctx context.Context, c *models.Conflict) error {
	fields, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode conflict fields: %w", err)
	}
	if c.Fields == nil {
		fields = []byte("[]")
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `
            SELECT id FROM conflicts WHERE entity_id = ? AND resolved_at IS NULL
        `, c.EntityID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			_, err = tx.ExecContext(ctx, `
                INSERT INTO conflicts (id, entity_type, entity_id, local_payload, local_deleted, remote_payload,
                    remote_deleted, remote_version, remote_updated_at, fields, detected_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            `, c.ID, c.EntityType, c.EntityID, nullString(c.LocalPayload), boolToInt(c.LocalDeleted),
				nullString(c.RemotePayload), boolToInt(c.RemoteDeleted), c.RemoteVersion,
				toNanos(c.RemoteUpdatedAt), string(fields), toNanos(c.DetectedAt))
		case err != nil:
			return fmt.Errorf("failed to look up open conflict: %w", err)
		default:
			c.ID = existing
			_, err = tx.ExecContext(ctx, `
                UPDATE conflicts SET local_payload = ?, local_deleted = ?, remote_payload = ?, remote_deleted = ?,
                    remote_version = ?, remote_updated_at = ?, fields = ?, detected_at = ?
                WHERE id = ?
            `, nullString(c.LocalPayload), boolToInt(c.LocalDeleted), nullString(c.RemotePayload),
				boolToInt(c.RemoteDeleted), c.RemoteVersion, toNanos(c.RemoteUpdatedAt), string(fields),
				toNanos(c.DetectedAt), c.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to record conflict: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE entities SET sync_status = 'conflict' WHERE id = ?`, c.EntityID); err != nil {
			return fmt.Errorf("failed to block entity: %w", err)
		}
		return nil
	})
}

// ResolutionDigest fingerprints a resolution input so repeated submissions can be recognized.
func ResolutionDigest(res models.Resolution) string {
	h := sha256.New()
	h.Write([]byte(res.Choice))
	h.Write([]byte{0})
	if res.Choice == models.ResolveMerged {
		var buf bytes.Buffer
		if err := json.Compact(&buf, res.Payload); err == nil {
			h.Write(buf.Bytes())
		} else {
			h.Write(res.Payload)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveConflict applies a manual resolution in one transaction. Re-submitting the
// resolution already applied returns the stored outcome unchanged; a different one fails
// with ErrConflictResolved. applied reports whether this call changed anything.
func (db *DB) ResolveConflict(ctx context.Context, id string, res models.Resolution, now time.Time) (c *models.Conflict, applied bool, err error) {
	if !res.Choice.Valid() {
		return nil, false, fmt.Errorf("%w: unknown choice %q", ErrInvalidResolution, res.Choice)
	}
	if res.Choice == models.ResolveMerged {
		var obj map[string]json.RawMessage
		if len(res.Payload) == 0 || json.Unmarshal(res.Payload, &obj) != nil {
			return nil, false, fmt.Errorf("%w: merged payload must be a JSON object", ErrInvalidResolution)
		}
	}
	digest := ResolutionDigest(res)

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		c, err = getConflict(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Resolved() {
			if c.Choice == res.Choice && c.ResultDigest == digest {
				return nil
			}
			return fmt.Errorf("conflict %s: %w", id, ErrConflictResolved)
		}

		local, err := getEntity(ctx, tx, c.EntityID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		localVersion := int64(0)
		if local != nil {
			localVersion = local.Version
		}
		resultVersion := max(localVersion, c.RemoteVersion)

		switch res.Choice {
		case models.ResolveAcceptLocal:
			err = acceptLocal(ctx, tx, c, local, now)
		case models.ResolveAcceptRemote:
			resultVersion = c.RemoteVersion
			err = acceptRemote(ctx, tx, c)
		case models.ResolveMerged:
			err = acceptMerged(ctx, tx, c, local, res.Payload, now)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
            UPDATE conflicts SET resolved_at = ?, choice = ?, result_version = ?, result_digest = ?
            WHERE id = ?
        `, toNanos(now), string(res.Choice), resultVersion, digest, id)
		if err != nil {
			return fmt.Errorf("failed to mark conflict resolved: %w", err)
		}

		resolvedAt := now.UTC()
		c.ResolvedAt = &resolvedAt
		c.Choice = res.Choice
		c.ResultVersion = resultVersion
		c.ResultDigest = digest
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return c, applied, nil
}

// acceptLocal keeps the local state and rebases the queued operations onto the remote
// version so the next push is accepted.
func acceptLocal(ctx context.Context, tx *sql.Tx, c *models.Conflict, local *models.Entity, now time.Time) error {
	if local == nil {
		return fmt.Errorf("%w: entity %s has no local state to keep", ErrInvalidResolution, c.EntityID)
	}

	items, err := entityQueue(ctx, tx, c.EntityID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		op := models.OpUpdate
		if local.Deleted {
			op = models.OpDelete
		}
		item := &models.QueueItem{
			EntityType:      c.EntityType,
			EntityID:        c.EntityID,
			Operation:       op,
			PayloadSnapshot: local.Payload,
			Priority:        models.PriorityHigh,
			CreatedAt:       now,
		}
		if err := insertQueueItem(ctx, tx, item); err != nil {
			return err
		}
	}
	// The id now exists remotely, so a create would be refused again.
	if _, err := tx.ExecContext(ctx, `
        UPDATE sync_queue SET operation = 'update', retry_count = 0, next_retry_at = ?, dead_letter = 0
        WHERE entity_id = ? AND operation = 'create'
    `, toNanos(now), c.EntityID); err != nil {
		return fmt.Errorf("failed to rebase queued creates: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE entities SET version = MAX(version, ?), base_payload = ?, sync_status = 'pending'
        WHERE id = ?
    `, c.RemoteVersion, nullString(c.RemotePayload), c.EntityID)
	if err != nil {
		return fmt.Errorf("failed to keep local state: %w", err)
	}
	return nil
}

func acceptRemote(ctx context.Context, tx *sql.Tx, c *models.Conflict) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_id = ?`, c.EntityID); err != nil {
		return fmt.Errorf("failed to drop queued operations: %w", err)
	}
	remote := models.RemoteEntity{
		ID:        c.EntityID,
		Payload:   c.RemotePayload,
		Version:   c.RemoteVersion,
		UpdatedAt: c.RemoteUpdatedAt,
		Deleted:   c.RemoteDeleted,
	}
	return writeRemote(ctx, tx, c.EntityType, remote, models.SyncSynced)
}

func acceptMerged(ctx context.Context, tx *sql.Tx, c *models.Conflict, local *models.Entity, payload json.RawMessage, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_id = ?`, c.EntityID); err != nil {
		return fmt.Errorf("failed to drop queued operations: %w", err)
	}

	entity := local
	if entity == nil {
		entity = &models.Entity{ID: c.EntityID, Type: c.EntityType}
	}
	entity.Payload = payload
	entity.Deleted = false
	entity.UpdatedAt = now
	entity.SyncStatus = models.SyncPending
	if err := upsertUserEntity(ctx, tx, entity); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
        UPDATE entities SET version = MAX(version, ?), base_payload = ?, sync_status = 'pending'
        WHERE id = ?
    `, c.RemoteVersion, nullString(c.RemotePayload), c.EntityID)
	if err != nil {
		return fmt.Errorf("failed to store merged state: %w", err)
	}

	op := models.OpUpdate
	if c.RemoteVersion == 0 {
		op = models.OpCreate
	}
	return insertQueueItem(ctx, tx, &models.QueueItem{
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Operation:       op,
		PayloadSnapshot: payload,
		Priority:        models.PriorityHigh,
		CreatedAt:       now,
	})
}
