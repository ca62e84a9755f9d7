package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

const queueColumns = `q.id, q.entity_type, q.entity_id, q.operation, q.payload_snapshot, q.retry_count,
    q.next_retry_at, q.priority, q.dead_letter, q.last_error, q.created_at`

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item      models.QueueItem
		op        string
		snapshot  sql.NullString
		nextRetry int64
		dead      int
		lastErr   sql.NullString
		createdAt int64
	)
	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &op, &snapshot, &item.RetryCount,
		&nextRetry, &item.Priority, &dead, &lastErr, &createdAt)
	if err != nil {
		return nil, err
	}
	item.Operation = models.Operation(op)
	item.PayloadSnapshot = rawOrNil(snapshot)
	item.NextRetryAt = fromNanos(nextRetry)
	item.DeadLetter = dead == 1
	if lastErr.Valid {
		s := lastErr.String
		item.LastError = &s
	}
	item.CreatedAt = fromNanos(createdAt)
	return &item, nil
}

func queryQueue(ctx context.Context, q querier, query string, args ...any) ([]models.QueueItem, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func insertQueueItem(ctx context.Context, q querier, item *models.QueueItem) error {
	if !item.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", item.Operation)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	var lastErr sql.NullString
	if item.LastError != nil {
		lastErr = sql.NullString{String: *item.LastError, Valid: true}
	}

	result, err := q.ExecContext(ctx, `
        INSERT INTO sync_queue (entity_type, entity_id, operation, payload_snapshot, retry_count,
            next_retry_at, priority, dead_letter, last_error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, item.EntityType, item.EntityID, string(item.Operation), nullString(item.PayloadSnapshot), item.RetryCount,
		toNanos(item.NextRetryAt), item.Priority, boolToInt(item.DeadLetter), lastErr, toNanos(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create queue item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	item.ID = id
	return nil
}

// CreateQueueItem appends an operation without touching the entity row.
func (db *DB) CreateQueueItem(ctx context.Context, item *models.QueueItem) error {
	return wrapErr(insertQueueItem(ctx, db, item))
}

// GetQueueItem returns one queue item, ErrNotFound if it is gone.
func (db *DB) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	row := db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue q WHERE q.id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

// GetReadyBatch returns up to limit items eligible at now. Only the first-enqueued item of
// each entity is ever eligible, by insertion id rather than wall clock, so a backed-off or dead-lettered head holds back the items
// queued behind it. Entities with an open conflict are skipped entirely.
func (db *DB) GetReadyBatch(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error) {
	return queryQueue(ctx, db, `
        SELECT `+queueColumns+`
        FROM sync_queue q
        LEFT JOIN entities e ON e.id = q.entity_id
        WHERE q.dead_letter = 0
          AND q.next_retry_at <= ?
          AND COALESCE(e.sync_status, '') != 'conflict'
          AND NOT EXISTS (
              SELECT 1 FROM sync_queue p
              WHERE p.entity_id = q.entity_id
                AND p.id < q.id
          )
        ORDER BY q.priority DESC, q.created_at ASC, q.id ASC
        LIMIT ?
    `, toNanos(now), limit)
}

// EntityQueue returns the queued items of one entity in FIFO order.
func (db *DB) EntityQueue(ctx context.Context, entityID string) ([]models.QueueItem, error) {
	return entityQueue(ctx, db, entityID)
}

func entityQueue(ctx context.Context, q querier, entityID string) ([]models.QueueItem, error) {
	return queryQueue(ctx, q, `
        SELECT `+queueColumns+` FROM sync_queue q
        WHERE q.entity_id = ?
        ORDER BY q.id ASC
    `, entityID)
}

// ListQueue returns every queued item in FIFO order.
func (db *DB) ListQueue(ctx context.Context) ([]models.QueueItem, error) {
	return queryQueue(ctx, db, `SELECT `+queueColumns+` FROM sync_queue q ORDER BY q.created_at ASC, q.id ASC`)
}

// ListDeadLetters returns items removed from automatic retry.
func (db *DB) ListDeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	return queryQueue(ctx, db, `
        SELECT `+queueColumns+` FROM sync_queue q
        WHERE q.dead_letter = 1
        ORDER BY q.created_at ASC, q.id ASC
    `)
}

// DeleteQueueItem removes an item. Deleting an item that is already gone is not an error.
func (db *DB) DeleteQueueItem(ctx context.Context, id int64) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return false, wrapErr(fmt.Errorf("failed to delete queue item: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordFailure loads the item, lets update decide the new retry state and persists it in
// one transaction. Only retry_count, next_retry_at, dead_letter and last_error are written.
func (db *DB) RecordFailure(ctx context.Context, id int64, update func(item *models.QueueItem)) (*models.QueueItem, error) {
	var out *models.QueueItem
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue q WHERE q.id = ?`, id)
		item, err := scanQueueItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue item %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load queue item: %w", err)
		}

		update(item)

		var lastErr sql.NullString
		if item.LastError != nil {
			lastErr = sql.NullString{String: *item.LastError, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
            UPDATE sync_queue SET retry_count = ?, next_retry_at = ?, dead_letter = ?, last_error = ?
            WHERE id = ?
        `, item.RetryCount, toNanos(item.NextRetryAt), boolToInt(item.DeadLetter), lastErr, id)
		if err != nil {
			return fmt.Errorf("failed to record failure: %w", err)
		}
		out = item
		return nil
	})
	return out, err
}

// RetryDeadLetter returns a dead-lettered item to the queue with a fresh retry budget.
func (db *DB) RetryDeadLetter(ctx context.Context, id int64, now time.Time) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var entityID string
		err := tx.QueryRowContext(ctx, `SELECT entity_id FROM sync_queue WHERE id = ? AND dead_letter = 1`, id).Scan(&entityID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE sync_queue SET dead_letter = 0, retry_count = 0, next_retry_at = ?
            WHERE id = ?
        `, toNanos(now), id); err != nil {
			return fmt.Errorf("failed to retry dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
            UPDATE entities SET sync_status = 'pending' WHERE id = ? AND sync_status = 'error'
        `, entityID); err != nil {
			return fmt.Errorf("failed to update entity: %w", err)
		}
		return nil
	})
}

// DiscardDeadLetter drops a dead-lettered item. When it was the entity's last queued item
// the entity reverts to its last confirmed payload, or is purged if it never reached the remote.
func (db *DB) DiscardDeadLetter(ctx context.Context, id int64) (*models.QueueItem, error) {
	var out *models.QueueItem
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue q WHERE q.id = ? AND q.dead_letter = 1`, id)
		item, err := scanQueueItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dead letter %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load dead letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to discard dead letter: %w", err)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE entity_id = ?`, item.EntityID).Scan(&remaining); err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		if remaining == 0 {
			// Nothing left to push: a never-confirmed entity has no remote counterpart.
			if _, err := tx.ExecContext(ctx, `
                DELETE FROM entities WHERE id = ? AND version = 0 AND sync_status != 'conflict'
            `, item.EntityID); err != nil {
				return fmt.Errorf("failed to purge entity: %w", err)
			}
			// The rejected change is dropped: fall back to the last payload the remote confirmed.
			if _, err := tx.ExecContext(ctx, `
                UPDATE entities SET payload = base_payload, deleted = 0, sync_status = 'synced'
                WHERE id = ? AND base_payload IS NOT NULL AND sync_status IN ('pending', 'syncing', 'error')
            `, item.EntityID); err != nil {
				return fmt.Errorf("failed to update entity: %w", err)
			}
		}
		out = item
		return nil
	})
	return out, err
}

// PendingCount counts items eligible for a push attempt at now.
func (db *DB) PendingCount(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = 0 AND next_retry_at <= ?`, toNanos(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending items: %w", err)
	}
	return n, nil
}

// DeadLetterCount counts items awaiting operator action.
func (db *DB) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// NextRetryAt returns the earliest scheduled retry among live items, zero if none.
func (db *DB) NextRetryAt(ctx context.Context) (time.Time, error) {
	var n sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MIN(next_retry_at) FROM sync_queue WHERE dead_letter = 0`).Scan(&n); err != nil {
		return time.Time{}, fmt.Errorf("failed to read next retry: %w", err)
	}
	if !n.Valid {
		return time.Time{}, nil
	}
	return fromNanos(n.Int64), nil
}
