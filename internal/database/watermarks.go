package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const metaLastSync = "last_successful_sync"

// GetWatermark returns the pull cursor for entityType, empty when nothing was pulled yet.
func (db *DB) GetWatermark(ctx context.Context, entityType string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM watermarks WHERE entity_type = ?`, entityType).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get watermark: %w", err)
	}
	return value, nil
}

// SetWatermark advances the pull cursor for entityType.
func (db *DB) SetWatermark(ctx context.Context, entityType, value string) error {
	return wrapErr(setWatermark(ctx, db, entityType, value))
}

func setWatermark(ctx context.Context, q querier, entityType, value string) error {
	if value == "" {
		return nil
	}
	_, err := q.ExecContext(ctx, `
        INSERT INTO watermarks (entity_type, value, updated_at) VALUES (?, ?, ?)
        ON CONFLICT(entity_type) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `, entityType, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// SetLastSync records the completion time of the last fully successful cycle.
func (db *DB) SetLastSync(ctx context.Context, at time.Time) error {
	_, err := db.ExecContext(ctx, `
        INSERT INTO sync_meta (key, value) VALUES (?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, metaLastSync, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return wrapErr(fmt.Errorf("failed to record last sync: %w", err))
	}
	return nil
}

// LastSync returns the last fully successful cycle time, zero if there was none.
func (db *DB) LastSync(ctx context.Context) (time.Time, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, metaLastSync).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync: %w", err)
	}
	return time.Parse(time.RFC3339Nano, value)
}
