package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	// ErrStorageFull is fatal: the device ran out of space for the local store.
	ErrStorageFull = errors.New("local storage exhausted")
	ErrNotFound    = errors.New("not found")
)

// DB is the local-first store: entities, the sync queue, conflicts and pull watermarks.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection keeps sync-derived and user writes strictly serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("local store initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS entities (
            id TEXT PRIMARY KEY,
            entity_type TEXT NOT NULL,
            version INTEGER NOT NULL DEFAULT 0,
            updated_at INTEGER NOT NULL,
            payload TEXT,
            base_payload TEXT,
            sync_status TEXT NOT NULL,
            deleted INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS sync_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            operation TEXT NOT NULL,
            payload_snapshot TEXT,
            retry_count INTEGER NOT NULL DEFAULT 0,
            next_retry_at INTEGER NOT NULL,
            priority INTEGER NOT NULL DEFAULT 0,
            dead_letter INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS conflicts (
            id TEXT PRIMARY KEY,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            local_payload TEXT,
            local_deleted INTEGER NOT NULL DEFAULT 0,
            remote_payload TEXT,
            remote_deleted INTEGER NOT NULL DEFAULT 0,
            remote_version INTEGER NOT NULL,
            remote_updated_at INTEGER NOT NULL,
            fields TEXT NOT NULL DEFAULT '[]',
            detected_at INTEGER NOT NULL,
            resolved_at INTEGER,
            choice TEXT,
            result_version INTEGER,
            result_digest TEXT
        )`,
		`CREATE TABLE IF NOT EXISTS watermarks (
            entity_type TEXT PRIMARY KEY,
            value TEXT NOT NULL,
            updated_at INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(sync_status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_ready ON sync_queue(dead_letter, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id, resolved_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(fmt.Errorf("begin tx: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// wrapErr marks sqlite disk-full failures with ErrStorageFull.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %w", ErrStorageFull, err)
	}
	return err
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

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawOrNil(s sql.NullString) []byte {
	if !s.Valid || s.String == "" {
		return nil
	}
	return []byte(s.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
