package models

import "time"

// SyncStatus is the lifecycle state of a locally stored entity.
type SyncStatus string

const (
	SyncLocalOnly SyncStatus = "local_only"
	SyncPending   SyncStatus = "pending"
	SyncSyncing   SyncStatus = "syncing"
	SyncSynced    SyncStatus = "synced"
	SyncConflict  SyncStatus = "conflict"
	SyncError     SyncStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncLocalOnly, SyncPending, SyncSyncing, SyncSynced, SyncConflict, SyncError:
		return true
	}
	return false
}

// Unsynced reports whether the entity carries local changes the remote has not confirmed.
func (s SyncStatus) Unsynced() bool {
	return s != SyncSynced
}

// Operation is the kind of mutation carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

const (
	EntityQuote = "quote"
	EntityJob   = "job"
)

const (
	// DefaultSyncInterval periodic trigger while online and the queue is non-empty.
	DefaultSyncInterval = 30 * time.Second

	// DefaultBatchSize max items claimed by one push phase.
	DefaultBatchSize = 50

	// DefaultMaxConcurrency simultaneous push requests across entities.
	DefaultMaxConcurrency = 5

	// DefaultRequestTimeout per push/pull request.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultMaxRetries retry ceiling before dead-letter.
	DefaultMaxRetries = 10

	// DefaultRetryBase first backoff window.
	DefaultRetryBase = 2 * time.Second

	// DefaultRetryCap upper bound for a backoff window.
	DefaultRetryCap = 5 * time.Minute

	// DefaultDebounce window collapsing connectivity flaps.
	DefaultDebounce = 250 * time.Millisecond

	// DefaultProbeInterval between connectivity probes.
	DefaultProbeInterval = 10 * time.Second
)
