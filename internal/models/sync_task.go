package models

import (
	"encoding/json"
	"time"
)

// QueueItem is a durable pending operation against one entity.
type QueueItem struct {
	ID              int64           `json:"id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Operation       Operation       `json:"operation"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	RetryCount      int             `json:"retry_count"`
	NextRetryAt     time.Time       `json:"next_retry_at"`
	Priority        int             `json:"priority"`
	DeadLetter      bool            `json:"dead_letter"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Ready reports whether the item may be claimed at now.
func (q QueueItem) Ready(now time.Time) bool {
	return !q.DeadLetter && !q.NextRetryAt.After(now)
}
