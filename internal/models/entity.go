package models

import (
	"encoding/json"
	"time"
)

// Entity is a synchronizable business record as kept in the local store.
type Entity struct {
	ID         string          `json:"id"`
	Type       string          `json:"entity_type"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Payload    json.RawMessage `json:"payload"`
	SyncStatus SyncStatus      `json:"sync_status"`
	// BasePayload is the last payload confirmed by the remote; empty until first sync.
	BasePayload json.RawMessage `json:"base_payload,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// RemoteEntity is the remote representation returned by the Remote Sync API.
type RemoteEntity struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Ack is the remote acknowledgement of an accepted write.
type Ack struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
