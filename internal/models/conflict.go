package models

import (
	"encoding/json"
	"time"
)

// ResolutionChoice selects how a manual conflict is settled.
type ResolutionChoice string

const (
	ResolveAcceptLocal  ResolutionChoice = "accept_local"
	ResolveAcceptRemote ResolutionChoice = "accept_remote"
	ResolveMerged       ResolutionChoice = "merged"
)

func (c ResolutionChoice) Valid() bool {
	return c == ResolveAcceptLocal || c == ResolveAcceptRemote || c == ResolveMerged
}

// Resolution is the caller's input for a conflict awaiting manual resolution.
type Resolution struct {
	Choice ResolutionChoice `json:"choice"`
	// Payload is required for ResolveMerged and ignored otherwise.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conflict retains both representations of an entity that could not be auto-merged.
type Conflict struct {
	ID              string           `json:"id"`
	EntityType      string           `json:"entity_type"`
	EntityID        string           `json:"entity_id"`
	LocalPayload    json.RawMessage  `json:"local_payload,omitempty"`
	LocalDeleted    bool             `json:"local_deleted,omitempty"`
	RemotePayload   json.RawMessage  `json:"remote_payload,omitempty"`
	RemoteDeleted   bool             `json:"remote_deleted,omitempty"`
	RemoteVersion   int64            `json:"remote_version"`
	RemoteUpdatedAt time.Time        `json:"remote_updated_at"`
	Fields          []string         `json:"fields"`
	DetectedAt      time.Time        `json:"detected_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	Choice          ResolutionChoice `json:"choice,omitempty"`
	ResultVersion   int64            `json:"result_version,omitempty"`
	ResultDigest    string           `json:"result_digest,omitempty"`
}

// Resolved reports whether resolution input has been applied.
func (c Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}
