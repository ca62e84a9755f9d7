package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FieldKind classifies a payload field for conflict resolution.
type FieldKind string

const (
	// FieldCritical fields are never auto-merged (identity, contact, status, money, sub-records).
	FieldCritical FieldKind = "critical"
	// FieldText is free text; additions on either side are kept.
	FieldText FieldKind = "text"
	// FieldTimestamp is timestamp-style metadata where the remote value wins.
	FieldTimestamp FieldKind = "timestamp"
	// FieldMetadata is display metadata settled last-writer-wins.
	FieldMetadata FieldKind = "metadata"
)

func (k FieldKind) Valid() bool {
	switch k {
	case FieldCritical, FieldText, FieldTimestamp, FieldMetadata:
		return true
	}
	return false
}

// FieldPolicy maps a payload field name to its kind. Unlisted fields are critical.
type FieldPolicy map[string]FieldKind

// Kind returns the kind for field, defaulting to critical.
func (p FieldPolicy) Kind(field string) FieldKind {
	if k, ok := p[field]; ok && k.Valid() {
		return k
	}
	return FieldCritical
}

// DefaultFieldPolicies covers the built-in entity types.
func DefaultFieldPolicies() map[string]FieldPolicy {
	return map[string]FieldPolicy{
		EntityQuote: {
			"customer_name":  FieldCritical,
			"customer_phone": FieldCritical,
			"customer_email": FieldCritical,
			"status":         FieldCritical,
			"total":          FieldCritical,
			"currency":       FieldCritical,
			"line_items":     FieldCritical,
			"notes":          FieldText,
			"internal_notes": FieldText,
			"color_tag":      FieldMetadata,
			"pinned":         FieldMetadata,
			"viewed_at":      FieldTimestamp,
			"sent_at":        FieldTimestamp,
		},
		EntityJob: {
			"customer_name":  FieldCritical,
			"customer_phone": FieldCritical,
			"address":        FieldCritical,
			"status":         FieldCritical,
			"quote_id":       FieldCritical,
			"scheduled_for":  FieldCritical,
			"materials":      FieldCritical,
			"notes":          FieldText,
			"color_tag":      FieldMetadata,
			"last_opened_at": FieldTimestamp,
		},
	}
}

// Payload is the typed view of an entity payload at the business boundary.
type Payload interface {
	EntityType() string
}

// LineItem is a structured sub-record of a quote.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// Quote is a customer quote. Amounts are minor currency units.
type Quote struct {
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	CustomerEmail string     `json:"customer_email,omitempty"`
	Status        string     `json:"status"`
	Total         int64      `json:"total"`
	Currency      string     `json:"currency,omitempty"`
	LineItems     []LineItem `json:"line_items,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	InternalNotes string     `json:"internal_notes,omitempty"`
	ColorTag      string     `json:"color_tag,omitempty"`
	Pinned        bool       `json:"pinned,omitempty"`
	ViewedAt      *time.Time `json:"viewed_at,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

func (Quote) EntityType() string { return EntityQuote }

// Job is scheduled field work, optionally created from a quote.
type Job struct {
	CustomerName  string     `json:"customer_name"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	Address       string     `json:"address"`
	Status        string     `json:"status"`
	QuoteID       string     `json:"quote_id,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
	Materials     []string   `json:"materials,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ColorTag      string     `json:"color_tag,omitempty"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty"`
}

func (Job) EntityType() string { return EntityJob }

var ErrUnknownEntityType = errors.New("unknown entity type")

// DecodePayload decodes raw into the typed payload for entityType.
func DecodePayload(entityType string, raw json.RawMessage) (Payload, error) {
	switch entityType {
	case EntityQuote:
		var q Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("decode quote: %w", err)
		}
		return q, nil
	case EntityJob:
		var j Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return j, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
}

// EncodePayload marshals a typed payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errors.New("payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.EntityType(), err)
	}
	return raw, nil
}
