package domain

import (
	"context"
	"encoding/json"

	"fieldsync/internal/models"
)

// EntityStore is the part of the local store user-facing code writes through.
type EntityStore interface {
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, entityType string) ([]models.Entity, error)
	PutEntity(ctx context.Context, e *models.Entity) error
	SaveAndEnqueue(ctx context.Context, e *models.Entity, item *models.QueueItem) error
	DeleteLocalEntity(ctx context.Context, id string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncTrigger schedules a sync cycle without waiting for it.
type SyncTrigger interface {
	Trigger()
}

type EntityService interface {
	Create(ctx context.Context, entityType, id string, payload json.RawMessage) (*models.Entity, error)
	Update(ctx context.Context, id string, payload json.RawMessage) (*models.Entity, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Entity, error)
	List(ctx context.Context, entityType string) ([]models.Entity, error)
	SaveDraft(ctx context.Context, entityType, id string, payload json.RawMessage) (*models.Entity, error)
	Publish(ctx context.Context, id string) (*models.Entity, error)
}
