package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/database"
	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyExists  = errors.New("entity already exists")
	ErrDeleted        = errors.New("entity is deleted")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotDraft       = errors.New("entity is not a draft")
)

// EntityService is the user-facing write path: every mutation lands in the local store
// together with its queue item, then a sync is requested.
type EntityService struct {
	store    domain.EntityStore
	eventBus domain.EventPublisher
	trigger  domain.SyncTrigger
	now      func() time.Time
	logger   *zerolog.Logger
}

func NewEntityService(store domain.EntityStore, eventBus domain.EventPublisher, trigger domain.SyncTrigger, logger *zerolog.Logger) *EntityService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EntityService{
		store:    store,
		eventBus: eventBus,
		trigger:  trigger,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Create stores a new entity and queues it. An empty id gets a fresh UUIDv4; a
// caller-supplied id is kept as is.
func (s *EntityService) Create(ctx context.Context, entityType, id string, payload json.RawMessage) (*models.Entity, error) {
	e, err := s.newEntity(ctx, entityType, id, payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveAndEnqueue(ctx, e, s.queueItem(e, models.OpCreate)); err != nil {
		return nil, err
	}
	s.changed(e)
	return e, nil
}

// SaveDraft stores an entity that stays local until Publish.
func (s *EntityService) SaveDraft(ctx context.Context, entityType, id string, payload json.RawMessage) (*models.Entity, error) {
	existing, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.SyncStatus != models.SyncLocalOnly {
			return nil, fmt.Errorf("%s: %w", id, ErrNotDraft)
		}
		return s.updateDraft(ctx, existing, payload)
	}

	e, err := s.newEntity(ctx, entityType, id, payload)
	if err != nil {
		return nil, err
	}
	e.SyncStatus = models.SyncLocalOnly
	if err := s.store.PutEntity(ctx, e); err != nil {
		return nil, err
	}
	s.publishEvent(e)
	return e, nil
}

// Publish queues a draft for its first push.
func (s *EntityService) Publish(ctx context.Context, id string) (*models.Entity, error) {
	e, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.SyncStatus != models.SyncLocalOnly {
		return nil, fmt.Errorf("%s: %w", id, ErrNotDraft)
	}
	e.UpdatedAt = s.now()
	if err := s.store.SaveAndEnqueue(ctx, e, s.queueItem(e, models.OpCreate)); err != nil {
		return nil, err
	}
	s.changed(e)
	return e, nil
}

// Update replaces the payload of an existing entity and queues the change.
func (s *EntityService) Update(ctx context.Context, id string, payload json.RawMessage) (*models.Entity, error) {
	e, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, fmt.Errorf("%s: %w", id, ErrDeleted)
	}
	if e.SyncStatus == models.SyncLocalOnly {
		return s.updateDraft(ctx, e, payload)
	}

	normalized, err := validatePayload(e.Type, payload)
	if err != nil {
		return nil, err
	}
	e.Payload = normalized
	e.UpdatedAt = s.now()
	if err := s.store.SaveAndEnqueue(ctx, e, s.queueItem(e, models.OpUpdate)); err != nil {
		return nil, err
	}
	s.changed(e)
	return s.store.GetEntity(ctx, id)
}

// Delete tombstones the entity; it disappears once the remote acknowledges. Drafts are
// removed immediately.
func (s *EntityService) Delete(ctx context.Context, id string) error {
	e, err := s.store.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if e.Deleted {
		return nil
	}
	if e.SyncStatus == models.SyncLocalOnly {
		if err := s.store.DeleteLocalEntity(ctx, id); err != nil {
			return err
		}
		s.logger.Info().Str("entity_id", id).Msg("draft deleted")
		return nil
	}

	e.Deleted = true
	e.UpdatedAt = s.now()
	if err := s.store.SaveAndEnqueue(ctx, e, s.queueItem(e, models.OpDelete)); err != nil {
		return err
	}
	s.changed(e)
	return nil
}

func (s *EntityService) Get(ctx context.Context, id string) (*models.Entity, error) {
	return s.store.GetEntity(ctx, id)
}

func (s *EntityService) List(ctx context.Context, entityType string) ([]models.Entity, error) {
	return s.store.ListEntities(ctx, entityType)
}

func (s *EntityService) newEntity(ctx context.Context, entityType, id string, payload json.RawMessage) (*models.Entity, error) {
	normalized, err := validatePayload(entityType, payload)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	} else {
		existing, err := s.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%s: %w", id, ErrAlreadyExists)
		}
	}
	return &models.Entity{
		ID:        id,
		Type:      entityType,
		UpdatedAt: s.now(),
		Payload:   normalized,
	}, nil
}

func (s *EntityService) updateDraft(ctx context.Context, e *models.Entity, payload json.RawMessage) (*models.Entity, error) {
	normalized, err := validatePayload(e.Type, payload)
	if err != nil {
		return nil, err
	}
	e.Payload = normalized
	e.UpdatedAt = s.now()
	if err := s.store.PutEntity(ctx, e); err != nil {
		return nil, err
	}
	s.publishEvent(e)
	return e, nil
}

func (s *EntityService) lookup(ctx context.Context, id string) (*models.Entity, error) {
	if id == "" {
		return nil, nil
	}
	e, err := s.store.GetEntity(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *EntityService) queueItem(e *models.Entity, op models.Operation) *models.QueueItem {
	item := &models.QueueItem{
		EntityType: e.Type,
		EntityID:   e.ID,
		Operation:  op,
		Priority:   models.PriorityNormal,
		CreatedAt:  e.UpdatedAt,
	}
	if op != models.OpDelete {
		item.PayloadSnapshot = e.Payload
	}
	return item
}

func (s *EntityService) changed(e *models.Entity) {
	s.publishEvent(e)
	if s.trigger != nil {
		s.trigger.Trigger()
	}
}

func (s *EntityService) publishEvent(e *models.Entity) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(events.EventEntityChanged, events.EntityPayload{
		EntityType: e.Type,
		EntityID:   e.ID,
		SyncStatus: string(e.SyncStatus),
		Version:    e.Version,
	}); err != nil {
		s.logger.Error().Err(err).Str("entity_id", e.ID).Msg("Failed to publish event")
	}
}

// validatePayload checks the payload against the typed model of entityType and returns it
// compacted. Fields the typed model does not know are kept.
func validatePayload(entityType string, payload json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: must be a JSON object", ErrInvalidPayload)
	}
	if _, err := models.DecodePayload(entityType, trimmed); err != nil {
		if errors.Is(err, models.ErrUnknownEntityType) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buf.Bytes(), nil
}
