package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fieldsync/internal/models"
)

var (
	ErrNotFound    = errors.New("entity not found")
	ErrUnknownType = errors.New("unknown entity type")
)

// VersionConflict reports a write against a stale version; Current is what the caller
// must reconcile with.
type VersionConflict struct {
	Current models.RemoteEntity
}

func (e *VersionConflict) Error() string {
	return fmt.Sprintf("entity %s is at version %d", e.Current.ID, e.Current.Version)
}

// Store is the authoritative versioned entity store behind the reference API.
// Deleted entities stay as tombstones so pulls can propagate the deletion.
type Store struct {
	mu       sync.Mutex
	entities map[string]map[string]models.RemoteEntity
	now      func() time.Time
	last     time.Time
}

func NewStore(entityTypes []string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	entities := make(map[string]map[string]models.RemoteEntity, len(entityTypes))
	for _, t := range entityTypes {
		entities[t] = make(map[string]models.RemoteEntity)
	}
	return &Store{entities: entities, now: now}
}

// tick returns a strictly increasing timestamp so since-watermarks never skip a write.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) table(entityType string) (map[string]models.RemoteEntity, error) {
	tbl, ok := s.entities[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, entityType)
	}
	return tbl, nil
}

// Create stores a new entity at version 1. An id that already exists, tombstones
// included, is a conflict.
func (s *Store) Create(entityType, id string, payload json.RawMessage) (models.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(entityType)
	if err != nil {
		return models.RemoteEntity{}, err
	}
	if cur, ok := tbl[id]; ok {
		return models.RemoteEntity{}, &VersionConflict{Current: cur}
	}
	e := models.RemoteEntity{ID: id, Payload: payload, Version: 1, UpdatedAt: s.tick()}
	tbl[id] = e
	return e, nil
}

// Update replaces the payload if baseVersion matches. A matching update on a tombstone
// brings the entity back.
func (s *Store) Update(entityType, id string, payload json.RawMessage, baseVersion int64) (models.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(entityType)
	if err != nil {
		return models.RemoteEntity{}, err
	}
	cur, ok := tbl[id]
	if !ok {
		return models.RemoteEntity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Version != baseVersion {
		return models.RemoteEntity{}, &VersionConflict{Current: cur}
	}
	e := models.RemoteEntity{ID: id, Payload: payload, Version: cur.Version + 1, UpdatedAt: s.tick()}
	tbl[id] = e
	return e, nil
}

// Delete tombstones the entity if baseVersion matches. Deleting a tombstone at its
// current version is a no-op.
func (s *Store) Delete(entityType, id string, baseVersion int64) (models.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(entityType)
	if err != nil {
		return models.RemoteEntity{}, err
	}
	cur, ok := tbl[id]
	if !ok {
		return models.RemoteEntity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Version != baseVersion {
		return models.RemoteEntity{}, &VersionConflict{Current: cur}
	}
	if cur.Deleted {
		return cur, nil
	}
	e := models.RemoteEntity{ID: id, Version: cur.Version + 1, UpdatedAt: s.tick(), Deleted: true}
	tbl[id] = e
	return e, nil
}

// Get returns the current state, tombstones included.
func (s *Store) Get(entityType, id string) (models.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(entityType)
	if err != nil {
		return models.RemoteEntity{}, err
	}
	cur, ok := tbl[id]
	if !ok {
		return models.RemoteEntity{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cur, nil
}

// Since returns entities updated strictly after since, oldest first.
func (s *Store) Since(entityType string, since time.Time) ([]models.RemoteEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl, err := s.table(entityType)
	if err != nil {
		return nil, err
	}
	out := make([]models.RemoteEntity, 0)
	for _, e := range tbl {
		if e.UpdatedAt.After(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}
