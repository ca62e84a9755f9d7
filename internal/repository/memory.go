package repository

import (
	"context"
	"sync"

	"fieldsync/internal/engine"
)

// MemoryStatusRepository holds the snapshot in process; it backs the Redis store when
// Redis is unreachable.
type MemoryStatusRepository struct {
	mu   sync.RWMutex
	last *engine.Status
}

func NewMemoryStatusRepository() *MemoryStatusRepository {
	return &MemoryStatusRepository{}
}

func (r *MemoryStatusRepository) SaveStatus(_ context.Context, s engine.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &s
	return nil
}

func (r *MemoryStatusRepository) LoadStatus(_ context.Context) (*engine.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil, nil
	}
	s := *r.last
	return &s, nil
}
