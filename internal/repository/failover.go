package repository

import (
	"context"
	"sync/atomic"
	"time"

	"fieldsync/internal/engine"

	"github.com/rs/zerolog"
)

// StatusRepository stores the latest sync status snapshot.
type StatusRepository interface {
	SaveStatus(ctx context.Context, s engine.Status) error
	LoadStatus(ctx context.Context) (*engine.Status, error)
}

const recoverAfter = time.Minute

// FailoverStatusRepository writes to primary until it fails, then to fallback, probing
// primary again once a minute.
type FailoverStatusRepository struct {
	primary   StatusRepository
	fallback  StatusRepository
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStatusRepository(primary, fallback StatusRepository, logger *zerolog.Logger) *FailoverStatusRepository {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStatusRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverStatusRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	// Try to recover after a minute
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoverAfter
}

func (r *FailoverStatusRepository) primaryFailed(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary status repository failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverStatusRepository) primaryOK() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary status repository recovered")
	}
}

func (r *FailoverStatusRepository) SaveStatus(ctx context.Context, s engine.Status) error {
	if r.usePrimary() {
		err := r.primary.SaveStatus(ctx, s)
		if err == nil {
			r.primaryOK()
			// The fallback mirrors every successful write.
			_ = r.fallback.SaveStatus(ctx, s)
			return nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.SaveStatus(ctx, s)
}

func (r *FailoverStatusRepository) LoadStatus(ctx context.Context) (*engine.Status, error) {
	if r.usePrimary() {
		s, err := r.primary.LoadStatus(ctx)
		if err == nil {
			r.primaryOK()
			return s, nil
		}
		r.primaryFailed(err)
	}
	return r.fallback.LoadStatus(ctx)
}
