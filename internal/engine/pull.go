package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/database"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"
)

// pull fetches remote changes per entity type since the stored watermark. Entities with
// no unsynced local change are overwritten; the rest go through reconcile.
func (o *Orchestrator) pull(ctx context.Context, res *CycleResult) (clean bool, err error) {
	clean = true
	record := func(fn func(*CycleResult)) { fn(res) }

	for _, entityType := range o.opts.EntityTypes {
		if ctx.Err() != nil {
			return false, nil
		}
		ok, err := o.pullType(ctx, entityType, record)
		if err != nil {
			return false, err
		}
		clean = clean && ok
	}
	return clean, nil
}

func (o *Orchestrator) pullType(ctx context.Context, entityType string, record func(func(*CycleResult))) (bool, error) {
	store := context.WithoutCancel(ctx)

	since, err := o.db.GetWatermark(store, entityType)
	if err != nil {
		return false, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	changes, err := o.remote.Pull(reqCtx, entityType, since)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		if remote.Classify(err) == models.ClassAuth {
			o.pauseAuth(err)
			return false, ErrAuthPaused
		}
		o.logger.Warn().Err(err).Str("entity_type", entityType).Msg("pull failed")
		metrics.IncPull(entityType, "failed")
		return false, nil
	}

	for _, r := range changes {
		watermark := r.UpdatedAt.UTC().Format(time.RFC3339Nano)

		applied, err := o.db.ApplyRemote(store, entityType, r, watermark)
		if err != nil {
			return false, fmt.Errorf("apply remote %s: %w", r.ID, err)
		}
		if applied {
			metrics.IncPull(entityType, "applied")
			record(func(c *CycleResult) { c.Pulled++ })
			continue
		}

		if err := o.pullDiverged(store, r, record); err != nil {
			return false, err
		}
		if err := o.db.SetWatermark(store, entityType, watermark); err != nil {
			return false, err
		}
	}
	return true, nil
}

// pullDiverged handles a remote change to an entity with unsynced local work.
func (o *Orchestrator) pullDiverged(ctx context.Context, r models.RemoteEntity, record func(func(*CycleResult))) error {
	local, err := o.db.GetEntity(ctx, r.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case local.SyncStatus == models.SyncConflict:
		// Keep the open conflict pointed at the newest remote state.
		metrics.IncPull(local.Type, "conflict")
		return o.reconcile(ctx, local, r, true, record)
	case r.Version <= local.Version:
		// Our queued change is already based on this version.
		metrics.IncPull(local.Type, "skipped")
		return nil
	default:
		metrics.IncPull(local.Type, "diverged")
		return o.reconcile(ctx, local, r, false, record)
	}
}
