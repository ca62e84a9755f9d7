package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fieldsync/internal/conflict"
	"fieldsync/internal/database"
	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/remote"

	"golang.org/x/sync/errgroup"
)

// push drains one ready batch. Items are independent: one failing never aborts the
// others, except for auth failures and a full local store which stop the whole cycle.
// clean is false when any item did not reach the remote.
func (o *Orchestrator) push(ctx context.Context, res *CycleResult) (clean bool, err error) {
	items, err := o.queue.GetReadyBatch(ctx, o.opts.BatchSize)
	if err != nil {
		return false, fmt.Errorf("load ready batch: %w", err)
	}
	if len(items) == 0 {
		return true, nil
	}
	if len(items) == o.opts.BatchSize {
		o.rerun.Store(true)
	}

	var (
		mu      sync.Mutex
		partial bool
	)
	record := func(fn func(r *CycleResult)) {
		mu.Lock()
		defer mu.Unlock()
		fn(res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrency)
	for _, item := range items {
		g.Go(func() error {
			// Items not yet started when the cycle is cancelled stay queued untouched.
			if gctx.Err() != nil {
				mu.Lock()
				partial = true
				mu.Unlock()
				return nil
			}
			ok, err := o.pushItem(gctx, item, record)
			if !ok {
				mu.Lock()
				partial = true
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !partial, nil
}

// pushItem sends one queue item and records its outcome. Outcomes are persisted with a
// context that outlives the cycle so a response that did arrive is never lost.
func (o *Orchestrator) pushItem(ctx context.Context, item models.QueueItem, record func(func(*CycleResult))) (bool, error) {
	store := context.WithoutCancel(ctx)
	log := o.logger.With().
		Int64("item_id", item.ID).
		Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).
		Str("operation", string(item.Operation)).
		Logger()

	entity, err := o.db.GetEntity(store, item.EntityID)
	if errors.Is(err, database.ErrNotFound) {
		log.Warn().Msg("queued entity no longer exists, dropping item")
		return true, o.queue.MarkSucceeded(store, item.ID)
	}
	if err != nil {
		return false, err
	}

	if err := o.db.SetSyncStatus(store, item.EntityID, models.SyncSyncing); err != nil {
		return false, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	ack, err := o.send(reqCtx, item, entity)
	cancel()

	if err == nil {
		confirmed := item.PayloadSnapshot
		if item.Operation == models.OpDelete {
			confirmed = nil
		}
		status, cerr := o.queue.Complete(store, item, ack, confirmed)
		if cerr != nil {
			return false, cerr
		}
		metrics.IncPush(item.EntityType, "accepted")
		record(func(r *CycleResult) { r.Pushed++ })
		log.Debug().Int64("version", ack.Version).Msg("push accepted")
		o.entityChanged(item.EntityType, item.EntityID, status, ack.Version)
		return true, nil
	}

	// Aborted by going offline or by a sibling's fatal error: not an attempt.
	if ctx.Err() != nil {
		return false, o.db.SetSyncStatus(store, item.EntityID, models.SyncPending)
	}

	class := remote.Classify(err)
	metrics.IncPush(item.EntityType, string(class))

	switch class {
	case models.ClassConflict:
		var ce *remote.ConflictError
		errors.As(err, &ce)
		if herr := o.handleConflict(store, item, ce.Remote, record); herr != nil {
			return false, herr
		}
		return false, nil

	case models.ClassAuth:
		if serr := o.db.SetSyncStatus(store, item.EntityID, models.SyncPending); serr != nil {
			return false, serr
		}
		o.pauseAuth(err)
		return false, ErrAuthPaused

	case models.ClassPermanent:
		log.Warn().Err(err).Msg("push permanently rejected")
		if _, ferr := o.queue.MarkPermanent(store, item.ID, err); ferr != nil {
			return false, ferr
		}
		record(func(r *CycleResult) { r.DeadLettered++ })
		return false, o.db.SetSyncStatus(store, item.EntityID, models.SyncError)

	default:
		log.Info().Err(err).Msg("push failed, will retry")
		failed, ferr := o.queue.MarkFailed(store, item.ID, err)
		if ferr != nil {
			return false, ferr
		}
		status := models.SyncPending
		if failed != nil && failed.DeadLetter {
			status = models.SyncError
			record(func(r *CycleResult) { r.DeadLettered++ })
		} else {
			record(func(r *CycleResult) { r.Retried++ })
		}
		return false, o.db.SetSyncStatus(store, item.EntityID, status)
	}
}

func (o *Orchestrator) send(ctx context.Context, item models.QueueItem, entity *models.Entity) (models.Ack, error) {
	switch item.Operation {
	case models.OpCreate:
		return o.remote.Create(ctx, item.EntityType, item.EntityID, item.PayloadSnapshot)
	case models.OpUpdate:
		return o.remote.Update(ctx, item.EntityType, item.EntityID, item.PayloadSnapshot, entity.Version)
	case models.OpDelete:
		return o.remote.Delete(ctx, item.EntityType, item.EntityID, entity.Version)
	}
	return models.Ack{}, fmt.Errorf("unknown operation %q", item.Operation)
}

// handleConflict settles a 409. A remote that already holds exactly what we sent is an
// earlier attempt that landed; anything else goes through the resolver.
func (o *Orchestrator) handleConflict(ctx context.Context, item models.QueueItem, r models.RemoteEntity, record func(func(*CycleResult))) error {
	landed := false
	switch item.Operation {
	case models.OpDelete:
		landed = r.Deleted
	default:
		landed = !r.Deleted && conflict.Equal(item.PayloadSnapshot, r.Payload)
	}
	if landed {
		ack := models.Ack{ID: r.ID, Version: r.Version, UpdatedAt: r.UpdatedAt}
		confirmed := r.Payload
		if r.Deleted {
			confirmed = nil
		}
		status, err := o.queue.Complete(ctx, item, ack, confirmed)
		if err != nil {
			return err
		}
		o.logger.Info().Str("entity_id", item.EntityID).Int64("version", r.Version).Msg("remote already holds pushed state")
		record(func(c *CycleResult) { c.Pushed++ })
		o.entityChanged(item.EntityType, item.EntityID, status, r.Version)
		return nil
	}

	local, err := o.db.GetEntity(ctx, item.EntityID)
	if err != nil {
		return err
	}
	return o.reconcile(ctx, local, r, false, record)
}

// reconcile resolves a local entity carrying unsynced changes against a newer remote
// state: an automatic merge rebases the entity and its queued snapshots onto the remote
// version, anything else is recorded for manual resolution and blocks the entity.
// An entity already waiting on manual resolution only gets its conflict refreshed.
func (o *Orchestrator) reconcile(ctx context.Context, local *models.Entity, r models.RemoteEntity, manual bool, record func(func(*CycleResult))) error {
	in := conflict.Input{
		EntityType: local.Type,
		EntityID:   local.ID,
		Local:      conflict.Side{Payload: local.Payload, Deleted: local.Deleted, UpdatedAt: local.UpdatedAt},
		Remote:     conflict.Side{Payload: r.Payload, Deleted: r.Deleted, UpdatedAt: r.UpdatedAt},
		Base:       local.BasePayload,
	}
	d, err := o.resolver.Resolve(in)
	if err != nil {
		// Payloads we cannot compare are never merged automatically.
		o.logger.Warn().Err(err).Str("entity_id", local.ID).Msg("cannot compare payloads")
		d = conflict.Decision{Fields: []string{"payload"}, Critical: []string{"payload"}}
	}

	switch {
	case manual:
		if len(d.Fields) == 0 {
			d.Fields = []string{"payload"}
		}
	case d.Identical && local.Deleted && r.Deleted:
		// Both sides deleted: drop whatever is queued and forget the entity.
		return o.dropQueued(ctx, local.ID, r)

	case d.AutoMerge:
		err := o.rebase(ctx, local, r, in)
		if err == nil {
			o.logger.Info().
				Str("entity_id", local.ID).
				Strs("fields", d.Fields).
				Int64("remote_version", r.Version).
				Msg("auto-merged concurrent edits")
			record(func(c *CycleResult) { c.Merged++ })
			o.rerun.Store(true)
			return nil
		}
		if errors.Is(err, database.ErrStorageFull) {
			return err
		}
		o.logger.Warn().Err(err).Str("entity_id", local.ID).Msg("queued changes cannot be rebased, asking for resolution")
		if len(d.Critical) == 0 {
			d.Critical = d.Fields
		}
	}

	fields := d.Critical
	if len(fields) == 0 {
		fields = d.Fields
	}
	c := &models.Conflict{
		EntityType:      local.Type,
		EntityID:        local.ID,
		LocalPayload:    local.Payload,
		LocalDeleted:    local.Deleted,
		RemotePayload:   r.Payload,
		RemoteDeleted:   r.Deleted,
		RemoteVersion:   r.Version,
		RemoteUpdatedAt: r.UpdatedAt,
		Fields:          fields,
		DetectedAt:      o.opts.Now().UTC(),
	}
	if err := o.db.RecordConflict(ctx, c); err != nil {
		return err
	}
	o.logger.Warn().
		Str("conflict_id", c.ID).
		Str("entity_id", local.ID).
		Strs("fields", fields).
		Msg("conflict requires manual resolution")
	record(func(cr *CycleResult) { cr.Conflicts++ })
	if err := o.bus.PublishJSON(events.EventConflictDetected, events.ConflictPayload{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Fields:     fields,
	}); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish conflict event")
	}
	o.entityChanged(local.Type, local.ID, models.SyncConflict, local.Version)
	return nil
}

func (o *Orchestrator) rebase(ctx context.Context, local *models.Entity, r models.RemoteEntity, in conflict.Input) error {
	return o.db.RebaseEntity(ctx, local.ID, r, func(payload json.RawMessage) (json.RawMessage, error) {
		return o.resolver.MergeOnto(in, payload)
	})
}

// dropQueued completes every queued item of an entity the remote already deleted.
func (o *Orchestrator) dropQueued(ctx context.Context, entityID string, r models.RemoteEntity) error {
	items, err := o.db.EntityQueue(ctx, entityID)
	if err != nil {
		return err
	}
	ack := models.Ack{ID: r.ID, Version: r.Version, UpdatedAt: r.UpdatedAt}
	for _, item := range items {
		if _, err := o.queue.Complete(ctx, item, ack, nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) entityChanged(entityType, id string, status models.SyncStatus, version int64) {
	if err := o.bus.PublishJSON(events.EventEntityChanged, events.EntityPayload{
		EntityType: entityType,
		EntityID:   id,
		SyncStatus: string(status),
		Version:    version,
	}); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish entity event")
	}
}
