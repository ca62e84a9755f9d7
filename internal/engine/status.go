package engine

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
)

// Status is the UI-observable sync state.
type Status struct {
	Online     bool       `json:"online"`
	Phase      Phase      `json:"phase"`
	Pending    int        `json:"pending"`
	DeadLetter int        `json:"dead_letter"`
	Conflicts  int        `json:"conflicts"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	NextRetry  *time.Time `json:"next_retry_at,omitempty"`
	Paused     bool       `json:"paused"`
	LastError  string     `json:"last_error,omitempty"`
}

// StatusStore keeps the latest snapshot for out-of-process readers.
type StatusStore interface {
	SaveStatus(ctx context.Context, s Status) error
}

// SetStatusStore installs where snapshots are saved after each cycle. Call before Run.
func (o *Orchestrator) SetStatusStore(s StatusStore) {
	o.statusStore = s
}

// Status assembles the current snapshot. Pending only counts items due now.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	pending, err := o.queue.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := o.queue.DeadLetterCount(ctx)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := o.db.OpenConflictCount(ctx)
	if err != nil {
		return Status{}, err
	}
	last, err := o.db.LastSync(ctx)
	if err != nil {
		return Status{}, err
	}
	next, err := o.db.NextRetryAt(ctx)
	if err != nil {
		return Status{}, err
	}

	o.mu.Lock()
	s := Status{
		Online:     o.online(),
		Phase:      o.phase,
		Pending:    pending,
		DeadLetter: dead,
		Conflicts:  conflicts,
		Paused:     o.authPaused.Load(),
		LastError:  o.lastErr,
	}
	o.mu.Unlock()

	if !last.IsZero() {
		s.LastSyncAt = &last
	}
	if !next.IsZero() {
		s.NextRetry = &next
	}
	return s, nil
}

// PublishStatus refreshes gauges, announces the snapshot and saves it.
func (o *Orchestrator) PublishStatus(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s, err := o.Status(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to build sync status")
		return
	}
	metrics.SetQueue(s.Pending, s.DeadLetter, s.Conflicts)
	if err := o.bus.PublishJSON(events.EventStatusChanged, s); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish status")
	}
	if o.statusStore != nil {
		if err := o.statusStore.SaveStatus(ctx, s); err != nil {
			o.logger.Warn().Err(err).Msg("failed to save status snapshot")
		}
	}
}

// ResolveConflict applies resolution input. Repeating the same input returns the same
// conflict without side effects.
func (o *Orchestrator) ResolveConflict(ctx context.Context, id string, res models.Resolution) (*models.Conflict, error) {
	c, applied, err := o.db.ResolveConflict(ctx, id, res, o.opts.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", id, err)
	}
	if !applied {
		return c, nil
	}

	o.logger.Info().
		Str("conflict_id", c.ID).
		Str("entity_id", c.EntityID).
		Str("choice", string(c.Choice)).
		Int64("result_version", c.ResultVersion).
		Msg("conflict resolved")
	if err := o.bus.PublishJSON(events.EventConflictResolved, events.ConflictPayload{
		ConflictID: c.ID,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Fields:     c.Fields,
		Choice:     string(c.Choice),
	}); err != nil {
		o.logger.Warn().Err(err).Msg("failed to publish resolution event")
	}
	o.PublishStatus(ctx)
	o.Trigger()
	return c, nil
}

// RetryDeadLetter returns a dead-lettered item to the queue and schedules a cycle.
func (o *Orchestrator) RetryDeadLetter(ctx context.Context, id int64) error {
	if err := o.queue.Retry(ctx, id); err != nil {
		return err
	}
	o.PublishStatus(ctx)
	o.Trigger()
	return nil
}

// DiscardDeadLetter drops a dead-lettered item for good.
func (o *Orchestrator) DiscardDeadLetter(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := o.queue.Discard(ctx, id)
	if err != nil {
		return nil, err
	}
	o.PublishStatus(ctx)
	return item, nil
}

// DeadLetters lists items awaiting operator action.
func (o *Orchestrator) DeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	return o.queue.DeadLetters(ctx)
}

// Conflicts lists conflicts, open ones only unless includeResolved.
func (o *Orchestrator) Conflicts(ctx context.Context, includeResolved bool) ([]models.Conflict, error) {
	return o.db.ListConflicts(ctx, includeResolved)
}
