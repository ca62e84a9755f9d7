package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/database"
	"fieldsync/internal/events"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// Store is the durable queue storage the manager drives.
type Store interface {
	GetReadyBatch(ctx context.Context, now time.Time, limit int) ([]models.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id int64) (bool, error)
	CompletePush(ctx context.Context, itemID int64, ack models.Ack, confirmed json.RawMessage) (bool, models.SyncStatus, error)
	RecordFailure(ctx context.Context, id int64, update func(item *models.QueueItem)) (*models.QueueItem, error)
	ListDeadLetters(ctx context.Context) ([]models.QueueItem, error)
	RetryDeadLetter(ctx context.Context, id int64, now time.Time) error
	DiscardDeadLetter(ctx context.Context, id int64) (*models.QueueItem, error)
	PendingCount(ctx context.Context, now time.Time) (int, error)
	DeadLetterCount(ctx context.Context) (int, error)
}

// DeadLetterSink receives a copy of every dead-lettered item for operator visibility.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, item models.QueueItem, reason string) error
}

// Manager owns retry bookkeeping for the sync queue.
type Manager struct {
	store  Store
	policy RetryPolicy
	bus    *events.EventBus
	sink   DeadLetterSink
	logger *zerolog.Logger
	now    func() time.Time
	jitter Jitter
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithJitter overrides the backoff jitter source.
func WithJitter(j Jitter) Option {
	return func(m *Manager) { m.jitter = j }
}

// WithDeadLetterSink mirrors dead letters to an external sink.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(m *Manager) { m.sink = s }
}

func NewManager(store Store, policy RetryPolicy, bus *events.EventBus, logger *zerolog.Logger, opts ...Option) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Manager{
		store:  store,
		policy: policy.withDefaults(),
		bus:    bus,
		logger: logger,
		now:    time.Now,
		jitter: UniformJitter,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the effective retry policy.
func (m *Manager) Policy() RetryPolicy {
	return m.policy
}

// GetReadyBatch returns at most limit items due now, one per entity, priority first.
func (m *Manager) GetReadyBatch(ctx context.Context, limit int) ([]models.QueueItem, error) {
	if limit <= 0 {
		limit = models.DefaultBatchSize
	}
	return m.store.GetReadyBatch(ctx, m.now(), limit)
}

// MarkSucceeded removes the item. Calling it for an item that is already gone is a no-op.
func (m *Manager) MarkSucceeded(ctx context.Context, id int64) error {
	removed, err := m.store.DeleteQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		m.logger.Debug().Int64("item_id", id).Msg("queue item already removed")
	}
	return nil
}

// Complete removes an acknowledged item and records the confirmed remote version in one step.
func (m *Manager) Complete(ctx context.Context, item models.QueueItem, ack models.Ack, confirmed json.RawMessage) (models.SyncStatus, error) {
	removed, status, err := m.store.CompletePush(ctx, item.ID, ack, confirmed)
	if err != nil {
		return "", err
	}
	if !removed {
		m.logger.Debug().Int64("item_id", item.ID).Msg("acknowledged item already removed")
	}
	return status, nil
}

// MarkFailed records a transient failure: retry_count grows and the item backs off, or
// moves to dead-letter once the retry ceiling is reached.
func (m *Manager) MarkFailed(ctx context.Context, id int64, cause error) (*models.QueueItem, error) {
	return m.fail(ctx, id, cause, false)
}

// MarkPermanent records a rejection the remote will always repeat; the item is
// dead-lettered after this single attempt.
func (m *Manager) MarkPermanent(ctx context.Context, id int64, cause error) (*models.QueueItem, error) {
	return m.fail(ctx, id, cause, true)
}

func (m *Manager) fail(ctx context.Context, id int64, cause error, permanent bool) (*models.QueueItem, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := m.now()

	item, err := m.store.RecordFailure(ctx, id, func(it *models.QueueItem) {
		it.RetryCount++
		it.LastError = &msg
		if permanent || m.policy.Exhausted(it.RetryCount) {
			it.DeadLetter = true
			return
		}
		it.NextRetryAt = now.Add(m.policy.Backoff(it.RetryCount, m.jitter))
	})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			m.logger.Debug().Int64("item_id", id).Msg("failed item already removed")
			return nil, nil
		}
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	if item.DeadLetter {
		m.deadLettered(ctx, *item, msg, permanent)
		return item, nil
	}

	m.logger.Info().
		Int64("item_id", item.ID).
		Str("entity_id", item.EntityID).
		Int("retry_count", item.RetryCount).
		Time("next_retry_at", item.NextRetryAt).
		Str("error", msg).
		Msg("queue item scheduled for retry")
	return item, nil
}

func (m *Manager) deadLettered(ctx context.Context, item models.QueueItem, reason string, permanent bool) {
	m.logger.Warn().
		Int64("item_id", item.ID).
		Str("entity_type", item.EntityType).
		Str("entity_id", item.EntityID).
		Str("operation", string(item.Operation)).
		Int("retry_count", item.RetryCount).
		Bool("permanent", permanent).
		Str("error", reason).
		Msg("queue item dead-lettered")

	if err := m.bus.PublishJSON(events.EventDeadLettered, events.DeadLetterPayload{
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  string(item.Operation),
		RetryCount: item.RetryCount,
		Reason:     reason,
		Permanent:  permanent,
	}); err != nil {
		m.logger.Error().Err(err).Int64("item_id", item.ID).Msg("failed to publish dead-letter event")
	}

	if m.sink != nil {
		if err := m.sink.PushDeadLetter(ctx, item, reason); err != nil {
			m.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("dead-letter sink push failed")
		}
	}
}

// DeadLetters lists items awaiting operator action.
func (m *Manager) DeadLetters(ctx context.Context) ([]models.QueueItem, error) {
	return m.store.ListDeadLetters(ctx)
}

// Retry returns a dead-lettered item to the ready queue immediately.
func (m *Manager) Retry(ctx context.Context, id int64) error {
	if err := m.store.RetryDeadLetter(ctx, id, m.now()); err != nil {
		return err
	}
	m.logger.Info().Int64("item_id", id).Msg("dead letter returned to queue")
	return nil
}

// Discard drops a dead-lettered item for good.
func (m *Manager) Discard(ctx context.Context, id int64) (*models.QueueItem, error) {
	item, err := m.store.DiscardDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	m.logger.Warn().Int64("item_id", id).Str("entity_id", item.EntityID).Msg("dead letter discarded")
	return item, nil
}

// PendingCount counts items eligible now; backed-off and dead-lettered items are excluded.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.store.PendingCount(ctx, m.now())
}

// DeadLetterCount is reported separately from the pending count.
func (m *Manager) DeadLetterCount(ctx context.Context) (int, error) {
	return m.store.DeadLetterCount(ctx)
}
