package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/engine"
	"fieldsync/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStatusKey     = "fieldsync:status"
	DefaultDeadLetterKey = "fieldsync:deadletters"

	// deadLetterListCap keeps the notification list bounded.
	deadLetterListCap = 1000
)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisStatusRepository keeps the latest sync status snapshot under one key.
type RedisStatusRepository struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStatusRepository(client *redis.Client, key string, ttl time.Duration) *RedisStatusRepository {
	if key == "" {
		key = DefaultStatusKey
	}
	return &RedisStatusRepository{client: client, key: key, ttl: ttl}
}

func (r *RedisStatusRepository) SaveStatus(ctx context.Context, s engine.Status) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status in redis: %w", err)
	}
	return nil
}

// LoadStatus returns nil when no snapshot was saved yet or it expired.
func (r *RedisStatusRepository) LoadStatus(ctx context.Context) (*engine.Status, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status from redis: %w", err)
	}

	var s engine.Status
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &s, nil
}

// DeadLetterRecord is what operators find on the dead-letter list.
type DeadLetterRecord struct {
	ItemID     int64            `json:"item_id"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Operation  models.Operation `json:"operation"`
	RetryCount int              `json:"retry_count"`
	Reason     string           `json:"reason"`
	At         time.Time        `json:"at"`
}

// RedisDeadLetterSink announces dead-lettered items on a capped Redis list, newest first.
type RedisDeadLetterSink struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisDeadLetterSink(client *redis.Client, key string) *RedisDeadLetterSink {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &RedisDeadLetterSink{client: client, key: key, now: time.Now}
}

func (s *RedisDeadLetterSink) PushDeadLetter(ctx context.Context, item models.QueueItem, reason string) error {
	if s.client == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(DeadLetterRecord{
		ItemID:     item.ID,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		RetryCount: item.RetryCount,
		Reason:     reason,
		At:         s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	pipe.LTrim(ctx, s.key, 0, deadLetterListCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *RedisDeadLetterSink) Recent(ctx context.Context, n int64) ([]DeadLetterRecord, error) {
	vals, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	out := make([]DeadLetterRecord, 0, len(vals))
	for _, v := range vals {
		var rec DeadLetterRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
