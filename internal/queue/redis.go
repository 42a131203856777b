package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

func dialRedis(config *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func redisKey(config *Config, kind string) string {
	if config.KeyPrefix == "" {
		return fmt.Sprintf("%s:%s", kind, config.QueueName)
	}
	return fmt.Sprintf("%s:%s:%s", config.KeyPrefix, kind, config.QueueName)
}

// RedisQueue implements Queue on a Redis list of JSON documents
type RedisQueue[T any] struct {
	client     *redis.Client
	ownsClient bool
	qKey       string
}

// NewRedisQueue creates a new Redis-backed queue with its own connection
func NewRedisQueue[T any](config *Config) (*RedisQueue[T], error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := dialRedis(config)
	if err != nil {
		return nil, err
	}

	q := NewRedisQueueWithClient[T](client, config)
	q.ownsClient = true
	return q, nil
}

// NewRedisQueueWithClient creates a queue on a shared client. Close leaves
// the client open.
func NewRedisQueueWithClient[T any](client *redis.Client, config *Config) *RedisQueue[T] {
	if config == nil {
		config = DefaultConfig("executions")
	}
	return &RedisQueue[T]{
		client: client,
		qKey:   redisKey(config, "queue"),
	}
}

// Enqueue adds an item to the queue
func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// Dequeue retrieves items from the queue
func (q *RedisQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}
	// result[0] is the key, result[1] is the value
	return q.drain(ctx, result[1], maxItems), nil
}

// DequeueWithTimeout retrieves items with a timeout
func (q *RedisQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}
	return q.drain(ctx, result[1], maxItems), nil
}

// drain decodes first and pops more items without blocking until maxItems
// is reached. Payloads that do not decode are dropped since a retry would
// fail the same way.
func (q *RedisQueue[T]) drain(ctx context.Context, first string, maxItems int) []T {
	items := make([]T, 0, 1)
	raw := first
	for {
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err == nil {
			items = append(items, item)
		}
		if len(items) >= maxItems {
			return items
		}

		next, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			// redis.Nil means empty; on anything else keep what we have
			return items
		}
		raw = next
	}
}

// Length returns the current queue length
func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue
func (q *RedisQueue[T]) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

// RedisDeadLetterQueue implements DeadLetterQueue on a Redis hash keyed by
// item id
type RedisDeadLetterQueue[T any] struct {
	client     *redis.Client
	ownsClient bool
	dlKey      string
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue[T any](config *Config) (*RedisDeadLetterQueue[T], error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := dialRedis(config)
	if err != nil {
		return nil, err
	}

	q := NewRedisDeadLetterQueueWithClient[T](client, config)
	q.ownsClient = true
	return q, nil
}

// NewRedisDeadLetterQueueWithClient creates a dead letter queue on a shared
// client.
func NewRedisDeadLetterQueueWithClient[T any](client *redis.Client, config *Config) *RedisDeadLetterQueue[T] {
	if config == nil {
		config = DefaultConfig("executions")
	}
	return &RedisDeadLetterQueue[T]{
		client: client,
		dlKey:  redisKey(config, "dlq"),
	}
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, err error) error {
	dlItem := newDeadLetter(item, err)

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List retrieves items from the dead letter queue, oldest first
func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem[T], 0, len(results))
	for _, data := range results {
		var dlItem DeadLetterItem[T]
		if err := json.Unmarshal([]byte(data), &dlItem); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dlItem)
	}

	slices.SortStableFunc(items, func(a, b DeadLetterItem[T]) int {
		return cmp.Or(a.Timestamp.Compare(b.Timestamp), cmp.Compare(a.ID, b.ID))
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close shuts down the dead letter queue
func (q *RedisDeadLetterQueue[T]) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}
