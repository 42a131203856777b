// Package queue provides the async hand-off between the optimizer's hot
// path and its persistence layer, with two backends:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//    - Good for single-node deployments and tests
//
// 2. Redis Queue (Redis List-based):
//    - Persistent across restarts
//    - Shared by several optimizer replicas
//    - Items travel as JSON, so T must round-trip through encoding/json
//
// Architecture:
//
//	┌──────────────────┐
//	│ Tracker          │  complete / feedback
//	└────────┬─────────┘
//	         │ Record(rec)
//	         ▼
//	┌──────────────────┐
//	│ Executions Queue │
//	└────────┬─────────┘
//	         │ batches
//	         ▼
//	┌──────────────────┐
//	│ Execution Worker │──────────────┐
//	└────────┬─────────┘              │ (retry, then)
//	         │                        ▼
//	         ▼                     ┌─────┐
//	┌──────────────────┐           │ DLQ │
//	│ DB: executions   │           └─────┘
//	└────────┬─────────┘
//	         ▼
//	┌──────────────────┐
//	│ Archive (S3)     │
//	└──────────────────┘
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a FIFO of T shared between producers and a batching consumer.
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// Dequeue blocks until at least one item is available or ctx is done,
	// then returns up to maxItems
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout is Dequeue bounded by timeout. It returns an empty
	// slice when nothing arrived in time.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	Length(ctx context.Context) (int, error)
	Close() error
}

// DeadLetterQueue holds items that could not be processed.
type DeadLetterQueue[T any] interface {
	// Add records item together with the error that sent it here
	Add(ctx context.Context, item T, err error) error

	// List returns up to maxItems entries, oldest first. maxItems <= 0
	// means all of them.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)

	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is one failed item with its failure context.
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis selects the Redis backend
	UseRedis bool

	// Used to dial when UseRedis is set and no client is shared
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// QueueName is the name/key for the queue
	QueueName string

	// KeyPrefix namespaces the Redis keys ("<prefix>:queue:<name>")
	KeyPrefix string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		QueueName:    queueName,
		KeyPrefix:    "optimizer",
	}
}

// New builds the queue pair selected by config. When config.UseRedis is set
// and client is nil, a client is dialed from the Redis settings in config
// and closed with the queues.
func New[T any](config *Config, client *redis.Client) (Queue[T], DeadLetterQueue[T], error) {
	if config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	if !config.UseRedis {
		return NewMemoryQueue[T](config), NewMemoryDeadLetterQueue[T](), nil
	}

	if client == nil {
		q, err := NewRedisQueue[T](config)
		if err != nil {
			return nil, nil, err
		}
		dlq, err := NewRedisDeadLetterQueue[T](config)
		if err != nil {
			_ = q.Close()
			return nil, nil, err
		}
		return q, dlq, nil
	}
	return NewRedisQueueWithClient[T](client, config), NewRedisDeadLetterQueueWithClient[T](client, config), nil
}
