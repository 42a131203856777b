package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"model_optimizer/internal/models"
	"model_optimizer/internal/queue"
	"model_optimizer/internal/utils"
)

// ExecutionWriter is the persistence side of the worker.
type ExecutionWriter interface {
	Upsert(ctx context.Context, rec *models.ExecutionRecord) error
	UpsertBatch(ctx context.Context, recs []*models.ExecutionRecord) error
}

// ArchiveSink receives records after they were persisted.
type ArchiveSink interface {
	Append(ctx context.Context, recs []*models.ExecutionRecord) error
}

// ErrDLQNotConfigured is returned by the DLQ helpers when the worker runs
// without a dead letter queue.
var ErrDLQNotConfigured = errors.New("dead letter queue not configured")

// ExecutionQueueWorker persists execution records asynchronously. The
// tracker hands records over through Record and never waits on the database.
type ExecutionQueueWorker struct {
	queue       queue.Queue[*models.ExecutionRecord]
	dlq         queue.DeadLetterQueue[*models.ExecutionRecord]
	repo        ExecutionWriter
	archive     ArchiveSink
	config      *queue.Config
	logger      *utils.Logger
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewExecutionQueueWorker creates a new execution queue worker
func NewExecutionQueueWorker(q queue.Queue[*models.ExecutionRecord], dlq queue.DeadLetterQueue[*models.ExecutionRecord], repo ExecutionWriter, config *queue.Config) *ExecutionQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("executions")
	}

	return &ExecutionQueueWorker{
		queue:       q,
		dlq:         dlq,
		repo:        repo,
		config:      config,
		logger:      utils.NewLogger("execution-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// SetArchive attaches a sink that receives every persisted batch.
func (w *ExecutionQueueWorker) SetArchive(sink ArchiveSink) {
	w.archive = sink
}

// Start starts the worker goroutine
func (w *ExecutionQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop gracefully stops the worker
func (w *ExecutionQueueWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

// Enqueue adds an execution record to the queue
func (w *ExecutionQueueWorker) Enqueue(ctx context.Context, rec *models.ExecutionRecord) error {
	return w.queue.Enqueue(ctx, rec.Clone())
}

// Record hands a record over for persistence.
func (w *ExecutionQueueWorker) Record(ctx context.Context, rec *models.ExecutionRecord) error {
	return w.Enqueue(ctx, rec)
}

// run is the main worker loop
func (w *ExecutionQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Execution worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Execution worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// processBatch processes a batch of execution records
func (w *ExecutionQueueWorker) processBatch(ctx context.Context) int {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to dequeue execution records", "error", err)
			w.sleep(ctx, time.Second)
		}
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	w.logger.Debug("Processing execution batch", "count", len(items))

	records := make([]*models.ExecutionRecord, 0, len(items))
	for _, rec := range items {
		if rec == nil || rec.ID == "" {
			w.logger.Error("Skipping execution record without id")
			continue
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return 0
	}

	if err := w.repo.UpsertBatch(ctx, records); err != nil {
		w.logger.Warn("Failed to insert batch, falling back to individual inserts", "error", err)
		persisted := records[:0:0]
		for _, rec := range records {
			if err := w.processItem(ctx, rec); err != nil {
				w.logger.Error("Failed to process execution record", "id", rec.ID, "error", err)
				continue
			}
			persisted = append(persisted, rec)
		}
		records = persisted
	}

	w.archiveBatch(ctx, records)
	return len(records)
}

// processItem processes a single record with retries
func (w *ExecutionQueueWorker) processItem(ctx context.Context, rec *models.ExecutionRecord) error {
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying execution record", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		if err := w.repo.Upsert(ctx, rec); err != nil {
			lastErr = err
			w.logger.Warn("Failed to upsert execution record", "attempt", attempt, "error", err)
			if !utils.IsTransientError(err) {
				break
			}
			continue
		}

		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.WithoutCancel(ctx), rec, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Execution record moved to DLQ", "id", rec.ID, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *ExecutionQueueWorker) archiveBatch(ctx context.Context, records []*models.ExecutionRecord) {
	if w.archive == nil || len(records) == 0 {
		return
	}
	if err := w.archive.Append(ctx, records); err != nil {
		w.logger.Warn("Failed to archive execution batch", "count", len(records), "error", err)
	}
}

// sleep waits for d or until the worker is stopped. It reports whether the
// full duration elapsed.
func (w *ExecutionQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

// GetQueueLength returns the current queue length
func (w *ExecutionQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *ExecutionQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[*models.ExecutionRecord], error) {
	if w.dlq == nil {
		return nil, ErrDLQNotConfigured
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a failed item from the dead letter queue
func (w *ExecutionQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return ErrDLQNotConfigured
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
