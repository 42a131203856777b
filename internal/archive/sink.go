// Package archive ships persisted execution records to long-term storage
// as JSON Lines batches.
package archive

import (
	"context"
	"errors"
	"sync"
	"time"

	"model_optimizer/internal/models"
	"model_optimizer/internal/utils"
)

// ErrSinkClosed is returned by Append after Close.
var ErrSinkClosed = errors.New("archive sink is closed")

// Writer uploads one batch and returns where it went.
type Writer interface {
	WriteBatch(ctx context.Context, records []*models.ExecutionRecord) (string, error)
}

// Sink receives records after they were persisted.
type Sink interface {
	Append(ctx context.Context, records []*models.ExecutionRecord) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// NoopSink discards everything. Used when archiving is disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) Append(context.Context, []*models.ExecutionRecord) error { return nil }
func (NoopSink) Flush(context.Context) error                             { return nil }
func (NoopSink) Close(context.Context) error                             { return nil }

// BufferedConfig controls batching.
type BufferedConfig struct {
	// MaxBatch triggers an upload once this many records are buffered
	MaxBatch int
	// FlushInterval uploads a partial batch when it has waited this long.
	// Zero disables the background flusher.
	FlushInterval time.Duration
}

// DefaultBufferedConfig returns 500 records or one minute, whichever first.
func DefaultBufferedConfig() BufferedConfig {
	return BufferedConfig{MaxBatch: 500, FlushInterval: time.Minute}
}

// BufferedSink groups records into larger objects before handing them to a
// Writer. A failed upload keeps the records buffered for the next attempt.
type BufferedSink struct {
	writer Writer
	cfg    BufferedConfig
	logger *utils.Logger

	mu      sync.Mutex
	buf     []*models.ExecutionRecord
	closed  bool
	uploads int

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewBufferedSink creates a sink and starts its periodic flusher
func NewBufferedSink(writer Writer, cfg BufferedConfig) *BufferedSink {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultBufferedConfig().MaxBatch
	}
	s := &BufferedSink{
		writer: writer,
		cfg:    cfg,
		logger: utils.NewLogger("archive"),
		doneCh: make(chan struct{}),
	}
	if cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *BufferedSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("Periodic archive flush failed", "error", err)
			}
		case <-s.doneCh:
			return
		}
	}
}

// Append buffers records and uploads when the batch is full.
func (s *BufferedSink) Append(ctx context.Context, records []*models.ExecutionRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	for _, rec := range records {
		s.buf = append(s.buf, rec.Clone())
	}
	full := len(s.buf) >= s.cfg.MaxBatch
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush uploads whatever is buffered.
func (s *BufferedSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// flushLocked must be called with s.mu held. Uploads are serialized so
// objects never interleave records.
func (s *BufferedSink) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	batch := s.buf
	if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
		return err
	}
	s.buf = nil
	s.uploads++
	return nil
}

// Pending returns the number of buffered records.
func (s *BufferedSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Uploads returns the number of successful uploads.
func (s *BufferedSink) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// Close stops the flusher and uploads the remainder.
func (s *BufferedSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.doneCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}
