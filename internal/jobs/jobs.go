package jobs

import (
	"context"
	"errors"
	"fmt"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/models"
	"model_optimizer/internal/queue"
)

// Job names.
const (
	JobSweepPending   = "sweep-pending"
	JobAnalyzeTests   = "analyze-abtests"
	JobCacheCleanup   = "cache-cleanup"
	JobQueueDepth     = "queue-depth"
	deadLetterScanMax = 10000
)

// Config holds the cron specs of the built-in jobs. An empty spec disables
// the job.
type Config struct {
	SweepSchedule        string
	AnalyzeSchedule      string
	CacheCleanupSchedule string
	QueueDepthSchedule   string
}

// DefaultConfig returns the schedules used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		SweepSchedule:        "@every 1m",
		AnalyzeSchedule:      "@every 5m",
		CacheCleanupSchedule: "@every 1m",
		QueueDepthSchedule:   "@every 30s",
	}
}

// Sweeper drops expired pending handles. *tracker.Tracker satisfies it.
type Sweeper interface {
	Sweep() int
}

// ExperimentAnalyzer lists and analyzes experiments. *abtest.Manager
// satisfies it.
type ExperimentAnalyzer interface {
	ListTests(ctx context.Context, status models.ABTestStatus) ([]*models.ABTest, error)
	Analyze(ctx context.Context, testID string) (*abtest.Analysis, error)
}

// ConclusionObserver is told when an experiment reaches a terminal status.
type ConclusionObserver interface {
	TestConcluded(status models.ABTestStatus)
}

// DepthGauge publishes queue lengths. *metrics.Metrics satisfies it.
type DepthGauge interface {
	SetQueueDepth(queue string, n int)
}

// Dependencies are the components the built-in jobs act on. Nil fields
// disable the corresponding job.
type Dependencies struct {
	Sweeper       Sweeper
	Experiments   ExperimentAnalyzer
	Conclusions   ConclusionObserver
	CacheCleaners []func() int
	QueueName     string
	QueueLength   func(ctx context.Context) (int, error)
	DLQLength     func(ctx context.Context) (int, error)
	Gauge         DepthGauge
}

// Register adds the built-in jobs to s.
func Register(s *Scheduler, cfg Config, deps Dependencies) error {
	if deps.Sweeper != nil {
		if err := s.Add(JobSweepPending, cfg.SweepSchedule, SweepPending(deps.Sweeper)); err != nil {
			return err
		}
	}
	if deps.Experiments != nil {
		if err := s.Add(JobAnalyzeTests, cfg.AnalyzeSchedule, AnalyzeRunningTests(deps.Experiments, deps.Conclusions)); err != nil {
			return err
		}
	}
	if len(deps.CacheCleaners) > 0 {
		if err := s.Add(JobCacheCleanup, cfg.CacheCleanupSchedule, CleanupCaches(deps.CacheCleaners...)); err != nil {
			return err
		}
	}
	if deps.Gauge != nil && deps.QueueLength != nil {
		if err := s.Add(JobQueueDepth, cfg.QueueDepthSchedule, PublishQueueDepth(deps.Gauge, deps.QueueName, deps.QueueLength, deps.DLQLength)); err != nil {
			return err
		}
	}
	return nil
}

// SweepPending drops pending executions whose handle has expired.
func SweepPending(t Sweeper) Func {
	return func(context.Context) error {
		t.Sweep()
		return nil
	}
}

// AnalyzeRunningTests applies the completion rule to every running
// experiment. A failing test does not stop the others.
func AnalyzeRunningTests(m ExperimentAnalyzer, obs ConclusionObserver) Func {
	return func(ctx context.Context) error {
		tests, err := m.ListTests(ctx, models.ABTestRunning)
		if err != nil {
			return fmt.Errorf("failed to list running tests: %w", err)
		}

		var errs []error
		for _, t := range tests {
			a, err := m.Analyze(ctx, t.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("analyze %s: %w", t.ID, err))
				continue
			}
			if a.Status.Terminal() && obs != nil {
				obs.TestConcluded(a.Status)
			}
		}
		return errors.Join(errs...)
	}
}

// CleanupCaches evicts expired entries from every cache.
func CleanupCaches(cleaners ...func() int) Func {
	return func(context.Context) error {
		for _, clean := range cleaners {
			clean()
		}
		return nil
	}
}

// PublishQueueDepth samples the queue and dead letter backlog into gauges.
func PublishQueueDepth(g DepthGauge, name string, queueLen, dlqLen func(ctx context.Context) (int, error)) Func {
	if name == "" {
		name = "executions"
	}
	return func(ctx context.Context) error {
		n, err := queueLen(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue length: %w", err)
		}
		g.SetQueueDepth(name, n)

		if dlqLen == nil {
			return nil
		}
		d, err := dlqLen(ctx)
		if err != nil {
			return fmt.Errorf("failed to read dead letter length: %w", err)
		}
		g.SetQueueDepth(name+"_dlq", d)
		return nil
	}
}

// DeadLetterCount adapts a dead letter listing into a length function.
func DeadLetterCount[T any](list func(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[T], error)) func(ctx context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		items, err := list(ctx, deadLetterScanMax)
		if err != nil {
			return 0, err
		}
		return len(items), nil
	}
}
