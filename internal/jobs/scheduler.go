// Package jobs runs the optimizer's periodic maintenance work: sweeping
// expired handles, analyzing running experiments, evicting cache entries and
// publishing queue depths.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"model_optimizer/internal/utils"
)

// cronParser accepts standard 5-field expressions, an optional seconds field
// and descriptors such as "@every 1m".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Func is the body of a job. The context carries the per-run timeout.
type Func func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   Func
	id   cron.EntryID
	mu   sync.Mutex // one run at a time
}

// Scheduler wraps a cron runner with named jobs, per-run timeouts and
// overlap protection.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *utils.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// NewScheduler creates a scheduler. timeout bounds every run; zero means 30s.
func NewScheduler(timeout time.Duration, logger *utils.Logger) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = utils.NewLogger("jobs")
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		timeout: timeout,
		logger:  logger,
		jobs:    make(map[string]*job),
	}
}

// Add registers a job under a unique name. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	if spec == "" {
		s.logger.Debug("Job disabled", "job", name)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	j := &job{name: name, spec: spec, fn: fn}
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.run(context.Background(), j); err != nil {
			s.logger.Error("Job failed", "job", j.name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	j.id = id
	s.jobs[name] = j
	return nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	if !j.mu.TryLock() {
		s.logger.Warn("Job still running, skipping", "job", j.name)
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)
	s.logger.Debug("Job finished", "job", j.name, "duration", time.Since(start), "error", err)
	return err
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next scheduled run of a job, zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(j.id).Next
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Job scheduler started", "jobs", len(s.Jobs()))
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Job scheduler stopped")
}
