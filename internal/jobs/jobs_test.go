package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/models"
	"model_optimizer/internal/queue"
)

type countingSweeper struct{ calls atomic.Int32 }

func (s *countingSweeper) Sweep() int {
	s.calls.Add(1)
	return 2
}

type fakeExperiments struct {
	tests    []*models.ABTest
	results  map[string]models.ABTestStatus
	failing  map[string]bool
	listErr  error
	analyzed []string
}

func (f *fakeExperiments) ListTests(_ context.Context, status models.ABTestStatus) ([]*models.ABTest, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*models.ABTest
	for _, t := range f.tests {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeExperiments) Analyze(_ context.Context, id string) (*abtest.Analysis, error) {
	f.analyzed = append(f.analyzed, id)
	if f.failing[id] {
		return nil, errors.New("store unavailable")
	}
	return &abtest.Analysis{TestID: id, Status: f.results[id]}, nil
}

type conclusions struct{ statuses []models.ABTestStatus }

func (c *conclusions) TestConcluded(s models.ABTestStatus) {
	c.statuses = append(c.statuses, s)
}

type gauge struct {
	mu     sync.Mutex
	depths map[string]int
}

func (g *gauge) SetQueueDepth(name string, n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depths == nil {
		g.depths = make(map[string]int)
	}
	g.depths[name] = n
}

func TestScheduler_AddValidatesSpec(t *testing.T) {
	s := NewScheduler(time.Second, nil)

	require.NoError(t, s.Add("a", "@every 1m", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("b", "*/5 * * * *", func(context.Context) error { return nil }))
	require.NoError(t, s.Add("c", "", func(context.Context) error { return nil }), "empty spec disables")

	assert.Error(t, s.Add("a", "@every 1m", func(context.Context) error { return nil }), "duplicate name")
	assert.Error(t, s.Add("d", "not a schedule", func(context.Context) error { return nil }))

	assert.Equal(t, []string{"a", "b"}, s.Jobs())
}

func TestScheduler_RunNow(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	boom := errors.New("boom")

	require.NoError(t, s.Add("fails", "@every 1h", func(context.Context) error { return boom }))
	require.NoError(t, s.Add("deadline", "@every 1h", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		return nil
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "fails"), boom)
	assert.NoError(t, s.RunNow(context.Background(), "deadline"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	require.NoError(t, s.Add("slow", "@every 1h", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	assert.NoError(t, s.RunNow(context.Background(), "slow"))
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_StartRunsOnSchedule(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	assert.True(t, s.Next("tick").IsZero())
	s.Start()
	defer s.Stop()

	assert.False(t, s.Next("tick").IsZero())
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestAnalyzeRunningTests(t *testing.T) {
	exp := &fakeExperiments{
		tests: []*models.ABTest{
			{ID: "t1", Status: models.ABTestRunning},
			{ID: "t2", Status: models.ABTestRunning},
			{ID: "t3", Status: models.ABTestRunning},
			{ID: "t4", Status: models.ABTestCompleted},
		},
		results: map[string]models.ABTestStatus{
			"t1": models.ABTestCompleted,
			"t2": models.ABTestRunning,
		},
		failing: map[string]bool{"t3": true},
	}
	obs := &conclusions{}

	err := AnalyzeRunningTests(exp, obs)(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "t3")
	assert.Equal(t, []string{"t1", "t2", "t3"}, exp.analyzed)
	assert.Equal(t, []models.ABTestStatus{models.ABTestCompleted}, obs.statuses)

	exp.listErr = errors.New("down")
	assert.Error(t, AnalyzeRunningTests(exp, nil)(context.Background()))
}

func TestPublishQueueDepth(t *testing.T) {
	g := &gauge{}
	dlq := queue.NewMemoryDeadLetterQueue[string]()
	require.NoError(t, dlq.Add(context.Background(), "item", errors.New("failed")))

	fn := PublishQueueDepth(g, "", func(context.Context) (int, error) { return 4, nil }, DeadLetterCount(dlq.List))
	require.NoError(t, fn(context.Background()))

	assert.Equal(t, 4, g.depths["executions"])
	assert.Equal(t, 1, g.depths["executions_dlq"])

	failing := PublishQueueDepth(g, "x", func(context.Context) (int, error) { return 0, errors.New("down") }, nil)
	assert.Error(t, failing(context.Background()))
}

func TestRegister(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	sweeper := &countingSweeper{}
	var cleaned atomic.Int32

	cfg := DefaultConfig()
	cfg.QueueDepthSchedule = ""

	require.NoError(t, Register(s, cfg, Dependencies{
		Sweeper:       sweeper,
		Experiments:   &fakeExperiments{},
		CacheCleaners: []func() int{func() int { cleaned.Add(1); return 0 }, func() int { cleaned.Add(1); return 3 }},
		Gauge:         &gauge{},
		QueueLength:   func(context.Context) (int, error) { return 0, nil },
	}))

	assert.Equal(t, []string{JobAnalyzeTests, JobCacheCleanup, JobSweepPending}, s.Jobs())

	require.NoError(t, s.RunNow(context.Background(), JobSweepPending))
	require.NoError(t, s.RunNow(context.Background(), JobCacheCleanup))
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, int32(2), cleaned.Load())
}
