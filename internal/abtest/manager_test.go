package abtest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model_optimizer/internal/models"
	"model_optimizer/internal/registry"
)

// splitMix is a small reproducible rand.Source.
type splitMix struct{ state uint64 }

func (s *splitMix) Seed(seed int64) { s.state = uint64(seed) }

func (s *splitMix) Uint64() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

func (s *splitMix) Int63() int64 { return int64(s.Uint64() >> 1) }

func testCatalog(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, m := range []models.Model{
		{ID: "model-a", Provider: "p", CostPerInputUnit: 0.01, CostPerOutputUnit: 0.01, TaskTypes: models.TaskSet{models.TaskEmailWriting}, QualityPrior: 80},
		{ID: "model-b", Provider: "p", CostPerInputUnit: 0.001, CostPerOutputUnit: 0.001, TaskTypes: models.TaskSet{models.TaskEmailWriting}, QualityPrior: 60},
		{ID: "model-c", Provider: "p", CostPerInputUnit: 0.005, CostPerOutputUnit: 0.005, TaskTypes: models.TaskSet{models.TaskEmailWriting, models.TaskGeneral}, QualityPrior: 70},
		{ID: "coder", Provider: "p", CostPerInputUnit: 0.002, CostPerOutputUnit: 0.002, TaskTypes: models.TaskSet{models.TaskCodeGeneration}, QualityPrior: 85},
	} {
		require.NoError(t, r.Register(m))
	}
	return r
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// backends runs a test against every Store implementation.
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("redis", func(t *testing.T) { fn(t, NewRedisStore(setupTestRedis(t), "test:abtest")) })
}

func emailTest() CreateRequest {
	return CreateRequest{
		Name:                "email a vs b",
		TaskType:            models.TaskEmailWriting,
		Variants:            []string{"model-a", "model-b"},
		Weights:             []float64{0.5, 0.5},
		MinSamplePerVariant: 5,
	}
}

// feed assigns fresh requests and records value(model, i) for the i-th
// outcome of each variant until every variant has n outcomes.
func feed(t *testing.T, m *Manager, test *models.ABTest, n int, value func(modelID string, i int) models.ABTestOutcome) {
	t.Helper()
	ctx := context.Background()
	counts := map[string]int{}
	for req := 0; ; req++ {
		done := true
		for _, v := range test.Variants {
			if counts[v] < n {
				done = false
			}
		}
		if done {
			return
		}
		require.Less(t, req, 10000, "variants never reached %d outcomes", n)

		a, err := m.AssignVariant(ctx, test.ID, fmt.Sprintf("%s-req-%d", test.ID, req))
		require.NoError(t, err)
		if counts[a.ModelID] >= n {
			continue
		}
		ok, err := m.RecordOutcome(ctx, test.ID, a.RequestID, value(a.ModelID, counts[a.ModelID]))
		require.NoError(t, err)
		require.True(t, ok)
		counts[a.ModelID]++
	}
}

func TestCreateTest_Validation(t *testing.T) {
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(r *CreateRequest)
		wantErr error
	}{
		{name: "single variant", mutate: func(r *CreateRequest) { r.Variants = r.Variants[:1]; r.Weights = []float64{1} }, wantErr: ErrInvalidTest},
		{name: "duplicate variant", mutate: func(r *CreateRequest) { r.Variants = []string{"model-a", "model-a"} }, wantErr: ErrInvalidTest},
		{name: "unknown model", mutate: func(r *CreateRequest) { r.Variants = []string{"model-a", "ghost"} }, wantErr: registry.ErrModelNotFound},
		{name: "ineligible", mutate: func(r *CreateRequest) { r.Variants = []string{"model-a", "coder"} }, wantErr: ErrIneligibleVariant},
		{name: "weights do not sum to one", mutate: func(r *CreateRequest) { r.Weights = []float64{0.5, 0.6} }, wantErr: ErrInvalidTrafficSplit},
		{name: "negative weight", mutate: func(r *CreateRequest) { r.Weights = []float64{1.5, -0.5} }, wantErr: ErrInvalidTrafficSplit},
		{name: "missing weight", mutate: func(r *CreateRequest) { r.Weights = []float64{1} }, wantErr: ErrInvalidTrafficSplit},
		{name: "unknown metric", mutate: func(r *CreateRequest) { r.Metric = "vibes" }, wantErr: ErrInvalidTest},
		{name: "significance out of range", mutate: func(r *CreateRequest) { r.Significance = 1.5 }, wantErr: ErrInvalidTest},
		{name: "min sample too small", mutate: func(r *CreateRequest) { r.MinSamplePerVariant = 1 }, wantErr: ErrInvalidTest},
		{name: "unknown task", mutate: func(r *CreateRequest) { r.TaskType = "poetry" }, wantErr: models.ErrUnknownTaskType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := emailTest()
			tt.mutate(&req)
			_, err := m.CreateTest(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	all, err := m.ListTests(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all, "rejected tests are not stored")
}

func TestCreateTest_Defaults(t *testing.T) {
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	req := emailTest()
	req.Name = ""
	req.MinSamplePerVariant = 0
	req.Weights = []float64{0.3333333, 0.6666667}

	test, err := m.CreateTest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestRunning, test.Status)
	assert.Equal(t, models.MetricQuality, test.Metric)
	assert.Equal(t, 0.05, test.Significance)
	assert.Equal(t, 30, test.MinSamplePerVariant)
	assert.NotEmpty(t, test.Name)
	assert.NotNil(t, test.StartedAt)
}

func TestCreateTest_OneRunningTestPerTask(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		m := NewManager(DefaultConfig(), store, testCatalog(t))

		first, err := m.CreateTest(ctx, emailTest())
		require.NoError(t, err)

		_, err = m.CreateTest(ctx, emailTest())
		assert.ErrorIs(t, err, ErrTestConflict)

		draftReq := emailTest()
		draftReq.Draft = true
		draft, err := m.CreateTest(ctx, draftReq)
		require.NoError(t, err)
		assert.Equal(t, models.ABTestDraft, draft.Status)

		_, err = m.StartTest(ctx, draft.ID)
		assert.ErrorIs(t, err, ErrTestConflict)

		active, err := m.ActiveTest(ctx, models.TaskEmailWriting)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, first.ID, active.ID)

		none, err := m.ActiveTest(ctx, models.TaskGeneral)
		require.NoError(t, err)
		assert.Nil(t, none)

		drafts, err := m.ListTests(ctx, models.ABTestDraft)
		require.NoError(t, err)
		require.Len(t, drafts, 1)
		assert.Equal(t, draft.ID, drafts[0].ID)
	})
}

func TestStartTest(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))

	req := emailTest()
	req.Draft = true
	draft, err := m.CreateTest(ctx, req)
	require.NoError(t, err)

	_, err = m.AssignVariant(ctx, draft.ID, "r1")
	assert.ErrorIs(t, err, ErrTestNotRunning)

	started, err := m.StartTest(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = m.StartTest(ctx, draft.ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = m.StartTest(ctx, "missing")
	assert.ErrorIs(t, err, ErrTestNotFound)
}

func TestAssignVariant_FiftyFiftySplit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t), WithRand(rand.New(&splitMix{state: 42})))

	test, err := m.CreateTest(ctx, emailTest())
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		a, err := m.AssignVariant(ctx, test.ID, fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		counts[a.ModelID]++
	}

	for _, v := range test.Variants {
		share := float64(counts[v]) / 200
		assert.GreaterOrEqual(t, share, 0.45, v)
		assert.LessOrEqual(t, share, 0.55, v)
	}
}

func TestAssignVariant_ZeroWeightNeverDrawn(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	req := emailTest()
	req.Variants = []string{"model-a", "model-b", "model-c"}
	req.Weights = []float64{0.5, 0, 0.5}

	test, err := m.CreateTest(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		a, err := m.AssignVariant(ctx, test.ID, fmt.Sprintf("req-%d", i))
		require.NoError(t, err)
		assert.NotEqual(t, "model-b", a.ModelID)
	}
}

func TestAssignVariant_IdempotentUnderConcurrency(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		catalog := testCatalog(t)

		// independent managers over one store model separate instances
		managers := []*Manager{
			NewManager(DefaultConfig(), store, catalog),
			NewManager(DefaultConfig(), store, catalog),
			NewManager(DefaultConfig(), store, catalog),
		}
		test, err := managers[0].CreateTest(ctx, emailTest())
		require.NoError(t, err)

		const requests = 20
		const callers = 10

		results := make([][]string, requests)
		for i := range results {
			results[i] = make([]string, callers)
		}

		var wg sync.WaitGroup
		for r := 0; r < requests; r++ {
			for c := 0; c < callers; c++ {
				wg.Add(1)
				go func(r, c int) {
					defer wg.Done()
					a, err := managers[c%len(managers)].AssignVariant(ctx, test.ID, fmt.Sprintf("req-%d", r))
					if err != nil {
						t.Error(err)
						return
					}
					results[r][c] = a.ModelID
				}(r, c)
			}
		}
		wg.Wait()

		for r, got := range results {
			for c := 1; c < callers; c++ {
				assert.Equal(t, got[0], got[c], "request %d got different variants", r)
			}
		}

		moments, err := store.VariantMoments(ctx, test.ID)
		require.NoError(t, err)
		total := int64(0)
		for _, v := range moments {
			total += v.Assignments
		}
		assert.Equal(t, int64(requests), total, "each request is counted once")
	})
}

func TestAssignVariant_Errors(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))

	_, err := m.AssignVariant(ctx, "missing", "r1")
	assert.ErrorIs(t, err, ErrTestNotFound)

	test, err := m.CreateTest(ctx, emailTest())
	require.NoError(t, err)
	_, err = m.AssignVariant(ctx, test.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTest)
}

func TestRecordOutcome_OncePerRequest(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		m := NewManager(DefaultConfig(), store, testCatalog(t))
		test, err := m.CreateTest(ctx, emailTest())
		require.NoError(t, err)

		_, err = m.RecordOutcome(ctx, test.ID, "never-assigned", models.ABTestOutcome{Quality: 50})
		assert.ErrorIs(t, err, ErrAssignmentNotFound)

		a, err := m.AssignVariant(ctx, test.ID, "r1")
		require.NoError(t, err)

		ok, err := m.RecordOutcome(ctx, test.ID, "r1", models.ABTestOutcome{Quality: 80, CostUSD: 0.02, LatencyMs: 900})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.RecordOutcome(ctx, test.ID, "r1", models.ABTestOutcome{Quality: 80, CostUSD: 0.02, LatencyMs: 900})
		require.NoError(t, err)
		assert.False(t, ok)

		moments, err := store.VariantMoments(ctx, test.ID)
		require.NoError(t, err)
		v := moments[a.ModelID]
		assert.Equal(t, int64(1), v.Assignments)
		assert.Equal(t, models.Moments{N: 1, Sum: 80, SumSq: 6400}, v.Quality)
		assert.InDelta(t, 0.02, v.Cost.Sum, 1e-12)
		assert.InDelta(t, 900.0, v.Latency.Sum, 1e-9)
	})
}

func TestRecordOutcome_FinalQualityReplacesProvisional(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		m := NewManager(DefaultConfig(), store, testCatalog(t))
		test, err := m.CreateTest(ctx, emailTest())
		require.NoError(t, err)

		a, err := m.AssignVariant(ctx, test.ID, "r1")
		require.NoError(t, err)

		_, err = m.RecordOutcome(ctx, test.ID, "r1", models.ABTestOutcome{Quality: 90, CostUSD: 0.02, LatencyMs: 900})
		require.NoError(t, err)

		ok, err := m.RecordOutcome(ctx, test.ID, "r1", models.ABTestOutcome{Quality: 10, CostUSD: 0.02, LatencyMs: 900})
		require.NoError(t, err)
		assert.True(t, ok)

		moments, err := store.VariantMoments(ctx, test.ID)
		require.NoError(t, err)
		v := moments[a.ModelID]
		assert.Equal(t, 1.0, v.Quality.N)
		assert.InDelta(t, 10, v.Quality.Sum, 1e-9)
		assert.InDelta(t, 100, v.Quality.SumSq, 1e-9)
		assert.Equal(t, 1.0, v.Cost.N)
		assert.InDelta(t, 0.02, v.Cost.Sum, 1e-12)
	})
}

func TestAnalyze_CompletesWithWinner(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		m := NewManager(DefaultConfig(), store, testCatalog(t))
		test, err := m.CreateTest(ctx, emailTest())
		require.NoError(t, err)

		jitter := []float64{-2, -1, 0, 1, 2}
		value := func(modelID string, i int) models.ABTestOutcome {
			base := 60.0
			if modelID == "model-a" {
				base = 90
			}
			return models.ABTestOutcome{Quality: base + jitter[i%len(jitter)]}
		}

		// below the minimum sample the test keeps running
		feed(t, m, test, 3, value)
		a, err := m.Analyze(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ABTestRunning, a.Status)
		assert.Empty(t, a.Winner)
		assert.Equal(t, "model-a", a.Best)

		feed(t, m, test, 5, value)
		a, err = m.Analyze(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ABTestCompleted, a.Status)
		assert.Equal(t, "model-a", a.Winner)
		require.NotNil(t, a.Welch)
		assert.Less(t, a.Welch.PValue, 0.05)
		assert.InDelta(t, 1-a.Welch.PValue, a.ConfidenceLevel, 1e-12)

		stored, err := m.GetTest(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ABTestCompleted, stored.Status)
		require.NotNil(t, stored.Winner)
		assert.Equal(t, "model-a", *stored.Winner)
		require.NotNil(t, stored.PValue)
		assert.NotNil(t, stored.CompletedAt)

		// terminal tests reject new traffic and re-analysis changes nothing
		_, err = m.AssignVariant(ctx, test.ID, "late-request")
		assert.ErrorIs(t, err, ErrTestNotRunning)

		again, err := m.Analyze(ctx, test.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ABTestCompleted, again.Status)
		assert.Equal(t, "model-a", again.Winner)

		// the task is free for a new experiment
		_, err = m.CreateTest(ctx, emailTest())
		assert.NoError(t, err)
	})
}

func TestAnalyze_Inconclusive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	test, err := m.CreateTest(ctx, emailTest())
	require.NoError(t, err)

	samples := []float64{70, 75, 80, 72, 78}
	feed(t, m, test, 5, func(_ string, i int) models.ABTestOutcome {
		return models.ABTestOutcome{Quality: samples[i]}
	})

	a, err := m.Analyze(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestInconclusive, a.Status)
	assert.Empty(t, a.Winner)

	stored, err := m.GetTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestInconclusive, stored.Status)
	assert.Nil(t, stored.Winner)
}

func TestAnalyze_CostMetricPrefersLower(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	req := emailTest()
	req.Metric = models.MetricCost
	test, err := m.CreateTest(ctx, req)
	require.NoError(t, err)

	feed(t, m, test, 6, func(modelID string, i int) models.ABTestOutcome {
		cost := 0.010
		if modelID == "model-b" {
			cost = 0.001
		}
		return models.ABTestOutcome{Quality: 50, CostUSD: cost + float64(i)*0.0001}
	})

	a, err := m.Analyze(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestCompleted, a.Status)
	assert.Equal(t, "model-b", a.Winner)
}

func TestAnalyze_BonferroniForThreeVariants(t *testing.T) {
	ctx := context.Background()
	m := NewManager(DefaultConfig(), NewMemoryStore(), testCatalog(t))
	req := emailTest()
	req.Variants = []string{"model-a", "model-b", "model-c"}
	req.Weights = []float64{0.34, 0.33, 0.33}
	test, err := m.CreateTest(ctx, req)
	require.NoError(t, err)

	a, err := m.Analyze(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.025, a.Alpha)
	assert.Equal(t, models.ABTestRunning, a.Status)
	assert.Len(t, a.Variants, 3)
}
