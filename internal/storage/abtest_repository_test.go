package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/models"
	"model_optimizer/internal/registry"
)

func sqlTest(id string, created time.Time) *models.ABTest {
	return &models.ABTest{
		ID:                  id,
		Name:                "subject lines",
		TaskType:            models.TaskEmailWriting,
		Variants:            []string{"model-a", "model-b"},
		Weights:             []float64{0.7, 0.3},
		MinSamplePerVariant: 3,
		Metric:              models.MetricQuality,
		Significance:        0.05,
		Status:              models.ABTestDraft,
		CreatedAt:           created,
	}
}

func TestABTestRepository_TestLifecycle(t *testing.T) {
	repo := newTestDB(t).NewABTestRepository()
	ctx := context.Background()

	require.NoError(t, repo.CreateTest(ctx, sqlTest("t-2", baseTime.Add(time.Minute))))
	require.NoError(t, repo.CreateTest(ctx, sqlTest("t-1", baseTime)))
	assert.ErrorIs(t, repo.CreateTest(ctx, sqlTest("t-1", baseTime)), abtest.ErrInvalidTest)

	got, err := repo.GetTest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-a", "model-b"}, got.Variants)
	assert.Equal(t, []float64{0.7, 0.3}, got.Weights)
	assert.Nil(t, got.Winner)
	assert.True(t, got.CreatedAt.Equal(baseTime))

	started := baseTime.Add(time.Hour)
	winner := "model-b"
	p := 0.01
	got.Status = models.ABTestCompleted
	got.StartedAt = &started
	got.CompletedAt = &started
	got.Winner = &winner
	got.PValue = &p
	require.NoError(t, repo.UpdateTest(ctx, got))

	got, err = repo.GetTest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.ABTestCompleted, got.Status)
	require.NotNil(t, got.Winner)
	assert.Equal(t, "model-b", *got.Winner)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))

	list, err := repo.ListTests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t-1", list[0].ID, "ordered by creation time")

	_, err = repo.GetTest(ctx, "missing")
	assert.ErrorIs(t, err, abtest.ErrTestNotFound)
	assert.ErrorIs(t, repo.UpdateTest(ctx, sqlTest("missing", baseTime)), abtest.ErrTestNotFound)
}

func TestABTestRepository_AssignmentsArePutIfAbsent(t *testing.T) {
	repo := newTestDB(t).NewABTestRepository()
	ctx := context.Background()

	first := &models.ABTestAssignment{TestID: "t-1", RequestID: "req-1", ModelID: "model-a", AssignedAt: baseTime}
	require.NoError(t, repo.InsertAssignment(ctx, first))

	second := &models.ABTestAssignment{TestID: "t-1", RequestID: "req-1", ModelID: "model-b", AssignedAt: baseTime}
	assert.ErrorIs(t, repo.InsertAssignment(ctx, second), abtest.ErrDuplicateAssignment)

	got, err := repo.GetAssignment(ctx, "t-1", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.ModelID)

	_, err = repo.GetAssignment(ctx, "t-1", "req-2")
	assert.ErrorIs(t, err, abtest.ErrAssignmentNotFound)
}

func TestABTestRepository_OutcomesCountOnceAndReplaceQuality(t *testing.T) {
	repo := newTestDB(t).NewABTestRepository()
	ctx := context.Background()

	for i, model := range []string{"model-a", "model-a", "model-b"} {
		a := &models.ABTestAssignment{TestID: "t-1", RequestID: fmt.Sprintf("req-%d", i), ModelID: model, AssignedAt: baseTime}
		require.NoError(t, repo.InsertAssignment(ctx, a))
	}

	a0, err := repo.GetAssignment(ctx, "t-1", "req-0")
	require.NoError(t, err)
	recorded, err := repo.RecordOutcome(ctx, a0, models.ABTestOutcome{Quality: 80, CostUSD: 0.1, LatencyMs: 100})
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = repo.RecordOutcome(ctx, a0, models.ABTestOutcome{Quality: 80, CostUSD: 0.1, LatencyMs: 100})
	require.NoError(t, err)
	assert.False(t, recorded, "an identical outcome changes nothing")

	// Feedback finalizes the score; cost and latency keep their first values.
	recorded, err = repo.RecordOutcome(ctx, a0, models.ABTestOutcome{Quality: 10, CostUSD: 9, LatencyMs: 9})
	require.NoError(t, err)
	assert.True(t, recorded)

	a1, err := repo.GetAssignment(ctx, "t-1", "req-1")
	require.NoError(t, err)
	_, err = repo.RecordOutcome(ctx, a1, models.ABTestOutcome{Quality: 60, CostUSD: 0.3, LatencyMs: 300})
	require.NoError(t, err)

	moments, err := repo.VariantMoments(ctx, "t-1")
	require.NoError(t, err)
	require.Contains(t, moments, "model-a")
	require.Contains(t, moments, "model-b")

	a := moments["model-a"]
	assert.Equal(t, int64(2), a.Assignments)
	assert.Equal(t, 2.0, a.Quality.N)
	assert.InDelta(t, 70, a.Quality.Sum, 1e-9)
	assert.InDelta(t, 10*10+60*60, a.Quality.SumSq, 1e-9)
	assert.InDelta(t, 0.4, a.Cost.Sum, 1e-9)
	assert.InDelta(t, 400, a.Latency.Sum, 1e-9)

	b := moments["model-b"]
	assert.Equal(t, int64(1), b.Assignments)
	assert.Zero(t, b.Quality.N)
}

func TestABTestRepository_BacksManager(t *testing.T) {
	db := newTestDB(t)
	catalog := registry.New()
	for _, m := range []models.Model{
		{ID: "model-a", Provider: "p", CostPerInputUnit: 0.01, CostPerOutputUnit: 0.01, TaskTypes: models.TaskSet{models.TaskEmailWriting}, QualityPrior: 80},
		{ID: "model-b", Provider: "p", CostPerInputUnit: 0.001, CostPerOutputUnit: 0.001, TaskTypes: models.TaskSet{models.TaskEmailWriting}, QualityPrior: 60},
	} {
		require.NoError(t, catalog.Register(m))
	}

	mgr := abtest.NewManager(abtest.DefaultConfig(), db.NewABTestRepository(), catalog)
	ctx := context.Background()

	test, err := mgr.CreateTest(ctx, abtest.CreateRequest{
		Name:                "sql backed",
		TaskType:            models.TaskEmailWriting,
		Variants:            []string{"model-a", "model-b"},
		Weights:             []float64{0.5, 0.5},
		MinSamplePerVariant: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ABTestRunning, test.Status)

	first, err := mgr.AssignVariant(ctx, test.ID, "req-1")
	require.NoError(t, err)
	again, err := mgr.AssignVariant(ctx, test.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ModelID, again.ModelID)

	active, err := mgr.ActiveTest(ctx, models.TaskEmailWriting)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, test.ID, active.ID)
}
