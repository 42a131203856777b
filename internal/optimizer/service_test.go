package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/models"
	"model_optimizer/internal/quality"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/router"
	"model_optimizer/internal/tracker"
)

type recordingObserver struct {
	mu        sync.Mutex
	decisions []string
	variants  []string
	concluded []models.ABTestStatus
}

func (o *recordingObserver) RoutingDecision(strategy, modelID string, explored bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decisions = append(o.decisions, strategy+":"+modelID)
}

func (o *recordingObserver) VariantAssigned(testID, modelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.variants = append(o.variants, modelID)
}

func (o *recordingObserver) TestConcluded(status models.ABTestStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.concluded = append(o.concluded, status)
}

type memoryCatalogs struct {
	saved []string
	err   error
}

func (m *memoryCatalogs) Save(_ context.Context, s *registry.Snapshot) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, s.Version)
	return nil
}

type harness struct {
	svc      *Service
	registry *registry.Registry
	tracker  *tracker.Tracker
	observer *recordingObserver
	spans    *tracetest.SpanRecorder
}

func catalogModel(id string, unitCost, prior float64, class models.LatencyClass) models.Model {
	return models.Model{
		ID:                id,
		Provider:          "test",
		CostPerInputUnit:  unitCost,
		CostPerOutputUnit: unitCost,
		TaskTypes:         models.TaskSet{models.TaskEmailWriting, models.TaskGeneral},
		QualityPrior:      prior,
		LatencyClass:      class,
	}
}

// newHarness wires real components. Email outputs are scored by parsing
// the output as a number so tests control quality exactly.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(catalogModel("model-premium", 0.00003, 85, models.LatencyMedium)))
	require.NoError(t, reg.Register(catalogModel("model-economy", 0.000002, 65, models.LatencyFast)))

	scorer := quality.NewScorer()
	scorer.Register(models.TaskEmailWriting, func(output string) float64 {
		v, _ := strconv.ParseFloat(output, 64)
		return v
	})

	tr := tracker.New(tracker.Config{MinSamples: 5}, reg, scorer, tracker.NewMemoryStatsStore(0))
	mgr := abtest.NewManager(abtest.DefaultConfig(), abtest.NewMemoryStore(), reg,
		abtest.WithRand(rand.New(rand.NewSource(7))))

	rcfg := router.DefaultConfig()
	rcfg.Epsilon = 0
	rt := router.New(rcfg, reg, tr, router.WithExperiments(mgr))
	costs := cost.NewAnalyzer(cost.DefaultConfig(), reg, tr)

	obs := &recordingObserver{}
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	opts = append([]Option{WithObserver(obs), WithTracer(provider.Tracer("test"))}, opts...)
	svc, err := New(Components{
		Registry:    reg,
		Tracker:     tr,
		Router:      rt,
		Experiments: mgr,
		Costs:       costs,
	}, opts...)
	require.NoError(t, err)

	return &harness{svc: svc, registry: reg, tracker: tr, observer: obs, spans: spans}
}

// run executes one full select-free cycle for a fixed model.
func (h *harness) run(t *testing.T, modelID, output string, opts ...tracker.BeginOption) *models.ExecutionRecord {
	t.Helper()
	ctx := context.Background()
	handle, err := h.svc.BeginExecution(ctx, modelID, models.TaskEmailWriting, opts...)
	require.NoError(t, err)
	rec, err := h.svc.CompleteExecution(ctx, handle, tracker.Completion{
		InputUnits:  1000,
		OutputUnits: 500,
		Latency:     300 * time.Millisecond,
		Output:      output,
	})
	require.NoError(t, err)
	return rec
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Components{})
	assert.Error(t, err)
}

func TestSelectModel_ColdStartUsesPriors(t *testing.T) {
	h := newHarness(t)

	d, err := h.svc.SelectModel(context.Background(), SelectRequest{
		TaskType: models.TaskEmailWriting,
		Strategy: router.StrategyBestQuality,
	})
	require.NoError(t, err)

	assert.Equal(t, "model-premium", d.ModelID)
	assert.True(t, d.ColdStart)
	assert.Equal(t, []string{"best_quality:model-premium"}, h.observer.decisions)
}

func TestSelectModel_LiveStatsOverridePriors(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.run(t, "model-premium", "40")
	}

	d, err := h.svc.SelectModel(context.Background(), SelectRequest{
		TaskType: models.TaskEmailWriting,
		Strategy: router.StrategyBestQuality,
	})
	require.NoError(t, err)

	assert.Equal(t, "model-economy", d.ModelID, "live mean 40 loses to the 65 prior")
}

func TestSelectModel_NoEligibleModel(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SelectModel(context.Background(), SelectRequest{TaskType: models.TaskCodeGeneration})
	assert.ErrorIs(t, err, router.ErrNoEligibleModel)
}

func TestCompleteExecution_DoubleCompleteIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	handle, err := h.svc.BeginExecution(ctx, "model-economy", models.TaskEmailWriting)
	require.NoError(t, err)

	_, err = h.svc.CompleteExecution(ctx, handle, tracker.Completion{InputUnits: 10, OutputUnits: 10})
	require.NoError(t, err)
	_, err = h.svc.CompleteExecution(ctx, handle, tracker.Completion{InputUnits: 10, OutputUnits: 10})
	assert.ErrorIs(t, err, tracker.ErrStaleHandle)

	dash, err := h.svc.GetDashboardStats(ctx, models.TaskEmailWriting)
	require.NoError(t, err)
	for _, st := range dash.Models {
		if st.ModelID == "model-economy" {
			assert.Equal(t, int64(1), st.Count)
		}
	}
}

func TestBeginExecution_UnknownModel(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.BeginExecution(context.Background(), "missing", models.TaskEmailWriting)
	assert.ErrorIs(t, err, registry.ErrModelNotFound)
}

func TestSubmitFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.run(t, "model-economy", "80")

	scored, err := h.svc.SubmitFeedback(ctx, rec.ID, quality.Feedback{Kind: models.FeedbackApproved})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionScored, scored.State)
	require.NotNil(t, scored.QualityScore)

	_, err = h.svc.SubmitFeedback(ctx, rec.ID, quality.Feedback{Kind: models.FeedbackApproved})
	assert.ErrorIs(t, err, tracker.ErrAlreadyScored)

	_, err = h.svc.SubmitFeedback(ctx, "missing", quality.Feedback{Kind: models.FeedbackRejected})
	assert.ErrorIs(t, err, tracker.ErrRecordNotFound)
}

func TestABTest_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	test, err := h.svc.CreateABTest(ctx, abtest.CreateRequest{
		Name:                "premium vs economy",
		TaskType:            models.TaskEmailWriting,
		Variants:            []string{"model-premium", "model-economy"},
		Weights:             []float64{0.5, 0.5},
		MinSamplePerVariant: 10,
	})
	require.NoError(t, err)
	require.Equal(t, models.ABTestRunning, test.Status)

	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		d, err := h.svc.SelectModel(ctx, SelectRequest{
			TaskType:  models.TaskEmailWriting,
			RequestID: fmt.Sprintf("req-%d", i),
		})
		require.NoError(t, err)
		require.Equal(t, test.ID, d.ABTestID)
		counts[d.ModelID]++

		// premium scores clearly higher, with a little spread
		output := strconv.Itoa(60 + i%3)
		if d.ModelID == "model-premium" {
			output = strconv.Itoa(90 + i%3)
		}
		rec := h.run(t, d.ModelID, output, tracker.WithABTest(d.ABTestID, d.RequestID))

		// feedback after a completion with output must not add a second outcome
		_, err = h.svc.SubmitFeedback(ctx, rec.ID, quality.Feedback{Kind: models.FeedbackApproved})
		require.NoError(t, err)
	}
	assert.Len(t, h.observer.variants, 60)
	assert.Greater(t, counts["model-premium"], 10)
	assert.Greater(t, counts["model-economy"], 10)

	a, err := h.svc.AnalyzeABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestCompleted, a.Status)
	assert.Equal(t, "model-premium", a.Winner)
	for _, v := range a.Variants {
		assert.Equal(t, int64(counts[v.ModelID]), v.Samples, "one outcome per request")
	}

	// analyzing a finished test reports it again without a second conclusion
	_, err = h.svc.AnalyzeABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.ABTestStatus{models.ABTestCompleted}, h.observer.concluded)

	got, err := h.svc.GetABTest(ctx, test.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Winner)
	assert.Equal(t, "model-premium", *got.Winner)

	completed, err := h.svc.ListABTests(ctx, models.ABTestCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestABTest_FeedbackReversesRanking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	test, err := h.svc.CreateABTest(ctx, abtest.CreateRequest{
		Name:                "heuristic vs reviewers",
		TaskType:            models.TaskEmailWriting,
		Variants:            []string{"model-premium", "model-economy"},
		Weights:             []float64{0.5, 0.5},
		MinSamplePerVariant: 10,
	})
	require.NoError(t, err)

	// premium looks better to the heuristic but reviewers reject all of it
	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		d, err := h.svc.SelectModel(ctx, SelectRequest{
			TaskType:  models.TaskEmailWriting,
			RequestID: fmt.Sprintf("req-%d", i),
		})
		require.NoError(t, err)
		counts[d.ModelID]++

		output, kind := strconv.Itoa(60+i%3), models.FeedbackApproved
		if d.ModelID == "model-premium" {
			output, kind = strconv.Itoa(90+i%3), models.FeedbackRejected
		}
		rec := h.run(t, d.ModelID, output, tracker.WithABTest(d.ABTestID, d.RequestID))
		_, err = h.svc.SubmitFeedback(ctx, rec.ID, quality.Feedback{Kind: kind})
		require.NoError(t, err)
	}
	require.Greater(t, counts["model-premium"], 10)
	require.Greater(t, counts["model-economy"], 10)

	a, err := h.svc.AnalyzeABTest(ctx, test.ID)
	require.NoError(t, err)

	means := map[string]float64{}
	for _, v := range a.Variants {
		assert.Equal(t, int64(counts[v.ModelID]), v.Samples, "feedback must not add samples")
		means[v.ModelID] = v.Mean
	}
	assert.InDelta(t, quality.RejectedScore, means["model-premium"], 1e-9)
	assert.InDelta(t, quality.HeuristicWeight*61+quality.FeedbackWeight*100, means["model-economy"], 1.0)

	for _, id := range []string{"model-premium", "model-economy"} {
		st, err := h.tracker.Stats(ctx, id, models.TaskEmailWriting, 0)
		require.NoError(t, err)
		assert.InDelta(t, st.Quality.Mean, means[id], 1e-6, "experiment and tracker agree on %s", id)
	}

	assert.Equal(t, models.ABTestCompleted, a.Status)
	assert.Equal(t, "model-economy", a.Winner)
}

func TestABTest_DraftAndStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	draft, err := h.svc.CreateABTest(ctx, abtest.CreateRequest{
		Name:     "draft",
		TaskType: models.TaskGeneral,
		Variants: []string{"model-premium", "model-economy"},
		Weights:  []float64{0.9, 0.1},
		Draft:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ABTestDraft, draft.Status)

	started, err := h.svc.StartABTest(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ABTestRunning, started.Status)

	_, err = h.svc.GetABTest(ctx, "missing")
	assert.ErrorIs(t, err, abtest.ErrTestNotFound)
}

func TestGetDashboardStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.run(t, "model-premium", "75")
	}
	h.run(t, "model-economy", "60")
	_, err := h.svc.BeginExecution(ctx, "model-economy", models.TaskEmailWriting)
	require.NoError(t, err)

	_, err = h.svc.CreateABTest(ctx, abtest.CreateRequest{
		Name:     "general",
		TaskType: models.TaskGeneral,
		Variants: []string{"model-premium", "model-economy"},
		Weights:  []float64{0.5, 0.5},
	})
	require.NoError(t, err)

	dash, err := h.svc.GetDashboardStats(ctx, models.TaskEmailWriting)
	require.NoError(t, err)

	assert.Equal(t, 1, dash.PendingExecutions)
	assert.Equal(t, h.registry.Version(), dash.RegistryVersion)
	require.Len(t, dash.Models, 2)
	assert.Equal(t, "model-economy", dash.Models[0].ModelID)
	assert.True(t, dash.Models[0].InsufficientData)
	assert.Equal(t, "model-premium", dash.Models[1].ModelID)
	assert.False(t, dash.Models[1].InsufficientData)
	assert.InDelta(t, 75, dash.Models[1].Quality.Mean, 1e-9)
	assert.Empty(t, dash.Tests, "the general test is filtered out")

	all, err := h.svc.GetDashboardStats(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all.Models, 4)
	require.Len(t, all.Tests, 1)
	assert.False(t, all.Tests[0].Inconclusive)

	_, err = h.svc.GetDashboardStats(ctx, "bogus")
	assert.ErrorIs(t, err, models.ErrUnknownTaskType)
}

func TestReloadRegistry(t *testing.T) {
	catalogs := &memoryCatalogs{}
	h := newHarness(t, WithCatalogStore(catalogs))
	ctx := context.Background()

	next, err := registry.NewSnapshot("v2", []models.Model{catalogModel("model-new", 0.00001, 70, models.LatencyFast)})
	require.NoError(t, err)
	require.NoError(t, h.svc.ReloadRegistry(ctx, next))

	assert.Equal(t, "v2", h.svc.Catalog().Version)
	assert.Equal(t, []string{"v2"}, catalogs.saved)

	// an invalid snapshot keeps the current catalog
	bad := &registry.Snapshot{Version: "v3", Models: []models.Model{{ID: "broken"}}}
	assert.Error(t, h.svc.ReloadRegistry(ctx, bad))
	assert.Equal(t, "v2", h.svc.Catalog().Version)

	// persistence failures do not undo an activated catalog
	catalogs.err = errors.New("db down")
	v4, err := registry.NewSnapshot("v4", []models.Model{catalogModel("model-new", 0.00001, 70, models.LatencyFast)})
	require.NoError(t, err)
	require.NoError(t, h.svc.ReloadRegistry(ctx, v4))
	assert.Equal(t, "v4", h.svc.Catalog().Version)
}

func TestReloadRegistryFromFile(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "2025-01"
models:
  - id: model-file
    provider: test
    cost_per_input_unit: 0.000001
    cost_per_output_unit: 0.000002
    task_types: [email_writing]
    quality_prior: 72
    latency_class: fast
`), 0o600))

	require.NoError(t, h.svc.ReloadRegistryFromFile(context.Background(), path))
	assert.Equal(t, "2025-01", h.svc.Catalog().Version)

	assert.Error(t, h.svc.ReloadRegistryFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestProjectCost_LinearInVolume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	dist := map[string]float64{"model-premium": 0.5, "model-economy": 0.5}

	p1, err := h.svc.ProjectCost(ctx, cost.ProjectionRequest{TaskType: models.TaskEmailWriting, Volume: 1000, Distribution: dist})
	require.NoError(t, err)
	p3, err := h.svc.ProjectCost(ctx, cost.ProjectionRequest{TaskType: models.TaskEmailWriting, Volume: 3000, Distribution: dist})
	require.NoError(t, err)

	assert.InDelta(t, 3*p1.TotalCostUSD, p3.TotalCostUSD, 1e-9)
	assert.Equal(t, "model-premium", p1.BaselineModelID)
}

func TestOperationsAreTraced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SelectModel(ctx, SelectRequest{TaskType: models.TaskEmailWriting})
	require.NoError(t, err)
	_, err = h.svc.CompleteExecution(ctx, "missing", tracker.Completion{})
	require.Error(t, err)

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "optimizer.select_model", ended[0].Name())
	assert.Equal(t, "optimizer.complete_execution", ended[1].Name())
	assert.Equal(t, "Error", ended[1].Status().Code.String())
}
