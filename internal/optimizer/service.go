// Package optimizer is the single entry point callers use: it wires the
// registry, tracker, router, experiment manager and cost analyzer behind the
// operations of the optimization core and traces each of them.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/models"
	"model_optimizer/internal/quality"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/router"
	"model_optimizer/internal/tracker"
	"model_optimizer/internal/utils"
)

const tracerName = "model_optimizer/optimizer"

// SelectRequest describes one routing decision to make.
type SelectRequest = router.Request

// CatalogStore persists activated catalog snapshots.
// *storage.CatalogRepository satisfies it.
type CatalogStore interface {
	Save(ctx context.Context, s *registry.Snapshot) error
}

// Observer receives routing and experiment events, typically for metrics.
// *metrics.Metrics satisfies it.
type Observer interface {
	RoutingDecision(strategy, modelID string, explored bool)
	VariantAssigned(testID, modelID string)
	TestConcluded(status models.ABTestStatus)
}

type noopObserver struct{}

func (noopObserver) RoutingDecision(string, string, bool) {}
func (noopObserver) VariantAssigned(string, string)       {}
func (noopObserver) TestConcluded(models.ABTestStatus)    {}

// Components are the core parts the service delegates to.
type Components struct {
	Registry    *registry.Registry
	Tracker     *tracker.Tracker
	Router      *router.Router
	Experiments *abtest.Manager
	Costs       *cost.Analyzer
}

// Option configures a Service.
type Option func(*Service)

// WithCatalogStore persists every snapshot activated through the service.
func WithCatalogStore(c CatalogStore) Option {
	return func(s *Service) { s.catalogs = c }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithDashboardWindow sets the stats window shown on the dashboard.
func WithDashboardWindow(d time.Duration) Option {
	return func(s *Service) { s.dashboardWindow = d }
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTracer replaces the global tracer, for tests.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// Service exposes the optimizer operations.
type Service struct {
	registry    *registry.Registry
	tracker     *tracker.Tracker
	router      *router.Router
	experiments *abtest.Manager
	costs       *cost.Analyzer

	catalogs        CatalogStore
	observer        Observer
	dashboardWindow time.Duration
	logger          *utils.Logger
	tracer          trace.Tracer
}

// New creates a service. Every component is required.
func New(c Components, opts ...Option) (*Service, error) {
	if c.Registry == nil || c.Tracker == nil || c.Router == nil || c.Experiments == nil || c.Costs == nil {
		return nil, errors.New("optimizer: all components are required")
	}
	s := &Service{
		registry:        c.Registry,
		tracker:         c.Tracker,
		router:          c.Router,
		experiments:     c.Experiments,
		costs:           c.Costs,
		observer:        noopObserver{},
		dashboardWindow: 7 * 24 * time.Hour,
		logger:          utils.NewLogger("optimizer"),
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "optimizer."+name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SelectModel picks a model for a request. When the task has a running
// experiment the decision carries the assigned variant and test id.
func (s *Service) SelectModel(ctx context.Context, req SelectRequest) (d router.Decision, err error) {
	ctx, span := s.start(ctx, "select_model",
		attribute.String("task_type", string(req.TaskType)),
		attribute.String("strategy", string(req.Strategy)),
	)
	defer func() { finish(span, err) }()

	d, err = s.router.Select(ctx, req)
	if err != nil {
		return router.Decision{}, err
	}

	span.SetAttributes(
		attribute.String("model_id", d.ModelID),
		attribute.Bool("explored", d.Explored),
		attribute.Bool("cold_start", d.ColdStart),
	)
	s.observer.RoutingDecision(string(d.Strategy), d.ModelID, d.Explored)
	if d.ABTestID != "" {
		span.SetAttributes(attribute.String("ab_test_id", d.ABTestID))
		s.observer.VariantAssigned(d.ABTestID, d.ModelID)
	}
	return d, nil
}

// BeginExecution starts timing an execution and returns its handle.
func (s *Service) BeginExecution(ctx context.Context, modelID string, task models.TaskType, opts ...tracker.BeginOption) (handle string, err error) {
	ctx, span := s.start(ctx, "begin_execution",
		attribute.String("model_id", modelID),
		attribute.String("task_type", string(task)),
	)
	defer func() { finish(span, err) }()

	return s.tracker.Begin(ctx, modelID, task, opts...)
}

// CompleteExecution closes an execution. It is telemetry: failures are
// logged and returned but never block on persistence.
func (s *Service) CompleteExecution(ctx context.Context, handle string, c tracker.Completion) (rec *models.ExecutionRecord, err error) {
	ctx, span := s.start(ctx, "complete_execution", attribute.String("handle", handle))
	defer func() { finish(span, err) }()

	rec, err = s.tracker.Complete(ctx, handle, c)
	if err != nil {
		s.logger.Warn("Execution completion rejected", "handle", handle, "error", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("model_id", rec.ModelID),
		attribute.Float64("cost_usd", rec.CostUSD),
		attribute.Float64("latency_ms", rec.LatencyMs),
	)
	if rec.QualityScore != nil {
		s.recordOutcome(ctx, rec)
	}
	return rec, nil
}

// SubmitFeedback finalizes the quality of a completed execution.
func (s *Service) SubmitFeedback(ctx context.Context, recordID string, fb quality.Feedback) (rec *models.ExecutionRecord, err error) {
	ctx, span := s.start(ctx, "submit_feedback",
		attribute.String("record_id", recordID),
		attribute.String("feedback", string(fb.Kind)),
	)
	defer func() { finish(span, err) }()

	rec, err = s.tracker.ApplyFeedback(ctx, recordID, fb)
	if err != nil {
		return nil, err
	}
	if rec.QualityScore != nil {
		span.SetAttributes(attribute.Float64("quality", *rec.QualityScore))
	}
	s.recordOutcome(ctx, rec)
	return rec, nil
}

// recordOutcome attributes an experiment outcome for a tagged execution.
// The store counts each request once; feedback arriving later replaces the
// provisional quality so the experiment sees the finalized score.
func (s *Service) recordOutcome(ctx context.Context, rec *models.ExecutionRecord) {
	if rec.ABTestID == "" || rec.RequestID == "" || rec.QualityScore == nil {
		return
	}
	o := models.ABTestOutcome{
		Quality:   *rec.QualityScore,
		CostUSD:   rec.CostUSD,
		LatencyMs: rec.LatencyMs,
	}
	recorded, err := s.experiments.RecordOutcome(ctx, rec.ABTestID, rec.RequestID, o)
	if err != nil {
		s.logger.Warn("Failed to record AB outcome",
			"test_id", rec.ABTestID,
			"request_id", rec.RequestID,
			"error", err,
		)
		return
	}
	if recorded {
		s.logger.Debug("AB outcome recorded", "test_id", rec.ABTestID, "request_id", rec.RequestID)
	}
}

// CreateABTest validates and stores an experiment.
func (s *Service) CreateABTest(ctx context.Context, req abtest.CreateRequest) (t *models.ABTest, err error) {
	ctx, span := s.start(ctx, "create_ab_test",
		attribute.String("task_type", string(req.TaskType)),
		attribute.StringSlice("variants", req.Variants),
	)
	defer func() { finish(span, err) }()

	t, err = s.experiments.CreateTest(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ab_test_id", t.ID))
	return t, nil
}

// StartABTest moves a draft experiment to running.
func (s *Service) StartABTest(ctx context.Context, id string) (t *models.ABTest, err error) {
	ctx, span := s.start(ctx, "start_ab_test", attribute.String("ab_test_id", id))
	defer func() { finish(span, err) }()

	return s.experiments.StartTest(ctx, id)
}

// GetABTest returns one experiment.
func (s *Service) GetABTest(ctx context.Context, id string) (t *models.ABTest, err error) {
	ctx, span := s.start(ctx, "get_ab_test", attribute.String("ab_test_id", id))
	defer func() { finish(span, err) }()

	return s.experiments.GetTest(ctx, id)
}

// ListABTests returns experiments, optionally filtered by status.
func (s *Service) ListABTests(ctx context.Context, status models.ABTestStatus) (tests []*models.ABTest, err error) {
	ctx, span := s.start(ctx, "list_ab_tests", attribute.String("status", string(status)))
	defer func() { finish(span, err) }()

	return s.experiments.ListTests(ctx, status)
}

// AnalyzeABTest runs the significance test and applies the completion rule.
func (s *Service) AnalyzeABTest(ctx context.Context, id string) (a *abtest.Analysis, err error) {
	ctx, span := s.start(ctx, "analyze_ab_test", attribute.String("ab_test_id", id))
	defer func() { finish(span, err) }()

	before, err := s.experiments.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err = s.experiments.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("status", string(a.Status)))
	if before.Status == models.ABTestRunning && a.Status.Terminal() {
		s.observer.TestConcluded(a.Status)
	}
	return a, nil
}

// TestSummary is the dashboard view of one experiment.
type TestSummary struct {
	*models.ABTest
	Inconclusive bool `json:"inconclusive"`
}

// Dashboard is the operator overview.
type Dashboard struct {
	GeneratedAt       time.Time                `json:"generated_at"`
	RegistryVersion   string                   `json:"registry_version"`
	TaskType          models.TaskType          `json:"task_type,omitempty"`
	Window            time.Duration            `json:"window"`
	PendingExecutions int                      `json:"pending_executions"`
	Models            []models.AggregatedStats `json:"models"`
	Tests             []TestSummary            `json:"tests"`
}

// GetDashboardStats collects per-model stats and experiment states. An
// empty task covers every task each catalog model supports.
func (s *Service) GetDashboardStats(ctx context.Context, task models.TaskType) (d *Dashboard, err error) {
	ctx, span := s.start(ctx, "get_dashboard_stats", attribute.String("task_type", string(task)))
	defer func() { finish(span, err) }()

	if task != "" && !task.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTaskType, task)
	}

	d = &Dashboard{
		GeneratedAt:       time.Now().UTC(),
		RegistryVersion:   s.registry.Version(),
		TaskType:          task,
		Window:            s.dashboardWindow,
		PendingExecutions: s.tracker.Pending(),
		Models:            []models.AggregatedStats{},
		Tests:             []TestSummary{},
	}

	for _, m := range s.registry.List() {
		for _, t := range m.TaskTypes {
			if task != "" && t != task {
				continue
			}
			st, err := s.tracker.Stats(ctx, m.ID, t, s.dashboardWindow)
			if err != nil {
				return nil, fmt.Errorf("stats for %s/%s: %w", m.ID, t, err)
			}
			d.Models = append(d.Models, st)
		}
	}
	sort.Slice(d.Models, func(i, j int) bool {
		if d.Models[i].TaskType != d.Models[j].TaskType {
			return d.Models[i].TaskType < d.Models[j].TaskType
		}
		return d.Models[i].ModelID < d.Models[j].ModelID
	})

	tests, err := s.experiments.ListTests(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if task != "" && t.TaskType != task {
			continue
		}
		d.Tests = append(d.Tests, TestSummary{ABTest: t, Inconclusive: t.Status == models.ABTestInconclusive})
	}
	return d, nil
}

// ReloadRegistry activates a new catalog snapshot atomically and persists
// it when a catalog store is configured.
func (s *Service) ReloadRegistry(ctx context.Context, snapshot *registry.Snapshot) (err error) {
	ctx, span := s.start(ctx, "reload_registry")
	defer func() { finish(span, err) }()

	if err := s.registry.Reload(snapshot); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("version", snapshot.Version), attribute.Int("models", snapshot.Len()))

	if s.catalogs != nil {
		if err := s.catalogs.Save(ctx, s.registry.Snapshot()); err != nil {
			s.logger.Error("Failed to persist catalog snapshot", "version", snapshot.Version, "error", err)
		}
	}
	return nil
}

// ReloadRegistryFromFile parses a catalog file and activates it.
func (s *Service) ReloadRegistryFromFile(ctx context.Context, path string) error {
	snapshot, err := registry.LoadFile(path)
	if err != nil {
		return err
	}
	return s.ReloadRegistry(ctx, snapshot)
}

// Catalog returns the active snapshot.
func (s *Service) Catalog() *registry.Snapshot {
	return s.registry.Snapshot()
}

// ProjectCost projects spend for a volume of executions.
func (s *Service) ProjectCost(ctx context.Context, req cost.ProjectionRequest) (p *cost.Projection, err error) {
	ctx, span := s.start(ctx, "project_cost",
		attribute.String("task_type", string(req.TaskType)),
		attribute.Float64("volume", req.Volume),
	)
	defer func() { finish(span, err) }()

	return s.costs.Project(ctx, req)
}
