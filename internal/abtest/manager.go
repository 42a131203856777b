package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"model_optimizer/internal/models"
	"model_optimizer/internal/utils"
)

const weightTolerance = 1e-6

// Config holds experiment defaults.
type Config struct {
	DefaultMinSamplePerVariant int
	DefaultSignificance        float64
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{DefaultMinSamplePerVariant: 30, DefaultSignificance: 0.05}
}

// ModelCatalog resolves variant models. *registry.Registry satisfies it.
type ModelCatalog interface {
	Get(id string) (models.Model, error)
}

// CreateRequest defines a new experiment.
type CreateRequest struct {
	Name                string          `json:"name"`
	TaskType            models.TaskType `json:"task_type"`
	Variants            []string        `json:"variants"`
	Weights             []float64       `json:"weights"`
	MinSamplePerVariant int             `json:"min_sample_per_variant,omitempty"`
	Metric              models.Metric   `json:"metric,omitempty"`
	Significance        float64         `json:"significance,omitempty"`
	// Draft creates the test without starting it.
	Draft bool `json:"draft,omitempty"`
}

// VariantResult is the per-variant summary of an analysis.
type VariantResult struct {
	ModelID     string  `json:"model_id"`
	Assignments int64   `json:"assignments"`
	Samples     int64   `json:"samples"`
	Mean        float64 `json:"mean"`
	Variance    float64 `json:"variance"`
	StdDev      float64 `json:"stddev"`
}

// Analysis is the statistical view of an experiment.
type Analysis struct {
	TestID          string              `json:"test_id"`
	Metric          models.Metric       `json:"metric"`
	Status          models.ABTestStatus `json:"status"`
	Variants        []VariantResult     `json:"variants"`
	Best            string              `json:"best,omitempty"`
	Second          string              `json:"second,omitempty"`
	Winner          string              `json:"winner,omitempty"`
	Welch           *WelchResult        `json:"welch,omitempty"`
	Alpha           float64             `json:"alpha"`
	ConfidenceLevel float64             `json:"confidence_level,omitempty"`
	Reason          string              `json:"reason"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithRand replaces the random source used for variant draws.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) { m.rng = rng }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns the lifecycle of AB tests: creation, sticky assignment,
// outcome attribution and significance analysis.
type Manager struct {
	cfg     Config
	store   Store
	catalog ModelCatalog
	logger  *utils.Logger
	now     func() time.Time

	// lifecycleMu serializes create/start/complete so at most one test per
	// task is running within this process.
	lifecycleMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager creates a manager.
func NewManager(cfg Config, store Store, catalog ModelCatalog, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DefaultMinSamplePerVariant <= 0 {
		cfg.DefaultMinSamplePerVariant = def.DefaultMinSamplePerVariant
	}
	if cfg.DefaultSignificance <= 0 || cfg.DefaultSignificance >= 1 {
		cfg.DefaultSignificance = def.DefaultSignificance
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		logger:  utils.NewLogger("abtest"),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTest validates and stores a new experiment. It starts running
// immediately unless req.Draft is set.
func (m *Manager) CreateTest(ctx context.Context, req CreateRequest) (*models.ABTest, error) {
	test, err := m.buildTest(req)
	if err != nil {
		return nil, err
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if test.Status == models.ABTestRunning {
		if err := m.ensureNoRunning(ctx, test.TaskType); err != nil {
			return nil, err
		}
	}
	if err := m.store.CreateTest(ctx, test); err != nil {
		return nil, err
	}

	m.logger.Info("AB test created",
		"test_id", test.ID,
		"task_type", test.TaskType,
		"variants", strings.Join(test.Variants, ","),
		"status", test.Status,
	)
	return test.Clone(), nil
}

func (m *Manager) buildTest(req CreateRequest) (*models.ABTest, error) {
	if !req.TaskType.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTaskType, req.TaskType)
	}
	if len(req.Variants) < 2 {
		return nil, fmt.Errorf("%w: at least two variants are required", ErrInvalidTest)
	}

	seen := make(map[string]struct{}, len(req.Variants))
	for _, id := range req.Variants {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: variant %s listed twice", ErrInvalidTest, id)
		}
		seen[id] = struct{}{}

		model, err := m.catalog.Get(id)
		if err != nil {
			return nil, err
		}
		if !model.Supports(req.TaskType) {
			return nil, fmt.Errorf("%w: %s does not support %s", ErrIneligibleVariant, id, req.TaskType)
		}
	}

	if err := validateWeights(req.Weights, len(req.Variants)); err != nil {
		return nil, err
	}

	metric := req.Metric
	if metric == "" {
		metric = models.MetricQuality
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidTest, metric)
	}

	significance := req.Significance
	if significance == 0 {
		significance = m.cfg.DefaultSignificance
	}
	if significance <= 0 || significance >= 1 {
		return nil, fmt.Errorf("%w: significance must be in (0,1)", ErrInvalidTest)
	}

	minSample := req.MinSamplePerVariant
	if minSample == 0 {
		minSample = m.cfg.DefaultMinSamplePerVariant
	}
	if minSample < 2 {
		return nil, fmt.Errorf("%w: min sample per variant must be at least 2", ErrInvalidTest)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s: %s", req.TaskType, strings.Join(req.Variants, " vs "))
	}

	now := m.now()
	test := &models.ABTest{
		ID:                  uuid.NewString(),
		Name:                name,
		TaskType:            req.TaskType,
		Variants:            append([]string(nil), req.Variants...),
		Weights:             append([]float64(nil), req.Weights...),
		MinSamplePerVariant: minSample,
		Metric:              metric,
		Significance:        significance,
		Status:              models.ABTestDraft,
		CreatedAt:           now,
	}
	if !req.Draft {
		test.Status = models.ABTestRunning
		test.StartedAt = &now
	}
	return test, nil
}

func validateWeights(weights []float64, variants int) error {
	if len(weights) != variants {
		return fmt.Errorf("%w: %d weights for %d variants", ErrInvalidTrafficSplit, len(weights), variants)
	}
	sum := 0.0
	for _, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight %v is not a non-negative number", ErrInvalidTrafficSplit, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v", ErrInvalidTrafficSplit, sum)
	}
	return nil
}

// must be called with lifecycleMu held
func (m *Manager) ensureNoRunning(ctx context.Context, task models.TaskType) error {
	active, err := m.ActiveTest(ctx, task)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s is running for %s", ErrTestConflict, active.ID, task)
	}
	return nil
}

// StartTest moves a draft test to running.
func (m *Manager) StartTest(ctx context.Context, id string) (*models.ABTest, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	test, err := m.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	if test.Status != models.ABTestDraft {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, test.Status, models.ABTestRunning)
	}
	if err := m.ensureNoRunning(ctx, test.TaskType); err != nil {
		return nil, err
	}

	now := m.now()
	test.Status = models.ABTestRunning
	test.StartedAt = &now
	if err := m.store.UpdateTest(ctx, test); err != nil {
		return nil, err
	}
	m.logger.Info("AB test started", "test_id", id)
	return test, nil
}

// GetTest returns one test.
func (m *Manager) GetTest(ctx context.Context, id string) (*models.ABTest, error) {
	return m.store.GetTest(ctx, id)
}

// ListTests returns tests, optionally filtered by status.
func (m *Manager) ListTests(ctx context.Context, status models.ABTestStatus) ([]*models.ABTest, error) {
	tests, err := m.store.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return tests, nil
	}
	out := tests[:0]
	for _, t := range tests {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ActiveTest returns the running test for the task, or nil.
func (m *Manager) ActiveTest(ctx context.Context, task models.TaskType) (*models.ABTest, error) {
	tests, err := m.store.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tests {
		if t.Status == models.ABTestRunning && t.TaskType == task {
			return t, nil
		}
	}
	return nil, nil
}

// AssignVariant returns the variant for a request. The first call draws a
// weighted-random variant; every later call, from any goroutine or
// instance sharing the store, returns the same assignment.
func (m *Manager) AssignVariant(ctx context.Context, testID, requestID string) (*models.ABTestAssignment, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: request id is required", ErrInvalidTest)
	}

	existing, err := m.store.GetAssignment(ctx, testID, requestID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAssignmentNotFound) {
		return nil, err
	}

	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != models.ABTestRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrTestNotRunning, testID, test.Status)
	}

	a := &models.ABTestAssignment{
		TestID:     testID,
		RequestID:  requestID,
		ModelID:    m.draw(test),
		AssignedAt: m.now(),
	}
	err = m.store.InsertAssignment(ctx, a)
	if errors.Is(err, ErrDuplicateAssignment) {
		// lost the race: the stored assignment wins
		return m.store.GetAssignment(ctx, testID, requestID)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Debug("AB variant assigned", "test_id", testID, "request_id", requestID, "model_id", a.ModelID)
	return a, nil
}

func (m *Manager) draw(test *models.ABTest) string {
	m.rngMu.Lock()
	x := m.rng.Float64()
	m.rngMu.Unlock()

	acc := 0.0
	for i, w := range test.Weights {
		acc += w
		if x < acc {
			return test.Variants[i]
		}
	}
	// rounding: fall back to the last variant with weight
	for i := len(test.Weights) - 1; i >= 0; i-- {
		if test.Weights[i] > 0 {
			return test.Variants[i]
		}
	}
	return test.Variants[len(test.Variants)-1]
}

// RecordOutcome attributes an outcome to the request's assigned variant.
// A repeated outcome for the same request only replaces its quality; it
// reports false when nothing changed.
func (m *Manager) RecordOutcome(ctx context.Context, testID, requestID string, o models.ABTestOutcome) (bool, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return false, err
	}
	if test.Status != models.ABTestRunning {
		return false, fmt.Errorf("%w: %s is %s", ErrTestNotRunning, testID, test.Status)
	}

	a, err := m.store.GetAssignment(ctx, testID, requestID)
	if err != nil {
		return false, err
	}
	o.Quality = models.ClampScore(o.Quality)
	return m.store.RecordOutcome(ctx, a, o)
}

// Analyze runs the significance test for a running experiment and applies
// the completion rule. Terminal and draft tests are analyzed without any
// state change.
func (m *Manager) Analyze(ctx context.Context, testID string) (*Analysis, error) {
	test, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	moments, err := m.store.VariantMoments(ctx, testID)
	if err != nil {
		return nil, err
	}

	a := evaluate(test, moments)
	if test.Status != models.ABTestRunning || a.Status == models.ABTestRunning {
		if test.Status != models.ABTestRunning {
			a.Status = test.Status
			if test.Winner != nil {
				a.Winner = *test.Winner
			}
		}
		return a, nil
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	// re-read under the lock so concurrent analyses transition once
	current, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.ABTestRunning {
		a.Status = current.Status
		return a, nil
	}

	now := m.now()
	p := a.Welch.PValue
	current.Status = a.Status
	current.PValue = &p
	current.CompletedAt = &now
	if a.Status == models.ABTestCompleted {
		winner := a.Winner
		confidence := a.ConfidenceLevel
		current.Winner = &winner
		current.ConfidenceLevel = &confidence
	}
	if err := m.store.UpdateTest(ctx, current); err != nil {
		return nil, err
	}

	m.logger.Info("AB test concluded",
		"test_id", testID,
		"status", current.Status,
		"winner", a.Winner,
		"p_value", p,
		"alpha", a.Alpha,
	)
	return a, nil
}

// evaluate applies the completion rule to the current moments without
// touching any state.
func evaluate(test *models.ABTest, moments map[string]models.VariantMoments) *Analysis {
	metric := test.Metric
	if metric == "" {
		metric = models.MetricQuality
	}

	a := &Analysis{
		TestID: test.ID,
		Metric: metric,
		Status: models.ABTestRunning,
		Alpha:  correctedAlpha(test.Significance, len(test.Variants)),
	}

	for _, id := range test.Variants {
		v := moments[id]
		s := v.For(metric).Summary()
		a.Variants = append(a.Variants, VariantResult{
			ModelID:     id,
			Assignments: v.Assignments,
			Samples:     s.Count,
			Mean:        s.Mean,
			Variance:    s.Variance,
			StdDev:      s.StdDev,
		})
	}

	// rank variants that have data, best first
	ranked := make([]VariantResult, 0, len(a.Variants))
	for _, v := range a.Variants {
		if v.Samples > 0 {
			ranked = append(ranked, v)
		}
	}
	higher := metric.HigherIsBetter()
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Mean != ranked[j].Mean {
			if higher {
				return ranked[i].Mean > ranked[j].Mean
			}
			return ranked[i].Mean < ranked[j].Mean
		}
		return ranked[i].ModelID < ranked[j].ModelID
	})

	if len(ranked) < 2 {
		a.Reason = "waiting for outcomes from at least two variants"
		return a
	}

	best, second := ranked[0], ranked[1]
	a.Best, a.Second = best.ModelID, second.ModelID
	w := Welch(float64(best.Samples), best.Mean, best.Variance, float64(second.Samples), second.Mean, second.Variance)
	a.Welch = &w

	need := int64(test.MinSamplePerVariant)
	if best.Samples < need || second.Samples < need {
		a.Reason = fmt.Sprintf("collecting samples: %s has %d, %s has %d, need %d each",
			best.ModelID, best.Samples, second.ModelID, second.Samples, need)
		return a
	}

	if w.PValue < a.Alpha {
		a.Status = models.ABTestCompleted
		a.Winner = best.ModelID
		a.ConfidenceLevel = 1 - w.PValue
		a.Reason = fmt.Sprintf("%s beats %s on %s (p=%.4g < %.4g)", best.ModelID, second.ModelID, metric, w.PValue, a.Alpha)
		return a
	}

	a.Status = models.ABTestInconclusive
	a.Reason = fmt.Sprintf("no significant %s difference between %s and %s (p=%.4g >= %.4g)",
		metric, best.ModelID, second.ModelID, w.PValue, a.Alpha)
	return a
}

// correctedAlpha applies a Bonferroni correction for the k-1 comparisons
// implied by picking the best of k variants.
func correctedAlpha(significance float64, variants int) float64 {
	if variants > 2 {
		return significance / float64(variants-1)
	}
	return significance
}
