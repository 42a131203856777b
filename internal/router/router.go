package router

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"model_optimizer/internal/models"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/utils"
)

// Config tunes the selection policy.
type Config struct {
	DefaultStrategy Strategy
	Epsilon         float64
	Weights         Weights
	// StatsWindow bounds the history used for live metrics; 0 is all time.
	StatsWindow time.Duration
	// Reference units price cold-start models from their catalog entry.
	ReferenceInputUnits  int
	ReferenceOutputUnits int
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:      StrategyBalanced,
		Epsilon:              0.05,
		Weights:              DefaultWeights(),
		StatsWindow:          7 * 24 * time.Hour,
		ReferenceInputUnits:  1000,
		ReferenceOutputUnits: 500,
	}
}

// Catalog lists the models allowed for a task. *registry.Registry
// satisfies it.
type Catalog interface {
	ListEligible(task models.TaskType, c registry.Constraints) []models.Model
}

// StatsSource serves aggregated live metrics. *tracker.Tracker satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, modelID string, task models.TaskType, window time.Duration) (models.AggregatedStats, error)
}

// Experiments exposes running AB tests. ActiveTest returns nil without an
// error when the task has no running test.
type Experiments interface {
	ActiveTest(ctx context.Context, task models.TaskType) (*models.ABTest, error)
	AssignVariant(ctx context.Context, testID, requestID string) (*models.ABTestAssignment, error)
}

// Request describes one routing decision to make.
type Request struct {
	TaskType    models.TaskType      `json:"task_type"`
	Strategy    Strategy             `json:"strategy,omitempty"`
	Constraints registry.Constraints `json:"constraints"`
	MinQuality  float64              `json:"min_quality,omitempty"`
	RequestID   string               `json:"request_id,omitempty"`
}

// Candidate is the metric view of one eligible model at decision time.
type Candidate struct {
	ModelID   string  `json:"model_id"`
	Quality   float64 `json:"quality"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMs float64 `json:"latency_ms"`
	Samples   int64   `json:"samples"`
	ColdStart bool    `json:"cold_start"`
	Score     float64 `json:"score"`
}

// RunnerUp is the second-ranked model of a decision.
type RunnerUp struct {
	ModelID string  `json:"model_id"`
	Score   float64 `json:"score"`
}

// Decision is the router's answer together with its rationale.
type Decision struct {
	ModelID    string      `json:"model_id"`
	Strategy   Strategy    `json:"strategy"`
	Score      float64     `json:"score"`
	RunnerUp   *RunnerUp   `json:"runner_up,omitempty"`
	Explored   bool        `json:"explored"`
	ColdStart  bool        `json:"cold_start"`
	ABTestID   string      `json:"ab_test_id,omitempty"`
	RequestID  string      `json:"request_id"`
	Reason     string      `json:"reason"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithExperiments enables AB test delegation.
func WithExperiments(e Experiments) Option {
	return func(r *Router) { r.experiments = e }
}

// WithRand replaces the random source used for exploration.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// Router picks a model per request from the catalog and live statistics.
type Router struct {
	cfg         Config
	catalog     Catalog
	stats       StatsSource
	experiments Experiments
	logger      *utils.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a router.
func New(cfg Config, catalog Catalog, stats StatsSource, opts ...Option) *Router {
	def := DefaultConfig()
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = def.DefaultStrategy
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.ReferenceInputUnits <= 0 {
		cfg.ReferenceInputUnits = def.ReferenceInputUnits
	}
	if cfg.ReferenceOutputUnits <= 0 {
		cfg.ReferenceOutputUnits = def.ReferenceOutputUnits
	}

	r := &Router{
		cfg:     cfg,
		catalog: catalog,
		stats:   stats,
		logger:  utils.NewLogger("router"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select chooses a model for the request.
func (r *Router) Select(ctx context.Context, req Request) (Decision, error) {
	if !req.TaskType.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", models.ErrUnknownTaskType, req.TaskType)
	}
	strategy, err := ParseStrategy(string(req.Strategy))
	if err != nil {
		return Decision{}, err
	}
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	eligible := r.catalog.ListEligible(req.TaskType, req.Constraints)
	if len(eligible) == 0 {
		return Decision{}, fmt.Errorf("%w: task %s", ErrNoEligibleModel, req.TaskType)
	}

	abNote := ""
	if r.experiments != nil {
		d, note, ok := r.fromExperiment(ctx, req.TaskType, requestID, eligible)
		if ok {
			return d, nil
		}
		abNote = note
	}

	cands := r.candidates(ctx, req.TaskType, eligible)

	if len(cands) > 1 && r.explore() {
		pick := cands[r.intn(len(cands))]
		return Decision{
			ModelID:    pick.ModelID,
			Strategy:   strategy,
			Explored:   true,
			ColdStart:  pick.ColdStart,
			RequestID:  requestID,
			Reason:     joinReason(abNote, fmt.Sprintf("exploration: picked %s uniformly from %d eligible models", pick.ModelID, len(cands))),
			Candidates: cands,
		}, nil
	}

	ranked := rank(strategy, cands, req.MinQuality, r.cfg.Weights)
	if len(ranked) == 0 {
		return Decision{}, fmt.Errorf("%w: no model meets quality %.1f for %s", ErrNoEligibleModel, req.MinQuality, req.TaskType)
	}

	best := ranked[0]
	d := Decision{
		ModelID:    best.ModelID,
		Strategy:   strategy,
		Score:      best.Score,
		ColdStart:  best.ColdStart,
		RequestID:  requestID,
		Candidates: ranked,
	}
	if len(ranked) > 1 {
		d.RunnerUp = &RunnerUp{ModelID: ranked[1].ModelID, Score: ranked[1].Score}
	}
	d.Reason = joinReason(abNote, explain(strategy, best, d.RunnerUp))
	return d, nil
}

func (r *Router) fromExperiment(ctx context.Context, task models.TaskType, requestID string, eligible []models.Model) (Decision, string, bool) {
	test, err := r.experiments.ActiveTest(ctx, task)
	if err != nil {
		r.logger.Warn("Failed to look up active AB test", "task_type", task, "error", err)
		return Decision{}, "", false
	}
	if test == nil {
		return Decision{}, "", false
	}

	assignment, err := r.experiments.AssignVariant(ctx, test.ID, requestID)
	if err != nil {
		r.logger.Warn("AB assignment failed", "test_id", test.ID, "request_id", requestID, "error", err)
		return Decision{}, fmt.Sprintf("ab test %s skipped: %v", test.ID, err), false
	}

	for _, m := range eligible {
		if m.ID == assignment.ModelID {
			return Decision{
				ModelID:   m.ID,
				Strategy:  StrategyABTest,
				ABTestID:  test.ID,
				RequestID: requestID,
				Reason:    fmt.Sprintf("ab test %s assigned variant %s", test.ID, m.ID),
			}, "", true
		}
	}
	return Decision{}, fmt.Sprintf("ab test %s variant %s excluded by constraints", test.ID, assignment.ModelID), false
}

// candidates builds the metric view of each eligible model. Models below the
// sample threshold use their catalog priors.
func (r *Router) candidates(ctx context.Context, task models.TaskType, eligible []models.Model) []Candidate {
	out := make([]Candidate, 0, len(eligible))
	for i := range eligible {
		m := &eligible[i]
		c := Candidate{
			ModelID:   m.ID,
			Quality:   m.QualityPrior,
			CostUSD:   m.CalculateCost(r.cfg.ReferenceInputUnits, r.cfg.ReferenceOutputUnits),
			LatencyMs: float64(m.ExpectedLatency()) / float64(time.Millisecond),
			ColdStart: true,
		}

		stats, err := r.stats.Stats(ctx, m.ID, task, r.cfg.StatsWindow)
		if err != nil {
			r.logger.Warn("Stats unavailable, using priors", "model_id", m.ID, "error", err)
		} else if !stats.InsufficientData {
			c.ColdStart = false
			c.Samples = stats.Count
			c.CostUSD = stats.Cost.Mean
			c.LatencyMs = stats.Latency.Mean
			if stats.Quality.Count > 0 {
				c.Quality = stats.Quality.Mean
			}
		} else {
			c.Samples = stats.Count
		}
		out = append(out, c)
	}
	return out
}

func (r *Router) explore() bool {
	if r.cfg.Epsilon <= 0 {
		return false
	}
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64() < r.cfg.Epsilon
}

func (r *Router) intn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func explain(strategy Strategy, best Candidate, runnerUp *RunnerUp) string {
	source := "live stats"
	if best.ColdStart {
		source = "catalog priors"
	}

	var head string
	switch strategy {
	case StrategyBestQuality:
		head = fmt.Sprintf("best_quality: %s has the highest quality %.1f (%s)", best.ModelID, best.Quality, source)
	case StrategyBestCost:
		head = fmt.Sprintf("best_cost: %s is the cheapest qualifying model at $%.6f (%s)", best.ModelID, best.CostUSD, source)
	case StrategyFastest:
		head = fmt.Sprintf("fastest: %s has the lowest latency %.0fms (%s)", best.ModelID, best.LatencyMs, source)
	default:
		head = fmt.Sprintf("balanced: %s scores %.3f (quality %.1f, cost $%.6f, latency %.0fms, %s)",
			best.ModelID, best.Score, best.Quality, best.CostUSD, best.LatencyMs, source)
	}
	if runnerUp != nil {
		head += fmt.Sprintf("; runner-up %s at %.4g", runnerUp.ModelID, runnerUp.Score)
	}
	return head
}

func joinReason(prefix, reason string) string {
	if prefix == "" {
		return reason
	}
	return prefix + "; " + reason
}
