package cost

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"model_optimizer/internal/models"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/router"
)

// ErrInvalidProjection is returned for negative volumes or malformed
// distributions.
var ErrInvalidProjection = errors.New("invalid cost projection")

// Distribution sources reported with a projection.
const (
	SourceExplicit   = "explicit"
	SourceHistorical = "historical"
	SourceUniform    = "uniform"
	SourceDecision   = "decision"
)

// Catalog is the subset of the registry the analyzer reads.
type Catalog interface {
	Get(id string) (models.Model, error)
	ListEligible(task models.TaskType, c registry.Constraints) []models.Model
}

// StatsSource serves aggregated live metrics. *tracker.Tracker satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, modelID string, task models.TaskType, window time.Duration) (models.AggregatedStats, error)
}

// Config holds projection defaults.
type Config struct {
	ReferenceInputUnits  int
	ReferenceOutputUnits int
	Window               time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{ReferenceInputUnits: 1000, ReferenceOutputUnits: 500, Window: 30 * 24 * time.Hour}
}

// ProjectionRequest asks what a volume of executions would cost.
type ProjectionRequest struct {
	TaskType models.TaskType `json:"task_type"`
	Volume   float64         `json:"volume"`
	// Distribution maps model id to traffic share. Shares are normalized;
	// empty means the historical distribution.
	Distribution map[string]float64 `json:"distribution,omitempty"`
	Window       time.Duration      `json:"window,omitempty"`
}

// ModelProjection is one model's part of a projection.
type ModelProjection struct {
	ModelID         string  `json:"model_id"`
	Share           float64 `json:"share"`
	Volume          float64 `json:"volume"`
	AvgInputUnits   float64 `json:"avg_input_units"`
	AvgOutputUnits  float64 `json:"avg_output_units"`
	CostPerExecUSD  float64 `json:"cost_per_execution_usd"`
	CostUSD         float64 `json:"cost_usd"`
	FromLiveHistory bool    `json:"from_live_history"`
}

// Projection is the projected spend and the savings against the most
// expensive capable model.
type Projection struct {
	TaskType           models.TaskType   `json:"task_type"`
	Volume             float64           `json:"volume"`
	DistributionSource string            `json:"distribution_source"`
	Models             []ModelProjection `json:"models"`
	TotalCostUSD       float64           `json:"total_cost_usd"`
	BaselineModelID    string            `json:"baseline_model_id"`
	BaselineCostUSD    float64           `json:"baseline_cost_usd"`
	SavingsUSD         float64           `json:"savings_usd"`
	SavingsPct         float64           `json:"savings_pct"`
}

// Analyzer projects spend from catalog prices and tracked usage. It keeps
// no state of its own, so every projection is linear in volume.
type Analyzer struct {
	cfg     Config
	catalog Catalog
	stats   StatsSource
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg Config, catalog Catalog, stats StatsSource) *Analyzer {
	def := DefaultConfig()
	if cfg.ReferenceInputUnits <= 0 {
		cfg.ReferenceInputUnits = def.ReferenceInputUnits
	}
	if cfg.ReferenceOutputUnits <= 0 {
		cfg.ReferenceOutputUnits = def.ReferenceOutputUnits
	}
	return &Analyzer{cfg: cfg, catalog: catalog, stats: stats}
}

// Project computes the cost of req.Volume executions split by the
// requested, historical or uniform distribution.
func (a *Analyzer) Project(ctx context.Context, req ProjectionRequest) (*Projection, error) {
	if !req.TaskType.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownTaskType, req.TaskType)
	}
	if req.Volume < 0 || math.IsNaN(req.Volume) || math.IsInf(req.Volume, 0) {
		return nil, fmt.Errorf("%w: volume must be a non-negative number", ErrInvalidProjection)
	}
	window := req.Window
	if window == 0 {
		window = a.cfg.Window
	}

	dist := req.Distribution
	source := SourceExplicit
	for id := range dist {
		m, err := a.catalog.Get(id)
		if err != nil {
			return nil, err
		}
		if !m.Supports(req.TaskType) {
			return nil, fmt.Errorf("%w: model %s does not support task %s", ErrInvalidProjection, id, req.TaskType)
		}
	}
	if len(dist) == 0 {
		hist, err := a.HistoricalDistribution(ctx, req.TaskType, window)
		if err != nil {
			return nil, err
		}
		dist, source = hist, SourceHistorical
		if len(dist) == 0 {
			dist, source = a.uniform(req.TaskType), SourceUniform
		}
	}
	if len(dist) == 0 {
		return nil, fmt.Errorf("%w: task %s", router.ErrNoEligibleModel, req.TaskType)
	}

	shares, err := normalize(dist)
	if err != nil {
		return nil, err
	}
	return a.project(ctx, req.TaskType, req.Volume, window, shares, source)
}

// ProjectDecision projects the cost of sending the whole volume to the
// model a routing decision picked.
func (a *Analyzer) ProjectDecision(ctx context.Context, task models.TaskType, d router.Decision, volume float64) (*Projection, error) {
	if d.ModelID == "" {
		return nil, fmt.Errorf("%w: decision has no model", ErrInvalidProjection)
	}
	if volume < 0 {
		return nil, fmt.Errorf("%w: volume must be non-negative", ErrInvalidProjection)
	}
	return a.project(ctx, task, volume, a.cfg.Window, map[string]float64{d.ModelID: 1}, SourceDecision)
}

// HistoricalDistribution returns each capable model's share of tracked
// executions over the window. It is empty when nothing was tracked.
func (a *Analyzer) HistoricalDistribution(ctx context.Context, task models.TaskType, window time.Duration) (map[string]float64, error) {
	counts := make(map[string]float64)
	total := 0.0
	for _, m := range a.catalog.ListEligible(task, registry.Constraints{}) {
		s, err := a.stats.Stats(ctx, m.ID, task, window)
		if err != nil {
			return nil, fmt.Errorf("stats for %s: %w", m.ID, err)
		}
		if s.Count > 0 {
			counts[m.ID] = float64(s.Count)
			total += float64(s.Count)
		}
	}
	if total == 0 {
		return map[string]float64{}, nil
	}
	for id, c := range counts {
		counts[id] = c / total
	}
	return counts, nil
}

func (a *Analyzer) uniform(task models.TaskType) map[string]float64 {
	eligible := a.catalog.ListEligible(task, registry.Constraints{})
	out := make(map[string]float64, len(eligible))
	for _, m := range eligible {
		out[m.ID] = 1 / float64(len(eligible))
	}
	return out
}

func (a *Analyzer) project(ctx context.Context, task models.TaskType, volume float64, window time.Duration, shares map[string]float64, source string) (*Projection, error) {
	p := &Projection{TaskType: task, Volume: volume, DistributionSource: source}

	ids := make([]string, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var weightedIn, weightedOut float64
	for _, id := range ids {
		m, err := a.catalog.Get(id)
		if err != nil {
			return nil, err
		}
		in, out, live := a.averageUnits(ctx, id, task, window)
		perExec := in*m.CostPerInputUnit + out*m.CostPerOutputUnit

		mp := ModelProjection{
			ModelID:         id,
			Share:           shares[id],
			Volume:          volume * shares[id],
			AvgInputUnits:   in,
			AvgOutputUnits:  out,
			CostPerExecUSD:  perExec,
			FromLiveHistory: live,
		}
		mp.CostUSD = mp.Volume * perExec
		p.Models = append(p.Models, mp)
		p.TotalCostUSD += mp.CostUSD

		weightedIn += shares[id] * in
		weightedOut += shares[id] * out
	}

	// baseline: every execution on the priciest capable model
	for _, m := range a.catalog.ListEligible(task, registry.Constraints{}) {
		perExec := weightedIn*m.CostPerInputUnit + weightedOut*m.CostPerOutputUnit
		if p.BaselineModelID == "" || perExec > p.BaselineCostUSD {
			p.BaselineModelID = m.ID
			p.BaselineCostUSD = perExec
		}
	}
	p.BaselineCostUSD *= volume

	p.SavingsUSD = p.BaselineCostUSD - p.TotalCostUSD
	if p.BaselineCostUSD > 0 {
		p.SavingsPct = 100 * p.SavingsUSD / p.BaselineCostUSD
	}
	return p, nil
}

func (a *Analyzer) averageUnits(ctx context.Context, modelID string, task models.TaskType, window time.Duration) (in, out float64, live bool) {
	if a.stats != nil {
		if s, err := a.stats.Stats(ctx, modelID, task, window); err == nil && s.Count > 0 {
			return s.MeanInputUnits, s.MeanOutputUnits, true
		}
	}
	return float64(a.cfg.ReferenceInputUnits), float64(a.cfg.ReferenceOutputUnits), false
}

func normalize(dist map[string]float64) (map[string]float64, error) {
	total := 0.0
	for id, share := range dist {
		if share < 0 || math.IsNaN(share) || math.IsInf(share, 0) {
			return nil, fmt.Errorf("%w: share for %s must be a non-negative number", ErrInvalidProjection, id)
		}
		total += share
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: distribution shares sum to zero", ErrInvalidProjection)
	}
	out := make(map[string]float64, len(dist))
	for id, share := range dist {
		if share > 0 {
			out[id] = share / total
		}
	}
	return out, nil
}
