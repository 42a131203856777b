package router

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy names a model selection policy.
type Strategy string

const (
	StrategyBestQuality Strategy = "best_quality"
	StrategyBestCost    Strategy = "best_cost"
	StrategyBalanced    Strategy = "balanced"
	StrategyFastest     Strategy = "fastest"

	// StrategyABTest marks decisions made by an experiment assignment.
	StrategyABTest Strategy = "ab_test"
)

// ParseStrategy validates a strategy name. An empty name is returned as-is
// so the router can apply its default.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyBestQuality, StrategyBestCost, StrategyBalanced, StrategyFastest, "":
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Weights are the balanced strategy coefficients.
type Weights struct {
	Quality float64 `json:"quality" mapstructure:"quality"`
	Cost    float64 `json:"cost" mapstructure:"cost"`
	Latency float64 `json:"latency" mapstructure:"latency"`
}

// DefaultWeights favours quality, then cost, then latency.
func DefaultWeights() Weights {
	return Weights{Quality: 0.5, Cost: 0.3, Latency: 0.2}
}

// rank orders candidates best-first for the strategy and fills their Score.
// Candidates below minQuality are removed for the threshold strategies.
func rank(strategy Strategy, cands []Candidate, minQuality float64, w Weights) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if (strategy == StrategyBestCost || strategy == StrategyFastest) && c.Quality < minQuality {
			continue
		}
		out = append(out, c)
	}

	switch strategy {
	case StrategyBestQuality:
		for i := range out {
			out[i].Score = out[i].Quality
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
			if a.CostUSD != b.CostUSD {
				return a.CostUSD < b.CostUSD
			}
			return a.ModelID < b.ModelID
		})

	case StrategyBestCost:
		for i := range out {
			out[i].Score = out[i].CostUSD
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.CostUSD != b.CostUSD {
				return a.CostUSD < b.CostUSD
			}
			if a.Quality != b.Quality {
				return a.Quality > b.Quality
			}
			return a.ModelID < b.ModelID
		})

	case StrategyFastest:
		for i := range out {
			out[i].Score = out[i].LatencyMs
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.LatencyMs != b.LatencyMs {
				return a.LatencyMs < b.LatencyMs
			}
			if a.CostUSD != b.CostUSD {
				return a.CostUSD < b.CostUSD
			}
			return a.ModelID < b.ModelID
		})

	default: // balanced
		nq := normalizer(out, func(c Candidate) float64 { return c.Quality })
		nc := normalizer(out, func(c Candidate) float64 { return c.CostUSD })
		nl := normalizer(out, func(c Candidate) float64 { return c.LatencyMs })
		for i := range out {
			c := out[i]
			out[i].Score = w.Quality*nq(c.Quality) - w.Cost*nc(c.CostUSD) - w.Latency*nl(c.LatencyMs)
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.ModelID < b.ModelID
		})
	}
	return out
}

// normalizer returns a min-max scaler over the candidate values. A constant
// dimension maps to 0 so it does not influence the ranking.
func normalizer(cands []Candidate, value func(Candidate) float64) func(float64) float64 {
	if len(cands) == 0 {
		return func(float64) float64 { return 0 }
	}
	lo, hi := value(cands[0]), value(cands[0])
	for _, c := range cands[1:] {
		v := value(c)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo
	return func(v float64) float64 {
		if span <= 0 {
			return 0
		}
		return (v - lo) / span
	}
}
