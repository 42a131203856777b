package models

import (
	"math"
	"time"
)

// StatsKey identifies one aggregated counter set.
type StatsKey struct {
	ModelID  string   `json:"model_id"`
	TaskType TaskType `json:"task_type"`
}

func (k StatsKey) String() string {
	return k.ModelID + "|" + string(k.TaskType)
}

// Moments holds count, sum and sum of squares for one metric. Combining
// moments is associative, which lets buckets be merged in any order.
type Moments struct {
	N     float64 `json:"n"`
	Sum   float64 `json:"sum"`
	SumSq float64 `json:"sum_sq"`
}

// Add folds a single observation in.
func (m *Moments) Add(x float64) {
	m.N++
	m.Sum += x
	m.SumSq += x * x
}

// Replace swaps an already counted observation prev for x. N is unchanged.
func (m *Moments) Replace(prev, x float64) {
	m.Sum += x - prev
	m.SumSq += x*x - prev*prev
}

// Merge folds other into m.
func (m *Moments) Merge(other Moments) {
	m.N += other.N
	m.Sum += other.Sum
	m.SumSq += other.SumSq
}

// Summary computes mean and unbiased sample variance.
func (m Moments) Summary() MetricSummary {
	s := MetricSummary{Count: int64(math.Round(m.N))}
	if m.N <= 0 {
		return s
	}
	s.Mean = m.Sum / m.N
	if m.N > 1 {
		v := (m.SumSq - m.Sum*m.Sum/m.N) / (m.N - 1)
		if v < 0 {
			v = 0 // float cancellation
		}
		s.Variance = v
		s.StdDev = math.Sqrt(v)
	}
	return s
}

// MetricSummary is the derived view of a Moments value.
type MetricSummary struct {
	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stddev"`
}

// AggregatedStats summarizes completed, non-expired executions for one
// (model, task type) pair over a window.
type AggregatedStats struct {
	ModelID          string        `json:"model_id"`
	TaskType         TaskType      `json:"task_type"`
	Window           time.Duration `json:"window"`
	Count            int64         `json:"count"`
	Cost             MetricSummary `json:"cost"`
	Latency          MetricSummary `json:"latency_ms"`
	Quality          MetricSummary `json:"quality"`
	MeanInputUnits   float64       `json:"mean_input_units"`
	MeanOutputUnits  float64       `json:"mean_output_units"`
	InsufficientData bool          `json:"insufficient_data"`
}
