package models

import "time"

// ABTestStatus is the lifecycle state of an experiment.
type ABTestStatus string

const (
	ABTestDraft        ABTestStatus = "draft"
	ABTestRunning      ABTestStatus = "running"
	ABTestCompleted    ABTestStatus = "completed"
	ABTestInconclusive ABTestStatus = "inconclusive"
)

// Terminal reports whether no further transitions are possible.
func (s ABTestStatus) Terminal() bool {
	return s == ABTestCompleted || s == ABTestInconclusive
}

// Metric selects what an experiment compares.
type Metric string

const (
	MetricQuality Metric = "quality"
	MetricCost    Metric = "cost"
	MetricLatency Metric = "latency"
)

// HigherIsBetter reports the direction of improvement for the metric.
func (m Metric) HigherIsBetter() bool {
	return m == MetricQuality || m == ""
}

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	switch m {
	case MetricQuality, MetricCost, MetricLatency:
		return true
	}
	return false
}

// ABTest is an operator-defined experiment over variant models.
type ABTest struct {
	ID                  string       `db:"id" json:"id"`
	Name                string       `db:"name" json:"name"`
	TaskType            TaskType     `db:"task_type" json:"task_type"`
	Variants            []string     `db:"-" json:"variants"`
	Weights             []float64    `db:"-" json:"weights"`
	MinSamplePerVariant int          `db:"min_sample_per_variant" json:"min_sample_per_variant"`
	Metric              Metric       `db:"metric" json:"metric"`
	Significance        float64      `db:"significance" json:"significance"`
	Status              ABTestStatus `db:"status" json:"status"`
	Winner              *string      `db:"winner" json:"winner,omitempty"`
	PValue              *float64     `db:"p_value" json:"p_value,omitempty"`
	ConfidenceLevel     *float64     `db:"confidence_level" json:"confidence_level,omitempty"`
	CreatedAt           time.Time    `db:"created_at" json:"created_at"`
	StartedAt           *time.Time   `db:"started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// HasVariant reports whether modelID participates in the test.
func (t *ABTest) HasVariant(modelID string) bool {
	for _, v := range t.Variants {
		if v == modelID {
			return true
		}
	}
	return false
}

// Clone returns a copy with independent slices and pointers.
func (t *ABTest) Clone() *ABTest {
	out := *t
	out.Variants = append([]string(nil), t.Variants...)
	out.Weights = append([]float64(nil), t.Weights...)
	if t.Winner != nil {
		w := *t.Winner
		out.Winner = &w
	}
	if t.PValue != nil {
		p := *t.PValue
		out.PValue = &p
	}
	if t.ConfidenceLevel != nil {
		c := *t.ConfidenceLevel
		out.ConfidenceLevel = &c
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return &out
}

// ABTestAssignment binds one request to one variant. It never changes once
// created.
type ABTestAssignment struct {
	TestID     string    `db:"test_id" json:"test_id"`
	RequestID  string    `db:"request_id" json:"request_id"`
	ModelID    string    `db:"model_id" json:"model_id"`
	AssignedAt time.Time `db:"assigned_at" json:"assigned_at"`
}

// ABTestOutcome is the measured result attached to an assignment.
type ABTestOutcome struct {
	Quality   float64 `json:"quality"`
	CostUSD   float64 `json:"cost_usd"`
	LatencyMs float64 `json:"latency_ms"`
}

// Value extracts the metric an experiment compares.
func (o ABTestOutcome) Value(m Metric) float64 {
	switch m {
	case MetricCost:
		return o.CostUSD
	case MetricLatency:
		return o.LatencyMs
	default:
		return o.Quality
	}
}

// VariantMoments are the accumulated outcomes for one variant.
type VariantMoments struct {
	ModelID     string  `json:"model_id"`
	Assignments int64   `json:"assignments"`
	Quality     Moments `json:"quality"`
	Cost        Moments `json:"cost"`
	Latency     Moments `json:"latency"`
}

// For returns the moments of the selected metric.
func (v VariantMoments) For(m Metric) Moments {
	switch m {
	case MetricCost:
		return v.Cost
	case MetricLatency:
		return v.Latency
	default:
		return v.Quality
	}
}
