package models

import (
	"fmt"
	"time"
)

// ExecutionState tracks a record through start -> completed -> scored.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionScored    ExecutionState = "scored"
)

func (s ExecutionState) rank() int {
	switch s {
	case ExecutionPending:
		return 0
	case ExecutionCompleted:
		return 1
	case ExecutionScored:
		return 2
	default:
		return -1
	}
}

// FeedbackKind is the human verdict on an output.
type FeedbackKind string

const (
	FeedbackNone     FeedbackKind = "none"
	FeedbackApproved FeedbackKind = "approved"
	FeedbackEdited   FeedbackKind = "edited"
	FeedbackRejected FeedbackKind = "rejected"
)

// ParseFeedbackKind validates a feedback kind name.
func ParseFeedbackKind(s string) (FeedbackKind, error) {
	switch k := FeedbackKind(s); k {
	case FeedbackNone, FeedbackApproved, FeedbackEdited, FeedbackRejected:
		return k, nil
	case "":
		return FeedbackNone, nil
	default:
		return "", fmt.Errorf("unknown feedback kind %q", s)
	}
}

// ExecutionRecord represents one model call as seen by the optimizer.
// ID is the opaque handle returned by begin_execution.
type ExecutionRecord struct {
	ID          string         `db:"id" json:"id"`
	ModelID     string         `db:"model_id" json:"model_id"`
	TaskType    TaskType       `db:"task_type" json:"task_type"`
	State       ExecutionState `db:"state" json:"state"`
	StartedAt   time.Time      `db:"started_at" json:"started_at"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`

	InputUnits  int     `db:"input_units" json:"input_units"`
	OutputUnits int     `db:"output_units" json:"output_units"`
	CostUSD     float64 `db:"cost_usd" json:"cost_usd"`
	LatencyMs   float64 `db:"latency_ms" json:"latency_ms"`

	HeuristicScore *float64     `db:"heuristic_score" json:"heuristic_score,omitempty"`
	QualityScore   *float64     `db:"quality_score" json:"quality_score,omitempty"`
	Feedback       FeedbackKind `db:"feedback" json:"feedback"`
	EditDistance   *int         `db:"edit_distance" json:"edit_distance,omitempty"`

	// Experiment tags, empty when the call was not part of an AB test
	ABTestID  string `db:"ab_test_id" json:"ab_test_id,omitempty"`
	RequestID string `db:"request_id" json:"request_id,omitempty"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Advance moves the record forward in its lifecycle. Moving sideways or
// backwards is rejected.
func (r *ExecutionRecord) Advance(next ExecutionState) error {
	if next.rank() <= r.State.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	r.State = next
	return nil
}

// SetQuality stores a quality score clamped to [0,100].
func (r *ExecutionRecord) SetQuality(score float64) {
	score = ClampScore(score)
	r.QualityScore = &score
}

// Latency returns the recorded latency as a duration.
func (r *ExecutionRecord) Latency() time.Duration {
	return time.Duration(r.LatencyMs * float64(time.Millisecond))
}

// ClampScore bounds a score to the [0,100] quality scale.
func ClampScore(score float64) float64 {
	switch {
	case score != score: // NaN
		return 0
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// Clone returns a copy with independent pointer fields.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	out := *r
	if r.CompletedAt != nil {
		c := *r.CompletedAt
		out.CompletedAt = &c
	}
	if r.HeuristicScore != nil {
		h := *r.HeuristicScore
		out.HeuristicScore = &h
	}
	if r.QualityScore != nil {
		q := *r.QualityScore
		out.QualityScore = &q
	}
	if r.EditDistance != nil {
		d := *r.EditDistance
		out.EditDistance = &d
	}
	return &out
}
