package models

import (
	"fmt"
	"strings"
	"time"
)

//
// Model (catalog entry)
//

// LatencyClass is a coarse latency bucket used as a cold-start prior.
type LatencyClass string

const (
	LatencyFast   LatencyClass = "fast"
	LatencyMedium LatencyClass = "medium"
	LatencySlow   LatencyClass = "slow"
)

// latencyPriors are the expected latencies used before live data exists.
var latencyPriors = map[LatencyClass]time.Duration{
	LatencyFast:   500 * time.Millisecond,
	LatencyMedium: 2 * time.Second,
	LatencySlow:   8 * time.Second,
}

// Rank orders latency classes from fastest (0) to slowest.
func (c LatencyClass) Rank() int {
	switch c {
	case LatencyFast:
		return 0
	case LatencyMedium, "":
		return 1
	case LatencySlow:
		return 2
	default:
		return 3
	}
}

// Valid reports whether c is a known latency class.
func (c LatencyClass) Valid() bool {
	_, ok := latencyPriors[c]
	return ok
}

type Model struct {
	// 1. Identity
	ID          string `db:"id" json:"id" yaml:"id"`
	Provider    string `db:"provider" json:"provider" yaml:"provider"`
	DisplayName string `db:"display_name" json:"display_name" yaml:"display_name"`

	// 2. Pricing, in USD per unit (token, character, ... as agreed with callers)
	CostPerInputUnit  float64 `db:"cost_per_input_unit" json:"cost_per_input_unit" yaml:"cost_per_input_unit"`
	CostPerOutputUnit float64 `db:"cost_per_output_unit" json:"cost_per_output_unit" yaml:"cost_per_output_unit"`

	// 3. Capabilities & priors
	TaskTypes    TaskSet      `db:"task_types" json:"task_types" yaml:"task_types"`
	QualityPrior float64      `db:"quality_prior" json:"quality_prior" yaml:"quality_prior"`
	LatencyClass LatencyClass `db:"latency_class" json:"latency_class" yaml:"latency_class"`

	// 4. Generic metadata
	Metadata JSONB `db:"metadata" json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the catalog invariants: costs are non-negative, the
// capability set is non-empty and the prior lies on the quality scale.
func (m *Model) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidModel)
	}
	if m.CostPerInputUnit < 0 || m.CostPerOutputUnit < 0 {
		return fmt.Errorf("%w: %s: costs must be >= 0", ErrInvalidModel, m.ID)
	}
	if len(m.TaskTypes) == 0 {
		return fmt.Errorf("%w: %s: at least one task type is required", ErrInvalidModel, m.ID)
	}
	for _, t := range m.TaskTypes {
		if !t.Valid() {
			return fmt.Errorf("%w: %s: %w: %q", ErrInvalidModel, m.ID, ErrUnknownTaskType, t)
		}
	}
	if m.QualityPrior < 0 || m.QualityPrior > 100 {
		return fmt.Errorf("%w: %s: quality prior must be within [0,100]", ErrInvalidModel, m.ID)
	}
	if m.LatencyClass != "" && !m.LatencyClass.Valid() {
		return fmt.Errorf("%w: %s: unknown latency class %q", ErrInvalidModel, m.ID, m.LatencyClass)
	}
	return nil
}

// Normalize fills defaults and canonicalizes the capability set.
func (m *Model) Normalize() {
	if m.LatencyClass == "" {
		m.LatencyClass = LatencyMedium
	}
	if m.DisplayName == "" {
		m.DisplayName = m.ID
	}
	m.TaskTypes = m.TaskTypes.Normalized()
}

// Supports reports whether the model can serve the task type.
func (m *Model) Supports(task TaskType) bool {
	return m.TaskTypes.Contains(task)
}

// CalculateCost prices one execution from its input and output unit counts.
func (m *Model) CalculateCost(inputUnits, outputUnits int) float64 {
	cost := 0.0
	if inputUnits > 0 {
		cost += float64(inputUnits) * m.CostPerInputUnit
	}
	if outputUnits > 0 {
		cost += float64(outputUnits) * m.CostPerOutputUnit
	}
	return cost
}

// MaxUnitCost returns the higher of the input and output unit prices.
func (m *Model) MaxUnitCost() float64 {
	if m.CostPerOutputUnit > m.CostPerInputUnit {
		return m.CostPerOutputUnit
	}
	return m.CostPerInputUnit
}

// ExpectedLatency returns the latency prior for the model's class.
func (m *Model) ExpectedLatency() time.Duration {
	if d, ok := latencyPriors[m.LatencyClass]; ok {
		return d
	}
	return latencyPriors[LatencyMedium]
}

// Clone returns a deep copy so snapshots never share mutable slices.
func (m Model) Clone() Model {
	out := m
	out.TaskTypes = append(TaskSet(nil), m.TaskTypes...)
	if m.Metadata != nil {
		out.Metadata = make(JSONB, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
