package models

import (
	"errors"
	"testing"
	"time"
)

func TestModel_Validate(t *testing.T) {
	valid := Model{
		ID:                "gpt-small",
		Provider:          "openai",
		CostPerInputUnit:  0.001,
		CostPerOutputUnit: 0.002,
		TaskTypes:         TaskSet{TaskEmailWriting},
		QualityPrior:      60,
		LatencyClass:      LatencyFast,
	}

	tests := []struct {
		name    string
		mutate  func(m *Model)
		wantErr bool
	}{
		{name: "valid", mutate: func(m *Model) {}},
		{name: "missing id", mutate: func(m *Model) { m.ID = " " }, wantErr: true},
		{name: "negative input cost", mutate: func(m *Model) { m.CostPerInputUnit = -1 }, wantErr: true},
		{name: "negative output cost", mutate: func(m *Model) { m.CostPerOutputUnit = -0.1 }, wantErr: true},
		{name: "no capabilities", mutate: func(m *Model) { m.TaskTypes = nil }, wantErr: true},
		{name: "unknown task", mutate: func(m *Model) { m.TaskTypes = TaskSet{"poetry"} }, wantErr: true},
		{name: "prior above 100", mutate: func(m *Model) { m.QualityPrior = 101 }, wantErr: true},
		{name: "unknown latency class", mutate: func(m *Model) { m.LatencyClass = "warp" }, wantErr: true},
		{name: "empty latency class allowed", mutate: func(m *Model) { m.LatencyClass = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid.Clone()
			tt.mutate(&m)
			err := m.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidModel) {
				t.Errorf("Validate() error = %v, want ErrInvalidModel", err)
			}
		})
	}
}

func TestModel_CalculateCost(t *testing.T) {
	m := &Model{CostPerInputUnit: 0.01, CostPerOutputUnit: 0.03}

	tests := []struct {
		name   string
		in     int
		out    int
		expect float64
	}{
		{name: "input and output", in: 100, out: 50, expect: 2.5},
		{name: "input only", in: 10, out: 0, expect: 0.1},
		{name: "negative units ignored", in: -5, out: 10, expect: 0.3},
		{name: "zero", in: 0, out: 0, expect: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.CalculateCost(tt.in, tt.out)
			if diff := got - tt.expect; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("CalculateCost(%d, %d) = %f, want %f", tt.in, tt.out, got, tt.expect)
			}
		})
	}
}

func TestModel_NormalizeAndSupports(t *testing.T) {
	m := Model{ID: "m", TaskTypes: TaskSet{TaskGeneral, TaskEmailWriting, TaskGeneral}}
	m.Normalize()

	if m.LatencyClass != LatencyMedium {
		t.Errorf("LatencyClass = %s, want medium", m.LatencyClass)
	}
	if m.DisplayName != "m" {
		t.Errorf("DisplayName = %s, want m", m.DisplayName)
	}
	if len(m.TaskTypes) != 2 || m.TaskTypes[0] != TaskEmailWriting {
		t.Errorf("TaskTypes = %v, want sorted and deduplicated", m.TaskTypes)
	}
	if !m.Supports(TaskGeneral) || m.Supports(TaskCodeGeneration) {
		t.Errorf("Supports() mismatch for %v", m.TaskTypes)
	}
	if m.ExpectedLatency() != 2*time.Second {
		t.Errorf("ExpectedLatency() = %v, want 2s", m.ExpectedLatency())
	}
}

func TestModel_CloneIsIndependent(t *testing.T) {
	m := Model{ID: "m", TaskTypes: TaskSet{TaskGeneral}, Metadata: JSONB{"tier": "gold"}}
	c := m.Clone()
	c.TaskTypes[0] = TaskLeadScoring
	c.Metadata["tier"] = "silver"

	if m.TaskTypes[0] != TaskGeneral {
		t.Errorf("original task types mutated: %v", m.TaskTypes)
	}
	if m.Metadata["tier"] != "gold" {
		t.Errorf("original metadata mutated: %v", m.Metadata)
	}
}

func TestTaskSet_ScanValue(t *testing.T) {
	s := TaskSet{TaskEmailWriting, TaskGeneral}
	v, err := s.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	if v != "email_writing,general" {
		t.Errorf("Value() = %v", v)
	}

	var out TaskSet
	if err := out.Scan([]byte("email_writing, general,")); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(out) != 2 || out[1] != TaskGeneral {
		t.Errorf("Scan() = %v", out)
	}
	if err := out.Scan(42); err == nil {
		t.Error("Scan(int) expected error")
	}
}

func TestParseTaskType(t *testing.T) {
	if tt, err := ParseTaskType(" Email_Writing "); err != nil || tt != TaskEmailWriting {
		t.Errorf("ParseTaskType() = %v, %v", tt, err)
	}
	if _, err := ParseTaskType("haiku"); !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("ParseTaskType(haiku) error = %v, want ErrUnknownTaskType", err)
	}
}
