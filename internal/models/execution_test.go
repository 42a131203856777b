package models

import (
	"errors"
	"math"
	"testing"
)

func TestExecutionRecord_Advance(t *testing.T) {
	r := &ExecutionRecord{State: ExecutionPending}

	if err := r.Advance(ExecutionCompleted); err != nil {
		t.Fatalf("pending -> completed: %v", err)
	}
	if err := r.Advance(ExecutionCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed -> completed error = %v, want ErrInvalidTransition", err)
	}
	if err := r.Advance(ExecutionScored); err != nil {
		t.Fatalf("completed -> scored: %v", err)
	}
	if err := r.Advance(ExecutionPending); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("scored -> pending error = %v, want ErrInvalidTransition", err)
	}
}

func TestClampScore(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{in: -3, want: 0},
		{in: 0, want: 0},
		{in: 55.5, want: 55.5},
		{in: 100, want: 100},
		{in: 140, want: 100},
		{in: math.NaN(), want: 0},
	}
	for _, tt := range tests {
		if got := ClampScore(tt.in); got != tt.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}

	r := &ExecutionRecord{}
	r.SetQuality(250)
	if *r.QualityScore != 100 {
		t.Errorf("SetQuality(250) stored %v", *r.QualityScore)
	}
}

func TestParseFeedbackKind(t *testing.T) {
	for _, s := range []string{"approved", "edited", "rejected", "none"} {
		if _, err := ParseFeedbackKind(s); err != nil {
			t.Errorf("ParseFeedbackKind(%q) error = %v", s, err)
		}
	}
	if k, _ := ParseFeedbackKind(""); k != FeedbackNone {
		t.Errorf("empty kind = %q, want none", k)
	}
	if _, err := ParseFeedbackKind("loved"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestMoments_Summary(t *testing.T) {
	var m Moments
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m.Add(x)
	}
	s := m.Summary()

	if s.Count != 8 {
		t.Errorf("Count = %d, want 8", s.Count)
	}
	if s.Mean != 5 {
		t.Errorf("Mean = %v, want 5", s.Mean)
	}
	// sample variance of the classic example is 32/7
	if math.Abs(s.Variance-32.0/7.0) > 1e-9 {
		t.Errorf("Variance = %v, want %v", s.Variance, 32.0/7.0)
	}

	var empty Moments
	if got := empty.Summary(); got.Mean != 0 || got.Variance != 0 {
		t.Errorf("empty Summary() = %+v", got)
	}

	var a, b Moments
	a.Add(1)
	b.Add(3)
	a.Merge(b)
	if a.Summary().Mean != 2 {
		t.Errorf("merged mean = %v, want 2", a.Summary().Mean)
	}

	var r Moments
	r.Add(90)
	r.Add(50)
	r.Replace(90, 10)
	if r != (Moments{N: 2, Sum: 60, SumSq: 2600}) {
		t.Errorf("after Replace = %+v, want N=2 Sum=60 SumSq=2600", r)
	}
}
