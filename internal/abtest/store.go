package abtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"model_optimizer/internal/models"
)

// Store persists tests, assignments and per-variant outcome moments.
//
// InsertAssignment must be put-if-absent: when the (test, request) pair is
// already assigned it returns ErrDuplicateAssignment and leaves the existing
// assignment untouched. RecordOutcome counts an outcome once per
// (test, request); a later outcome for the same pair replaces the recorded
// quality without changing the sample count, since feedback finalizes the
// provisional score. It reports whether the moments changed.
type Store interface {
	CreateTest(ctx context.Context, t *models.ABTest) error
	UpdateTest(ctx context.Context, t *models.ABTest) error
	GetTest(ctx context.Context, id string) (*models.ABTest, error)
	ListTests(ctx context.Context) ([]*models.ABTest, error)

	InsertAssignment(ctx context.Context, a *models.ABTestAssignment) error
	GetAssignment(ctx context.Context, testID, requestID string) (*models.ABTestAssignment, error)

	RecordOutcome(ctx context.Context, a *models.ABTestAssignment, o models.ABTestOutcome) (bool, error)
	VariantMoments(ctx context.Context, testID string) (map[string]models.VariantMoments, error)
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.Mutex
	tests       map[string]*models.ABTest
	assignments map[string]*models.ABTestAssignment
	recorded    map[string]float64
	moments     map[string]map[string]*models.VariantMoments
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:       make(map[string]*models.ABTest),
		assignments: make(map[string]*models.ABTestAssignment),
		recorded:    make(map[string]float64),
		moments:     make(map[string]map[string]*models.VariantMoments),
	}
}

func assignmentKey(testID, requestID string) string {
	return testID + "\x00" + requestID
}

func (s *MemoryStore) CreateTest(_ context.Context, t *models.ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tests[t.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTest, t.ID)
	}
	s.tests[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) UpdateTest(_ context.Context, t *models.ABTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tests[t.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrTestNotFound, t.ID)
	}
	s.tests[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTest(_ context.Context, id string) (*models.ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTests(_ context.Context) ([]*models.ABTest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ABTest, 0, len(s.tests))
	for _, t := range s.tests {
		out = append(out, t.Clone())
	}
	sortTests(out)
	return out, nil
}

func (s *MemoryStore) InsertAssignment(_ context.Context, a *models.ABTestAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(a.TestID, a.RequestID)
	if _, exists := s.assignments[key]; exists {
		return ErrDuplicateAssignment
	}
	cp := *a
	s.assignments[key] = &cp
	s.variant(a.TestID, a.ModelID).Assignments++
	return nil
}

func (s *MemoryStore) GetAssignment(_ context.Context, testID, requestID string) (*models.ABTestAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[assignmentKey(testID, requestID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrAssignmentNotFound, testID, requestID)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) RecordOutcome(_ context.Context, a *models.ABTestAssignment, o models.ABTestOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assignmentKey(a.TestID, a.RequestID)
	v := s.variant(a.TestID, a.ModelID)
	if prev, done := s.recorded[key]; done {
		if prev == o.Quality {
			return false, nil
		}
		s.recorded[key] = o.Quality
		v.Quality.Replace(prev, o.Quality)
		return true, nil
	}
	s.recorded[key] = o.Quality

	v.Quality.Add(o.Quality)
	v.Cost.Add(o.CostUSD)
	v.Latency.Add(o.LatencyMs)
	return true, nil
}

func (s *MemoryStore) VariantMoments(_ context.Context, testID string) (map[string]models.VariantMoments, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.VariantMoments, len(s.moments[testID]))
	for id, v := range s.moments[testID] {
		out[id] = *v
	}
	return out, nil
}

// variant must be called with s.mu held.
func (s *MemoryStore) variant(testID, modelID string) *models.VariantMoments {
	byModel, ok := s.moments[testID]
	if !ok {
		byModel = make(map[string]*models.VariantMoments)
		s.moments[testID] = byModel
	}
	v, ok := byModel[modelID]
	if !ok {
		v = &models.VariantMoments{ModelID: modelID}
		byModel[modelID] = v
	}
	return v
}

func sortTests(tests []*models.ABTest) {
	sort.Slice(tests, func(i, j int) bool {
		if !tests[i].CreatedAt.Equal(tests[j].CreatedAt) {
			return tests[i].CreatedAt.Before(tests[j].CreatedAt)
		}
		return tests[i].ID < tests[j].ID
	})
}
