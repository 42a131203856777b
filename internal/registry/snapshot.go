package registry

import (
	"fmt"
	"sort"
	"time"

	"model_optimizer/internal/models"
)

// Snapshot is an immutable view of the model catalog. Readers hold on to a
// snapshot for the duration of a request, so a concurrent reload can never
// hand them a half-updated set.
type Snapshot struct {
	Version  string         `json:"version" yaml:"version"`
	LoadedAt time.Time      `json:"loaded_at" yaml:"-"`
	Models   []models.Model `json:"models" yaml:"models"`

	byID map[string]int
}

// NewSnapshot validates and indexes a set of models. The input slice is
// copied; later changes to it do not affect the snapshot.
func NewSnapshot(version string, entries []models.Model) (*Snapshot, error) {
	s := &Snapshot{
		Version:  version,
		LoadedAt: time.Now().UTC(),
		Models:   make([]models.Model, 0, len(entries)),
		byID:     make(map[string]int, len(entries)),
	}

	for _, entry := range entries {
		m := entry.Clone()
		m.Normalize()
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		if _, exists := s.byID[m.ID]; exists {
			return nil, fmt.Errorf("%w: %w: %s", ErrInvalidSnapshot, ErrDuplicateModel, m.ID)
		}
		s.byID[m.ID] = -1
		s.Models = append(s.Models, m)
	}

	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].ID < s.Models[j].ID })
	for i := range s.Models {
		s.byID[s.Models[i].ID] = i
	}
	if s.Version == "" {
		s.Version = s.LoadedAt.Format("20060102T150405Z")
	}
	return s, nil
}

// Get returns a copy of the model with the given id.
func (s *Snapshot) Get(id string) (models.Model, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return models.Model{}, false
	}
	return s.Models[idx].Clone(), true
}

// Len returns the number of models in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Models)
}

// with returns a new snapshot containing the current models plus m.
func (s *Snapshot) with(m models.Model) (*Snapshot, error) {
	entries := make([]models.Model, 0, len(s.Models)+1)
	entries = append(entries, s.Models...)
	entries = append(entries, m)
	return NewSnapshot(s.Version, entries)
}
