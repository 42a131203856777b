package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"model_optimizer/internal/models"
	"model_optimizer/internal/utils"
)

// Constraints narrow the eligible set beyond task-type capability.
// Zero values mean "no constraint".
type Constraints struct {
	MaxCostPerUnit  float64             `json:"max_cost_per_unit,omitempty"`
	MinQualityPrior float64             `json:"min_quality_prior,omitempty"`
	Providers       []string            `json:"providers,omitempty"`
	ExcludeModels   []string            `json:"exclude_models,omitempty"`
	MaxLatencyClass models.LatencyClass `json:"max_latency_class,omitempty"`
}

func (c Constraints) allows(m *models.Model) bool {
	if c.MaxCostPerUnit > 0 && m.MaxUnitCost() > c.MaxCostPerUnit {
		return false
	}
	if c.MinQualityPrior > 0 && m.QualityPrior < c.MinQualityPrior {
		return false
	}
	if c.MaxLatencyClass != "" && m.LatencyClass.Rank() > c.MaxLatencyClass.Rank() {
		return false
	}
	if len(c.Providers) > 0 && !contains(c.Providers, m.Provider) {
		return false
	}
	if contains(c.ExcludeModels, m.ID) {
		return false
	}
	return true
}

// ReloadHook is invoked after a new snapshot becomes active.
type ReloadHook func(s *Snapshot)

// Registry holds the active catalog snapshot. Reads are lock-free; writers
// build a new snapshot and swap the pointer.
type Registry struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
	hooks   []ReloadHook
	logger  *utils.Logger
}

// New creates a registry with an empty catalog.
func New() *Registry {
	r := &Registry{logger: utils.NewLogger("registry")}
	empty, _ := NewSnapshot("empty", nil)
	r.current.Store(empty)
	return r
}

// OnReload registers a hook called after Register and Reload. Hooks run on
// the writer's goroutine and must not call back into the registry's write
// methods.
func (r *Registry) OnReload(hook ReloadHook) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register adds a single model to the catalog.
func (r *Registry) Register(m models.Model) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byID[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, m.ID)
	}

	next, err := cur.with(m)
	if err != nil {
		return err
	}
	r.swap(next)
	r.logger.Info("Model registered", "model_id", m.ID, "version", next.Version)
	return nil
}

// Get returns the model with the given id from the active snapshot.
func (r *Registry) Get(id string) (models.Model, error) {
	m, ok := r.current.Load().Get(id)
	if !ok {
		return models.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return m, nil
}

// List returns copies of every model in the active snapshot.
func (r *Registry) List() []models.Model {
	snap := r.current.Load()
	out := make([]models.Model, len(snap.Models))
	for i := range snap.Models {
		out[i] = snap.Models[i].Clone()
	}
	return out
}

// ListEligible returns the models that support task and satisfy c, ordered
// by id.
func (r *Registry) ListEligible(task models.TaskType, c Constraints) []models.Model {
	snap := r.current.Load()
	out := make([]models.Model, 0, len(snap.Models))
	for i := range snap.Models {
		m := &snap.Models[i]
		if !m.Supports(task) || !c.allows(m) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// Reload replaces the active catalog in one step. The snapshot is
// re-validated first; an invalid one leaves the current catalog in place.
func (r *Registry) Reload(snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	next, err := NewSnapshot(snapshot.Version, snapshot.Models)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prev := r.current.Load()
	r.swap(next)
	r.logger.Info("Catalog reloaded",
		"previous_version", prev.Version,
		"version", next.Version,
		"models", next.Len(),
	)
	return nil
}

// Snapshot returns the active snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Version returns the active snapshot version.
func (r *Registry) Version() string {
	return r.current.Load().Version
}

// swap must be called with writeMu held.
func (r *Registry) swap(next *Snapshot) {
	r.current.Store(next)
	for _, hook := range r.hooks {
		hook(next)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
