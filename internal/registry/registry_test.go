package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model_optimizer/internal/models"
)

func testModel(id string, cost float64, prior float64, tasks ...models.TaskType) models.Model {
	return models.Model{
		ID:                id,
		Provider:          "test",
		CostPerInputUnit:  cost,
		CostPerOutputUnit: cost,
		TaskTypes:         tasks,
		QualityPrior:      prior,
		LatencyClass:      models.LatencyMedium,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()

	require.NoError(t, r.Register(testModel("a", 0.01, 70, models.TaskEmailWriting)))

	m, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", m.ID)
	assert.Equal(t, "a", m.DisplayName)

	err = r.Register(testModel("a", 0.02, 50, models.TaskGeneral))
	assert.ErrorIs(t, err, ErrDuplicateModel)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	r := New()

	err := r.Register(testModel("bad", -1, 50, models.TaskGeneral))
	assert.ErrorIs(t, err, models.ErrInvalidModel)
	assert.Equal(t, 0, r.Snapshot().Len())
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testModel("a", 0.01, 70, models.TaskEmailWriting)))

	m, err := r.Get("a")
	require.NoError(t, err)
	m.TaskTypes[0] = models.TaskLeadScoring

	again, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.TaskEmailWriting, again.TaskTypes[0])
}

func TestRegistry_ListEligible(t *testing.T) {
	r := New()
	fast := testModel("fast", 0.001, 55, models.TaskEmailWriting)
	fast.LatencyClass = models.LatencyFast
	fast.Provider = "acme"
	slow := testModel("slow", 0.02, 90, models.TaskEmailWriting, models.TaskCodeGeneration)
	slow.LatencyClass = models.LatencySlow
	coder := testModel("coder", 0.005, 80, models.TaskCodeGeneration)

	for _, m := range []models.Model{slow, fast, coder} {
		require.NoError(t, r.Register(m))
	}

	tests := []struct {
		name        string
		task        models.TaskType
		constraints Constraints
		want        []string
	}{
		{name: "capability only", task: models.TaskEmailWriting, want: []string{"fast", "slow"}},
		{name: "max cost", task: models.TaskEmailWriting, constraints: Constraints{MaxCostPerUnit: 0.01}, want: []string{"fast"}},
		{name: "min prior", task: models.TaskEmailWriting, constraints: Constraints{MinQualityPrior: 60}, want: []string{"slow"}},
		{name: "provider allow-list", task: models.TaskEmailWriting, constraints: Constraints{Providers: []string{"acme"}}, want: []string{"fast"}},
		{name: "exclusion", task: models.TaskCodeGeneration, constraints: Constraints{ExcludeModels: []string{"coder"}}, want: []string{"slow"}},
		{name: "latency class", task: models.TaskEmailWriting, constraints: Constraints{MaxLatencyClass: models.LatencyMedium}, want: []string{"fast"}},
		{name: "unsupported task", task: models.TaskVideoScript, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ListEligible(tt.task, tt.constraints)
			ids := make([]string, 0, len(got))
			for _, m := range got {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestRegistry_ReloadSwapsAtomically(t *testing.T) {
	r := New()

	build := func(version string, prefix string) *Snapshot {
		entries := make([]models.Model, 0, 10)
		for i := 0; i < 10; i++ {
			entries = append(entries, testModel(fmt.Sprintf("%s-%d", prefix, i), 0.01, 50, models.TaskGeneral))
		}
		s, err := NewSnapshot(version, entries)
		require.NoError(t, err)
		return s
	}
	v1 := build("v1", "old")
	v2 := build("v2", "new")
	require.NoError(t, r.Reload(v1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	inconsistent := make(chan string, 1)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				eligible := r.ListEligible(models.TaskGeneral, Constraints{})
				if len(eligible) != 10 {
					select {
					case inconsistent <- fmt.Sprintf("saw %d models", len(eligible)):
					default:
					}
					return
				}
				prefix := eligible[0].ID[:3]
				for _, m := range eligible {
					if m.ID[:3] != prefix {
						select {
						case inconsistent <- "mixed snapshot observed":
						default:
						}
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, r.Reload(v2))
		} else {
			require.NoError(t, r.Reload(v1))
		}
	}
	close(stop)
	wg.Wait()

	select {
	case msg := <-inconsistent:
		t.Fatal(msg)
	default:
	}
}

func TestRegistry_ReloadRejectsInvalidSnapshot(t *testing.T) {
	r := New()
	good, err := NewSnapshot("v1", []models.Model{testModel("a", 0.01, 70, models.TaskGeneral)})
	require.NoError(t, err)
	require.NoError(t, r.Reload(good))

	bad := &Snapshot{Version: "v2", Models: []models.Model{
		testModel("x", 0.01, 70, models.TaskGeneral),
		testModel("x", 0.02, 70, models.TaskGeneral),
	}}
	assert.ErrorIs(t, r.Reload(bad), ErrInvalidSnapshot)
	assert.ErrorIs(t, r.Reload(nil), ErrInvalidSnapshot)
	assert.Equal(t, "v1", r.Version())
}

func TestRegistry_OnReloadHook(t *testing.T) {
	r := New()
	var versions []string
	r.OnReload(func(s *Snapshot) { versions = append(versions, s.Version) })

	s, err := NewSnapshot("v7", []models.Model{testModel("a", 0.01, 70, models.TaskGeneral)})
	require.NoError(t, err)
	require.NoError(t, r.Reload(s))
	require.NoError(t, r.Register(testModel("b", 0.01, 70, models.TaskGeneral)))

	assert.Equal(t, []string{"v7", "v7"}, versions)
}

const catalogYAML = `
version: "2025-06"
models:
  - id: premium
    provider: openai
    cost_per_input_unit: 0.01
    cost_per_output_unit: 0.03
    task_types: [email_writing, general]
    quality_prior: 70
    latency_class: slow
  - id: budget
    provider: local
    cost_per_input_unit: 0.001
    cost_per_output_unit: 0.001
    task_types: [email_writing]
    quality_prior: 60
`

func TestParseSnapshot(t *testing.T) {
	s, err := ParseSnapshot([]byte(catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, "2025-06", s.Version)
	require.Equal(t, 2, s.Len())

	budget, ok := s.Get("budget")
	require.True(t, ok)
	assert.Equal(t, models.LatencyMedium, budget.LatencyClass)

	jsonDoc := `{"version":"j1","models":[{"id":"a","cost_per_input_unit":0.1,"cost_per_output_unit":0.1,"task_types":["general"],"quality_prior":50}]}`
	s, err = ParseSnapshot([]byte(jsonDoc))
	require.NoError(t, err)
	assert.Equal(t, "j1", s.Version)

	_, err = ParseSnapshot([]byte("version: x\nmodels:\n  - id: a\n    task_types: []\n"))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = ParseSnapshot([]byte("version: x\nunknown_field: 1\n"))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestMarshalSnapshotRoundTrip(t *testing.T) {
	s, err := ParseSnapshot([]byte(catalogYAML))
	require.NoError(t, err)

	data, err := MarshalSnapshot(s)
	require.NoError(t, err)

	again, err := ParseSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, s.Models, again.Models)
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))

	r := New()
	snap, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, r.Reload(snap))

	stop, err := r.Watch(context.Background(), path, 20*time.Millisecond)
	require.NoError(t, err)
	defer stop()

	updated := `
version: "2025-07"
models:
  - id: solo
    cost_per_input_unit: 0.002
    cost_per_output_unit: 0.002
    task_types: [general]
    quality_prior: 65
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return r.Version() == "2025-07"
	}, 3*time.Second, 20*time.Millisecond)

	// a broken file keeps the last good catalog
	require.NoError(t, os.WriteFile(path, []byte("models: [[["), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, "2025-07", r.Version())
	_, err = r.Get("solo")
	assert.NoError(t, err)
}
