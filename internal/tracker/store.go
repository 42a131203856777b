package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"model_optimizer/internal/models"
)

// bucketSize is the granularity of windowed statistics.
const bucketSize = time.Hour

// Delta is an additive change to the counters of one (model, task) pair.
// Completions add a full observation; feedback corrections carry only a
// quality adjustment with Count 0.
type Delta struct {
	Count       float64        `json:"count"`
	InputUnits  float64        `json:"input_units"`
	OutputUnits float64        `json:"output_units"`
	Cost        models.Moments `json:"cost"`
	Latency     models.Moments `json:"latency"`
	Quality     models.Moments `json:"quality"`
}

// Merge folds other into d.
func (d *Delta) Merge(other Delta) {
	d.Count += other.Count
	d.InputUnits += other.InputUnits
	d.OutputUnits += other.OutputUnits
	d.Cost.Merge(other.Cost)
	d.Latency.Merge(other.Latency)
	d.Quality.Merge(other.Quality)
}

// StatsStore persists aggregated counters. Apply must be atomic per key:
// concurrent deltas may never be lost or partially applied.
type StatsStore interface {
	// Apply adds d to the bucket containing at.
	Apply(ctx context.Context, key models.StatsKey, at time.Time, d Delta) error
	// Sum returns the totals of every bucket starting at or after since.
	// A zero since returns all-time totals.
	Sum(ctx context.Context, key models.StatsKey, since time.Time) (Delta, error)
	// Keys lists every pair that has received data.
	Keys(ctx context.Context) ([]models.StatsKey, error)
}

func bucketOf(t time.Time) int64 {
	return t.UTC().Truncate(bucketSize).Unix()
}

type keyCounters struct {
	mu      sync.Mutex
	total   Delta
	buckets map[int64]*Delta
}

// MemoryStatsStore keeps counters in process memory.
type MemoryStatsStore struct {
	mu        sync.RWMutex
	keys      map[models.StatsKey]*keyCounters
	retention time.Duration
}

// NewMemoryStatsStore creates a store. Buckets older than retention are
// dropped on write; a zero retention keeps everything.
func NewMemoryStatsStore(retention time.Duration) *MemoryStatsStore {
	return &MemoryStatsStore{
		keys:      make(map[models.StatsKey]*keyCounters),
		retention: retention,
	}
}

func (s *MemoryStatsStore) counters(key models.StatsKey) *keyCounters {
	s.mu.RLock()
	c, ok := s.keys[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.keys[key]; !ok {
		c = &keyCounters{buckets: make(map[int64]*Delta)}
		s.keys[key] = c
	}
	return c
}

func (s *MemoryStatsStore) Apply(_ context.Context, key models.StatsKey, at time.Time, d Delta) error {
	c := s.counters(key)
	bucket := bucketOf(at)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.total.Merge(d)
	b, ok := c.buckets[bucket]
	if !ok {
		b = &Delta{}
		c.buckets[bucket] = b
	}
	b.Merge(d)

	if s.retention > 0 {
		cutoff := bucket - int64(s.retention/time.Second)
		for start := range c.buckets {
			if start < cutoff {
				delete(c.buckets, start)
			}
		}
	}
	return nil
}

func (s *MemoryStatsStore) Sum(_ context.Context, key models.StatsKey, since time.Time) (Delta, error) {
	s.mu.RLock()
	c, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return Delta{}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if since.IsZero() {
		return c.total, nil
	}
	from := bucketOf(since)
	var out Delta
	for start, b := range c.buckets {
		if start >= from {
			out.Merge(*b)
		}
	}
	return out, nil
}

func (s *MemoryStatsStore) Keys(_ context.Context) ([]models.StatsKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]models.StatsKey, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []models.StatsKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ModelID != keys[j].ModelID {
			return keys[i].ModelID < keys[j].ModelID
		}
		return keys[i].TaskType < keys[j].TaskType
	})
}
