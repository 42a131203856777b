package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"model_optimizer/internal/models"
	"model_optimizer/internal/quality"
	"model_optimizer/internal/storage"
	"model_optimizer/internal/utils"
)

// Config controls handle expiry, the cold-start threshold and the completed
// record cache. StatsRetries bounds how often a failed stats write is
// retried, with exponential backoff starting at StatsRetryBackoff.
type Config struct {
	PendingTTL         time.Duration
	SweepInterval      time.Duration
	MinSamples         int
	CompletedCacheSize int
	CompletedCacheTTL  time.Duration
	StatsRetries       int
	StatsRetryBackoff  time.Duration
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PendingTTL:         10 * time.Minute,
		SweepInterval:      time.Minute,
		MinSamples:         10,
		CompletedCacheSize: 10000,
		CompletedCacheTTL:  24 * time.Hour,
		StatsRetries:       3,
		StatsRetryBackoff:  25 * time.Millisecond,
	}
}

// ModelSource resolves catalog entries. *registry.Registry satisfies it.
type ModelSource interface {
	Get(id string) (models.Model, error)
}

// QualityScorer computes heuristic scores and blends in feedback.
// *quality.Scorer satisfies it.
type QualityScorer interface {
	Score(task models.TaskType, output string) float64
	Finalize(heuristic float64, original string, fb quality.Feedback) (float64, *int)
}

// Recorder persists records off the hot path. Implementations must not
// block on the database.
type Recorder interface {
	Record(ctx context.Context, rec *models.ExecutionRecord) error
}

// RecordLookup reads records that are no longer cached.
type RecordLookup interface {
	GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error)
}

// Observer receives tracker events, typically for metrics.
type Observer interface {
	ExecutionCompleted(rec *models.ExecutionRecord)
	FeedbackApplied(rec *models.ExecutionRecord)
	StaleHandle()
	PendingExpired(n int)
}

type noopObserver struct{}

func (noopObserver) ExecutionCompleted(*models.ExecutionRecord) {}
func (noopObserver) FeedbackApplied(*models.ExecutionRecord)    {}
func (noopObserver) StaleHandle()                               {}
func (noopObserver) PendingExpired(int)                         {}

// Completion is what the caller reports when a model call finishes.
type Completion struct {
	InputUnits  int           `json:"input_units"`
	OutputUnits int           `json:"output_units"`
	Latency     time.Duration `json:"latency"`
	Output      string        `json:"output,omitempty"`
}

// BeginOption tags an execution at start.
type BeginOption func(*pendingExecution)

// WithABTest marks the execution as part of an experiment.
func WithABTest(testID, requestID string) BeginOption {
	return func(p *pendingExecution) {
		p.abTestID = testID
		p.requestID = requestID
	}
}

// WithRequestID attaches a caller request id without an experiment.
func WithRequestID(requestID string) BeginOption {
	return func(p *pendingExecution) {
		p.requestID = requestID
	}
}

type pendingExecution struct {
	model     models.Model
	task      models.TaskType
	startedAt time.Time
	abTestID  string
	requestID string
}

type completedEntry struct {
	record *models.ExecutionRecord
	output string
	prior  float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder sets the asynchronous persistence sink.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithLookup sets the fallback used for records evicted from the cache.
func WithLookup(l RecordLookup) Option {
	return func(t *Tracker) { t.lookup = l }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger replaces the default logger.
func WithLogger(l *utils.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker records execution telemetry and serves aggregated statistics.
//
// In-flight executions live in a handle-keyed map; nothing is shared between
// concurrent calls except that map and the stats store, so a completion can
// only ever be attributed to its own handle.
type Tracker struct {
	cfg      Config
	models   ModelSource
	scorer   QualityScorer
	store    StatsStore
	recorder Recorder
	lookup   RecordLookup
	observer Observer
	logger   *utils.Logger
	now      func() time.Time

	mu        sync.Mutex
	pending   map[string]*pendingExecution
	lastSweep time.Time

	feedbackMu sync.Mutex
	completed  *storage.LRUCache[*completedEntry]
}

// New creates a tracker.
func New(cfg Config, src ModelSource, scorer QualityScorer, store StatsStore, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.CompletedCacheSize <= 0 {
		cfg.CompletedCacheSize = def.CompletedCacheSize
	}
	if cfg.CompletedCacheTTL <= 0 {
		cfg.CompletedCacheTTL = def.CompletedCacheTTL
	}
	if cfg.StatsRetries < 0 {
		cfg.StatsRetries = 0
	}
	if cfg.StatsRetryBackoff <= 0 {
		cfg.StatsRetryBackoff = def.StatsRetryBackoff
	}

	t := &Tracker{
		cfg:      cfg,
		models:   src,
		scorer:   scorer,
		store:    store,
		observer: noopObserver{},
		logger:   utils.NewLogger("tracker"),
		now:      time.Now,
		pending:  make(map[string]*pendingExecution),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.completed = storage.NewLRUCache[*completedEntry](cfg.CompletedCacheSize, cfg.CompletedCacheTTL).WithClock(t.now)
	t.lastSweep = t.now()
	return t
}

// MinSamples is the cold-start threshold below which stats are flagged as
// insufficient.
func (t *Tracker) MinSamples() int {
	return t.cfg.MinSamples
}

// Begin starts timing an execution and returns its opaque handle.
func (t *Tracker) Begin(ctx context.Context, modelID string, task models.TaskType, opts ...BeginOption) (string, error) {
	if !task.Valid() {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownTaskType, task)
	}
	m, err := t.models.Get(modelID)
	if err != nil {
		return "", err
	}

	now := t.now()
	p := &pendingExecution{model: m, task: task, startedAt: now}
	for _, opt := range opts {
		opt(p)
	}

	handle := uuid.NewString()

	t.mu.Lock()
	expired := 0
	if now.Sub(t.lastSweep) >= t.cfg.SweepInterval {
		expired = t.sweepLocked(now)
	}
	t.pending[handle] = p
	t.mu.Unlock()

	if expired > 0 {
		t.observer.PendingExpired(expired)
		t.logger.Debug("Expired pending executions", "count", expired)
	}
	return handle, nil
}

// Complete closes an execution, computes its cost and heuristic quality and
// folds it into the statistics. The returned record is a copy.
//
// Once the handle is claimed the completion is never lost: a stats write
// that still fails after the retries is logged, and the record is cached
// and persisted anyway.
func (t *Tracker) Complete(ctx context.Context, handle string, c Completion) (*models.ExecutionRecord, error) {
	now := t.now()

	t.mu.Lock()
	p, ok := t.pending[handle]
	if ok {
		delete(t.pending, handle)
	}
	t.mu.Unlock()

	if !ok || now.Sub(p.startedAt) > t.cfg.PendingTTL {
		t.observer.StaleHandle()
		t.logger.Warn("Completion for stale handle", "handle", handle, "known", ok)
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, handle)
	}

	in, out := maxZero(c.InputUnits), maxZero(c.OutputUnits)
	latency := c.Latency
	if latency <= 0 {
		latency = now.Sub(p.startedAt)
	}

	completedAt := now
	rec := &models.ExecutionRecord{
		ID:          handle,
		ModelID:     p.model.ID,
		TaskType:    p.task,
		State:       models.ExecutionCompleted,
		StartedAt:   p.startedAt,
		CompletedAt: &completedAt,
		InputUnits:  in,
		OutputUnits: out,
		CostUSD:     p.model.CalculateCost(in, out),
		LatencyMs:   float64(latency) / float64(time.Millisecond),
		Feedback:    models.FeedbackNone,
		ABTestID:    p.abTestID,
		RequestID:   p.requestID,
		UpdatedAt:   now,
	}

	delta := Delta{Count: 1, InputUnits: float64(in), OutputUnits: float64(out)}
	delta.Cost.Add(rec.CostUSD)
	delta.Latency.Add(rec.LatencyMs)

	if c.Output != "" && t.scorer != nil {
		h := models.ClampScore(t.scorer.Score(p.task, c.Output))
		rec.HeuristicScore = &h
		rec.SetQuality(h)
		delta.Quality.Add(h)
	}

	key := models.StatsKey{ModelID: rec.ModelID, TaskType: rec.TaskType}
	if err := t.apply(ctx, key, completedAt, delta); err != nil {
		t.logger.Error("Dropping stats delta for execution",
			"id", handle,
			"key", key.String(),
			"error", err,
		)
	}

	t.completed.Set(handle, &completedEntry{record: rec, output: c.Output, prior: p.model.QualityPrior})
	t.persist(ctx, rec)
	t.observer.ExecutionCompleted(rec)

	return rec.Clone(), nil
}

// ApplyFeedback finalizes the quality of a completed execution. The
// provisional quality already counted in the stats is replaced, not added.
func (t *Tracker) ApplyFeedback(ctx context.Context, recordID string, fb quality.Feedback) (*models.ExecutionRecord, error) {
	kind, err := models.ParseFeedbackKind(string(fb.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if kind == models.FeedbackNone {
		return nil, fmt.Errorf("%w: a feedback kind is required", ErrInvalidFeedback)
	}
	fb.Kind = kind

	t.feedbackMu.Lock()
	defer t.feedbackMu.Unlock()

	entry, err := t.entry(ctx, recordID)
	if err != nil {
		return nil, err
	}
	rec := entry.record.Clone()
	if rec.State == models.ExecutionScored {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyScored, recordID)
	}

	heuristic := entry.prior
	if rec.HeuristicScore != nil {
		heuristic = *rec.HeuristicScore
	}
	final, dist := t.scorer.Finalize(heuristic, entry.output, fb)
	final = models.ClampScore(final)

	var delta Delta
	if rec.QualityScore != nil {
		delta.Quality.Replace(*rec.QualityScore, final)
	} else {
		delta.Quality.Add(final)
	}

	if err := rec.Advance(models.ExecutionScored); err != nil {
		return nil, err
	}
	rec.SetQuality(final)
	rec.Feedback = fb.Kind
	rec.EditDistance = dist
	rec.UpdatedAt = t.now()

	at := rec.StartedAt
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}
	key := models.StatsKey{ModelID: rec.ModelID, TaskType: rec.TaskType}
	if err := t.apply(ctx, key, at, delta); err != nil {
		t.logger.Error("Failed to apply feedback delta", "key", key.String(), "error", err)
		return nil, fmt.Errorf("apply feedback to %s: %w", recordID, err)
	}

	t.completed.Set(recordID, &completedEntry{record: rec, output: entry.output, prior: entry.prior})
	t.persist(ctx, rec)
	t.observer.FeedbackApplied(rec)

	return rec.Clone(), nil
}

// Record returns a completed record by id.
func (t *Tracker) Record(ctx context.Context, recordID string) (*models.ExecutionRecord, error) {
	entry, err := t.entry(ctx, recordID)
	if err != nil {
		return nil, err
	}
	return entry.record.Clone(), nil
}

func (t *Tracker) entry(ctx context.Context, recordID string) (*completedEntry, error) {
	if e, ok := t.completed.Get(recordID); ok {
		return e, nil
	}
	if t.lookup == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	rec, err := t.lookup.GetExecution(ctx, recordID)
	if err != nil {
		if errors.Is(err, storage.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}
		return nil, fmt.Errorf("lookup execution %s: %w", recordID, err)
	}
	if rec == nil || rec.State == models.ExecutionPending {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	prior := 50.0
	if m, err := t.models.Get(rec.ModelID); err == nil {
		prior = m.QualityPrior
	}
	return &completedEntry{record: rec, prior: prior}, nil
}

// Stats aggregates completed executions of a (model, task) pair. A zero
// window covers all time; otherwise hourly buckets overlapping the window
// are summed.
func (t *Tracker) Stats(ctx context.Context, modelID string, task models.TaskType, window time.Duration) (models.AggregatedStats, error) {
	var since time.Time
	if window > 0 {
		since = t.now().Add(-window)
	}

	key := models.StatsKey{ModelID: modelID, TaskType: task}
	d, err := t.store.Sum(ctx, key, since)
	if err != nil {
		return models.AggregatedStats{}, err
	}

	stats := models.AggregatedStats{
		ModelID:  modelID,
		TaskType: task,
		Window:   window,
		Count:    int64(math.Round(d.Count)),
		Cost:     d.Cost.Summary(),
		Latency:  d.Latency.Summary(),
		Quality:  d.Quality.Summary(),
	}
	if d.Count > 0 {
		stats.MeanInputUnits = d.InputUnits / d.Count
		stats.MeanOutputUnits = d.OutputUnits / d.Count
	}
	stats.InsufficientData = stats.Count < int64(t.cfg.MinSamples)
	return stats, nil
}

// Keys lists every (model, task) pair with recorded data.
func (t *Tracker) Keys(ctx context.Context) ([]models.StatsKey, error) {
	return t.store.Keys(ctx)
}

// Sweep drops pending handles older than the TTL and returns how many were
// removed. Expired executions are never counted.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	n := t.sweepLocked(t.now())
	t.mu.Unlock()

	if n > 0 {
		t.observer.PendingExpired(n)
		t.logger.Info("Expired pending executions", "count", n)
	}
	return n
}

func (t *Tracker) sweepLocked(now time.Time) int {
	t.lastSweep = now
	removed := 0
	for h, p := range t.pending {
		if now.Sub(p.startedAt) > t.cfg.PendingTTL {
			delete(t.pending, h)
			removed++
		}
	}
	return removed
}

// Pending returns the number of in-flight executions.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CleanupCache evicts expired completed records.
func (t *Tracker) CleanupCache() int {
	return t.completed.CleanupExpired()
}

// apply writes a stats delta, retrying failed writes with exponential
// backoff.
func (t *Tracker) apply(ctx context.Context, key models.StatsKey, at time.Time, d Delta) error {
	var lastErr error
	for attempt := 0; attempt <= t.cfg.StatsRetries; attempt++ {
		if attempt > 0 {
			backoff := t.cfg.StatsRetryBackoff * time.Duration(1<<uint(attempt-1))
			t.logger.Debug("Retrying stats delta", "key", key.String(), "attempt", attempt, "backoff", backoff)
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			}
		}

		err := t.store.Apply(ctx, key, at, d)
		if err == nil {
			return nil
		}
		lastErr = err
		t.logger.Warn("Failed to apply stats delta", "key", key.String(), "attempt", attempt, "error", err)
	}
	return fmt.Errorf("apply stats delta after %d attempts: %w", t.cfg.StatsRetries+1, lastErr)
}

func (t *Tracker) persist(ctx context.Context, rec *models.ExecutionRecord) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.Record(ctx, rec.Clone()); err != nil {
		t.logger.Error("Failed to enqueue execution record", "id", rec.ID, "error", err)
	}
}

func maxZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
