package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"model_optimizer/internal/models"
)

const executionColumns = `id, model_id, task_type, state, started_at, completed_at,
	input_units, output_units, cost_usd, latency_ms,
	heuristic_score, quality_score, feedback, edit_distance,
	ab_test_id, request_id, updated_at`

// upsertExecution inserts a record or overwrites an older version of it.
// Records arrive through an async queue, so a late "completed" write must
// not clobber a "scored" one: updated_at decides.
const upsertExecution = `
	INSERT INTO executions (` + executionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		completed_at = excluded.completed_at,
		input_units = excluded.input_units,
		output_units = excluded.output_units,
		cost_usd = excluded.cost_usd,
		latency_ms = excluded.latency_ms,
		heuristic_score = excluded.heuristic_score,
		quality_score = excluded.quality_score,
		feedback = excluded.feedback,
		edit_distance = excluded.edit_distance,
		updated_at = excluded.updated_at
	WHERE executions.updated_at <= excluded.updated_at`

// ExecutionFilter narrows List results.
type ExecutionFilter struct {
	ModelID  string
	TaskType models.TaskType
	Since    time.Time
	Limit    int
}

// ExecutionRepository persists execution records
type ExecutionRepository struct {
	db    *DB
	cache *LRUCache[*models.ExecutionRecord]
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{
		db:    db,
		cache: db.executionCache,
	}
}

// Upsert writes a single record
func (r *ExecutionRepository) Upsert(ctx context.Context, rec *models.ExecutionRecord) error {
	if err := r.upsert(ctx, r.db.conn, rec); err != nil {
		return err
	}
	r.cache.Set(rec.ID, rec.Clone())
	return nil
}

// UpsertBatch writes records in one transaction. Either all rows land or
// none do.
func (r *ExecutionRepository) UpsertBatch(ctx context.Context, recs []*models.ExecutionRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range recs {
		if err := r.upsert(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, rec := range recs {
		r.cache.Set(rec.ID, rec.Clone())
	}
	return nil
}

func (r *ExecutionRepository) upsert(ctx context.Context, exec sqlx.ExecerContext, rec *models.ExecutionRecord) error {
	feedback := rec.Feedback
	if feedback == "" {
		feedback = models.FeedbackNone
	}
	_, err := exec.ExecContext(ctx, r.db.rebind(upsertExecution),
		rec.ID, rec.ModelID, string(rec.TaskType), string(rec.State), rec.StartedAt.UTC(), utcPtr(rec.CompletedAt),
		rec.InputUnits, rec.OutputUnits, rec.CostUSD, rec.LatencyMs,
		rec.HeuristicScore, rec.QualityScore, string(feedback), rec.EditDistance,
		rec.ABTestID, rec.RequestID, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetByID retrieves a record by id (with caching)
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	if cached, found := r.cache.Get(id); found {
		return cached.Clone(), nil
	}

	var rec models.ExecutionRecord
	query := r.db.rebind(`SELECT ` + executionColumns + ` FROM executions WHERE id = ?`)
	if err := r.db.conn.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	r.cache.Set(id, rec.Clone())
	return &rec, nil
}

// GetExecution lets the repository serve as the tracker's fallback lookup.
func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	return r.GetByID(ctx, id)
}

// List returns records matching the filter, newest first
func (r *ExecutionRepository) List(ctx context.Context, f ExecutionFilter) ([]*models.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	var args []interface{}
	if f.ModelID != "" {
		query += ` AND model_id = ?`
		args = append(args, f.ModelID)
	}
	if f.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, string(f.TaskType))
	}
	if !f.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC())
	}
	query += ` ORDER BY started_at DESC, id`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	var recs []*models.ExecutionRecord
	if err := r.db.conn.SelectContext(ctx, &recs, r.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return recs, nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
