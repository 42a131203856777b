package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/models"
)

var _ abtest.Store = (*ABTestRepository)(nil)

// abTestRow is the column layout of ab_tests. Variants and weights are JSON.
type abTestRow struct {
	models.ABTest
	VariantsJSON string `db:"variants"`
	WeightsJSON  string `db:"weights"`
}

const abTestColumns = `id, name, task_type, variants, weights, min_sample_per_variant, metric,
	significance, status, winner, p_value, confidence_level, created_at, started_at, completed_at`

// ABTestRepository is the SQL backend for experiments. Assignment and
// outcome uniqueness come from the (test_id, request_id) primary keys; a
// repeated outcome only overwrites the quality of the existing row.
type ABTestRepository struct {
	db *DB
}

// NewABTestRepository creates a new AB test repository
func NewABTestRepository(db *DB) *ABTestRepository {
	return &ABTestRepository{db: db}
}

func encodeTest(t *models.ABTest) (variants, weights string, err error) {
	v, err := json.Marshal(t.Variants)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode variants: %w", err)
	}
	w, err := json.Marshal(t.Weights)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode weights: %w", err)
	}
	return string(v), string(w), nil
}

func (row *abTestRow) decode() (*models.ABTest, error) {
	t := row.ABTest
	if err := json.Unmarshal([]byte(row.VariantsJSON), &t.Variants); err != nil {
		return nil, fmt.Errorf("failed to decode variants of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(row.WeightsJSON), &t.Weights); err != nil {
		return nil, fmt.Errorf("failed to decode weights of %s: %w", t.ID, err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func (r *ABTestRepository) CreateTest(ctx context.Context, t *models.ABTest) error {
	variants, weights, err := encodeTest(t)
	if err != nil {
		return err
	}

	query := r.db.rebind(`
		INSERT INTO ab_tests (` + abTestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)
	res, err := r.db.conn.ExecContext(ctx, query,
		t.ID, t.Name, string(t.TaskType), variants, weights, t.MinSamplePerVariant, string(t.Metric),
		t.Significance, string(t.Status), t.Winner, t.PValue, t.ConfidenceLevel,
		t.CreatedAt.UTC(), utcPtr(t.StartedAt), utcPtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create ab test: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: duplicate id %s", abtest.ErrInvalidTest, t.ID)
	}
	return nil
}

func (r *ABTestRepository) UpdateTest(ctx context.Context, t *models.ABTest) error {
	variants, weights, err := encodeTest(t)
	if err != nil {
		return err
	}

	query := r.db.rebind(`
		UPDATE ab_tests SET
			name = ?, task_type = ?, variants = ?, weights = ?, min_sample_per_variant = ?,
			metric = ?, significance = ?, status = ?, winner = ?, p_value = ?,
			confidence_level = ?, started_at = ?, completed_at = ?
		WHERE id = ?`)
	res, err := r.db.conn.ExecContext(ctx, query,
		t.Name, string(t.TaskType), variants, weights, t.MinSamplePerVariant,
		string(t.Metric), t.Significance, string(t.Status), t.Winner, t.PValue,
		t.ConfidenceLevel, utcPtr(t.StartedAt), utcPtr(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ab test: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", abtest.ErrTestNotFound, t.ID)
	}
	return nil
}

func (r *ABTestRepository) GetTest(ctx context.Context, id string) (*models.ABTest, error) {
	var row abTestRow
	query := r.db.rebind(`SELECT ` + abTestColumns + ` FROM ab_tests WHERE id = ?`)
	if err := r.db.conn.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", abtest.ErrTestNotFound, id)
		}
		return nil, fmt.Errorf("failed to get ab test: %w", err)
	}
	return row.decode()
}

func (r *ABTestRepository) ListTests(ctx context.Context) ([]*models.ABTest, error) {
	var rows []abTestRow
	query := `SELECT ` + abTestColumns + ` FROM ab_tests ORDER BY created_at, id`
	if err := r.db.conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list ab tests: %w", err)
	}

	out := make([]*models.ABTest, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *ABTestRepository) InsertAssignment(ctx context.Context, a *models.ABTestAssignment) error {
	query := r.db.rebind(`
		INSERT INTO ab_assignments (test_id, request_id, model_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (test_id, request_id) DO NOTHING`)
	res, err := r.db.conn.ExecContext(ctx, query, a.TestID, a.RequestID, a.ModelID, a.AssignedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	if n == 0 {
		return abtest.ErrDuplicateAssignment
	}
	return nil
}

func (r *ABTestRepository) GetAssignment(ctx context.Context, testID, requestID string) (*models.ABTestAssignment, error) {
	var a models.ABTestAssignment
	query := r.db.rebind(`
		SELECT test_id, request_id, model_id, assigned_at
		FROM ab_assignments
		WHERE test_id = ? AND request_id = ?`)
	if err := r.db.conn.GetContext(ctx, &a, query, testID, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", abtest.ErrAssignmentNotFound, testID, requestID)
		}
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	a.AssignedAt = a.AssignedAt.UTC()
	return &a, nil
}

func (r *ABTestRepository) RecordOutcome(ctx context.Context, a *models.ABTestAssignment, o models.ABTestOutcome) (bool, error) {
	query := r.db.rebind(`
		INSERT INTO ab_outcomes (test_id, request_id, model_id, quality, cost_usd, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (test_id, request_id) DO UPDATE
			SET quality = excluded.quality, recorded_at = excluded.recorded_at
			WHERE ab_outcomes.quality <> excluded.quality`)
	res, err := r.db.conn.ExecContext(ctx, query,
		a.TestID, a.RequestID, a.ModelID, o.Quality, o.CostUSD, o.LatencyMs, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to record outcome: %w", err)
	}
	return n > 0, nil
}

// momentRow is one GROUP BY model_id row of ab_outcomes.
type momentRow struct {
	ModelID   string  `db:"model_id"`
	N         float64 `db:"n"`
	QSum      float64 `db:"q_sum"`
	QSumSq    float64 `db:"q_sumsq"`
	CostSum   float64 `db:"cost_sum"`
	CostSumSq float64 `db:"cost_sumsq"`
	LatSum    float64 `db:"lat_sum"`
	LatSumSq  float64 `db:"lat_sumsq"`
}

func (r *ABTestRepository) VariantMoments(ctx context.Context, testID string) (map[string]models.VariantMoments, error) {
	out := make(map[string]models.VariantMoments)

	var counts []struct {
		ModelID string `db:"model_id"`
		N       int64  `db:"n"`
	}
	query := r.db.rebind(`
		SELECT model_id, COUNT(*) AS n
		FROM ab_assignments
		WHERE test_id = ?
		GROUP BY model_id`)
	if err := r.db.conn.SelectContext(ctx, &counts, query, testID); err != nil {
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}
	for _, c := range counts {
		out[c.ModelID] = models.VariantMoments{ModelID: c.ModelID, Assignments: c.N}
	}

	var rows []momentRow
	query = r.db.rebind(`
		SELECT model_id,
			COUNT(*) AS n,
			COALESCE(SUM(quality), 0) AS q_sum,
			COALESCE(SUM(quality * quality), 0) AS q_sumsq,
			COALESCE(SUM(cost_usd), 0) AS cost_sum,
			COALESCE(SUM(cost_usd * cost_usd), 0) AS cost_sumsq,
			COALESCE(SUM(latency_ms), 0) AS lat_sum,
			COALESCE(SUM(latency_ms * latency_ms), 0) AS lat_sumsq
		FROM ab_outcomes
		WHERE test_id = ?
		GROUP BY model_id`)
	if err := r.db.conn.SelectContext(ctx, &rows, query, testID); err != nil {
		return nil, fmt.Errorf("failed to aggregate outcomes: %w", err)
	}
	for _, row := range rows {
		v := out[row.ModelID]
		v.ModelID = row.ModelID
		v.Quality = models.Moments{N: row.N, Sum: row.QSum, SumSq: row.QSumSq}
		v.Cost = models.Moments{N: row.N, Sum: row.CostSum, SumSq: row.CostSumSq}
		v.Latency = models.Moments{N: row.N, Sum: row.LatSum, SumSq: row.LatSumSq}
		out[row.ModelID] = v
	}
	return out, nil
}
