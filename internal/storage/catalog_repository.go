package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"model_optimizer/internal/registry"
)

// CatalogRepository stores registry snapshots so a restarted process can
// come back with the last catalog an operator loaded.
type CatalogRepository struct {
	db *DB
}

// NewCatalogRepository creates a new catalog snapshot repository
func NewCatalogRepository(db *DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// Save persists a snapshot. Saving the same version twice replaces it.
func (r *CatalogRepository) Save(ctx context.Context, snap *registry.Snapshot) error {
	doc, err := registry.MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	query := r.db.rebind(`
		INSERT INTO catalog_snapshots (version, loaded_at, document)
		VALUES (?, ?, ?)
		ON CONFLICT (version) DO UPDATE SET
			loaded_at = excluded.loaded_at,
			document = excluded.document`)
	if _, err := r.db.conn.ExecContext(ctx, query, snap.Version, snap.LoadedAt.UTC(), string(doc)); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	return nil
}

// Latest returns the most recently loaded snapshot.
func (r *CatalogRepository) Latest(ctx context.Context) (*registry.Snapshot, error) {
	var row struct {
		Version  string `db:"version"`
		Document string `db:"document"`
	}
	query := `SELECT version, document FROM catalog_snapshots ORDER BY loaded_at DESC, version DESC LIMIT 1`
	if err := r.db.conn.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCatalogNotFound
		}
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	snap, err := registry.ParseSnapshot([]byte(row.Document))
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", row.Version, err)
	}
	return snap, nil
}
