package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB opens a migrated in-memory sqlite database.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(DBConfig{
		Driver:             DriverSQLite,
		DSN:                ":memory:",
		ExecutionCacheSize: 100,
		ExecutionCacheTTL:  time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Migrate(context.Background())
	require.NoError(t, err)
	return db
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := newTestDB(t)

	applied, err := db.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)

	var count int
	require.NoError(t, db.Conn().Get(&count, `SELECT COUNT(*) FROM schema_migrations`))
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestHealthAndStats(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Health(context.Background()))
	stats := db.GetStats()
	assert.Equal(t, 1, stats.MaxOpenConnections)
	assert.Equal(t, 100, stats.ExecutionCacheStats.Capacity)
}

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@db:5432/optimizer", DriverPostgres},
		{"postgresql://db/optimizer", DriverPostgres},
		{"host=db port=5432 dbname=optimizer", DriverPostgres},
		{":memory:", DriverSQLite},
		{"file:/var/lib/optimizer.db", DriverSQLite},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDriver(tt.dsn), tt.dsn)
	}
}

func TestNewDB_RejectsUnknownDriver(t *testing.T) {
	_, err := NewDB(DBConfig{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- leading comment
CREATE TABLE a (id TEXT);

-- only a comment;
CREATE INDEX i ON a (id);
`)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}
