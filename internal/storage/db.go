package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver (embedded deployments and tests)

	"model_optimizer/internal/models"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB wraps the database connection and provides health checks
type DB struct {
	conn   *sqlx.DB
	driver string

	// Recently written or read execution records, keyed by id
	executionCache *LRUCache[*models.ExecutionRecord]
}

// DBConfig holds database configuration
type DBConfig struct {
	// Driver is "postgres" or "sqlite". Empty means infer it from DSN.
	Driver string
	DSN    string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeouts
	QueryTimeout time.Duration

	// Cache settings
	ExecutionCacheSize int
	ExecutionCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Driver: DriverPostgres,
		DSN:    "postgres://postgres@localhost:5432/optimizer?sslmode=disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,

		ExecutionCacheSize: 5000,
		ExecutionCacheTTL:  15 * time.Minute,
	}
}

// DetectDriver guesses the driver from a DSN.
func DetectDriver(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.Contains(lower, "host="):
		return DriverPostgres
	default:
		return DriverSQLite
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDriver(cfg.DSN)
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Connect(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// Every sqlite connection to ":memory:" is a separate database
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return wrap(conn, driver, cfg), nil
}

// NewDBFromConn wraps an existing connection. Used with sqlmock in tests.
func NewDBFromConn(conn *sqlx.DB, cfg DBConfig) *DB {
	driver := cfg.Driver
	if driver == "" {
		driver = conn.DriverName()
	}
	return wrap(conn, driver, cfg)
}

func wrap(conn *sqlx.DB, driver string, cfg DBConfig) *DB {
	size := cfg.ExecutionCacheSize
	if size <= 0 {
		size = 1
	}
	return &DB{
		conn:           conn,
		driver:         driver,
		executionCache: NewLRUCache[*models.ExecutionRecord](size, cfg.ExecutionCacheTTL),
	}
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.executionCache.Clear()
	return db.conn.Close()
}

// Driver returns the configured driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	// Check connection
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Check if we can execute a simple query
	var result int
	err := db.conn.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// Stats returns database statistics
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64

	ExecutionCacheStats CacheStats
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,

		ExecutionCacheStats: db.executionCache.GetStats(),
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by repositories
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// rebind converts "?" placeholders to the driver's bind style.
func (db *DB) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(db.driver), query)
}

// CleanupExpiredCacheEntries removes expired entries from all caches
// Should be called periodically (e.g., every minute)
func (db *DB) CleanupExpiredCacheEntries() int {
	return db.executionCache.CleanupExpired()
}

// Repository factory methods

// NewExecutionRepository creates a new execution repository
func (db *DB) NewExecutionRepository() *ExecutionRepository {
	return NewExecutionRepository(db)
}

// NewABTestRepository creates a new AB test repository
func (db *DB) NewABTestRepository() *ABTestRepository {
	return NewABTestRepository(db)
}

// NewCatalogRepository creates a new catalog snapshot repository
func (db *DB) NewCatalogRepository() *CatalogRepository {
	return NewCatalogRepository(db)
}
