package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/archive"
	"model_optimizer/internal/auth"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/jobs"
	"model_optimizer/internal/queue"
	"model_optimizer/internal/router"
	"model_optimizer/internal/storage"
	"model_optimizer/internal/tracker"
)

// EnvPrefix prefixes every environment override, e.g. OPTIMIZER_ROUTER_EPSILON.
const EnvPrefix = "OPTIMIZER"

// Backend names accepted by the stats, AB test and queue settings.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Config holds configuration for the optimizer.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Router   RouterConfig   `mapstructure:"router"`
	ABTest   ABTestConfig   `mapstructure:"abtest"`
	Cost     CostConfig     `mapstructure:"cost"`
	Registry RegistryConfig `mapstructure:"registry"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

// HTTPConfig holds the operator HTTP server settings
type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings. An empty URL runs
// without SQL persistence.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Driver          string        `mapstructure:"driver"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	ExecutionCacheSize int           `mapstructure:"execution_cache_size"`
	ExecutionCacheTTL  time.Duration `mapstructure:"execution_cache_ttl"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// QueueConfig holds the execution persistence queue settings
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	Name         string        `mapstructure:"name"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// ArchiveConfig holds configuration for the S3 execution archive
type ArchiveConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Prefix          string        `mapstructure:"prefix"`
	PodName         string        `mapstructure:"pod_name"`
	Endpoint        string        `mapstructure:"endpoint"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	MaxBatch        int           `mapstructure:"max_batch"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
}

// TrackerConfig holds handle expiry and stats storage settings
type TrackerConfig struct {
	StatsBackend       string        `mapstructure:"stats_backend"`
	StatsRetention     time.Duration `mapstructure:"stats_retention"`
	PendingTTL         time.Duration `mapstructure:"pending_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	MinSamples         int           `mapstructure:"min_samples"`
	CompletedCacheSize int           `mapstructure:"completed_cache_size"`
	CompletedCacheTTL  time.Duration `mapstructure:"completed_cache_ttl"`
	StatsRetries       int           `mapstructure:"stats_retries"`
	StatsRetryBackoff  time.Duration `mapstructure:"stats_retry_backoff"`
}

// RouterConfig holds the selection policy settings
type RouterConfig struct {
	DefaultStrategy      string         `mapstructure:"default_strategy"`
	Epsilon              float64        `mapstructure:"epsilon"`
	Weights              router.Weights `mapstructure:"weights"`
	StatsWindow          time.Duration  `mapstructure:"stats_window"`
	ReferenceInputUnits  int            `mapstructure:"reference_input_units"`
	ReferenceOutputUnits int            `mapstructure:"reference_output_units"`
}

// ABTestConfig holds experiment defaults and the store backend
type ABTestConfig struct {
	StoreBackend               string  `mapstructure:"store_backend"`
	DefaultMinSamplePerVariant int     `mapstructure:"default_min_sample_per_variant"`
	DefaultSignificance        float64 `mapstructure:"default_significance"`
}

// CostConfig holds projection defaults
type CostConfig struct {
	ReferenceInputUnits  int           `mapstructure:"reference_input_units"`
	ReferenceOutputUnits int           `mapstructure:"reference_output_units"`
	Window               time.Duration `mapstructure:"window"`
}

// RegistryConfig holds the catalog source
type RegistryConfig struct {
	CatalogFile      string        `mapstructure:"catalog_file"`
	Watch            bool          `mapstructure:"watch"`
	WatchDebounce    time.Duration `mapstructure:"watch_debounce"`
	PersistSnapshots bool          `mapstructure:"persist_snapshots"`
}

// JobsConfig holds the maintenance schedules. An empty schedule disables
// the job.
type JobsConfig struct {
	Timeout              time.Duration `mapstructure:"timeout"`
	SweepSchedule        string        `mapstructure:"sweep_schedule"`
	AnalyzeSchedule      string        `mapstructure:"analyze_schedule"`
	CacheCleanupSchedule string        `mapstructure:"cache_cleanup_schedule"`
	QueueDepthSchedule   string        `mapstructure:"queue_depth_schedule"`
}

// AuthConfig holds operator token settings. Admin routes are not mounted
// without a secret.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	db := storage.DefaultDBConfig()
	q := queue.DefaultConfig("executions")
	tr := tracker.DefaultConfig()
	rt := router.DefaultConfig()
	ab := abtest.DefaultConfig()
	cc := cost.DefaultConfig()
	jb := jobs.DefaultConfig()
	ar := archive.DefaultBufferedConfig()

	return &Config{
		HTTP: HTTPConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
			QueryTimeout:    db.QueryTimeout,
			AutoMigrate:     true,
		},
		Cache: CacheConfig{
			ExecutionCacheSize: db.ExecutionCacheSize,
			ExecutionCacheTTL:  db.ExecutionCacheTTL,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "optimizer",
		},
		Queue: QueueConfig{
			Backend:      BackendMemory,
			Name:         q.QueueName,
			BatchSize:    q.BatchSize,
			BatchTimeout: q.BatchTimeout,
			MaxRetries:   q.MaxRetries,
			RetryBackoff: q.RetryBackoff,
		},
		Archive: ArchiveConfig{
			Region:        "us-east-1",
			Prefix:        "executions/",
			PodName:       "optimizer-0",
			MaxBatch:      ar.MaxBatch,
			FlushInterval: ar.FlushInterval,
		},
		Tracker: TrackerConfig{
			StatsBackend:       BackendMemory,
			StatsRetention:     30 * 24 * time.Hour,
			PendingTTL:         tr.PendingTTL,
			SweepInterval:      tr.SweepInterval,
			MinSamples:         tr.MinSamples,
			CompletedCacheSize: tr.CompletedCacheSize,
			CompletedCacheTTL:  tr.CompletedCacheTTL,
			StatsRetries:       tr.StatsRetries,
			StatsRetryBackoff:  tr.StatsRetryBackoff,
		},
		Router: RouterConfig{
			DefaultStrategy:      string(rt.DefaultStrategy),
			Epsilon:              rt.Epsilon,
			Weights:              rt.Weights,
			StatsWindow:          rt.StatsWindow,
			ReferenceInputUnits:  rt.ReferenceInputUnits,
			ReferenceOutputUnits: rt.ReferenceOutputUnits,
		},
		ABTest: ABTestConfig{
			StoreBackend:               BackendMemory,
			DefaultMinSamplePerVariant: ab.DefaultMinSamplePerVariant,
			DefaultSignificance:        ab.DefaultSignificance,
		},
		Cost: CostConfig{
			ReferenceInputUnits:  cc.ReferenceInputUnits,
			ReferenceOutputUnits: cc.ReferenceOutputUnits,
			Window:               cc.Window,
		},
		Registry: RegistryConfig{
			WatchDebounce: 500 * time.Millisecond,
		},
		Jobs: JobsConfig{
			Timeout:              30 * time.Second,
			SweepSchedule:        jb.SweepSchedule,
			AnalyzeSchedule:      jb.AnalyzeSchedule,
			CacheCleanupSchedule: jb.CacheCleanupSchedule,
			QueueDepthSchedule:   jb.QueueDepthSchedule,
		},
		Auth: AuthConfig{
			Issuer:   "model-optimizer",
			TokenTTL: 12 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// legacyEnv binds the unprefixed names common in container deployments.
var legacyEnv = map[string]string{
	"http.port":        "HTTP_PORT",
	"database.url":     "DATABASE_URL",
	"redis.address":    "REDIS_ADDRESS",
	"redis.password":   "REDIS_PASSWORD",
	"auth.jwt_secret":  "JWT_SECRET",
	"archive.pod_name": "POD_NAME",
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. An empty path falls back
// to $OPTIMIZER_CONFIG and then to optimizer.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("optimizer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/model-optimizer")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Database.Driver == "" && cfg.Database.URL != "" {
		cfg.Database.Driver = storage.DetectDriver(cfg.Database.URL)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)

	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", d.Database.QueryTimeout)
	v.SetDefault("database.auto_migrate", d.Database.AutoMigrate)

	v.SetDefault("cache.execution_cache_size", d.Cache.ExecutionCacheSize)
	v.SetDefault("cache.execution_cache_ttl", d.Cache.ExecutionCacheTTL)

	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("queue.backend", d.Queue.Backend)
	v.SetDefault("queue.name", d.Queue.Name)
	v.SetDefault("queue.batch_size", d.Queue.BatchSize)
	v.SetDefault("queue.batch_timeout", d.Queue.BatchTimeout)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.retry_backoff", d.Queue.RetryBackoff)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.bucket", d.Archive.Bucket)
	v.SetDefault("archive.region", d.Archive.Region)
	v.SetDefault("archive.prefix", d.Archive.Prefix)
	v.SetDefault("archive.pod_name", d.Archive.PodName)
	v.SetDefault("archive.endpoint", d.Archive.Endpoint)
	v.SetDefault("archive.use_path_style", d.Archive.UsePathStyle)
	v.SetDefault("archive.access_key_id", d.Archive.AccessKeyID)
	v.SetDefault("archive.secret_access_key", d.Archive.SecretAccessKey)
	v.SetDefault("archive.max_batch", d.Archive.MaxBatch)
	v.SetDefault("archive.flush_interval", d.Archive.FlushInterval)

	v.SetDefault("tracker.stats_backend", d.Tracker.StatsBackend)
	v.SetDefault("tracker.stats_retention", d.Tracker.StatsRetention)
	v.SetDefault("tracker.pending_ttl", d.Tracker.PendingTTL)
	v.SetDefault("tracker.sweep_interval", d.Tracker.SweepInterval)
	v.SetDefault("tracker.min_samples", d.Tracker.MinSamples)
	v.SetDefault("tracker.completed_cache_size", d.Tracker.CompletedCacheSize)
	v.SetDefault("tracker.completed_cache_ttl", d.Tracker.CompletedCacheTTL)
	v.SetDefault("tracker.stats_retries", d.Tracker.StatsRetries)
	v.SetDefault("tracker.stats_retry_backoff", d.Tracker.StatsRetryBackoff)

	v.SetDefault("router.default_strategy", d.Router.DefaultStrategy)
	v.SetDefault("router.epsilon", d.Router.Epsilon)
	v.SetDefault("router.weights.quality", d.Router.Weights.Quality)
	v.SetDefault("router.weights.cost", d.Router.Weights.Cost)
	v.SetDefault("router.weights.latency", d.Router.Weights.Latency)
	v.SetDefault("router.stats_window", d.Router.StatsWindow)
	v.SetDefault("router.reference_input_units", d.Router.ReferenceInputUnits)
	v.SetDefault("router.reference_output_units", d.Router.ReferenceOutputUnits)

	v.SetDefault("abtest.store_backend", d.ABTest.StoreBackend)
	v.SetDefault("abtest.default_min_sample_per_variant", d.ABTest.DefaultMinSamplePerVariant)
	v.SetDefault("abtest.default_significance", d.ABTest.DefaultSignificance)

	v.SetDefault("cost.reference_input_units", d.Cost.ReferenceInputUnits)
	v.SetDefault("cost.reference_output_units", d.Cost.ReferenceOutputUnits)
	v.SetDefault("cost.window", d.Cost.Window)

	v.SetDefault("registry.catalog_file", d.Registry.CatalogFile)
	v.SetDefault("registry.watch", d.Registry.Watch)
	v.SetDefault("registry.watch_debounce", d.Registry.WatchDebounce)
	v.SetDefault("registry.persist_snapshots", d.Registry.PersistSnapshots)

	v.SetDefault("jobs.timeout", d.Jobs.Timeout)
	v.SetDefault("jobs.sweep_schedule", d.Jobs.SweepSchedule)
	v.SetDefault("jobs.analyze_schedule", d.Jobs.AnalyzeSchedule)
	v.SetDefault("jobs.cache_cleanup_schedule", d.Jobs.CacheCleanupSchedule)
	v.SetDefault("jobs.queue_depth_schedule", d.Jobs.QueueDepthSchedule)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate checks values that would otherwise fail later and far from
// their source.
func (c *Config) Validate() error {
	var errs []error

	if _, err := router.ParseStrategy(c.Router.DefaultStrategy); err != nil {
		errs = append(errs, fmt.Errorf("router.default_strategy: %w", err))
	}
	if c.Router.Epsilon < 0 || c.Router.Epsilon > 1 {
		errs = append(errs, fmt.Errorf("router.epsilon must be within [0,1], got %v", c.Router.Epsilon))
	}
	w := c.Router.Weights
	if w.Quality < 0 || w.Cost < 0 || w.Latency < 0 {
		errs = append(errs, errors.New("router.weights must be non-negative"))
	} else if w.Quality+w.Cost+w.Latency <= 0 {
		errs = append(errs, errors.New("router.weights must not all be zero"))
	}

	if c.Tracker.PendingTTL <= 0 {
		errs = append(errs, errors.New("tracker.pending_ttl must be > 0"))
	}
	if c.Tracker.CompletedCacheTTL <= 0 {
		errs = append(errs, errors.New("tracker.completed_cache_ttl must be > 0"))
	}
	if c.Tracker.MinSamples <= 0 {
		errs = append(errs, errors.New("tracker.min_samples must be > 0"))
	}
	if c.Cache.ExecutionCacheTTL <= 0 {
		errs = append(errs, errors.New("cache.execution_cache_ttl must be > 0"))
	}

	if err := checkBackend("tracker.stats_backend", c.Tracker.StatsBackend, BackendMemory, BackendRedis); err != nil {
		errs = append(errs, err)
	}
	if err := checkBackend("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis); err != nil {
		errs = append(errs, err)
	}
	if err := checkBackend("abtest.store_backend", c.ABTest.StoreBackend, BackendMemory, BackendRedis, BackendSQL); err != nil {
		errs = append(errs, err)
	}
	if c.ABTest.StoreBackend == BackendSQL && c.Database.URL == "" {
		errs = append(errs, errors.New("abtest.store_backend=sql requires database.url"))
	}
	if c.ABTest.DefaultSignificance <= 0 || c.ABTest.DefaultSignificance >= 1 {
		errs = append(errs, errors.New("abtest.default_significance must be within (0,1)"))
	}

	if c.Database.URL != "" && c.Database.Driver != storage.DriverPostgres && c.Database.Driver != storage.DriverSQLite {
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when the archive is enabled"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 bytes"))
	}

	return errors.Join(errs...)
}

func checkBackend(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown backend %q (allowed: %s)", key, value, strings.Join(allowed, ", "))
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Tracker.StatsBackend == BackendRedis ||
		c.Queue.Backend == BackendRedis ||
		c.ABTest.StoreBackend == BackendRedis
}

// DBConfig converts the database and cache sections for storage.NewDB.
func (c *Config) DBConfig() storage.DBConfig {
	return storage.DBConfig{
		Driver:             c.Database.Driver,
		DSN:                c.Database.URL,
		MaxOpenConns:       c.Database.MaxOpenConns,
		MaxIdleConns:       c.Database.MaxIdleConns,
		ConnMaxLifetime:    c.Database.ConnMaxLifetime,
		ConnMaxIdleTime:    c.Database.ConnMaxIdleTime,
		QueryTimeout:       c.Database.QueryTimeout,
		ExecutionCacheSize: c.Cache.ExecutionCacheSize,
		ExecutionCacheTTL:  c.Cache.ExecutionCacheTTL,
	}
}

// QueueConfig converts the queue and Redis sections for queue.New.
func (c *Config) QueueConfig() *queue.Config {
	return &queue.Config{
		BatchSize:     c.Queue.BatchSize,
		BatchTimeout:  c.Queue.BatchTimeout,
		MaxRetries:    c.Queue.MaxRetries,
		RetryBackoff:  c.Queue.RetryBackoff,
		UseRedis:      c.Queue.Backend == BackendRedis,
		RedisAddr:     c.Redis.Address,
		RedisPassword: c.Redis.Password,
		RedisDB:       c.Redis.DB,
		QueueName:     c.Queue.Name,
		KeyPrefix:     c.Redis.KeyPrefix,
	}
}

// TrackerConfig converts the tracker section.
func (c *Config) TrackerConfig() tracker.Config {
	return tracker.Config{
		PendingTTL:         c.Tracker.PendingTTL,
		SweepInterval:      c.Tracker.SweepInterval,
		MinSamples:         c.Tracker.MinSamples,
		CompletedCacheSize: c.Tracker.CompletedCacheSize,
		CompletedCacheTTL:  c.Tracker.CompletedCacheTTL,
		StatsRetries:       c.Tracker.StatsRetries,
		StatsRetryBackoff:  c.Tracker.StatsRetryBackoff,
	}
}

// RouterConfig converts the router section. Validate must have passed.
func (c *Config) RouterConfig() router.Config {
	strategy, _ := router.ParseStrategy(c.Router.DefaultStrategy)
	return router.Config{
		DefaultStrategy:      strategy,
		Epsilon:              c.Router.Epsilon,
		Weights:              c.Router.Weights,
		StatsWindow:          c.Router.StatsWindow,
		ReferenceInputUnits:  c.Router.ReferenceInputUnits,
		ReferenceOutputUnits: c.Router.ReferenceOutputUnits,
	}
}

// ABTestConfig converts the experiment defaults.
func (c *Config) ABTestConfig() abtest.Config {
	return abtest.Config{
		DefaultMinSamplePerVariant: c.ABTest.DefaultMinSamplePerVariant,
		DefaultSignificance:        c.ABTest.DefaultSignificance,
	}
}

// CostConfig converts the projection defaults.
func (c *Config) CostConfig() cost.Config {
	return cost.Config{
		ReferenceInputUnits:  c.Cost.ReferenceInputUnits,
		ReferenceOutputUnits: c.Cost.ReferenceOutputUnits,
		Window:               c.Cost.Window,
	}
}

// JobsConfig converts the maintenance schedules.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		SweepSchedule:        c.Jobs.SweepSchedule,
		AnalyzeSchedule:      c.Jobs.AnalyzeSchedule,
		CacheCleanupSchedule: c.Jobs.CacheCleanupSchedule,
		QueueDepthSchedule:   c.Jobs.QueueDepthSchedule,
	}
}

// S3Config converts the archive section for archive.NewS3Writer.
func (c *Config) S3Config() archive.S3Config {
	return archive.S3Config{
		Bucket:          c.Archive.Bucket,
		Region:          c.Archive.Region,
		Prefix:          c.Archive.Prefix,
		PodName:         c.Archive.PodName,
		Endpoint:        c.Archive.Endpoint,
		UsePathStyle:    c.Archive.UsePathStyle,
		AccessKeyID:     c.Archive.AccessKeyID,
		SecretAccessKey: c.Archive.SecretAccessKey,
	}
}

// BufferedConfig converts the archive batching settings.
func (c *Config) BufferedConfig() archive.BufferedConfig {
	return archive.BufferedConfig{
		MaxBatch:      c.Archive.MaxBatch,
		FlushInterval: c.Archive.FlushInterval,
	}
}

// TokenConfig converts the operator token settings.
func (c *Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Secret: []byte(c.Auth.JWTSecret),
		Issuer: c.Auth.Issuer,
		TTL:    c.Auth.TokenTTL,
	}
}
