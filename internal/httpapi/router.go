package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"model_optimizer/internal/abtest"
	"model_optimizer/internal/archive"
	"model_optimizer/internal/auth"
	"model_optimizer/internal/config"
	"model_optimizer/internal/cost"
	"model_optimizer/internal/jobs"
	"model_optimizer/internal/metrics"
	"model_optimizer/internal/middleware"
	"model_optimizer/internal/models"
	"model_optimizer/internal/optimizer"
	"model_optimizer/internal/quality"
	"model_optimizer/internal/queue"
	"model_optimizer/internal/registry"
	"model_optimizer/internal/router"
	"model_optimizer/internal/storage"
	"model_optimizer/internal/tracker"
	"model_optimizer/internal/utils"
)

// DeadLetterStore exposes the execution queue's failed items.
// *storage.ExecutionQueueWorker satisfies it.
type DeadLetterStore interface {
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[*models.ExecutionRecord], error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Service     *optimizer.Service
	Metrics     *metrics.Metrics
	Registry    *registry.Registry
	Tracker     *tracker.Tracker
	Experiments *abtest.Manager
	Scheduler   *jobs.Scheduler
	// DeadLetters is nil when executions are not persisted
	DeadLetters DeadLetterStore
	Token       auth.TokenConfig
	CatalogFile string
	Checks      map[string]HealthChecker

	logger  *utils.Logger
	closers []func(ctx context.Context) error
}

func (d *Dependencies) onClose(fn func(ctx context.Context) error) {
	d.closers = append(d.closers, fn)
}

// Close stops background work and releases connections in reverse order of
// construction. Buffered archive batches are flushed on the way out.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Build constructs every component from cfg and starts the background
// workers. Callers must Close the result.
func Build(ctx context.Context, cfg *config.Config) (_ *Dependencies, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	deps := &Dependencies{
		Token:       cfg.TokenConfig(),
		CatalogFile: cfg.Registry.CatalogFile,
		Checks:      make(map[string]HealthChecker),
		logger:      utils.NewLogger("httpapi"),
	}
	defer func() {
		if err != nil {
			_ = deps.Close(context.Background())
		}
	}()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deps.onClose(func(context.Context) error { cancel(); return nil })

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	deps.Metrics = m

	// Initialize Redis client
	var redisClient *storage.RedisClient
	if cfg.UsesRedis() {
		redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.onClose(func(context.Context) error { return redisClient.Close() })
		deps.Checks["redis"] = redisClient
	}

	// Initialize database
	var db *storage.DB
	if cfg.Database.URL != "" {
		db, err = storage.NewDB(cfg.DBConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.onClose(func(context.Context) error { return db.Close() })
		deps.Checks["database"] = db

		if cfg.Database.AutoMigrate {
			applied, err := db.Migrate(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			if len(applied) > 0 {
				deps.logger.Info("Applied migrations", "ids", applied)
			}
		}
	}

	// Stats and experiment stores
	var stats tracker.StatsStore
	switch cfg.Tracker.StatsBackend {
	case config.BackendRedis:
		stats = tracker.NewRedisStatsStore(redisClient.Client(), cfg.Redis.KeyPrefix+":stats", cfg.Tracker.StatsRetention)
	default:
		stats = tracker.NewMemoryStatsStore(cfg.Tracker.StatsRetention)
	}

	var abStore abtest.Store
	switch cfg.ABTest.StoreBackend {
	case config.BackendRedis:
		abStore = abtest.NewRedisStore(redisClient.Client(), cfg.Redis.KeyPrefix+":abtest")
	case config.BackendSQL:
		abStore = db.NewABTestRepository()
	default:
		abStore = abtest.NewMemoryStore()
	}

	reg := registry.New()
	deps.Registry = reg

	// Execution persistence: queue, worker and optional S3 archive
	trackerOpts := []tracker.Option{tracker.WithObserver(m)}
	var worker *storage.ExecutionQueueWorker
	if db != nil {
		var queueClient *redis.Client
		if cfg.Queue.Backend == config.BackendRedis {
			queueClient = redisClient.Client()
		}
		qcfg := cfg.QueueConfig()
		q, dlq, err := queue.New[*models.ExecutionRecord](qcfg, queueClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create execution queue: %w", err)
		}
		deps.onClose(func(context.Context) error { return errors.Join(q.Close(), dlq.Close()) })

		repo := db.NewExecutionRepository()
		worker = storage.NewExecutionQueueWorker(q, dlq, repo, qcfg)

		if cfg.Archive.Enabled {
			writer, err := archive.NewS3Writer(ctx, cfg.S3Config())
			if err != nil {
				return nil, fmt.Errorf("failed to initialize execution archive: %w", err)
			}
			sink := archive.NewBufferedSink(writer, cfg.BufferedConfig())
			worker.SetArchive(sink)
			deps.onClose(sink.Close)
		}

		worker.Start(runCtx)
		deps.onClose(func(context.Context) error { return worker.Stop() })
		deps.DeadLetters = worker

		trackerOpts = append(trackerOpts, tracker.WithRecorder(worker), tracker.WithLookup(repo))
	}

	tr := tracker.New(cfg.TrackerConfig(), reg, quality.NewScorer(), stats, trackerOpts...)
	deps.Tracker = tr

	mgr := abtest.NewManager(cfg.ABTestConfig(), abStore, reg)
	deps.Experiments = mgr

	rt := router.New(cfg.RouterConfig(), reg, tr, router.WithExperiments(mgr))
	analyzer := cost.NewAnalyzer(cfg.CostConfig(), reg, tr)

	svcOpts := []optimizer.Option{
		optimizer.WithObserver(m),
		optimizer.WithDashboardWindow(cfg.Router.StatsWindow),
	}
	var catalogs *storage.CatalogRepository
	if db != nil {
		catalogs = db.NewCatalogRepository()
		if cfg.Registry.PersistSnapshots {
			svcOpts = append(svcOpts, optimizer.WithCatalogStore(catalogs))
		}
	}

	svc, err := optimizer.New(optimizer.Components{
		Registry:    reg,
		Tracker:     tr,
		Router:      rt,
		Experiments: mgr,
		Costs:       analyzer,
	}, svcOpts...)
	if err != nil {
		return nil, err
	}
	deps.Service = svc

	if err := loadCatalog(ctx, deps, cfg, catalogs); err != nil {
		return nil, err
	}

	if cfg.Registry.CatalogFile != "" && cfg.Registry.Watch {
		stop, err := reg.Watch(runCtx, cfg.Registry.CatalogFile, cfg.Registry.WatchDebounce)
		if err != nil {
			return nil, fmt.Errorf("failed to watch catalog: %w", err)
		}
		deps.onClose(func(context.Context) error { stop(); return nil })
	}

	// Maintenance jobs
	sched := jobs.NewScheduler(cfg.Jobs.Timeout, utils.NewLogger("jobs"))
	jobDeps := jobs.Dependencies{
		Sweeper:       tr,
		Experiments:   mgr,
		Conclusions:   m,
		CacheCleaners: []func() int{tr.CleanupCache},
		Gauge:         m,
	}
	if db != nil {
		jobDeps.CacheCleaners = append(jobDeps.CacheCleaners, db.CleanupExpiredCacheEntries)
	}
	if worker != nil {
		jobDeps.QueueName = cfg.Queue.Name
		jobDeps.QueueLength = worker.GetQueueLength
		jobDeps.DLQLength = jobs.DeadLetterCount(worker.GetDeadLetterItems)
	}
	if err := jobs.Register(sched, cfg.JobsConfig(), jobDeps); err != nil {
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}
	sched.Start()
	deps.onClose(func(context.Context) error { sched.Stop(); return nil })
	deps.Scheduler = sched

	return deps, nil
}

// loadCatalog activates the configured catalog file, falling back to the
// last snapshot persisted by a previous run.
func loadCatalog(ctx context.Context, deps *Dependencies, cfg *config.Config, catalogs *storage.CatalogRepository) error {
	if cfg.Registry.CatalogFile != "" {
		if err := deps.Service.ReloadRegistryFromFile(ctx, cfg.Registry.CatalogFile); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		return nil
	}

	if catalogs != nil {
		snap, err := catalogs.Latest(ctx)
		switch {
		case err == nil:
			if err := deps.Registry.Reload(snap); err != nil {
				return fmt.Errorf("failed to activate persisted catalog: %w", err)
			}
			deps.logger.Info("Restored persisted catalog", "version", snap.Version, "models", snap.Len())
			return nil
		case !errors.Is(err, storage.ErrCatalogNotFound):
			return err
		}
	}

	deps.logger.Warn("Starting with an empty model catalog; load one through /admin/registry/reload")
	return nil
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	deps, err := Build(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewHandler(deps), deps, nil
}

// NewHandler registers every route on a new mux. Admin routes are only
// mounted when an operator token secret is configured.
func NewHandler(deps *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(method, path string, h http.Handler) {
		if deps.Metrics != nil {
			h = deps.Metrics.InstrumentHandler(path, h)
		}
		mux.Handle(method+" "+path, h)
	}

	opt := NewOptimizerHandler(deps.Service)
	handle(http.MethodPost, "/v1/select", http.HandlerFunc(opt.Select))
	handle(http.MethodPost, "/v1/executions", http.HandlerFunc(opt.BeginExecution))
	handle(http.MethodPost, "/v1/executions/{handle}/complete", http.HandlerFunc(opt.CompleteExecution))
	handle(http.MethodPost, "/v1/executions/{id}/feedback", http.HandlerFunc(opt.SubmitFeedback))
	handle(http.MethodGet, "/v1/dashboard", http.HandlerFunc(opt.Dashboard))

	// Health check endpoint - public
	mux.HandleFunc("GET /health", deps.handleHealth)

	// Metrics endpoint - public
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.HTTPHandler())
	}

	if len(deps.Token.Secret) == 0 {
		if deps.logger != nil {
			deps.logger.Warn("No JWT secret configured; admin routes are disabled")
		}
		return mux
	}

	// Reads require at least "viewer", changes require "operator"
	viewer := middleware.OperatorJWT(deps.Token, auth.RoleViewer)
	operator := middleware.OperatorJWT(deps.Token, auth.RoleOperator)

	admin := NewAdminHandler(deps.Service, deps.DeadLetters, deps.CatalogFile)
	handle(http.MethodGet, "/admin/abtests", viewer(http.HandlerFunc(admin.ListABTests)))
	handle(http.MethodPost, "/admin/abtests", operator(http.HandlerFunc(admin.CreateABTest)))
	handle(http.MethodGet, "/admin/abtests/{id}", viewer(http.HandlerFunc(admin.GetABTest)))
	handle(http.MethodPost, "/admin/abtests/{id}/start", operator(http.HandlerFunc(admin.StartABTest)))
	handle(http.MethodPost, "/admin/abtests/{id}/analyze", operator(http.HandlerFunc(admin.AnalyzeABTest)))
	handle(http.MethodGet, "/admin/registry", viewer(http.HandlerFunc(admin.GetRegistry)))
	handle(http.MethodPost, "/admin/registry/reload", operator(http.HandlerFunc(admin.ReloadRegistry)))
	handle(http.MethodPost, "/admin/cost/projection", viewer(http.HandlerFunc(admin.ProjectCost)))
	handle(http.MethodGet, "/admin/dlq", viewer(http.HandlerFunc(admin.ListDeadLetters)))
	handle(http.MethodPost, "/admin/dlq/{id}/retry", operator(http.HandlerFunc(admin.RetryDeadLetter)))

	return mux
}

// handleHealth reports the catalog version and the reachability of every
// backing service.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(d.Checks))
	for name, c := range d.Checks {
		if err := c.Health(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{
		"status": "ok",
		"checks": checks,
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if d.Registry != nil {
		body["registry_version"] = d.Registry.Version()
	}
	if d.Tracker != nil {
		body["pending_executions"] = d.Tracker.Pending()
	}
	utils.RespondWithJSON(w, status, body)
}
