// Package server builds the task engine from configuration and runs its
// HTTP and worker processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-task-engine/internal/aggregate"
	"github.com/JakeFAU/scrape-task-engine/internal/api"
	"github.com/JakeFAU/scrape-task-engine/internal/cache"
	"github.com/JakeFAU/scrape-task-engine/internal/clock/system"
	"github.com/JakeFAU/scrape-task-engine/internal/config"
	"github.com/JakeFAU/scrape-task-engine/internal/dispatcher"
	"github.com/JakeFAU/scrape-task-engine/internal/executor"
	"github.com/JakeFAU/scrape-task-engine/internal/hash/sha256"
	"github.com/JakeFAU/scrape-task-engine/internal/id/uuid"
	"github.com/JakeFAU/scrape-task-engine/internal/logging"
	"github.com/JakeFAU/scrape-task-engine/internal/metrics"
	"github.com/JakeFAU/scrape-task-engine/internal/orchestrator"
	"github.com/JakeFAU/scrape-task-engine/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/scrape-task-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-task-engine/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/scrape-task-engine/internal/queue/memory"
	"github.com/JakeFAU/scrape-task-engine/internal/retry"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper/browser"
	"github.com/JakeFAU/scrape-task-engine/internal/scraper/static"
	gcsstorage "github.com/JakeFAU/scrape-task-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-task-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-task-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-task-engine/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/scrape-task-engine/internal/storage/sqlite"
	"github.com/JakeFAU/scrape-task-engine/internal/tasks"
	"github.com/JakeFAU/scrape-task-engine/internal/telemetry"
)

// ServiceName identifies the process in traces.
const ServiceName = "scrape-task-engine"

type pinger interface {
	Ping(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  tasks.Clock

	store      tasks.Store
	storePing  pinger
	blobs      tasks.BlobStore
	gcs        *gcsstorage.BlobStore
	publisher  tasks.Publisher
	pubsub     *gcppublisher.Publisher
	registry   *scraper.Registry
	aggregator *aggregate.Aggregator
	executor   *executor.Executor
	orchCfg    orchestrator.Config

	temporal client.Client
	queue    *queuememory.Queue
	local    *dispatcher.Dispatcher
	dispatch tasks.Dispatcher

	tracer *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Stores, blob storage and
// publishers are chosen by cfg; Temporal is dialed only in temporal mode.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logging.OrNop(logger), clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()
	app.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Driver),
		zap.String("mode", cfg.Orchestrator.Mode),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("publisher", cfg.Publisher.Backend),
	)

	metrics.Init()
	if app.tracer, err = telemetry.InitTracerProvider(ctx, ServiceName); err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupScrapers(); err != nil {
		return nil, err
	}

	storeRetry := retry.Fixed(cfg.Executor.StoreRetryAttempts, cfg.Executor.StoreRetryDelay)
	app.aggregator = aggregate.New(app.store, app.clock, storeRetry, app.logger.Named("aggregate"))
	topic := ""
	if app.publisher != nil {
		topic = cfg.Publisher.Topic
	}
	app.executor = executor.New(app.store, app.registry, app.aggregator, app.publisher, app.clock, executor.Config{
		MaxConcurrency: cfg.Executor.MaxConcurrency,
		StoreRetry:     storeRetry,
		Topic:          topic,
	}, app.logger.Named("executor"))
	app.orchCfg = orchestratorConfig(cfg.Orchestrator)

	if err = app.setupDispatcher(); err != nil {
		return nil, err
	}
	return app, nil
}

// Migrate creates the task table and indexes for the configured database.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	app := &App{cfg: cfg, logger: logging.OrNop(logger)}
	defer app.closeInfrastructure()
	return app.setupStore(ctx)
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		store, err := pgstore.NewTaskStore(pool, a.cfg.Database.Table)
		if err != nil {
			pool.Close()
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		a.store = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.storePing = poolPinger{pool}
		a.logger.Info("using postgres task store", zap.String("table", a.cfg.Database.Table))
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("sqlite task store init failed: %w", err)
		}
		a.store = store
		a.storePing = store
		a.logger.Info("using sqlite task store", zap.String("path", a.cfg.Database.DSN))
	default:
		a.logger.Warn("using in-memory task store; tasks are lost on restart")
		a.store = memorystorage.NewTaskStore()
	}
	return nil
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.blobs = store
		a.logger.Info("using GCS snapshot storage", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		store, err := localstorage.New(a.cfg.Storage.BaseDir)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local snapshot storage", zap.String("path", a.cfg.Storage.BaseDir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory snapshot storage")
	default:
		a.logger.Info("page snapshots disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Backend {
	case "pubsub":
		pub, err := gcppublisher.Dial(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return err
		}
		a.pubsub = pub
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Publisher.ProjectID),
			zap.String("topic", a.cfg.Publisher.Topic),
		)
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.logger.Info("task events disabled")
	}
	return nil
}

func (a *App) setupScrapers() error {
	sc := a.cfg.Scraper
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: sc.RateLimitRPS, DefaultBurst: sc.RateLimitBurst})
	md := browser.New(browser.Config{
		ProxyURL:          sc.ProxyURL,
		CDPURL:            sc.CDPURL,
		UserAgent:         sc.UserAgent,
		Headless:          sc.Headless,
		NavigationTimeout: sc.NavTimeout,
		MaxRetry:          sc.MaxRetry,
		RemoveLists:       sc.RemoveLists,
		MinContentLength:  sc.MinContentLength,
		SettleDelay:       sc.SettleDelay,
		MaxParallel:       sc.MaxParallel,
		Limiter:           limiter,
	}, a.blobs, a.logger.Named(browser.Name))
	html := static.New(static.Config{
		UserAgent:     sc.UserAgent,
		Timeout:       sc.HTTPTimeout,
		RespectRobots: sc.RespectRobots,
		Limiter:       limiter,
	}, a.blobs, a.logger.Named(static.Name))
	registry, err := scraper.NewRegistry(md, html)
	if err != nil {
		return fmt.Errorf("scraper registry: %w", err)
	}
	a.registry = registry
	a.logger.Info("scrapers registered", zap.Strings("names", registry.Names()))
	return nil
}

func (a *App) setupDispatcher() error {
	switch a.cfg.Orchestrator.Mode {
	case "temporal":
		c, err := orchestrator.Dial(orchestrator.ClientConfig{
			HostPort:  a.cfg.Temporal.HostPort,
			Namespace: a.cfg.Temporal.Namespace,
			APIKey:    a.cfg.Temporal.APIKey,
			TLS:       a.cfg.Temporal.TLS,
		}, a.logger)
		if err != nil {
			return err
		}
		a.temporal = c
		a.dispatch = orchestrator.NewDispatcher(c, a.orchCfg.TaskQueue, uuid.New(), a.logger.Named("dispatch"))
		a.logger.Info("dispatching to Temporal",
			zap.String("host_port", a.cfg.Temporal.HostPort),
			zap.String("task_queue", a.orchCfg.TaskQueue),
		)
	default:
		a.queue = queuememory.NewQueue(a.cfg.Orchestrator.QueueDepth)
		runner := orchestrator.NewLocalRunner(a.executor, a.store, a.aggregator, a.clock, a.orchCfg, a.logger.Named("runner"))
		a.local = dispatcher.New(a.queue, runner, a.cfg.Orchestrator.LocalWorkers, a.clock, a.logger.Named("dispatch"))
		a.dispatch = a.local
		a.logger.Info("dispatching in-process",
			zap.Int("workers", a.cfg.Orchestrator.LocalWorkers),
			zap.Int("queue_depth", a.cfg.Orchestrator.QueueDepth),
		)
	}
	return nil
}

func orchestratorConfig(c config.OrchestratorConfig) orchestrator.Config {
	return orchestrator.Config{
		TaskQueue:           c.TaskQueue,
		StartToCloseTimeout: c.StartToCloseTimeout,
		HeartbeatTimeout:    c.HeartbeatTimeout,
		Retry: retry.Policy{
			MaxAttempts:        c.MaxAttempts,
			InitialInterval:    c.InitialInterval,
			BackoffCoefficient: c.BackoffCoefficient,
			MaxInterval:        c.MaxInterval,
		},
		MarkFailedAttempts: c.MarkFailedAttempts,
		WorkerConcurrency:  c.WorkerConcurrency,
	}
}

// Handler returns the HTTP API wired to the app's dependencies.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Store:      a.store,
		Creator:    cache.NewCreator(a.store, a.registry, sha256.New(), a.clock, a.cfg.Cache.Enabled, a.logger.Named("cache")),
		Dispatcher: a.dispatch,
		Aggregator: a.aggregator,
		Registry:   a.registry,
		Clock:      a.clock,
		Ready:      a.ready,
		Logger:     a.logger,
	}, a.cfg).Handler()
}

func (a *App) ready(ctx context.Context) error {
	if a.storePing != nil {
		if err := a.storePing.Ping(ctx); err != nil {
			return fmt.Errorf("task store: %w", err)
		}
	}
	if a.temporal != nil {
		if _, err := a.temporal.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
			return fmt.Errorf("temporal: %w", err)
		}
	}
	return nil
}

// Serve runs the HTTP API, and the in-process dispatcher in local mode,
// until ctx is canceled. It closes the app before returning.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatchDone := make(chan struct{})
	if a.local != nil {
		go func() {
			defer close(dispatchDone)
			a.logger.Info("dispatcher started")
			a.local.Run(ctx)
		}()
	} else {
		close(dispatchDone)
	}

	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.queue != nil {
		a.queue.Close()
	}
	<-dispatchDone

	a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// RunWorker polls the Temporal task queue until ctx is canceled.
func (a *App) RunWorker(ctx context.Context) error {
	if a.temporal == nil {
		return errors.New("worker requires orchestrator.mode=temporal")
	}
	acts := orchestrator.NewActivities(
		a.executor, a.store, a.aggregator, a.clock, a.orchCfg.Retry.MaxAttempts, a.logger.Named("activities"),
	)
	w := orchestrator.NewWorker(a.temporal, a.orchCfg, orchestrator.NewWorkflow(a.orchCfg), acts)
	if err := w.Start(); err != nil {
		a.Close(context.Background())
		return fmt.Errorf("start temporal worker: %w", err)
	}
	a.logger.Info("temporal worker started", zap.String("task_queue", a.orchCfg.TaskQueue))

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	w.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.Close(shutdownCtx)
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close releases every client the app opened.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

func (a *App) closeInfrastructure() {
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}
