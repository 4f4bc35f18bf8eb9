// Package server builds the auditor's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/analysis"
	"github.com/JakeFAU/answerability-auditor/internal/api"
	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/citation"
	anthropicprovider "github.com/JakeFAU/answerability-auditor/internal/citation/anthropic"
	geminiprovider "github.com/JakeFAU/answerability-auditor/internal/citation/gemini"
	"github.com/JakeFAU/answerability-auditor/internal/citation/websearch"
	"github.com/JakeFAU/answerability-auditor/internal/clock/system"
	"github.com/JakeFAU/answerability-auditor/internal/config"
	"github.com/JakeFAU/answerability-auditor/internal/detector"
	"github.com/JakeFAU/answerability-auditor/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/answerability-auditor/internal/fetcher/colly"
	"github.com/JakeFAU/answerability-auditor/internal/frontier"
	"github.com/JakeFAU/answerability-auditor/internal/id/uuid"
	"github.com/JakeFAU/answerability-auditor/internal/lock/redislock"
	"github.com/JakeFAU/answerability-auditor/internal/logging"
	"github.com/JakeFAU/answerability-auditor/internal/policy/ratelimit"
	"github.com/JakeFAU/answerability-auditor/internal/policy/retry"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
	progresssinks "github.com/JakeFAU/answerability-auditor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/answerability-auditor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/answerability-auditor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/answerability-auditor/internal/queue/memory"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
	"github.com/JakeFAU/answerability-auditor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/answerability-auditor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/answerability-auditor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/answerability-auditor/internal/storage/memory"
	pgstore "github.com/JakeFAU/answerability-auditor/internal/storage/postgres"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
	"github.com/JakeFAU/answerability-auditor/internal/watchdog"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	store          audit.Store
	ready          func(context.Context) error
	apiServer      *api.Server
	runner         *runner.Runner
	watchdog       *watchdog.Watchdog
	dispatch       *dispatcher.Dispatcher
	scheduler      *scheduler.Scheduler
	progressHub    *progress.Hub
	queue          *queueMemory.Queue
	pubsubClient   *pubsub.Client
	storage        *storage.Client
	redis          *redis.Client
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Ticker exposes the phase runner for one-shot commands.
func (a *App) Ticker() api.Ticker { return a.runner }

// Sweeper exposes the watchdog for one-shot commands.
func (a *App) Sweeper() api.Sweeper { return a.watchdog }

// Store exposes the durable store.
func (a *App) Store() audit.Store { return a.store }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Run starts the dispatcher, scheduler, and HTTP server and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("dispatcher did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients and flushes observability. Calls
// after the first are no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies. A partially built App is
// closed before the error is returned.
func Build(ctx context.Context, cfg *config.Config) (app *App, err error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app = &App{cfg: cfg, logger: logger}
	partial := app
	defer func() {
		if err != nil {
			_ = partial.Close(ctx)
		}
	}()
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("lock_backend", cfg.Lock.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	locker, err := setupLocker(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app, publisher)
	if err != nil {
		return nil, err
	}
	citations, err := setupCitations(ctx, app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})

	crawler, err := frontier.New(frontier.Deps{
		Store:   app.store,
		Locker:  locker,
		Fetcher: fetcher,
		Clock:   clock,
		IDs:     ids,
		Emitter: emitter,
		Logger:  logger.Named("frontier"),
	}, frontier.Config{
		LockTTL:       cfg.LockTTL(),
		VisitingTTL:   time.Duration(cfg.Crawl.VisitingTTLSeconds) * time.Second,
		FetchTimeout:  cfg.FetchTimeout(),
		SoftDeadline:  time.Duration(cfg.Crawl.SoftDeadlineSeconds) * time.Second,
		MaxChain:      cfg.Crawl.MaxChain,
		SelfChain:     cfg.Crawl.SelfChain,
		MaxDepth:      cfg.Crawl.MaxDepth,
		LinkExpansion: cfg.Crawl.LinkExpansion,
		LinkLimit:     cfg.Crawl.SeedLinkLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("frontier init failed: %w", err)
	}

	app.runner, err = runner.New(runner.Deps{
		Store:     app.store,
		Crawler:   crawler,
		Fetcher:   fetcher,
		Detector:  detector.NewHeuristic(cfg.Fetch.DetectorMinBytes),
		Citations: citations,
		Analyzer:  analysis.New(clock.Now),
		Blobs:     blobs,
		Clock:     clock,
		Emitter:   emitter,
		Logger:    logger.Named("runner"),
	}, runner.Config{
		FetchTimeout:    cfg.FetchTimeout(),
		SeedLinkLimit:   cfg.Crawl.SeedLinkLimit,
		SitemapURLLimit: cfg.Crawl.SitemapURLLimit,
		SynthBatchSize:  cfg.Crawl.SynthBatchSize,
		MaxQueries:      cfg.Citation.MaxQueries,
		QueryTemplates:  cfg.Citation.QueryTemplates,
		ReportPrefix:    cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}

	app.watchdog, err = watchdog.New(watchdog.Deps{
		Store:   app.store,
		Clock:   clock,
		Emitter: emitter,
		Logger:  logger.Named("watchdog"),
	}, watchdogConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("watchdog init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Dispatcher.QueueDepth)
	app.dispatch = dispatcher.New(app.queue, app.runner, dispatcher.Config{
		Workers:     cfg.Dispatcher.Workers,
		ChainDelay:  cfg.ChainDelay(),
		TickTimeout: tickTimeout(cfg),
	}, logger.Named("dispatcher"))

	if cfg.Scheduler.Enabled {
		app.scheduler, err = scheduler.New(scheduler.Deps{
			Audits:   app.store,
			Enqueuer: app.dispatch,
			Sweeper:  app.watchdog,
			Logger:   logger.Named("scheduler"),
		}, scheduler.Config{
			TickSpec:         cfg.Scheduler.TickSpec,
			WatchdogSpec:     cfg.Scheduler.WatchdogSpec,
			MaxAuditsPerTick: cfg.Scheduler.MaxAuditsPerTick,
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	app.apiServer, err = api.NewServer(api.Deps{
		Store:    app.store,
		Enqueuer: app.dispatch,
		Ticker:   app.runner,
		Sweeper:  app.watchdog,
		IDs:      ids,
		Clock:    clock,
		Ready:    app.ready,
		Logger:   logger,
	}, api.Config{
		AuthEnabled:     cfg.Auth.Enabled,
		APIKey:          cfg.Auth.APIKey,
		MaxPagesDefault: cfg.Crawl.MaxPagesDefault,
		MaxPagesLimit:   cfg.Crawl.MaxPagesLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}

	return app, nil
}

// tickTimeout bounds one tick by the longest phase, a citation batch run
// query by query, plus a crawl chain window.
func tickTimeout(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Crawl.SoftDeadlineSeconds)*time.Second + 2*cfg.FetchTimeout() +
		time.Duration(cfg.Citation.CallTimeoutSecs)*time.Second*time.Duration(max(cfg.Citation.MaxQueries, 1))
}

func watchdogConfig(cfg *config.Config) watchdog.Config {
	wc := watchdog.DefaultConfig()
	wc.CrawlTimeout = time.Duration(cfg.Watchdog.CrawlTimeoutSeconds) * time.Second
	wc.GeneralTimeout = time.Duration(cfg.Watchdog.GeneralTimeoutSeconds) * time.Second
	wc.HardCap = time.Duration(cfg.Watchdog.HardCapSeconds) * time.Second
	wc.MaxAttempts = cfg.Watchdog.MaxAttempts
	wc.FailureWindow = time.Duration(cfg.Watchdog.FailureWindowMinutes) * time.Minute
	wc.FailureThreshold = cfg.Watchdog.FailureThreshold
	wc.SlowP95 = time.Duration(cfg.Watchdog.SlowP95Seconds) * time.Second
	wc.SlowWindow = time.Duration(cfg.Watchdog.SlowWindowMinutes) * time.Minute
	wc.SlowPhases = make([]audit.Phase, 0, len(cfg.Watchdog.SlowPhases))
	for _, p := range cfg.Watchdog.SlowPhases {
		wc.SlowPhases = append(wc.SlowPhases, audit.Phase(p))
	}
	return wc
}

func setupStore(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no database DSN configured, using in-memory store")
		app.store = memoryStorage.NewStore()
		return nil
	}
	if app.cfg.Database.AutoMigrate {
		if err := pgstore.MigrateUp(app.cfg.Database.DSN, app.logger.Named("migrate")); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	app.store = pg
	app.ready = pg.Ping
	app.logger.Info("postgres store initialized", zap.Int32("max_conns", app.cfg.Database.MaxConns))
	return nil
}

func setupLocker(ctx context.Context, app *App) (audit.Locker, error) {
	switch app.cfg.Lock.Backend {
	case "none":
		app.logger.Warn("audit lock disabled; overlapping crawl ticks rely on conditional writes")
		return frontier.NoLock{}, nil
	case "redis":
	default:
		app.logger.Info("using store-backed audit lock")
		return app.store, nil
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	if err := app.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	app.logger.Info("using redis audit lock", zap.String("addr", app.cfg.Redis.Addr))
	return redislock.New(app.redis, app.cfg.Redis.Prefix), nil
}

func setupStorage(ctx context.Context, app *App) (audit.BlobStore, error) {
	var blobStore audit.BlobStore
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err = gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: app.cfg.Storage.Bucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		app.logger.Info("using local storage backend")
		blobStore, err = localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore = memoryStorage.NewBlobStore()
	}
	return blobStore, nil
}

func setupPublisher(ctx context.Context, app *App) (audit.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubClient, app.cfg.PubSub.TopicName), nil
}

func setupProgress(app *App, publisher audit.Publisher) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Nop{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewPublisherSink(publisher, app.cfg.PubSub.TopicName),
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatch,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

// setupCitations builds the search chain in configured order. Providers
// without credentials are skipped; with none left every query records a
// provider error and the phase still advances.
func setupCitations(ctx context.Context, app *App) (*citation.Orchestrator, error) {
	cfg := app.cfg
	callTimeout := time.Duration(cfg.Citation.CallTimeoutSecs) * time.Second

	var gemini *geminiprovider.Provider
	if cfg.Providers.Gemini.APIKey != "" {
		var err error
		gemini, err = geminiprovider.New(ctx, cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini provider init failed: %w", err)
		}
	}

	var searchers []citation.SearchProvider
	for _, name := range cfg.Citation.Searchers {
		switch name {
		case geminiprovider.Name:
			if gemini == nil {
				app.logger.Warn("gemini searcher configured without api key, skipping")
				continue
			}
			searchers = append(searchers, gemini)
		case websearch.Name:
			if cfg.Providers.WebSearch.Endpoint == "" {
				app.logger.Warn("websearch searcher configured without endpoint, skipping")
				continue
			}
			ws, err := websearch.New(websearch.Config{
				Endpoint:  cfg.Providers.WebSearch.Endpoint,
				APIKey:    cfg.Providers.WebSearch.APIKey,
				KeyHeader: cfg.Providers.WebSearch.KeyHeader,
				Timeout:   callTimeout,
			}, nil)
			if err != nil {
				return nil, fmt.Errorf("websearch provider init failed: %w", err)
			}
			searchers = append(searchers, ws)
		default:
			return nil, fmt.Errorf("unknown citation searcher %q", name)
		}
	}

	var summarizer citation.Summarizer
	switch cfg.Citation.Summarizer {
	case anthropicprovider.Name:
		if cfg.Providers.Anthropic.APIKey != "" {
			s, err := anthropicprovider.New(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model, cfg.Providers.Anthropic.MaxTokens)
			if err != nil {
				return nil, fmt.Errorf("anthropic summarizer init failed: %w", err)
			}
			summarizer = s
		}
	case geminiprovider.Name:
		if gemini != nil {
			summarizer = gemini
		}
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown citation summarizer %q", cfg.Citation.Summarizer)
	}
	if summarizer == nil {
		app.logger.Warn("no citation summarizer available, answers degrade to search snippets")
	}
	app.logger.Info("citation providers configured",
		zap.Int("searchers", len(searchers)),
		zap.Bool("summarizer", summarizer != nil),
	)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
	})
	policy := retry.Default(citation.IsRetryable)
	policy.MaxAttempts = cfg.Retry.MaxAttempts
	policy.BaseDelay = time.Duration(cfg.Retry.BackoffInitialMs) * time.Millisecond
	policy.MaxDelay = time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond

	orch, err := citation.New(searchers, summarizer, limiter, citation.Config{
		MaxResults:     cfg.Citation.MaxResults,
		MaxConcurrent:  cfg.Citation.MaxConcurrent,
		MaxQueryLength: cfg.Citation.MaxQueryLength,
		ChunkDelay:     time.Duration(cfg.Citation.ChunkDelayMs) * time.Millisecond,
		CallTimeout:    callTimeout,
		Retry:          policy,
	}, citation.WithLogger(app.logger.Named("citation")))
	if err != nil {
		return nil, fmt.Errorf("citation orchestrator init failed: %w", err)
	}
	return orch, nil
}
