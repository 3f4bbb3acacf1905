// Package server builds the application's dependencies from configuration
// and runs the HTTP control plane.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/api"
	"github.com/JakeFAU/event-catalog-crawler/internal/browser"
	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/event-catalog-crawler/internal/config"
	"github.com/JakeFAU/event-catalog-crawler/internal/enrich"
	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/event-catalog-crawler/internal/ingest"
	"github.com/JakeFAU/event-catalog-crawler/internal/listing"
	"github.com/JakeFAU/event-catalog-crawler/internal/logging"
	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	memorypublisher "github.com/JakeFAU/event-catalog-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/event-catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/event-catalog-crawler/internal/runlock"
	"github.com/JakeFAU/event-catalog-crawler/internal/solver"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
	gcsstorage "github.com/JakeFAU/event-catalog-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/event-catalog-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/event-catalog-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/event-catalog-crawler/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	runner    *ingest.Runner
	registry  *source.Registry
	store     catalog.Store
	pgStore   *pgstore.CatalogStore
	gcsBlobs  *gcsstorage.BlobStore
	redis     *redis.Client
	publisher *gcppublisher.Publisher
	checks    []api.Check
}

// Runner exposes the ingestion runner for one-shot commands.
func (a *App) Runner() *ingest.Runner { return a.runner }

// RunSource runs one source to completion.
func (a *App) RunSource(ctx context.Context, name string) (ingest.RunReport, error) {
	return a.runner.RunSource(ctx, name)
}

// RunAll runs every registered source in order.
func (a *App) RunAll(ctx context.Context) ([]ingest.RunReport, error) {
	return a.runner.RunAll(ctx)
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the loaded source registry.
func (a *App) Registry() *source.Registry { return a.registry }

// Migrate applies the catalog schema. The memory store needs none.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		a.logger.Info("memory catalog store, nothing to migrate")
		return nil
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	a.logger.Info("catalog schema applied")
	return nil
}

// Checks returns the readiness probes for the configured backends.
func (a *App) Checks() []api.Check { return a.checks }

// Serve runs the HTTP API until ctx is canceled or SIGINT/SIGTERM arrives,
// then drains in-flight runs.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(ctx, a.runner, api.Options{
		APIKey:         a.cfg.Server.APIKey,
		Checks:         a.checks,
		RequestTimeout: config.Seconds(a.cfg.Server.RequestTimeoutSeconds),
	}, a.logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	apiServer.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every backend the App opened.
func (a *App) Close() error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub: %w", err))
		}
	}
	if a.gcsBlobs != nil {
		if err := a.gcsBlobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

// Build creates the application's dependencies. On error, whatever was
// already opened is closed.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	app.registry, err = source.Load(cfg.Pipeline.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("source registry: %w", err)
	}
	logger.Info("source registry loaded",
		zap.String("path", cfg.Pipeline.RegistryPath),
		zap.Strings("sources", app.registry.Names()),
	)

	if err = setupDatabase(ctx, app); err != nil {
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
	setupRedis(app)
	entities, err := setupEntities(app)
	if err != nil {
		return nil, err
	}

	solverClient, err := solver.New(solver.Config{
		BaseURL:      cfg.Solver.BaseURL,
		APIKey:       cfg.Solver.APIKey,
		PollInterval: config.Seconds(cfg.Solver.PollIntervalSeconds),
		MaxPolls:     cfg.Solver.MaxPolls,
		Timeout:      config.Seconds(cfg.Solver.TimeoutSeconds),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("solver client init failed: %w", err)
	}

	ids := uuid.New()
	challenges := challenge.NewResolver(challenge.Config{
		MaxIterations:     cfg.Challenge.MaxIterations,
		WaitTimeout:       config.Seconds(cfg.Challenge.WaitTimeoutSeconds),
		PollInterval:      config.Millis(cfg.Challenge.PollIntervalMs),
		SettleDelay:       config.Millis(cfg.Challenge.SettleDelayMs),
		DiagnosticsPrefix: cfg.Challenge.DiagnosticsPrefix,
	}, solverClient, blobs, ids, logger)

	isolation, err := catalog.ParseIsolation(cfg.Pipeline.Isolation)
	if err != nil {
		return nil, err
	}

	var locker *runlock.Locker
	if app.redis != nil {
		locker = runlock.New(app.redis, cfg.Redis.LockPrefix, time.Duration(cfg.Redis.LockTTLMinutes)*time.Minute)
	}

	app.runner, err = ingest.NewRunner(ingest.Config{
		Listing: listing.Config{
			MinDelay:               config.Millis(cfg.Pipeline.MinDelayMs),
			MaxDelay:               config.Millis(cfg.Pipeline.MaxDelayMs),
			MaxConsecutiveFailures: cfg.Pipeline.MaxConsecutiveFailures,
			UserAgent:              cfg.Browser.UserAgent,
			HTTPTimeout:            config.Seconds(cfg.Pipeline.HTTPTimeoutSeconds),
		},
		Enrich: enrich.Config{
			PageTimeout:        config.Seconds(cfg.Pipeline.DetailPageTimeoutSeconds),
			DefaultConcurrency: cfg.Pipeline.DetailConcurrency,
		},
		Normalizer:  ingest.NewNormalizer(cfg.Location(), cfg.Pipeline.DefaultCity, cfg.Pipeline.DefaultCategory),
		LockRefresh: time.Duration(cfg.Pipeline.LockRefreshMinutes) * time.Minute,
	}, ingest.Deps{
		Registry:   app.registry,
		Challenges: challenges,
		Solver:     solverClient,
		Entities:   entities,
		Engine:     catalog.NewEngine(app.store, isolation, logger),
		Locker:     locker,
		Launcher:   ingest.ChromeLauncher(browserConfig(cfg.Browser), logger),
		Publisher:  publisher,
		IDs:        ids,
		Clock:      system.New(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runner init failed: %w", err)
	}
	return app, nil
}

func browserConfig(c config.BrowserConfig) browser.Config {
	return browser.Config{
		Headless:          c.Headless,
		UserAgent:         c.UserAgent,
		NavigationTimeout: config.Seconds(c.NavTimeoutSeconds),
		ActionTimeout:     config.Seconds(c.ActionTimeoutSeconds),
		Stealth:           c.Stealth,
		MaxTabs:           c.MaxTabs,
		ExecPath:          c.ExecPath,
		WindowWidth:       c.WindowWidth,
		WindowHeight:      c.WindowHeight,
	}
}

func setupDatabase(ctx context.Context, app *App) error {
	db := app.cfg.Database
	if db.Driver != "postgres" {
		app.logger.Warn("using in-memory catalog store, events are lost on exit")
		app.store = memorystorage.NewCatalogStore()
		return nil
	}
	store, err := pgstore.NewCatalogStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("catalog store init failed: %w", err)
	}
	app.pgStore = store
	app.store = store
	app.checks = append(app.checks, api.Check{Name: "postgres", Fn: store.Ping})
	if db.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("catalog auto-migrate failed: %w", err)
		}
	}
	app.logger.Info("postgres catalog store initialized", zap.Bool("auto_migrate", db.AutoMigrate))
	return nil
}

func setupStorage(ctx context.Context, app *App) (challenge.BlobStore, error) {
	b := app.cfg.Blob
	switch b.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: b.GCSBucket, Prefix: b.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsBlobs = store
		app.logger.Info("using GCS diagnostics backend", zap.String("bucket", b.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: b.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local diagnostics backend", zap.String("path", b.LocalDir))
		return store, nil
	default:
		app.logger.Info("using in-memory diagnostics backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (ingest.Publisher, error) {
	ps := app.cfg.PubSub
	if !ps.Enabled {
		app.logger.Warn("Pub/Sub disabled, run reports stay in memory")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, ps.ProjectID, ps.TopicName, app.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return pub, nil
}

func setupRedis(app *App) {
	r := app.cfg.Redis
	if r.Addr == "" {
		app.logger.Warn("no redis address, run lock is process-local and extraction is uncached")
		return
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
	})
	client := app.redis
	app.checks = append(app.checks, api.Check{Name: "redis", Fn: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}})
	app.logger.Info("redis client initialized", zap.String("addr", r.Addr))
}

func setupEntities(app *App) (*entity.Resolver, error) {
	var (
		lexicon   *entity.Lexicon
		extractor entity.Extractor
		err       error
	)
	if path := app.cfg.Pipeline.LexiconPath; path != "" {
		lexicon, err = entity.LoadLexicon(path)
		if err != nil {
			return nil, fmt.Errorf("entity lexicon: %w", err)
		}
		app.logger.Info("entity lexicon loaded", zap.String("path", path), zap.Int("names", lexicon.Len()))
	}
	if g := app.cfg.Gemini; g.Enabled {
		gemini, err := entity.NewGeminiExtractor(entity.GeminiConfig{
			BaseURL: g.BaseURL,
			APIKey:  g.APIKey,
			Model:   g.Model,
			Timeout: config.Seconds(g.TimeoutSeconds),
		}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gemini extractor init failed: %w", err)
		}
		extractor = gemini
		if app.redis != nil {
			extractor = entity.NewCachedExtractor(gemini, app.redis, app.cfg.Redis.CachePrefix,
				time.Duration(app.cfg.Redis.CacheTTLHours)*time.Hour, app.logger)
		}
		app.logger.Info("entity extraction enabled", zap.String("model", g.Model), zap.Bool("cached", app.redis != nil))
	}
	return entity.NewResolver(entity.Config{
		CompetitionCategories: app.cfg.Pipeline.CompetitionCategories,
		ExtractTimeout:        config.Seconds(app.cfg.Gemini.TimeoutSeconds),
	}, extractor, lexicon, app.logger), nil
}
