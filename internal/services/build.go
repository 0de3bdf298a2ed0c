package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/documents"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/experiments"
	"github.com/fyrsmithlabs/recalld/internal/health"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/pipeline"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/scheduler"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/source"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
	"github.com/fyrsmithlabs/recalld/internal/workflows"
)

// Scheduled job names.
const (
	JobSync    = "sync"
	JobCleanup = "cleanup"
)

// Health check names, as reported under "services".
const (
	CheckDatabase    = "database"
	CheckVectorIndex = "vector_index"
	CheckSource      = "source_store"
	CheckObjects     = "object_store"
	CheckEmbedding   = "embedding_model"
	CheckEvents      = "events"
	CheckWorkflows   = "workflow_engine"
)

// Option overrides a component Open would otherwise build from config.
type Option func(*buildOptions)

type buildOptions struct {
	loader  embeddings.Loader
	objects objectstore.Store
}

// WithLoader replaces the configured embedding backend.
func WithLoader(l embeddings.Loader) Option {
	return func(o *buildOptions) { o.loader = l }
}

// WithObjectStore replaces the configured object store.
func WithObjectStore(s objectstore.Store) Option {
	return func(o *buildOptions) { o.objects = s }
}

// App is a fully wired recalld instance.
type App struct {
	Registry

	cfg          *config.Config
	logger       *logging.Logger
	scheduler    *scheduler.Scheduler
	publisher    *events.Publisher
	orchestrator *pipeline.Orchestrator
	temporal     client.Client

	closers []func() error
}

// Open builds every service from cfg. Nothing runs in the background
// until Start.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (app *App, err error) {
	if cfg == nil {
		return nil, errors.New("services: config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.closeAll()
			app = nil
		}
	}()

	store, err := registry.Open(cfg.Database.Path, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	app.closers = append(app.closers, store.Close)

	src, err := source.Open(source.Options{Path: cfg.Source.Path, InMemory: cfg.Source.InMemory}, logger.Named("source"))
	if err != nil {
		return nil, fmt.Errorf("opening source store: %w", err)
	}
	app.closers = append(app.closers, src.Close)

	objects := bo.objects
	if objects == nil {
		objects, err = objectstore.Open(cfg.ObjectStore, logger.Named("objectstore"))
		if err != nil {
			return nil, fmt.Errorf("opening object store: %w", err)
		}
	}
	if cfg.ObjectStore.Enabled {
		if err := objects.EnsureBuckets(ctx, cfg.ObjectStore.Buckets()...); err != nil {
			return nil, fmt.Errorf("ensuring buckets: %w", err)
		}
	}

	zl := logger.Named("embeddings").Underlying()
	loader := bo.loader
	if loader == nil {
		loader, err = embeddings.NewLoader(cfg.Embeddings, zl)
		if err != nil {
			return nil, err
		}
	}
	embedder := embeddings.NewProvider(loader, embeddings.Options{
		ModelName:   cfg.Embeddings.Model,
		Dimension:   cfg.VectorStore.Dimension,
		MaxChars:    cfg.Embeddings.MaxChars(),
		BatchSize:   cfg.Embeddings.BatchSize,
		LoadTimeout: cfg.Embeddings.LoadTimeout.Duration(),
		Logger:      zl,
		Metrics:     embeddings.NewMetrics(zl),
	})
	app.closers = append(app.closers, embedder.Close)

	index, err := vectorstore.Open(ctx, cfg.VectorStore, cfg.Qdrant, logger.Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	app.closers = append(app.closers, index.Close)

	pub, err := events.Connect(cfg.Events, logger.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("connecting events: %w", err)
	}
	app.publisher = pub
	app.closers = append(app.closers, func() error { pub.Close(); return nil })
	tasks := events.NewTracker(pub, events.DefaultTaskTTL, logger)

	steps := pipeline.NewSteps(store, embedder, index, pub, logger)
	runner, err := app.newRunner(store, steps)
	if err != nil {
		return nil, err
	}

	sweeper, err := syncer.New(src, store, runner, syncer.Options{
		Window: cfg.Sync.Window.Duration(),
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	searcher, err := search.NewService(embedder, index, store, search.OptionsFromConfig(cfg.Search, logger))
	if err != nil {
		return nil, err
	}
	docs, err := documents.NewService(store, src, runner, logger)
	if err != nil {
		return nil, err
	}
	datasets, err := experiments.NewBuilder(store, objects, cfg.ObjectStore.DatasetsBucket, logger)
	if err != nil {
		return nil, err
	}
	cleaner := experiments.NewCleaner(store,
		cfg.Retention.ExperimentMaxAge.Duration(),
		cfg.Retention.FailedDocumentMaxAge.Duration(),
		logger)

	checker := health.NewChecker(0)
	checker.Register(CheckDatabase, store.Ping)
	checker.Register(CheckVectorIndex, index.Health)
	checker.Register(CheckSource, src.Ping)
	checker.Register(CheckEmbedding, embedder.Health)
	if cfg.ObjectStore.Enabled {
		checker.Register(CheckObjects, objects.Health)
	}
	if pub.Enabled() {
		checker.Register(CheckEvents, pub.Health)
	}
	if app.temporal != nil {
		c := app.temporal
		checker.Register(CheckWorkflows, func(ctx context.Context) error {
			_, err := c.CheckHealth(ctx, &client.CheckHealthRequest{})
			return err
		})
	}

	app.Registry = NewRegistry(Options{
		Store:     store,
		Source:    src,
		Objects:   objects,
		Index:     index,
		Embedder:  embedder,
		Runner:    runner,
		Documents: docs,
		Syncer:    sweeper,
		Search:    searcher,
		Datasets:  datasets,
		Cleaner:   cleaner,
		Tasks:     tasks,
		Health:    checker,
	})

	app.scheduler = scheduler.New(logger)
	if err := app.registerJobs(); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) newRunner(store *registry.Store, steps *pipeline.Steps) (pipeline.Runner, error) {
	switch a.cfg.Pipeline.Runner {
	case "temporal":
		c, err := workflows.Dial(a.cfg.Temporal, a.logger)
		if err != nil {
			return nil, fmt.Errorf("dialing temporal: %w", err)
		}
		a.temporal = c
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		r, err := workflows.NewRunner(c, store, steps, a.cfg.Temporal, a.cfg.Pipeline, a.logger)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "local", "":
		o, err := pipeline.NewOrchestrator(store, steps, pipeline.OptionsFromConfig(a.cfg.Pipeline, a.logger))
		if err != nil {
			return nil, err
		}
		a.orchestrator = o
		return o, nil
	default:
		return nil, fmt.Errorf("unknown pipeline runner %q", a.cfg.Pipeline.Runner)
	}
}

func (a *App) registerJobs() error {
	if a.cfg.Sync.Enabled {
		if err := a.scheduler.Register(JobSync, a.cfg.Sync.Schedule, func(ctx context.Context) error {
			_, err := a.Syncer().Sync(ctx, syncer.Request{})
			return err
		}); err != nil {
			return err
		}
	}
	if a.cfg.Retention.Enabled {
		if err := a.scheduler.Register(JobCleanup, a.cfg.Retention.Schedule, func(ctx context.Context) error {
			_, err := a.Cleaner().Cleanup(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler returns the periodic job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Publisher returns the event publisher. It is never nil.
func (a *App) Publisher() *events.Publisher { return a.publisher }

// RunPending drives every due pipeline task to completion in the calling
// goroutine. It is only available with the local runner and is used by
// one-shot commands that exit once their work is done.
func (a *App) RunPending(ctx context.Context) (int, error) {
	if a.orchestrator == nil {
		return 0, errors.New("pipeline runner does not support synchronous runs")
	}
	return a.orchestrator.RunPending(ctx)
}

// Start launches the pipeline runner and the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.Runner().Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline runner: %w", err)
	}
	a.scheduler.Start()
	a.logger.Info(ctx, "recalld services started",
		zap.String("runner", a.cfg.Pipeline.Runner),
		zap.Int("jobs", len(a.scheduler.Jobs())))
	return nil
}

// Close stops background work and releases every resource. Pipeline work
// still running when ctx is done resumes on the next start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping scheduler: %w", err))
		}
	}
	if a.Registry != nil {
		if err := a.Tasks().Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("waiting for background tasks: %w", err))
		}
		if err := a.Runner().Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping pipeline runner: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeAll releases resources in reverse order of acquisition.
func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// shutdownTimeout bounds Close when the caller has no deadline of its own.
func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return 10 * time.Second
}

// Shutdown is Close bounded by the configured shutdown timeout.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return a.Close(ctx)
}
