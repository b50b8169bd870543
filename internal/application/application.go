// Package application wires the store lifecycle components together: the
// engine, the connection pool, the blob store, the backup service and the
// migration orchestrator. Each is built once in New and handed to the
// next by reference.
package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"storekeeper/internal/backup"
	"storekeeper/internal/blobstore"
	"storekeeper/internal/config"
	"storekeeper/internal/engine"
	"storekeeper/internal/logging"
	"storekeeper/internal/metrics"
	"storekeeper/internal/migration"
	"storekeeper/internal/pool"
)

// Application owns every long-lived component.
type Application struct {
	cfg          *config.Config
	logger       *logging.Logger
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	engine       *engine.Engine
	pool         *pool.Pool
	store        blobstore.Store
	backups      *backup.Service
	orchestrator *migration.Orchestrator

	closers []func() error
	closed  bool
}

type options struct {
	logger   *logging.Logger
	registry *prometheus.Registry
	store    blobstore.Store
	runtime  bool
}

// Option customizes New.
type Option func(*options)

// WithLogger replaces the logger built from the logging section.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithBlobStore uses store instead of opening the configured backend.
// The application closes it on Close.
func WithBlobStore(store blobstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRuntimeCollectors adds the Go runtime and process collectors to the registry.
func WithRuntimeCollectors() Option {
	return func(o *options) { o.runtime = true }
}

// New validates cfg and builds the component graph. Nothing is migrated
// until Startup is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Application, err error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	app := &Application{cfg: cfg, logger: o.logger, registry: o.registry}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.logger == nil {
		app.logger, err = logging.NewLogger(cfg.Logging.Logger())
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}
	log := logging.NewComponentLogger(app.logger)

	if app.registry == nil {
		app.registry = prometheus.NewRegistry()
	}
	if o.runtime {
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	app.metrics = metrics.New(app.registry)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	app.engine, err = engine.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.engine.Close)

	app.pool, err = pool.New(ctx, cfg.Pool, app.engine,
		pool.WithLogger(log),
		pool.WithMetrics(app.metrics.Pool),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start connection pool: %w", err)
	}
	app.closers = append(app.closers, app.pool.Close)

	app.store = o.store
	if app.store == nil {
		app.store, err = blobstore.Open(ctx, cfg.BlobStore)
		if err != nil {
			return nil, fmt.Errorf("failed to open blob store: %w", err)
		}
	}
	app.closers = append(app.closers, app.store.Close)

	app.backups, err = backup.NewService(cfg.Backup, app.pool, app.store,
		backup.WithLogger(log),
		backup.WithMetrics(app.metrics.Backup),
		backup.WithSource(app.engine.Name()),
	)
	if err != nil {
		return nil, err
	}
	if err := app.backups.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load backup catalog: %w", err)
	}

	app.orchestrator, err = migration.NewOrchestrator(cfg.Migration, app.pool, app.backups,
		migration.WithRunStore(migration.NewBlobRunStore(app.store)),
		migration.WithLogger(log),
		migration.WithMetrics(app.metrics.Migration),
	)
	if err != nil {
		return nil, err
	}
	if err := app.orchestrator.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load migration state: %w", err)
	}

	log.Info("application", "new", "store opened", logging.Fields{
		"store":    app.engine.Path(),
		"provider": string(cfg.BlobStore.Provider),
	})
	return app, nil
}

// Startup runs the migration gate when migration.run_on_startup is set.
// It returns a nil report when the gate is disabled.
func (app *Application) Startup(ctx context.Context) (*migration.Report, error) {
	if !app.cfg.Migration.RunOnStartup {
		app.logger.Debug("Startup migration disabled")
		return nil, nil
	}
	done := app.logger.LogOperationStart("startup migration", nil)
	report, err := app.orchestrator.Migrate(ctx)
	done(err)
	return report, err
}

// Ready fails while the last migration run is failed and unresolved.
func (app *Application) Ready() error {
	return app.orchestrator.CheckReady()
}

// Health is Ready plus a reachability check of the blob store.
func (app *Application) Health(ctx context.Context) error {
	if err := app.Ready(); err != nil {
		return err
	}
	return app.backups.HealthCheck(ctx)
}

func (app *Application) Config() *config.Config                { return app.cfg }
func (app *Application) Logger() *logging.Logger               { return app.logger }
func (app *Application) Registry() *prometheus.Registry        { return app.registry }
func (app *Application) Engine() *engine.Engine                { return app.engine }
func (app *Application) Pool() *pool.Pool                      { return app.pool }
func (app *Application) Backups() *backup.Service              { return app.backups }
func (app *Application) Orchestrator() *migration.Orchestrator { return app.orchestrator }

// Close shuts components down in reverse construction order. It is safe to
// call more than once.
func (app *Application) Close() error {
	if app.closed {
		return nil
	}
	app.closed = true

	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}
