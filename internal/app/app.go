// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polite-crawler/internal/api"
	"github.com/JakeFAU/polite-crawler/internal/clock/system"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/extractor"
	"github.com/JakeFAU/polite-crawler/internal/fetcher"
	"github.com/JakeFAU/polite-crawler/internal/filter"
	"github.com/JakeFAU/polite-crawler/internal/frontier"
	"github.com/JakeFAU/polite-crawler/internal/id/uuid"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/progress/sinks"
	pubsubpub "github.com/JakeFAU/polite-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/polite-crawler/internal/storage/gcs"
	"github.com/JakeFAU/polite-crawler/internal/storage/local"
	"github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/storage/postgres"
	"github.com/JakeFAU/polite-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/polite-crawler/internal/worker"
)

const (
	pageSavedTopic  = "page_saved"
	shutdownTimeout = 10 * time.Second
)

// Option customizes App construction.
type Option func(*options)

type options struct {
	clock     crawler.Clock
	store     crawler.Store
	publisher crawler.Publisher
	transport http.RoundTripper
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses store instead of opening one from the config. The App
// still closes it.
func WithStore(store crawler.Store) Option {
	return func(o *options) { o.store = store }
}

// WithPublisher sends page-saved notifications to p instead of Pub/Sub.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithTransport sets the fetcher's HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// App holds all the shared, long-lived services for the application.
// It is built once at startup, run, and closed on shutdown.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     crawler.Store
	scheduler *frontier.Scheduler
	worker    *worker.Worker
	hub       *progress.Hub
	server    *http.Server

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// OpenStore opens the frontier store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (crawler.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath(), sqlite.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.NewFrontierStore(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN(),
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	case config.DriverMemory:
		return memory.NewFrontierStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// New creates and initializes an App from cfg. It fails fast if any
// service cannot be initialized, releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = system.New()
	}

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed init", zap.Error(cerr))
			}
		}
	}()

	logger.Info("initializing application services",
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
		zap.Bool("server", cfg.Server.Enabled),
	)

	store := o.store
	if store == nil {
		if store, err = OpenStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	a.store = store
	a.onClose(func(context.Context) error { return store.Close() })

	registry := prometheus.NewRegistry()
	if err = registry.Register(metrics.NewFrontierCollector(store, 2*time.Second)); err != nil {
		return nil, fmt.Errorf("register frontier collector: %w", err)
	}

	hubSinks, err := a.buildSinks(ctx, registry, o.publisher)
	if err != nil {
		return nil, err
	}
	ids := uuid.New()
	runID, err := ids.NewRunID()
	if err != nil {
		return nil, err
	}
	hub := progress.NewHub(progress.Config{RunID: progress.UUIDToBytes(runID), Logger: logger}, hubSinks...)
	a.hub = hub
	a.onClose(hub.Close)

	a.scheduler, err = frontier.New(store, o.clock, frontier.Config{
		PolitenessInterval: cfg.Crawler.PolitenessInterval,
	}, logger, frontier.WithEmitter(hub))
	if err != nil {
		return nil, fmt.Errorf("init frontier: %w", err)
	}

	urlFilter, err := filter.LoadFiles(cfg.Filter.ExcludeFile, cfg.Filter.IncludeFile, logger)
	if err != nil {
		return nil, err
	}

	var fetchOpts []fetcher.Option
	if o.transport != nil {
		fetchOpts = append(fetchOpts, fetcher.WithTransport(o.transport))
	}
	fetch, err := fetcher.New(store, o.clock, fetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		TempDir:      cfg.Crawler.TempDir,
		FinalDir:     cfg.Crawler.FinalDir,
		MaxRedirects: cfg.Crawler.MaxRedirects,
		Timeout:      cfg.HTTP.Timeout,
	}, logger, fetchOpts...)
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	extract, err := extractor.New(a.scheduler, urlFilter, logger,
		extractor.WithRelativeLinks(cfg.Crawler.ResolveRelative))
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	workerOpts := []worker.Option{worker.WithEmitter(hub)}
	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}
	if archive != nil {
		workerOpts = append(workerOpts, worker.WithArchive(archive))
	}
	a.worker, err = worker.New(a.scheduler, fetch, extract, o.clock, worker.Config{
		PollInterval: cfg.Crawler.PollInterval,
	}, logger, workerOpts...)
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}

	if cfg.Server.Enabled {
		srv, err := api.NewServer(api.Dependencies{
			Store:     store,
			Scheduler: a.scheduler,
			Metrics:   metrics.Handler(registry),
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init api server: %w", err)
		}
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("application services initialized")
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, registry prometheus.Registerer, publisher crawler.Publisher) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	if publisher == nil && a.cfg.PubSub.Enabled {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		p, err := pubsubpub.New(client, a.cfg.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.onClose(func(context.Context) error { p.Stop(); return nil })
		a.logger.Info("publishing page notifications", zap.String("topic", a.cfg.PubSub.TopicName))
		publisher = p
	}
	if publisher != nil {
		pubSink, err := sinks.NewPublisherSink(publisher, pageSavedTopic, uuid.New(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("init publisher sink: %w", err)
		}
		out = append(out, pubSink)
	}
	return out, nil
}

func (a *App) buildArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.ArchiveDir()})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		return store, nil
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Archive.Bucket, Prefix: a.cfg.Archive.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the frontier store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Scheduler exposes the frontier scheduler.
func (a *App) Scheduler() crawler.Scheduler {
	return a.scheduler
}

// Seed enqueues urls before the crawl starts. Rejected seeds are logged and
// skipped; store failures abort.
func (a *App) Seed(ctx context.Context, urls []string) error {
	for _, u := range urls {
		res, err := a.scheduler.Enqueue(ctx, u)
		if err != nil {
			return fmt.Errorf("seed %q: %w", u, err)
		}
		a.logger.Info("seed enqueued", zap.String("url", u), zap.Stringer("result", res))
	}
	return nil
}

// Run drives the crawl loop, and the ops server when enabled, until ctx is
// canceled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.worker.Run(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("ops server listening", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown ops server: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run crawler: %w", err)
	}
	return nil
}

// Close shuts down every service in reverse order of construction and
// flushes the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		// Sync on stderr returns EINVAL on some platforms.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
