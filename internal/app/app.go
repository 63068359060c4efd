package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-analyzer/internal/api"
	"market-analyzer/internal/cache"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/config"
	"market-analyzer/internal/fetcher"
	"market-analyzer/internal/logging"
	"market-analyzer/internal/metrics"
	"market-analyzer/internal/scheduler"
	"market-analyzer/internal/service"
	"market-analyzer/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and reports; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

// runtime bundles the wired components shared by commands.
type runtime struct {
	store    storage.Backend
	source   *fetcher.ESI
	catalog  *catalog.Catalog
	service  *service.Service
	metrics  *metrics.Recorder
	cache    cache.CandidateCache
	closeFns []func()
}

func (r *runtime) Close() {
	for i := len(r.closeFns) - 1; i >= 0; i-- {
		r.closeFns[i]()
	}
}

// bootstrap opens the store and wires the coordinator. Online runtimes also
// reach ESI for history and missing type names; offline ones rely on the store.
func (a *App) bootstrap(ctx context.Context, online bool) (*runtime, error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		store:    store,
		metrics:  metrics.New(),
		cache:    cache.Noop{},
		closeFns: []func(){store.Close},
	}

	var names fetcher.NameSource
	if online {
		rt.source = a.newSource()
		names = rt.source
		rt.cache = a.newCache(ctx, rt)
	}

	configured, err := catalog.New(a.Config.Catalog.Items)
	if err != nil {
		rt.Close()
		return nil, err
	}
	resolver := catalog.NewResolver(store, names, a.Logger)
	rt.catalog, err = resolver.Resolve(ctx, configured)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var source fetcher.HistorySource
	if rt.source != nil {
		source = rt.source
	}
	rt.service = service.New(service.OptionsFromConfig(a.Config), store, store, source, rt.cache, rt.metrics, a.Logger)
	return rt, nil
}

func (a *App) newSource() *fetcher.ESI {
	cfg := a.Config.ESI
	return fetcher.NewESI(fetcher.ESIOptions{
		BaseURL:       cfg.BaseURL,
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, a.Logger)
}

// newCache connects Redis when configured; failures degrade to no caching.
func (a *App) newCache(ctx context.Context, rt *runtime) cache.CandidateCache {
	if a.Config.Redis.Addr == "" {
		return cache.Noop{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedis(pingCtx, cache.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Prefix:   a.Config.Redis.Prefix,
		TTL:      a.Config.API.CacheTTL,
	})
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; candidate cache disabled")
		return cache.Noop{}
	}
	rt.closeFns = append(rt.closeFns, func() { _ = redisCache.Close() })
	return redisCache
}

func (a *App) newServer(rt *runtime) *api.Server {
	return api.New(rt.service, rt.catalog, a.Config.Criteria(), rt.metrics, a.Logger)
}

// Run executes the scheduled daily ingestion alongside the candidate API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		Offset:       a.Config.Scheduler.Offset,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)
	server := a.newServer(rt)

	a.Logger.Info().Int("items", rt.catalog.Len()).Msg("starting market analyzer")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.service.Run(gctx, sched, rt.catalog)
	})
	g.Go(func() error {
		return server.ListenAndServe(gctx, a.Config.API.Listen)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("market analyzer stopped")
	return nil
}

// Serve runs only the candidate API over already ingested history.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.bootstrap(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	return a.newServer(rt).ListenAndServe(ctx, a.Config.API.Listen)
}

// IngestOptions configure a one-off ingestion run.
type IngestOptions struct {
	// AsOf defaults to the latest complete UTC day.
	AsOf *time.Time
}

// CandidatesOptions override configured classification criteria.
type CandidatesOptions struct {
	MinVolume  *int64
	ZThreshold *float64
	Limit      *int
}

// ExportOptions configure CSV/PNG export.
type ExportOptions struct {
	Dir string
	// PNGTypeID selects the item to chart; zero skips the chart.
	PNGTypeID int32
}

// StatsOptions configure the stats command.
type StatsOptions struct {
	TypeID int32
	Last   int
}

// RunsOptions configure the runs command.
type RunsOptions struct {
	Limit int
}
