package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/circuitbreaker"
	"github.com/kjstillabower/hotel-pricing-service/internal/config"
	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/health"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
	"github.com/kjstillabower/hotel-pricing-service/internal/orchestrator"
	"github.com/kjstillabower/hotel-pricing-service/internal/scheduler"
	"github.com/kjstillabower/hotel-pricing-service/internal/upstream"
)

// app holds the wired components shared by the serve and sweep commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	catalog   catalog.Store
	tracker   *health.Tracker
	budget    *budget.Controller
	cache     *offercache.Cache
	registry  *fetch.Registry
	mirror    offercache.Mirror
	client    *upstream.HTTPClient
	pricing   *orchestrator.Service
	scheduler *scheduler.Scheduler
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := buildCatalog(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.catalog = store
	logger.Info("catalog backend", zap.String("backend", cfg.CatalogBackend))

	a.tracker = health.NewTracker(health.Config{
		Window:          cfg.HealthWindow,
		ErrorRatePct:    cfg.HealthErrorPct,
		MinSamples:      cfg.HealthMinSamples,
		DenialThreshold: cfg.HealthDenialThreshold,
	}, nil)

	a.budget = budget.New(budget.Config{
		RatePerSecond: cfg.BudgetRPS,
		Burst:         cfg.BudgetBurst,
		MaxConcurrent: cfg.BudgetMaxConcurrent,
	}, budget.WithDenyHook(a.tracker.RecordBudgetDenial))

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		SuccessThreshold: cfg.BreakerSuccesses,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition("pricing_api", from.String(), to.String(), int(to))
			logger.Warn("circuit breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	observability.CircuitBreakerState.WithLabelValues("pricing_api").Set(float64(circuitbreaker.StateClosed))

	a.client, err = upstream.NewHTTPClient(upstream.Config{
		BaseURL:        cfg.UpstreamURL,
		APIKey:         cfg.UpstreamAPIKey,
		Timeout:        cfg.UpstreamTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}, upstream.WithBreaker(breaker), upstream.WithRetryBudget(a.budget), upstream.WithHealth(a.tracker))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("pricing client: %w", err)
	}

	a.mirror, err = buildMirror(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("offer mirror", zap.String("backend", cfg.MirrorBackend))

	a.cache = offercache.New(cfg.OfferTTL)
	observability.RegisterCacheSizeGauge(a.cache.Len)

	regOpts := []fetch.Option{
		fetch.WithLogger(logger.Named("fetch")),
		fetch.WithMaxFetchDuration(cfg.MaxFetchDuration),
		fetch.WithMirrorTimeout(cfg.MirrorTimeout),
	}
	if a.mirror != nil {
		regOpts = append(regOpts, fetch.WithMirror(a.mirror))
	}
	a.registry = fetch.NewRegistry(a.cache, regOpts...)

	a.pricing = orchestrator.New(orchestrator.Deps{
		Catalog:  a.catalog,
		Cache:    a.cache,
		Registry: a.registry,
		Budget:   a.budget,
		Client:   a.client,
		Logger:   logger.Named("orchestrator"),
	}, orchestrator.Config{
		ServeStale:           cfg.ServeStale,
		RefreshStaleOnSearch: cfg.RefreshStaleOnSearch,
		DetailDeadline:       cfg.DetailDeadline,
		RefreshDeadline:      cfg.RefreshDeadline,
		RefreshBatchSize:     cfg.RefreshBatchSize,
		RefreshWorkers:       cfg.RefreshWorkers,
		RefreshQueueSize:     cfg.RefreshQueueSize,
		DefaultPageSize:      cfg.DefaultPageSize,
		MaxPageSize:          cfg.MaxPageSize,
	})

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger.Named("scheduler"))}
	if a.mirror != nil {
		schedOpts = append(schedOpts, scheduler.WithMirror(a.mirror))
	}
	a.scheduler = scheduler.New(a.cache, a.registry, a.budget, a.client, scheduler.Config{
		Interval:      cfg.SchedulerInterval,
		BatchSize:     cfg.SchedulerBatchSize,
		BatchTimeout:  cfg.SchedulerBatchTimeout,
		Concurrency:   cfg.SchedulerConcurrency,
		MaxKeysPerRun: cfg.SchedulerMaxKeys,
		MaxStaleAge:   cfg.MaxStaleAge,
		TrackedHotels: cfg.TrackedHotels,
		LeadDays:      cfg.TrackedLeadDays,
		Nights:        cfg.TrackedNights,
	}, schedOpts...)

	return a, nil
}

func buildCatalog(ctx context.Context, cfg *config.Config) (catalog.Store, error) {
	switch cfg.CatalogBackend {
	case "postgres":
		store, err := catalog.NewPostgresStore(ctx, cfg.CatalogDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres catalog: %w", err)
		}
		return store, nil
	default:
		hotels, err := catalog.LoadSeedFile(cfg.CatalogSeedFile)
		if err != nil {
			return nil, fmt.Errorf("catalog seed: %w", err)
		}
		return catalog.NewMemoryStore(hotels), nil
	}
}

// buildMirror returns nil for the "none" backend.
func buildMirror(cfg *config.Config) (offercache.Mirror, error) {
	switch cfg.MirrorBackend {
	case "memcached":
		m, err := offercache.NewMemcachedMirror(cfg.MirrorAddrs, cfg.MirrorTimeout, cfg.MemcachedMaxIdle, cfg.MirrorTTL)
		if err != nil {
			return nil, fmt.Errorf("memcached mirror: %w", err)
		}
		return m, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.MirrorAddrs,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.MirrorTimeout,
			ReadTimeout:  cfg.MirrorTimeout,
			WriteTimeout: cfg.MirrorTimeout,
		})
		return offercache.NewRedisMirror(client, cfg.MirrorTTL), nil
	default:
		return nil, nil
	}
}

// close releases everything buildApp opened. Refresh workers drain first so
// their final writes reach the mirror before it closes.
func (a *app) close() {
	a.pricing.Close()
	a.scheduler.Stop()
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Error("mirror close", zap.Error(err))
		}
	}
	if err := a.catalog.Close(); err != nil {
		a.logger.Error("catalog close", zap.Error(err))
	}
}

func (a *app) mirrorPing() func(context.Context) error {
	if a.mirror == nil {
		return nil
	}
	return a.mirror.Ping
}

// waitForFetches gives detached upstream fetches a chance to land in the cache
// (and mirror) before exit.
func (a *app) waitForFetches(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for a.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			a.logger.Warn("fetches still outstanding at exit", zap.Int("count", a.registry.Len()))
			return
		case <-ticker.C:
		}
	}
}
