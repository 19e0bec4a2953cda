// Package orchestrator serves hotel search and detail requests with cache-aside
// pricing. Pricing trouble of any kind degrades a price, never a response.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/budget"
	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/offercache"
	"github.com/kjstillabower/hotel-pricing-service/internal/upstream"
)

// ErrInvalidRequest marks caller mistakes: bad ids, stays or paging.
var ErrInvalidRequest = errors.New("invalid request")

// Config holds pricing policy.
type Config struct {
	// ServeStale returns stale offers marked as stale instead of no price.
	ServeStale bool
	// RefreshStaleOnSearch queues stale offers for refresh, not just missing ones.
	RefreshStaleOnSearch bool
	// DetailDeadline bounds how long Detail waits for budget and upstream.
	DetailDeadline time.Duration
	// RefreshDeadline bounds each background warm refresh started by Search.
	RefreshDeadline time.Duration
	RefreshBatchSize int
	RefreshWorkers   int
	RefreshQueueSize int
	DefaultPageSize  int
	MaxPageSize      int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ServeStale:           true,
		RefreshStaleOnSearch: true,
		DetailDeadline:       300 * time.Millisecond,
		RefreshDeadline:      300 * time.Millisecond,
		RefreshBatchSize:     50,
		RefreshWorkers:       4,
		RefreshQueueSize:     64,
		DefaultPageSize:      20,
		MaxPageSize:          100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DetailDeadline <= 0 {
		c.DetailDeadline = d.DetailDeadline
	}
	if c.RefreshDeadline <= 0 {
		c.RefreshDeadline = d.RefreshDeadline
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = d.RefreshBatchSize
	}
	if c.RefreshWorkers <= 0 {
		c.RefreshWorkers = d.RefreshWorkers
	}
	if c.RefreshQueueSize <= 0 {
		c.RefreshQueueSize = d.RefreshQueueSize
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = d.DefaultPageSize
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = d.MaxPageSize
	}
	return c
}

// Deps are the collaborators a Service needs. All are required except Logger.
type Deps struct {
	Catalog  catalog.Store
	Cache    *offercache.Cache
	Registry *fetch.Registry
	Budget   *budget.Controller
	Client   upstream.PricingClient
	Logger   *zap.Logger
}

// Service answers search and detail requests.
type Service struct {
	catalog   catalog.Store
	cache     *offercache.Cache
	registry  *fetch.Registry
	budget    *budget.Controller
	batchFn   fetch.BatchFunc
	oneFn     fetch.OneFunc
	refresher *refresher
	cfg       Config
	logger    *zap.Logger
}

// New builds a Service and starts its refresh workers. Call Close to stop them.
func New(deps Deps, cfg Config) *Service {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		catalog:  deps.Catalog,
		cache:    deps.Cache,
		registry: deps.Registry,
		budget:   deps.Budget,
		batchFn:  upstream.BatchFunc(deps.Client),
		oneFn:    upstream.OneFunc(deps.Client),
		cfg:      cfg,
		logger:   logger,
	}
	s.refresher = newRefresher(deps.Registry, s.batchFn, cfg.RefreshWorkers, cfg.RefreshQueueSize, cfg.RefreshDeadline, logger.Named("refresher"))
	return s
}

// Close stops accepting refreshes and waits for queued ones to finish. Each
// is bounded by RefreshDeadline.
func (s *Service) Close() {
	s.refresher.close()
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// unavailableReason maps a failed pricing attempt to the reason shown to callers.
func unavailableReason(err error) string {
	switch {
	case errors.Is(err, budget.ErrDenied):
		return models.ReasonBudgetExhausted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.ReasonTimeout
	default:
		return models.ReasonUpstreamError
	}
}
