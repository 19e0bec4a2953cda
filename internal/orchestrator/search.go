package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
	"github.com/kjstillabower/hotel-pricing-service/internal/ranking"
	"github.com/kjstillabower/hotel-pricing-service/internal/upstream"
)

// SearchRequest asks for one page of hotels at a destination.
type SearchRequest struct {
	Destination string
	Stay        models.DateRange
	Filters     catalog.Filters
	// Page is 1-based. PageSize 0 means the configured default.
	Page     int
	PageSize int
	Price    ranking.PriceFilter
	Sort     ranking.SortOrder
}

// SearchResult is one page. Total counts catalog matches before paging and
// before the price filter, which only applies to the returned page.
type SearchResult struct {
	Hotels   []models.PricedHotel
	Page     int
	PageSize int
	Total    int
}

// Search returns the requested page priced from the cache alone. Missing and
// stale prices are queued for a background refresh that this call never waits
// on. The only errors are invalid requests and catalog failures.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)

	if err := s.normalizeSearch(&req); err != nil {
		return SearchResult{}, err
	}

	hotels, err := s.catalog.QueryHotels(ctx, req.Destination, req.Filters)
	if err != nil {
		return SearchResult{}, fmt.Errorf("query catalog: %w", err)
	}
	ranked := ranking.Rank(hotels)
	visible := ranking.Paginate(ranked, req.Page, req.PageSize)

	keys := make([]models.CacheKey, len(visible))
	for i, h := range visible {
		keys[i] = models.Key(h.ID, req.Stay)
	}
	snapshot := s.cache.GetBatch(keys)
	now := s.cache.Now()

	var refresh []models.CacheKey
	var fresh, stale, missing int
	for _, k := range keys {
		o, ok := snapshot[k]
		switch {
		case !ok:
			missing++
			refresh = append(refresh, k)
		case o.IsStale(now):
			stale++
			if s.cfg.RefreshStaleOnSearch {
				refresh = append(refresh, k)
			}
		default:
			fresh++
		}
	}
	observability.OfferLookupsTotal.WithLabelValues("search", "fresh").Add(float64(fresh))
	observability.OfferLookupsTotal.WithLabelValues("search", "stale").Add(float64(stale))
	observability.OfferLookupsTotal.WithLabelValues("search", "miss").Add(float64(missing))

	s.dispatchRefresh(ctx, refresh, logger)

	priced := Merge(visible, req.Stay, snapshot, now, s.cfg.ServeStale)
	priced = ranking.ApplyPriceFilter(priced, req.Price)
	ranking.SortByPrice(priced, req.Sort)

	logger.Debug("search served",
		zap.String("destination", req.Destination),
		zap.String("stay", req.Stay.String()),
		zap.Int("visible", len(visible)),
		zap.Int("fresh", fresh),
		zap.Int("stale", stale),
		zap.Int("missing", missing),
		zap.Duration("duration", time.Since(start)),
	)
	return SearchResult{Hotels: priced, Page: req.Page, PageSize: req.PageSize, Total: len(ranked)}, nil
}

func (s *Service) normalizeSearch(req *SearchRequest) error {
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if req.Stay.Nights() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, models.ErrInvalidDateRange)
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = s.cfg.DefaultPageSize
	}
	if req.Page < 1 || req.PageSize < 1 || req.PageSize > s.cfg.MaxPageSize {
		return fmt.Errorf("%w: page %d size %d (max %d)", ErrInvalidRequest, req.Page, req.PageSize, s.cfg.MaxPageSize)
	}
	if !req.Sort.Valid() {
		return fmt.Errorf("%w: unknown sort %q", ErrInvalidRequest, req.Sort)
	}
	if req.Price.Min != nil && req.Price.Max != nil && *req.Price.Min > *req.Price.Max {
		return fmt.Errorf("%w: minPrice above maxPrice", ErrInvalidRequest)
	}
	return nil
}

// Merge pairs each visible hotel with the best price the snapshot holds for
// stay: fresh, else stale (when serveStale), else unavailable. It is a pure
// function; the same inputs always give the same output. Every hotel is kept.
func Merge(visible []models.Hotel, stay models.DateRange, snapshot map[models.CacheKey]models.Offer, now time.Time, serveStale bool) []models.PricedHotel {
	out := make([]models.PricedHotel, len(visible))
	for i, h := range visible {
		out[i] = models.PricedHotel{Hotel: h, Price: priceFor(snapshot, models.Key(h.ID, stay), now, serveStale)}
	}
	return out
}

func priceFor(snapshot map[models.CacheKey]models.Offer, key models.CacheKey, now time.Time, serveStale bool) models.PriceInfo {
	o, ok := snapshot[key]
	switch {
	case !ok:
		return models.Unavailable(models.ReasonNotPriced)
	case !o.IsStale(now):
		return models.PriceFromOffer(o, models.PriceFresh, "")
	case serveStale:
		return models.PriceFromOffer(o, models.PriceStale, "")
	default:
		return models.Unavailable(models.ReasonNotPriced)
	}
}

// dispatchRefresh hands keys to the refresh workers in budget-checked batches.
// It never blocks: a denied or unqueueable batch is skipped until a later
// request or the scheduler picks it up.
func (s *Service) dispatchRefresh(ctx context.Context, keys []models.CacheKey, logger *zap.Logger) {
	if len(keys) == 0 {
		return
	}
	pending := make([]models.CacheKey, 0, len(keys))
	for _, k := range keys {
		if s.registry.InFlight(k) {
			observability.RefreshDispatchTotal.WithLabelValues("in_flight").Inc()
			continue
		}
		pending = append(pending, k)
	}

	for start := 0; start < len(pending); start += s.cfg.RefreshBatchSize {
		end := start + s.cfg.RefreshBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		grant, ok := s.budget.TryAcquire(upstream.CallCount(batch))
		if !ok {
			observability.RefreshDispatchTotal.WithLabelValues("denied").Inc()
			logger.Debug("refresh skipped, budget denied", zap.Int("keys", len(batch)))
			continue
		}
		if !s.refresher.submit(refreshJob{ctx: context.WithoutCancel(ctx), keys: batch, grant: grant, logger: logger}) {
			grant.Release()
			observability.RefreshDispatchTotal.WithLabelValues("dropped").Inc()
			logger.Debug("refresh dropped, queue full", zap.Int("keys", len(batch)))
			continue
		}
		observability.RefreshDispatchTotal.WithLabelValues("queued").Inc()
	}
}
