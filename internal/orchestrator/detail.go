package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kjstillabower/hotel-pricing-service/internal/catalog"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

// DetailRequest asks for one hotel's details and price for a stay.
type DetailRequest struct {
	HotelID string
	Stay    models.DateRange
}

// DetailResult is a hotel with whichever price was obtained. Price.Status says
// which: fresh, stale fallback, or unavailable with a reason.
type DetailResult struct {
	Hotel models.Hotel
	Price models.PriceInfo
}

// Detail returns the hotel with a fresh price when one can be had within
// DetailDeadline. Returns catalog.ErrNotFound for unknown hotels and
// ErrInvalidRequest for bad input; pricing failures are never errors.
func (s *Service) Detail(ctx context.Context, req DetailRequest) (DetailResult, error) {
	logger := observability.LoggerFromContext(ctx, s.logger)

	req.HotelID = strings.TrimSpace(req.HotelID)
	key := models.Key(req.HotelID, req.Stay)
	if !key.Valid() {
		return DetailResult{}, fmt.Errorf("%w: hotel %q stay %s", ErrInvalidRequest, req.HotelID, req.Stay)
	}

	hotel, err := s.catalog.GetHotel(ctx, req.HotelID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return DetailResult{}, fmt.Errorf("hotel %s: %w", req.HotelID, err)
		}
		return DetailResult{}, fmt.Errorf("get hotel %s: %w", req.HotelID, err)
	}

	cached, ok := s.cache.GetOne(key)
	if ok && !cached.IsStale(s.cache.Now()) {
		observability.OfferLookupsTotal.WithLabelValues("detail", "fresh").Inc()
		return DetailResult{Hotel: hotel, Price: models.PriceFromOffer(cached, models.PriceFresh, "")}, nil
	}
	if ok {
		observability.OfferLookupsTotal.WithLabelValues("detail", "stale").Inc()
	} else {
		observability.OfferLookupsTotal.WithLabelValues("detail", "miss").Inc()
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DetailDeadline)
	defer cancel()
	offer, err := s.registry.FetchOrJoin(dctx, key, s.budgetedOne(dctx))
	if err == nil {
		return DetailResult{Hotel: hotel, Price: models.PriceFromOffer(offer, models.PriceFresh, "")}, nil
	}

	reason := unavailableReason(err)
	logger.Debug("detail price unavailable",
		zap.String("key", key.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)

	// A concurrent fetch may have landed while this one failed.
	if cur, found := s.cache.GetOne(key); found {
		if !cur.IsStale(s.cache.Now()) {
			return DetailResult{Hotel: hotel, Price: models.PriceFromOffer(cur, models.PriceFresh, "")}, nil
		}
		cached, ok = cur, true
	}
	if ok && s.cfg.ServeStale {
		return DetailResult{Hotel: hotel, Price: models.PriceFromOffer(cached, models.PriceStale, reason)}, nil
	}
	return DetailResult{Hotel: hotel, Price: models.Unavailable(reason)}, nil
}

// budgetedOne wraps the single-key fetch so the ticket owner waits for budget,
// but no longer than the caller's deadline. The call itself then runs under
// the registry's detached deadline.
func (s *Service) budgetedOne(callerCtx context.Context) func(context.Context, models.CacheKey) (models.Quote, error) {
	deadline, hasDeadline := callerCtx.Deadline()
	return func(ctx context.Context, key models.CacheKey) (models.Quote, error) {
		bctx := ctx
		if hasDeadline {
			var cancel context.CancelFunc
			bctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		grant, err := s.budget.AcquireBlocking(bctx, 1)
		if err != nil {
			return models.Quote{}, err
		}
		defer grant.Release()
		return s.oneFn(ctx, key)
	}
}
