package upstream

import (
	"context"

	"github.com/kjstillabower/hotel-pricing-service/internal/fetch"
	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// BatchFunc adapts c to the registry. Keys are grouped by stay, one provider
// call per stay, in order of first appearance. A failed call fails only the
// keys of its stay.
func BatchFunc(c PricingClient) fetch.BatchFunc {
	return func(ctx context.Context, keys []models.CacheKey) (map[models.CacheKey]fetch.Fetched, error) {
		out := make(map[models.CacheKey]fetch.Fetched, len(keys))
		for _, g := range GroupByStay(keys) {
			res, err := c.FetchBatch(ctx, g.HotelIDs, g.Stay)
			for _, id := range g.HotelIDs {
				k := models.Key(id, g.Stay)
				if err != nil {
					out[k] = fetch.Fetched{Err: err}
					continue
				}
				if r, ok := res[id]; ok {
					out[k] = fetch.Fetched{Quote: r.Quote, Err: r.Err}
				}
			}
		}
		return out, nil
	}
}

// OneFunc adapts c to the registry's single-key fetch.
func OneFunc(c PricingClient) fetch.OneFunc {
	return func(ctx context.Context, key models.CacheKey) (models.Quote, error) {
		return c.FetchOne(ctx, key.HotelID, key.Stay)
	}
}

// StayGroup is the set of hotels quoted in one batch call.
type StayGroup struct {
	Stay     models.DateRange
	HotelIDs []string
}

// GroupByStay splits keys into one group per stay, dropping duplicates.
func GroupByStay(keys []models.CacheKey) []StayGroup {
	idx := make(map[models.DateRange]int)
	seen := make(map[models.CacheKey]struct{}, len(keys))
	var groups []StayGroup
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		i, ok := idx[k.Stay]
		if !ok {
			i = len(groups)
			idx[k.Stay] = i
			groups = append(groups, StayGroup{Stay: k.Stay})
		}
		groups[i].HotelIDs = append(groups[i].HotelIDs, k.HotelID)
	}
	return groups
}

// CallCount is the number of provider calls BatchFunc makes for keys, which
// is the budget cost of fetching them.
func CallCount(keys []models.CacheKey) int {
	stays := make(map[models.DateRange]struct{})
	for _, k := range keys {
		stays[k.Stay] = struct{}{}
	}
	return len(stays)
}
