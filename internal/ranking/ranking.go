// Package ranking orders, pages and price-filters search results. Everything
// here is a pure function of its inputs.
package ranking

import (
	"sort"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// Rank returns hotels best first: rating desc, popularity desc, distance asc,
// with id as the final tie-break so equal inputs always give equal output.
// The input slice is not modified.
func Rank(hotels []models.Hotel) []models.Hotel {
	out := make([]models.Hotel, len(hotels))
	copy(out, hotels)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.Popularity != b.Popularity {
			return a.Popularity > b.Popularity
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.ID < b.ID
	})
	return out
}

// Paginate returns the 1-based page of items. Pages past the end are empty.
func Paginate[T any](items []T, page, pageSize int) []T {
	if page < 1 || pageSize < 1 {
		return []T{}
	}
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// PriceFilter bounds prices inclusively. Nil bounds are open.
type PriceFilter struct {
	Min *float64
	Max *float64
}

// Active reports whether the filter constrains anything.
func (f PriceFilter) Active() bool {
	return f.Min != nil || f.Max != nil
}

// ApplyPriceFilter drops priced hotels outside f. Hotels without a price are
// kept: their price is unknown, not out of range.
func ApplyPriceFilter(hotels []models.PricedHotel, f PriceFilter) []models.PricedHotel {
	if !f.Active() {
		return hotels
	}
	out := make([]models.PricedHotel, 0, len(hotels))
	for _, h := range hotels {
		if h.Price.HasPrice() {
			p := *h.Price.Amount
			if (f.Min != nil && p < *f.Min) || (f.Max != nil && p > *f.Max) {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// SortOrder selects the final order of a result page.
type SortOrder string

const (
	SortRelevance SortOrder = ""
	SortPriceAsc  SortOrder = "price_asc"
	SortPriceDesc SortOrder = "price_desc"
)

// Valid reports whether o is a known order.
func (o SortOrder) Valid() bool {
	switch o {
	case SortRelevance, SortPriceAsc, SortPriceDesc:
		return true
	}
	return false
}

// SortByPrice reorders hotels in place by price. Unpriced hotels go last in
// their existing relative order. SortRelevance leaves the slice untouched.
func SortByPrice(hotels []models.PricedHotel, order SortOrder) {
	if order != SortPriceAsc && order != SortPriceDesc {
		return
	}
	sort.SliceStable(hotels, func(i, j int) bool {
		a, b := hotels[i].Price, hotels[j].Price
		if a.HasPrice() != b.HasPrice() {
			return a.HasPrice()
		}
		if !a.HasPrice() {
			return false
		}
		if order == SortPriceDesc {
			return *a.Amount > *b.Amount
		}
		return *a.Amount < *b.Amount
	})
}
