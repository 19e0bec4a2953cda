package models

import "time"

// Hotel is static catalog metadata. It carries no pricing.
type Hotel struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Destination string   `json:"destination" yaml:"destination"`
	Stars       int      `json:"stars" yaml:"stars"`
	Rating      float64  `json:"rating" yaml:"rating"`
	Popularity  int      `json:"popularity" yaml:"popularity"`
	DistanceKm  float64  `json:"distanceKm" yaml:"distance_km"`
	Amenities   []string `json:"amenities,omitempty" yaml:"amenities"`
}

// PriceStatus says which source a returned price came from.
type PriceStatus string

const (
	PriceFresh       PriceStatus = "fresh"
	PriceStale       PriceStatus = "stale"
	PriceUnavailable PriceStatus = "unavailable"
)

// Reasons attached to stale or unavailable prices.
const (
	ReasonNotPriced       = "not_priced"
	ReasonTimeout         = "timeout"
	ReasonBudgetExhausted = "budget_exhausted"
	ReasonUpstreamError   = "upstream_error"
)

// PriceInfo is the pricing part of a response. Amount and Currency are empty when unavailable.
type PriceInfo struct {
	Status    PriceStatus `json:"status"`
	Amount    *float64    `json:"amount,omitempty"`
	Currency  string      `json:"currency,omitempty"`
	FetchedAt *time.Time  `json:"fetchedAt,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// Unavailable builds an unavailable price with reason.
func Unavailable(reason string) PriceInfo {
	return PriceInfo{Status: PriceUnavailable, Reason: reason}
}

// PriceFromOffer builds a fresh or stale price from a cached offer.
func PriceFromOffer(o Offer, status PriceStatus, reason string) PriceInfo {
	amount := o.Price
	fetchedAt := o.FetchedAt
	return PriceInfo{
		Status:    status,
		Amount:    &amount,
		Currency:  o.Currency,
		FetchedAt: &fetchedAt,
		Reason:    reason,
	}
}

// HasPrice reports whether an amount is present.
func (p PriceInfo) HasPrice() bool {
	return p.Amount != nil && p.Status != PriceUnavailable
}

// PricedHotel is a catalog hotel merged with whatever price was available.
type PricedHotel struct {
	Hotel Hotel     `json:"hotel"`
	Price PriceInfo `json:"price"`
}
