package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DateLayout is the wire and key format for stay dates.
const DateLayout = "2006-01-02"

// ErrInvalidDateRange is returned for stays that are unparseable or not strictly ordered.
var ErrInvalidDateRange = errors.New("invalid date range")

// DateRange is a check-in/check-out pair in DateLayout form. Kept as strings so
// the type stays comparable and usable inside map keys.
type DateRange struct {
	CheckIn  string `json:"checkIn"`
	CheckOut string `json:"checkOut"`
}

// NewDateRange validates and normalizes a stay. CheckOut must be after CheckIn.
func NewDateRange(checkIn, checkOut string) (DateRange, error) {
	in, err := time.Parse(DateLayout, strings.TrimSpace(checkIn))
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: check-in %q", ErrInvalidDateRange, checkIn)
	}
	out, err := time.Parse(DateLayout, strings.TrimSpace(checkOut))
	if err != nil {
		return DateRange{}, fmt.Errorf("%w: check-out %q", ErrInvalidDateRange, checkOut)
	}
	if !out.After(in) {
		return DateRange{}, fmt.Errorf("%w: check-out must be after check-in", ErrInvalidDateRange)
	}
	return DateRange{CheckIn: in.Format(DateLayout), CheckOut: out.Format(DateLayout)}, nil
}

// StayFrom builds the stay starting leadDays after day and lasting nights.
func StayFrom(day time.Time, leadDays, nights int) DateRange {
	if nights <= 0 {
		nights = 1
	}
	in := day.UTC().Truncate(24 * time.Hour).AddDate(0, 0, leadDays)
	return DateRange{CheckIn: in.Format(DateLayout), CheckOut: in.AddDate(0, 0, nights).Format(DateLayout)}
}

// Nights returns the stay length, or 0 when the range is malformed.
func (d DateRange) Nights() int {
	in, err1 := time.Parse(DateLayout, d.CheckIn)
	out, err2 := time.Parse(DateLayout, d.CheckOut)
	if err1 != nil || err2 != nil || !out.After(in) {
		return 0
	}
	return int(out.Sub(in).Hours() / 24)
}

func (d DateRange) String() string {
	return d.CheckIn + ".." + d.CheckOut
}

// CacheKey identifies one offer: a hotel for a stay.
type CacheKey struct {
	HotelID string
	Stay    DateRange
}

// Key returns the CacheKey for hotelID over stay.
func Key(hotelID string, stay DateRange) CacheKey {
	return CacheKey{HotelID: hotelID, Stay: stay}
}

// Valid reports whether the key can be stored. Empty ids and unordered stays are contract violations.
func (k CacheKey) Valid() bool {
	return strings.TrimSpace(k.HotelID) != "" && k.Stay.Nights() > 0
}

func (k CacheKey) String() string {
	return k.HotelID + "|" + k.Stay.CheckIn + "|" + k.Stay.CheckOut
}

// Hash is used to pick a shard for the key.
func (k CacheKey) Hash() uint64 {
	return xxhash.Sum64String(k.String())
}

// ParseCacheKey is the inverse of CacheKey.String. Used by mirror backends.
func ParseCacheKey(s string) (CacheKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return CacheKey{}, fmt.Errorf("malformed cache key %q", s)
	}
	stay, err := NewDateRange(parts[1], parts[2])
	if err != nil {
		return CacheKey{}, err
	}
	return CacheKey{HotelID: parts[0], Stay: stay}, nil
}

// Quote is one price returned by the upstream provider.
type Quote struct {
	Price     float64   `json:"price"`
	Currency  string    `json:"currency"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Offer is a cached price for a CacheKey. Values are immutable once stored;
// the cache swaps whole offers rather than editing fields.
type Offer struct {
	HotelID   string        `json:"hotelId"`
	Stay      DateRange     `json:"stay"`
	Price     float64       `json:"price"`
	Currency  string        `json:"currency"`
	FetchedAt time.Time     `json:"fetchedAt"`
	TTL       time.Duration `json:"ttl"`
}

// NewOffer builds the offer for key from an upstream quote.
func NewOffer(key CacheKey, q Quote, ttl time.Duration) Offer {
	return Offer{
		HotelID:   key.HotelID,
		Stay:      key.Stay,
		Price:     q.Price,
		Currency:  q.Currency,
		FetchedAt: q.FetchedAt,
		TTL:       ttl,
	}
}

// Key returns the offer's cache key.
func (o Offer) Key() CacheKey {
	return CacheKey{HotelID: o.HotelID, Stay: o.Stay}
}

// IsStale reports now - FetchedAt > TTL.
func (o Offer) IsStale(now time.Time) bool {
	return now.Sub(o.FetchedAt) > o.TTL
}

// Age returns how long ago the offer was fetched.
func (o Offer) Age(now time.Time) time.Duration {
	return now.Sub(o.FetchedAt)
}
