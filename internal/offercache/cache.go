package offercache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
	"github.com/kjstillabower/hotel-pricing-service/internal/observability"
)

const shardCount = 32

// ErrInvalidKey is returned when a write names an empty hotel or an unordered stay.
var ErrInvalidKey = errors.New("invalid offer key")

// Cache holds pricing offers keyed by (hotel, stay). It never performs I/O.
//
// Keys are spread over shards, each with its own RWMutex guarding only the
// key->entry map. Offer values live behind an atomic pointer per entry and are
// never mutated after publication, so readers always see a whole offer.
type Cache struct {
	shards [shardCount]shard
	ttl    time.Duration
	now    func() time.Time
	size   atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	entries map[models.CacheKey]*entry
}

type entry struct {
	offer atomic.Pointer[models.Offer]
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for staleness checks. Tests use it to age offers.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache whose offers go stale after ttl.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[models.CacheKey]*entry)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the staleness window applied to new offers.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time { return c.now() }

// Len returns the number of offers held.
func (c *Cache) Len() int { return int(c.size.Load()) }

func (c *Cache) shardFor(key models.CacheKey) *shard {
	return &c.shards[key.Hash()%shardCount]
}

func (c *Cache) lookup(key models.CacheKey) (models.Offer, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return models.Offer{}, false
	}
	o := e.offer.Load()
	if o == nil {
		return models.Offer{}, false
	}
	return *o, true
}

// GetOne returns the stored offer for key. Absent is distinct from stale:
// callers check IsStale themselves.
func (c *Cache) GetOne(key models.CacheKey) (models.Offer, bool) {
	return c.lookup(key)
}

// GetBatch returns the stored offers for keys. Absent keys are omitted from the map.
func (c *Cache) GetBatch(keys []models.CacheKey) map[models.CacheKey]models.Offer {
	out := make(map[models.CacheKey]models.Offer, len(keys))
	for _, k := range keys {
		if o, ok := c.lookup(k); ok {
			out[k] = o
		}
	}
	return out
}

// Upsert stores q for key unless an offer with a newer FetchedAt is already held.
// Returns the offer now stored and whether q was applied. Writes carrying an equal
// FetchedAt are applied, which makes repeated writes of the same quote idempotent.
func (c *Cache) Upsert(key models.CacheKey, q models.Quote) (models.Offer, bool, error) {
	if !key.Valid() {
		return models.Offer{}, false, fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
	}
	if q.FetchedAt.IsZero() {
		return models.Offer{}, false, fmt.Errorf("%w: zero fetchedAt for %s", ErrInvalidKey, key)
	}
	next := models.NewOffer(key, q, c.ttl)
	stored, applied := c.store(key, &next)
	if applied {
		observability.OfferUpsertsTotal.WithLabelValues("applied").Inc()
	} else {
		observability.OfferUpsertsTotal.WithLabelValues("discarded").Inc()
	}
	return stored, applied, nil
}

// Restore stores an offer loaded from a mirror, keeping its original FetchedAt so
// restored offers age exactly as they would have in memory.
func (c *Cache) Restore(o models.Offer) (models.Offer, bool, error) {
	return c.Upsert(o.Key(), models.Quote{Price: o.Price, Currency: o.Currency, FetchedAt: o.FetchedAt})
}

func (c *Cache) store(key models.CacheKey, next *models.Offer) (models.Offer, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		e, ok = s.entries[key]
		if !ok {
			e = &entry{}
			e.offer.Store(next)
			s.entries[key] = e
			s.mu.Unlock()
			c.size.Add(1)
			return *next, true
		}
		s.mu.Unlock()
	}
	for {
		cur := e.offer.Load()
		if cur != nil && next.FetchedAt.Before(cur.FetchedAt) {
			return *cur, false
		}
		if e.offer.CompareAndSwap(cur, next) {
			break
		}
	}
	// Eviction may have unlinked e between the map read and the swap.
	s.mu.RLock()
	linked := s.entries[key] == e
	s.mu.RUnlock()
	if !linked {
		return c.store(key, next)
	}
	return *next, true
}

// ScanMissingOrStale returns the keys needing a refresh, as a snapshot the caller
// may iterate freely. A nil keys slice scans every cached offer (stale ones only,
// since nothing cached is missing). Otherwise keys absent from the cache come
// first in input order, followed by stale keys oldest first.
func (c *Cache) ScanMissingOrStale(keys []models.CacheKey) []models.CacheKey {
	now := c.now()
	var missing []models.CacheKey
	var stale []models.Offer

	if keys == nil {
		for i := range c.shards {
			s := &c.shards[i]
			s.mu.RLock()
			for _, e := range s.entries {
				if o := e.offer.Load(); o != nil && o.IsStale(now) {
					stale = append(stale, *o)
				}
			}
			s.mu.RUnlock()
		}
	} else {
		seen := make(map[models.CacheKey]struct{}, len(keys))
		for _, k := range keys {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			o, ok := c.lookup(k)
			switch {
			case !ok:
				missing = append(missing, k)
			case o.IsStale(now):
				stale = append(stale, o)
			}
		}
	}

	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].FetchedAt.Before(stale[j].FetchedAt)
	})
	out := make([]models.CacheKey, 0, len(missing)+len(stale))
	out = append(out, missing...)
	for _, o := range stale {
		out = append(out, o.Key())
	}
	return out
}

// EvictOlderThan drops offers fetched more than maxAge ago and returns how many went.
// Bounds memory for keys nobody asks about anymore.
func (c *Cache) EvictOlderThan(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := c.now()
	evicted := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if o := e.offer.Load(); o != nil && o.Age(now) > maxAge {
				delete(s.entries, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		c.size.Add(int64(-evicted))
		observability.OfferEvictionsTotal.Add(float64(evicted))
	}
	return evicted
}
