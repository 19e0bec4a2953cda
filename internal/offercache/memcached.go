package offercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// MemcachedMirror stores offers in memcached as JSON.
type MemcachedMirror struct {
	client *memcache.Client
	ttl    time.Duration
}

// NewMemcachedMirror creates a MemcachedMirror. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero. ttl bounds how long mirrored offers survive.
func NewMemcachedMirror(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration) (*MemcachedMirror, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedMirror{client: client, ttl: ttl}, nil
}

// Store implements Mirror.Store.
func (m *MemcachedMirror) Store(ctx context.Context, offer models.Offer) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return m.client.Set(&memcache.Item{
		Key:        mirrorKey(offer.Key()),
		Value:      raw,
		Expiration: expirationSeconds(m.ttl),
	})
}

// Load implements Mirror.Load. Keys not held by memcached are skipped.
func (m *MemcachedMirror) Load(ctx context.Context, keys []models.CacheKey) ([]models.Offer, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, mirrorKey(k))
	}
	items, err := m.client.GetMulti(names)
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return nil, fmt.Errorf("memcached get multi: %w", err)
	}
	out := make([]models.Offer, 0, len(items))
	for _, item := range items {
		var o models.Offer
		if err := json.Unmarshal(item.Value, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (m *MemcachedMirror) Ping(ctx context.Context) error {
	return m.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (m *MemcachedMirror) Close() error {
	return m.client.Close()
}

// expirationSeconds converts ttl to memcached's relative expiry, which must stay
// under 30 days or it is read as a unix timestamp.
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	sec := int32(ttl.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return 24 * 60 * 60
	}
	return sec
}
