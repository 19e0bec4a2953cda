package offercache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// RedisMirror stores offers in redis as JSON strings with a TTL.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror wraps an existing client. The mirror owns the client and closes it on Close.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if client == nil {
		panic("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMirror{client: client, ttl: ttl}
}

// DialRedisMirror connects to addr and verifies the connection.
func DialRedisMirror(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisMirror(client, ttl), nil
}

// Store implements Mirror.Store.
func (m *RedisMirror) Store(ctx context.Context, offer models.Offer) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	if err := m.client.Set(ctx, mirrorKey(offer.Key()), raw, m.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Load implements Mirror.Load. Missing keys come back as nil from MGET and are skipped.
func (m *RedisMirror) Load(ctx context.Context, keys []models.CacheKey) ([]models.Offer, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, mirrorKey(k))
	}
	vals, err := m.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]models.Offer, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var o models.Offer
		if err := json.Unmarshal([]byte(s), &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Ping implements Mirror.Ping.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close implements Mirror.Close.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
