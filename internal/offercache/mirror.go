package offercache

import (
	"context"
	"strings"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// Mirror is an optional out-of-process copy of the offer cache. It lets a
// restarted instance start warm. The in-memory Cache never calls a Mirror;
// the fetch registry writes through and the scheduler hydrates.
type Mirror interface {
	Store(ctx context.Context, offer models.Offer) error
	Load(ctx context.Context, keys []models.CacheKey) ([]models.Offer, error)
	Ping(ctx context.Context) error
	Close() error
}

const keyPrefix = "offer:"

func mirrorKey(k models.CacheKey) string {
	return keyPrefix + k.String()
}

// parseAddrs splits a comma-separated address list, dropping blanks.
func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
