// Package catalog serves static hotel descriptions. It knows nothing about prices.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// ErrNotFound is returned by GetHotel for unknown ids.
var ErrNotFound = errors.New("hotel not found")

// Filters narrows a destination query. Zero values match everything.
type Filters struct {
	MinStars int
	// Amenities must all be present on a hotel for it to match.
	Amenities []string
}

// Store is the hotel catalog. Results of QueryHotels are unordered.
type Store interface {
	QueryHotels(ctx context.Context, destination string, f Filters) ([]models.Hotel, error)
	GetHotel(ctx context.Context, id string) (models.Hotel, error)
	Close() error
}

type seedFile struct {
	Hotels []models.Hotel `yaml:"hotels"`
}

// LoadSeedFile reads a YAML hotel list.
func LoadSeedFile(path string) ([]models.Hotel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Hotels))
	for i, h := range f.Hotels {
		if strings.TrimSpace(h.ID) == "" {
			return nil, fmt.Errorf("seed hotel %d: id is required", i)
		}
		if _, dup := seen[h.ID]; dup {
			return nil, fmt.Errorf("seed hotel %q: duplicate id", h.ID)
		}
		seen[h.ID] = struct{}{}
	}
	return f.Hotels, nil
}

func (f Filters) match(h models.Hotel) bool {
	if h.Stars < f.MinStars {
		return false
	}
	for _, want := range f.Amenities {
		found := false
		for _, have := range h.Amenities {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func normalizeDestination(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
