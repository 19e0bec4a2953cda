package catalog

import (
	"context"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

// MemoryStore is an immutable in-process catalog.
type MemoryStore struct {
	byID          map[string]models.Hotel
	byDestination map[string][]models.Hotel
}

// NewMemoryStore indexes hotels. Later duplicates of an id replace earlier ones.
func NewMemoryStore(hotels []models.Hotel) *MemoryStore {
	s := &MemoryStore{
		byID:          make(map[string]models.Hotel, len(hotels)),
		byDestination: make(map[string][]models.Hotel),
	}
	for _, h := range hotels {
		s.byID[h.ID] = h
	}
	for _, h := range s.byID {
		d := normalizeDestination(h.Destination)
		s.byDestination[d] = append(s.byDestination[d], h)
	}
	return s
}

func (s *MemoryStore) QueryHotels(ctx context.Context, destination string, f Filters) ([]models.Hotel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Hotel
	for _, h := range s.byDestination[normalizeDestination(destination)] {
		if f.match(h) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetHotel(ctx context.Context, id string) (models.Hotel, error) {
	if err := ctx.Err(); err != nil {
		return models.Hotel{}, err
	}
	h, ok := s.byID[id]
	if !ok {
		return models.Hotel{}, ErrNotFound
	}
	return h, nil
}

// IDs returns every hotel id in the catalog.
func (s *MemoryStore) IDs() []string {
	out := make([]string, 0, len(s.byID))
	for id := range s.byID {
		out = append(out, id)
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
