package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kjstillabower/hotel-pricing-service/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore reads the catalog from a hotels table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, checks the connection and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema, err := migrationsFS.ReadFile("migrations/001_catalog.sql")
	if err != nil {
		return fmt.Errorf("read catalog schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

const hotelColumns = `id, name, destination, stars, rating, popularity, distance_km, amenities`

func (s *PostgresStore) QueryHotels(ctx context.Context, destination string, f Filters) ([]models.Hotel, error) {
	amenities := make([]string, len(f.Amenities))
	for i, a := range f.Amenities {
		amenities[i] = strings.ToLower(a)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+hotelColumns+`
		FROM hotels
		WHERE lower(destination) = $1 AND stars >= $2 AND amenities @> $3`,
		normalizeDestination(destination), f.MinStars, pq.Array(amenities),
	)
	if err != nil {
		return nil, fmt.Errorf("query hotels: %w", err)
	}
	defer rows.Close()

	var out []models.Hotel
	for rows.Next() {
		h, err := scanHotel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hotels: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetHotel(ctx context.Context, id string) (models.Hotel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+hotelColumns+` FROM hotels WHERE id = $1`, id)
	h, err := scanHotel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Hotel{}, ErrNotFound
	}
	return h, err
}

// Seed upserts hotels. Amenities are stored lower-cased so filters match
// regardless of the case used in the seed.
func (s *PostgresStore) Seed(ctx context.Context, hotels []models.Hotel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hotels (`+hotelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, destination = EXCLUDED.destination, stars = EXCLUDED.stars,
			rating = EXCLUDED.rating, popularity = EXCLUDED.popularity,
			distance_km = EXCLUDED.distance_km, amenities = EXCLUDED.amenities`)
	if err != nil {
		return fmt.Errorf("prepare seed: %w", err)
	}
	defer stmt.Close()

	for _, h := range hotels {
		amenities := make([]string, len(h.Amenities))
		for i, a := range h.Amenities {
			amenities[i] = strings.ToLower(a)
		}
		if _, err := stmt.ExecContext(ctx, h.ID, h.Name, h.Destination, h.Stars, h.Rating,
			h.Popularity, h.DistanceKm, pq.Array(amenities)); err != nil {
			return fmt.Errorf("seed hotel %s: %w", h.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHotel(r scanner) (models.Hotel, error) {
	var h models.Hotel
	var amenities pq.StringArray
	if err := r.Scan(&h.ID, &h.Name, &h.Destination, &h.Stars, &h.Rating,
		&h.Popularity, &h.DistanceKm, &amenities); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Hotel{}, err
		}
		return models.Hotel{}, fmt.Errorf("scan hotel: %w", err)
	}
	h.Amenities = []string(amenities)
	return h, nil
}
