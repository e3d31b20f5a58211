package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/lib/pq"
)

// LocationRepository provides PostgreSQL-backed location storage
type LocationRepository struct {
	pool *Pool
}

// NewLocationRepository creates a new PostgreSQL location repository
func NewLocationRepository(pool *Pool) *LocationRepository {
	return &LocationRepository{pool: pool}
}

const locationColumns = `
	id, name, active, geo_lat, geo_lng, geo_radius_meters,
	work_start_hour, work_end_hour, COALESCE(login, ''), password_hash, allowed_ips
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*database.Location, error) {
	var loc database.Location
	var lat, lng, radius sql.NullFloat64
	var allowed pq.StringArray

	if err := row.Scan(
		&loc.ID,
		&loc.Name,
		&loc.Active,
		&lat,
		&lng,
		&radius,
		&loc.WorkStartHour,
		&loc.WorkEndHour,
		&loc.Login,
		&loc.PasswordHash,
		&allowed,
	); err != nil {
		return nil, err
	}

	if lat.Valid && lng.Valid && radius.Valid {
		loc.Geo = &database.GeoZone{Lat: lat.Float64, Lng: lng.Float64, RadiusMeters: radius.Float64}
	}
	loc.AllowedIPs = []string(allowed)
	return &loc, nil
}

// GetLocation retrieves a location by id
func (r *LocationRepository) GetLocation(ctx context.Context, id string) (*database.Location, error) {
	loc, err := scanLocation(r.pool.QueryRow(ctx, "SELECT "+locationColumns+" FROM locations WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query location: %w", err)
	}
	return loc, nil
}

// GetLocationByLogin retrieves a location by its canonical kiosk login
func (r *LocationRepository) GetLocationByLogin(ctx context.Context, login string) (*database.Location, error) {
	if login == "" {
		return nil, database.ErrNotFound
	}
	loc, err := scanLocation(r.pool.QueryRow(ctx, "SELECT "+locationColumns+" FROM locations WHERE login = $1", login))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query location by login: %w", err)
	}
	return loc, nil
}

// ListActiveLocations returns all active locations ordered by id
func (r *LocationRepository) ListActiveLocations(ctx context.Context) ([]database.Location, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+locationColumns+" FROM locations WHERE active ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query active locations: %w", err)
	}
	defer rows.Close()

	var result []database.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		result = append(result, *loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return result, nil
}

// UpsertLocation inserts or replaces a location
func (r *LocationRepository) UpsertLocation(ctx context.Context, loc database.Location) error {
	var lat, lng, radius sql.NullFloat64
	if loc.Geo != nil {
		lat = sql.NullFloat64{Float64: loc.Geo.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Geo.Lng, Valid: true}
		radius = sql.NullFloat64{Float64: loc.Geo.RadiusMeters, Valid: true}
	}
	allowed := loc.AllowedIPs
	if allowed == nil {
		allowed = []string{}
	}

	query := `
		INSERT INTO locations (id, name, active, geo_lat, geo_lng, geo_radius_meters,
			work_start_hour, work_end_hour, login, password_hash, allowed_ips)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			geo_lat = EXCLUDED.geo_lat,
			geo_lng = EXCLUDED.geo_lng,
			geo_radius_meters = EXCLUDED.geo_radius_meters,
			work_start_hour = EXCLUDED.work_start_hour,
			work_end_hour = EXCLUDED.work_end_hour,
			login = EXCLUDED.login,
			password_hash = EXCLUDED.password_hash,
			allowed_ips = EXCLUDED.allowed_ips,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query,
		loc.ID, loc.Name, loc.Active, lat, lng, radius,
		loc.WorkStartHour, loc.WorkEndHour, loc.Login, loc.PasswordHash, pq.Array(allowed),
	)
	if err != nil {
		return fmt.Errorf("upsert location: %w", err)
	}
	return nil
}
