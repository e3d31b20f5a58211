package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/presence-kiosk/internal/database"
)

// PresenceRepository provides PostgreSQL-backed presence record storage
type PresenceRepository struct {
	pool *Pool
}

// NewPresenceRepository creates a new PostgreSQL presence repository
func NewPresenceRepository(pool *Pool) *PresenceRepository {
	return &PresenceRepository{pool: pool}
}

const recordColumns = `
	id, identity_id, location_id, to_char(work_day, 'YYYY-MM-DD'),
	check_in, check_out, in_zone, device
`

func scanRecord(row rowScanner) (*database.PresenceRecord, error) {
	var rec database.PresenceRecord
	var locationID sql.NullString
	var checkOut sql.NullTime

	if err := row.Scan(
		&rec.ID,
		&rec.IdentityID,
		&locationID,
		&rec.WorkDay,
		&rec.CheckIn,
		&checkOut,
		&rec.InZone,
		&rec.Device,
	); err != nil {
		return nil, err
	}

	if locationID.Valid {
		rec.LocationID = &locationID.String
	}
	if checkOut.Valid {
		rec.CheckOut = &checkOut.Time
	}
	return &rec, nil
}

// FindOpenRecord returns the latest open record of the identity on the work day
func (r *PresenceRepository) FindOpenRecord(ctx context.Context, identityID, workDay string) (*database.PresenceRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM presence_records
		WHERE identity_id = $1 AND work_day = $2::date AND check_out IS NULL
		ORDER BY check_in DESC
		LIMIT 1
	`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, identityID, workDay))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open record: %w", err)
	}
	return rec, nil
}

// GetRecord returns a record by id
func (r *PresenceRepository) GetRecord(ctx context.Context, id string) (*database.PresenceRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, "SELECT "+recordColumns+" FROM presence_records WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// CreateOpenRecord inserts an open record. The partial unique index on
// (identity_id, work_day) turns a concurrent second insert into ErrOpenRecordExists.
func (r *PresenceRepository) CreateOpenRecord(ctx context.Context, rec *database.PresenceRecord) error {
	query := `
		INSERT INTO presence_records (id, identity_id, location_id, work_day, check_in, in_zone, device)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7)
	`

	var locationID sql.NullString
	if rec.LocationID != nil {
		locationID = sql.NullString{String: *rec.LocationID, Valid: true}
	}

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.IdentityID, locationID, rec.WorkDay, rec.CheckIn, rec.InZone, rec.Device,
	)
	if isUniqueViolation(err) {
		return database.ErrOpenRecordExists
	}
	if err != nil {
		return fmt.Errorf("insert presence record: %w", err)
	}
	return nil
}

// CloseRecord sets check_out on an open record
func (r *PresenceRepository) CloseRecord(ctx context.Context, id string, checkOut time.Time) (*database.PresenceRecord, error) {
	query := `UPDATE presence_records
		SET check_out = $2
		WHERE id = $1 AND check_out IS NULL
		RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id, checkOut))
	if errors.Is(err, sql.ErrNoRows) {
		// Either the id is unknown or somebody closed it first.
		if _, getErr := r.GetRecord(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, database.ErrAlreadyClosed
	}
	if err != nil {
		return nil, fmt.Errorf("close presence record: %w", err)
	}
	return rec, nil
}

// ListRecordsForDay returns the records of a location on the work day, oldest first
func (r *PresenceRepository) ListRecordsForDay(ctx context.Context, locationID, workDay string) ([]database.PresenceRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM presence_records
		WHERE location_id = $1 AND work_day = $2::date
		ORDER BY check_in
	`

	rows, err := r.pool.Query(ctx, query, locationID, workDay)
	if err != nil {
		return nil, fmt.Errorf("query records for day: %w", err)
	}
	defer rows.Close()

	var result []database.PresenceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan presence record: %w", err)
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence records: %w", err)
	}
	return result, nil
}
