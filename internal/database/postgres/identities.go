package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/presence-kiosk/internal/database"
)

// IdentityRepository provides PostgreSQL-backed identity storage
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// GetIdentity retrieves an identity by id
func (r *IdentityRepository) GetIdentity(ctx context.Context, id string) (*database.Identity, error) {
	query := `
		SELECT id, name, role, photo_ref, active
		FROM identities
		WHERE id = $1
	`

	var identity database.Identity
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&identity.ID,
		&identity.Name,
		&identity.Role,
		&identity.PhotoRef,
		&identity.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query identity: %w", err)
	}
	return &identity, nil
}

// UpsertIdentity inserts or replaces an identity
func (r *IdentityRepository) UpsertIdentity(ctx context.Context, identity database.Identity) error {
	query := `
		INSERT INTO identities (id, name, role, photo_ref, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			photo_ref = EXCLUDED.photo_ref,
			active = EXCLUDED.active,
			updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query, identity.ID, identity.Name, identity.Role, identity.PhotoRef, identity.Active)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}
