package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingRepository provides PostgreSQL-backed storage of enrolled face embeddings
type EmbeddingRepository struct {
	pool *Pool
}

// NewEmbeddingRepository creates a new PostgreSQL embedding repository
func NewEmbeddingRepository(pool *Pool) *EmbeddingRepository {
	return &EmbeddingRepository{pool: pool}
}

// ListEmbeddings returns the embeddings of active identities ordered by identity id.
// UpdatedAt is the later of the embedding and identity updates, so toggling an
// identity's active flag also moves the set version.
func (r *EmbeddingRepository) ListEmbeddings(ctx context.Context) ([]database.EnrolledEmbedding, string, error) {
	query := `
		SELECT e.identity_id, e.embedding, GREATEST(e.updated_at, i.updated_at)
		FROM face_embeddings e
		JOIN identities i ON i.id = e.identity_id
		WHERE i.active
		ORDER BY e.identity_id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, "", fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var entries []database.EnrolledEmbedding
	for rows.Next() {
		var e database.EnrolledEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.IdentityID, &vec, &e.UpdatedAt); err != nil {
			return nil, "", fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		if e.Eligible() {
			entries = append(entries, e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate embeddings: %w", err)
	}

	return entries, database.VersionOf(entries), nil
}

// UpsertEmbedding replaces the embedding of an identity
func (r *EmbeddingRepository) UpsertEmbedding(ctx context.Context, identityID string, vector []float32) error {
	if len(vector) != constants.EmbeddingDim {
		return fmt.Errorf("embedding for %s has %d dimensions, expected %d", identityID, len(vector), constants.EmbeddingDim)
	}

	query := `
		INSERT INTO face_embeddings (identity_id, embedding, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
	`

	if _, err := r.pool.Exec(ctx, query, identityID, pgvector.NewVector(vector)); err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}
