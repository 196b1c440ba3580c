package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// EmbeddingRepo persists track embeddings with upsert semantics.
type EmbeddingRepo struct{ Pool PgxPool }

// NewEmbeddingRepo constructs an EmbeddingRepo with the given pool.
func NewEmbeddingRepo(p PgxPool) *EmbeddingRepo { return &EmbeddingRepo{Pool: p} }

// Upsert writes the vector for a track, replacing any previous one. Vectors
// arrive ℓ²-normalized from the encoder; the repo stores them as-is.
func (r *EmbeddingRepo) Upsert(ctx domain.Context, e domain.Embedding) error {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Upsert")
	defer span.End()
	if len(e.Vector) != domain.EmbeddingDim {
		return fmt.Errorf("op=embedding.upsert: %w: got %d dims, want %d", domain.ErrInvalidArgument, len(e.Vector), domain.EmbeddingDim)
	}
	at := e.AnalyzedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := `INSERT INTO track_embeddings (track_id, vector, model_version, analyzed_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (track_id) DO UPDATE SET
	        vector=EXCLUDED.vector,
	        model_version=EXCLUDED.model_version,
	        analyzed_at=EXCLUDED.analyzed_at`
	_, err := r.Pool.Exec(ctx, q, e.TrackID, e.Vector, e.ModelVersion, at)
	if err != nil {
		return fmt.Errorf("op=embedding.upsert: %w", err)
	}
	return nil
}

// Exists reports whether a track already has a committed embedding.
func (r *EmbeddingRepo) Exists(ctx domain.Context, trackID string) (bool, error) {
	tracer := otel.Tracer("repo.embeddings")
	ctx, span := tracer.Start(ctx, "embeddings.Exists")
	defer span.End()
	var one int
	row := r.Pool.QueryRow(ctx, `SELECT 1 FROM track_embeddings WHERE track_id=$1`, trackID)
	if err := row.Scan(&one); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=embedding.exists: %w", err)
	}
	return true, nil
}
