package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// FailureRepo persists enrichment failure records, one per
// (entity_type, entity_id).
type FailureRepo struct{ Pool PgxPool }

// NewFailureRepo constructs a FailureRepo with the given pool.
func NewFailureRepo(p PgxPool) *FailureRepo { return &FailureRepo{Pool: p} }

// Upsert records a failure. On conflict the retry counter is incremented,
// the timestamp bumped, and the resolved/skipped flags cleared so operators
// see the entity as failing again.
func (r *FailureRepo) Upsert(ctx domain.Context, f domain.EnrichmentFailure) error {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.Upsert")
	defer span.End()
	at := f.LastFailedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var meta []byte
	if f.Metadata != nil {
		var err error
		meta, err = json.Marshal(f.Metadata)
		if err != nil {
			return fmt.Errorf("op=failure.upsert: %w", err)
		}
	}
	q := `INSERT INTO enrichment_failures (entity_type, entity_id, error_message, last_failed_at, retry_count, resolved, skipped, metadata)
	      VALUES ($1,$2,$3,$4,1,false,false,$5)
	      ON CONFLICT (entity_type, entity_id) DO UPDATE SET
	        error_message=EXCLUDED.error_message,
	        last_failed_at=EXCLUDED.last_failed_at,
	        retry_count=enrichment_failures.retry_count+1,
	        resolved=false,
	        skipped=false,
	        metadata=COALESCE(EXCLUDED.metadata, enrichment_failures.metadata)`
	_, err := r.Pool.Exec(ctx, q, f.EntityType, f.EntityID, domain.TruncateError(f.ErrorMessage), at, meta)
	if err != nil {
		return fmt.Errorf("op=failure.upsert: %w", err)
	}
	return nil
}

// Resolve marks a failure as resolved after the entity recovers.
func (r *FailureRepo) Resolve(ctx domain.Context, entityType, entityID string) error {
	tracer := otel.Tracer("repo.failures")
	ctx, span := tracer.Start(ctx, "failures.Resolve")
	defer span.End()
	q := `UPDATE enrichment_failures SET resolved=true WHERE entity_type=$1 AND entity_id=$2 AND resolved=false`
	_, err := r.Pool.Exec(ctx, q, entityType, entityID)
	if err != nil {
		return fmt.Errorf("op=failure.resolve: %w", err)
	}
	return nil
}
