// Package postgres provides the durable store adapters for tracks,
// embeddings, and enrichment failures.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TrackRepo persists track analysis state in PostgreSQL.
type TrackRepo struct{ Pool PgxPool }

// NewTrackRepo constructs a TrackRepo with the given pool.
func NewTrackRepo(p PgxPool) *TrackRepo { return &TrackRepo{Pool: p} }

// MarkProcessing flips rows to processing and returns the ids that actually
// transitioned. Rows already in processing are accepted so producers that
// pre-claim are honored; rows in any other state are skipped by the caller.
func (r *TrackRepo) MarkProcessing(ctx domain.Context, ids []string) ([]string, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.MarkProcessing")
	defer span.End()
	q := `UPDATE tracks SET status='processing', started_at=COALESCE(started_at,$2), updated_at=$2
	      WHERE id = ANY($1) AND status IN ('pending','processing') RETURNING id`
	rows, err := r.Pool.Query(ctx, q, ids, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=track.mark_processing: %w", err)
	}
	defer rows.Close()
	var marked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=track.mark_processing: %w", err)
		}
		marked = append(marked, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=track.mark_processing: %w", err)
	}
	return marked, nil
}

// Complete persists features and flips the row to completed.
func (r *TrackRepo) Complete(ctx domain.Context, id string, f domain.Features, engineVersion string) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.Complete")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, analyzed_at=$2, model_version=$3,
	      bpm=$4, key=$5, scale=$6, energy=$7, danceability=$8, valence=$9, arousal=$10,
	      mood_happy=$11, mood_sad=$12, mood_aggressive=$13, mood_relaxed=$14, mood_party=$15,
	      mood_tags=$16, mode_tag=$17, updated_at=$2
	      WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), engineVersion,
		f.BPM, f.Key, f.Scale, f.Energy, f.Danceability, f.Valence, f.Arousal,
		f.MoodHappy, f.MoodSad, f.MoodAggress, f.MoodRelaxed, f.MoodParty,
		f.MoodTags, f.ModeTag)
	if err != nil {
		return fmt.Errorf("op=track.complete: %w", err)
	}
	return nil
}

// MarkCompleted flips the status without touching feature columns. Embed
// pipeline path; the vector lives in the embedding table.
func (r *TrackRepo) MarkCompleted(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.MarkCompleted")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, updated_at=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.mark_completed: %w", err)
	}
	return nil
}

// Fail records a truncated error and consumes one retry.
func (r *TrackRepo) Fail(ctx domain.Context, id string, errMsg string) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.Fail")
	defer span.End()
	q := `UPDATE tracks SET status='failed', error_message=$2, retry_count=retry_count+1, updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.TruncateError(errMsg), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.fail: %w", err)
	}
	return nil
}

// FailPermanently pins the retry count at the budget so maintenance never
// requeues the row.
func (r *TrackRepo) FailPermanently(ctx domain.Context, id string, errMsg string, maxRetries int) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.FailPermanently")
	defer span.End()
	q := `UPDATE tracks SET status='failed', error_message=$2, retry_count=$3, updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, domain.TruncateError(errMsg), maxRetries, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.fail_permanently: %w", err)
	}
	return nil
}

// ResetToPending returns rows to the queue-eligible state without touching
// retry counts. Pool-crash requeue path.
func (r *TrackRepo) ResetToPending(ctx domain.Context, ids []string) error {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.ResetToPending")
	defer span.End()
	q := `UPDATE tracks SET status='pending', started_at=NULL, updated_at=$2 WHERE id = ANY($1)`
	_, err := r.Pool.Exec(ctx, q, ids, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=track.reset_to_pending: %w", err)
	}
	return nil
}

// Get loads a track row by id.
func (r *TrackRepo) Get(ctx domain.Context, id string) (domain.Track, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.Get")
	defer span.End()
	q := `SELECT id, file_path, COALESCE(title,''), COALESCE(album_id,''), COALESCE(artist_id,''),
	      status, started_at, retry_count, COALESCE(error_message,''), analyzed_at,
	      COALESCE(model_version,''), file_modified, updated_at
	      FROM tracks WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var t domain.Track
	if err := row.Scan(&t.ID, &t.FilePath, &t.Title, &t.AlbumID, &t.ArtistID,
		&t.Status, &t.StartedAt, &t.RetryCount, &t.ErrorMessage, &t.AnalyzedAt,
		&t.ModelVersion, &t.FileModified, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Track{}, fmt.Errorf("op=track.get: %w", domain.ErrNotFound)
		}
		return domain.Track{}, fmt.Errorf("op=track.get: %w", err)
	}
	return t, nil
}

// RecoverWithEmbedding completes processing rows whose embedding already
// landed; a crash between the upsert and the status flip leaves these behind.
func (r *TrackRepo) RecoverWithEmbedding(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.RecoverWithEmbedding")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, updated_at=$1
	      WHERE status='processing' AND id IN (SELECT track_id FROM track_embeddings)`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=track.recover_with_embedding: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetStale returns stuck processing rows to pending, consuming one retry.
// Rows with no started_at fall back to updated_at for the staleness test.
func (r *TrackRepo) ResetStale(ctx domain.Context, window time.Duration, maxRetries int) (int64, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.ResetStale")
	defer span.End()
	cutoff := time.Now().UTC().Add(-window)
	q := `UPDATE tracks SET status='pending', started_at=NULL, retry_count=retry_count+1, updated_at=$1
	      WHERE status='processing'
	        AND retry_count < $3
	        AND id NOT IN (SELECT track_id FROM track_embeddings)
	        AND (started_at < $2 OR (started_at IS NULL AND updated_at < $2))`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC(), cutoff, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("op=track.reset_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FailStaleExhausted terminally fails stale processing rows whose retry
// budget is spent. ResetStale filters those out, so without this step they
// would sit in processing forever.
func (r *TrackRepo) FailStaleExhausted(ctx domain.Context, window time.Duration, maxRetries int) ([]string, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.FailStaleExhausted")
	defer span.End()
	cutoff := time.Now().UTC().Add(-window)
	q := `UPDATE tracks SET status='failed', error_message=$4, retry_count=$3, updated_at=$1
	      WHERE status='processing'
	        AND retry_count >= $3
	        AND id NOT IN (SELECT track_id FROM track_embeddings)
	        AND (started_at < $2 OR (started_at IS NULL AND updated_at < $2))
	      RETURNING id`
	rows, err := r.Pool.Query(ctx, q, time.Now().UTC(), cutoff, maxRetries, domain.StaleExhaustedMessage)
	if err != nil {
		return nil, fmt.Errorf("op=track.fail_stale_exhausted: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=track.fail_stale_exhausted: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=track.fail_stale_exhausted: %w", err)
	}
	return ids, nil
}

// RecoverMisfailed completes failed rows that have an embedding after all.
func (r *TrackRepo) RecoverMisfailed(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.RecoverMisfailed")
	defer span.End()
	q := `UPDATE tracks SET status='completed', error_message=NULL, updated_at=$1
	      WHERE status='failed' AND id IN (SELECT track_id FROM track_embeddings)`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=track.recover_misfailed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueFailed makes under-budget failed rows eligible again.
func (r *TrackRepo) RequeueFailed(ctx domain.Context, maxRetries int) (int64, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.RequeueFailed")
	defer span.End()
	q := `UPDATE tracks SET status='pending', started_at=NULL, updated_at=$1
	      WHERE status='failed' AND retry_count < $2
	        AND id NOT IN (SELECT track_id FROM track_embeddings)`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC(), maxRetries)
	if err != nil {
		return 0, fmt.Errorf("op=track.requeue_failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimPending claims up to limit pending rows, newest file first, so the
// reconciliation pass can repopulate a drained queue without double-claiming.
func (r *TrackRepo) ClaimPending(ctx domain.Context, limit int) ([]domain.Track, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.ClaimPending")
	defer span.End()
	q := `UPDATE tracks SET status='processing', started_at=$2, updated_at=$2
	      WHERE id IN (
	        SELECT id FROM tracks WHERE status='pending'
	        ORDER BY file_modified DESC LIMIT $1
	        FOR UPDATE SKIP LOCKED
	      )
	      RETURNING id, file_path`
	rows, err := r.Pool.Query(ctx, q, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=track.claim_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.Track
	for rows.Next() {
		var t domain.Track
		if err := rows.Scan(&t.ID, &t.FilePath); err != nil {
			return nil, fmt.Errorf("op=track.claim_pending: %w", err)
		}
		t.Status = domain.TrackProcessing
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=track.claim_pending: %w", err)
	}
	return out, nil
}

// CountPending reports queue-eligible backlog for the idle-shutdown check.
func (r *TrackRepo) CountPending(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.tracks")
	ctx, span := tracer.Start(ctx, "tracks.CountPending")
	defer span.End()
	var n int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM tracks WHERE status='pending'`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=track.count_pending: %w", err)
	}
	return n, nil
}
