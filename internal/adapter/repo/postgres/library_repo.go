package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// LibraryRepo serves the gateway's read-only library listings.
type LibraryRepo struct{ Pool PgxPool }

// NewLibraryRepo constructs a LibraryRepo with the given pool.
func NewLibraryRepo(p PgxPool) *LibraryRepo { return &LibraryRepo{Pool: p} }

// ListCompleted pages through analyzed tracks, newest analysis first.
func (r *LibraryRepo) ListCompleted(ctx domain.Context, limit, offset int) ([]domain.Track, error) {
	tracer := otel.Tracer("repo.library")
	ctx, span := tracer.Start(ctx, "library.ListCompleted")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT id, file_path, COALESCE(title,''), COALESCE(album_id,''), COALESCE(artist_id,''),
	      status, analyzed_at, COALESCE(model_version,''), updated_at
	      FROM tracks WHERE status='completed'
	      ORDER BY analyzed_at DESC NULLS LAST, id
	      LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=library.list_completed: %w", err)
	}
	defer rows.Close()
	var out []domain.Track
	for rows.Next() {
		var t domain.Track
		if err := rows.Scan(&t.ID, &t.FilePath, &t.Title, &t.AlbumID, &t.ArtistID,
			&t.Status, &t.AnalyzedAt, &t.ModelVersion, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=library.list_completed: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=library.list_completed: %w", err)
	}
	return out, nil
}

// ListAlbums pages through album aggregates, most tracks first. Tracks with
// no album land under the empty album id and are skipped.
func (r *LibraryRepo) ListAlbums(ctx domain.Context, limit, offset int) ([]domain.AlbumSummary, error) {
	tracer := otel.Tracer("repo.library")
	ctx, span := tracer.Start(ctx, "library.ListAlbums")
	defer span.End()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	q := `SELECT album_id, MIN(COALESCE(artist_id,'')), COUNT(*),
	      COUNT(*) FILTER (WHERE status='completed'), MAX(analyzed_at)
	      FROM tracks WHERE album_id IS NOT NULL AND album_id <> ''
	      GROUP BY album_id
	      ORDER BY COUNT(*) DESC, album_id
	      LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=library.list_albums: %w", err)
	}
	defer rows.Close()
	var out []domain.AlbumSummary
	for rows.Next() {
		var (
			a    domain.AlbumSummary
			last *time.Time
		)
		if err := rows.Scan(&a.AlbumID, &a.ArtistID, &a.TrackCount, &a.CompletedCount, &last); err != nil {
			return nil, fmt.Errorf("op=library.list_albums: %w", err)
		}
		a.LastAnalyzedAt = last
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=library.list_albums: %w", err)
	}
	return out, nil
}
