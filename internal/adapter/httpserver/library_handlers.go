package httpserver

import (
	"net/http"
	"time"

	"github.com/vibetune/audiosidecar/internal/domain"
)

type librarySong struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	AlbumID      string     `json:"album_id,omitempty"`
	ArtistID     string     `json:"artist_id,omitempty"`
	FilePath     string     `json:"file_path"`
	ModelVersion string     `json:"model_version,omitempty"`
	AnalyzedAt   *time.Time `json:"analyzed_at,omitempty"`
}

// LibrarySongsHandler pages through analyzed tracks from the durable store.
func (s *Server) LibrarySongsHandler(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, r, domain.ErrNotFound, nil)
		return
	}
	limit, offset := pageParams(r)
	tracks, err := s.library.ListCompleted(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	songs := make([]librarySong, 0, len(tracks))
	for _, t := range tracks {
		songs = append(songs, librarySong{
			ID:           t.ID,
			Title:        t.Title,
			AlbumID:      t.AlbumID,
			ArtistID:     t.ArtistID,
			FilePath:     t.FilePath,
			ModelVersion: t.ModelVersion,
			AnalyzedAt:   t.AnalyzedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"songs": songs, "limit": limit, "offset": offset})
}

type libraryAlbum struct {
	AlbumID        string     `json:"album_id"`
	ArtistID       string     `json:"artist_id,omitempty"`
	TrackCount     int        `json:"track_count"`
	CompletedCount int        `json:"completed_count"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at,omitempty"`
}

// LibraryAlbumsHandler pages through album aggregates.
func (s *Server) LibraryAlbumsHandler(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, r, domain.ErrNotFound, nil)
		return
	}
	limit, offset := pageParams(r)
	albums, err := s.library.ListAlbums(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	out := make([]libraryAlbum, 0, len(albums))
	for _, a := range albums {
		out = append(out, libraryAlbum{
			AlbumID:        a.AlbumID,
			ArtistID:       a.ArtistID,
			TrackCount:     a.TrackCount,
			CompletedCount: a.CompletedCount,
			LastAnalyzedAt: a.LastAnalyzedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"albums": out, "limit": limit, "offset": offset})
}

// HealthHandler reports liveness plus session and cache counts.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.sessions.Count(),
		"cached_urls": s.cache.Len(),
	})
}
