package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/domain"
)

type searchRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Query  string `json:"query" validate:"required,min=1,max=200"`
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=50"`
}

// SearchHandler runs one catalog search for the user. Accounts the provider
// started rejecting with 400 get pinned to the public app-token surface.
func (s *Server) SearchHandler(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	res, err := s.search(r.Context(), req.UserID, req.Query, req.Limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, searchBody(res))
}

func (s *Server) search(ctx context.Context, userID, query string, limit int) (provider.SearchResult, error) {
	var res provider.SearchResult
	run := func(c streamClient) error {
		var err error
		if s.sessions.UseFallback(userID) {
			res, err = c.SearchPublic(ctx, query, limit)
			return err
		}
		res, err = c.Search(ctx, query, limit)
		if errors.Is(err, domain.ErrInvalidArgument) {
			// The bearer search rejects some account tiers outright; the
			// public surface keeps working. Pin until logout or restore.
			slog.Warn("bearer search rejected, pinning user to public search", slog.String("user_id", userID))
			s.sessions.MarkFallback(userID)
			res, err = c.SearchPublic(ctx, query, limit)
		}
		return err
	}
	if err := s.withClient(ctx, userID, run); err != nil {
		return provider.SearchResult{}, err
	}
	return res, nil
}

type batchSearchRequest struct {
	UserID  string   `json:"user_id" validate:"required"`
	Queries []string `json:"queries" validate:"required,min=1,max=50,dive,min=1,max=200"`
	Limit   int      `json:"limit" validate:"omitempty,min=1,max=50"`
}

type batchSearchItem struct {
	Query  string `json:"query"`
	Error  string `json:"error,omitempty"`
	Tracks any    `json:"tracks,omitempty"`
	Albums any    `json:"albums,omitempty"`
}

// BatchSearchHandler fans one search out per query, pacing between queries so
// a playlist import doesn't hammer the provider. Per-query failures are
// reported inline; the batch itself still answers 200.
func (s *Server) BatchSearchHandler(w http.ResponseWriter, r *http.Request) {
	var req batchSearchRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	items := make([]batchSearchItem, 0, len(req.Queries))
	for i, q := range req.Queries {
		if i > 0 {
			if err := s.gov.BatchDelay(r.Context()); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		item := batchSearchItem{Query: q}
		res, err := s.search(r.Context(), req.UserID, q, req.Limit)
		if err != nil {
			// Auth errors abort the whole batch; everything after would
			// fail the same way.
			if kind := domain.Classify(err); kind == domain.KindAuthExpired || errors.Is(err, domain.ErrUnauthenticated) {
				writeError(w, r, err, nil)
				return
			}
			item.Error = err.Error()
		} else {
			body := searchBody(res)
			item.Tracks = body["tracks"]
			item.Albums = body["albums"]
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

// SongHandler fetches one track's catalog metadata.
func (s *Server) SongHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	trackID, err := catalogID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var track provider.Track
	err = s.withClient(r.Context(), userID, func(c streamClient) error {
		var err error
		track, err = c.Track(r.Context(), trackID)
		return err
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// AlbumHandler fetches an album's track list in disc and track order.
func (s *Server) AlbumHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	albumID, err := catalogID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var tracks []provider.Track
	err = s.withClient(r.Context(), userID, func(c streamClient) error {
		var err error
		tracks, err = c.AlbumTracks(r.Context(), albumID)
		return err
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"album_id": albumID, "tracks": tracks})
}

// ArtistHandler fetches an artist's metadata and top tracks.
func (s *Server) ArtistHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	artistID, err := catalogID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var (
		artist provider.Artist
		tracks []provider.Track
	)
	err = s.withClient(r.Context(), userID, func(c streamClient) error {
		var err error
		artist, tracks, err = c.Artist(r.Context(), artistID)
		return err
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artist": artist, "top_tracks": tracks})
}

// StreamInfoHandler resolves playback metadata for one track without opening
// the stream. The resolved URL is cached for the proxy to pick up.
func (s *Server) StreamInfoHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	trackID, err := catalogID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	entry, err := s.resolveStreamEntry(r.Context(), userID, trackID, r.URL.Query().Get("quality"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"track_id":     trackID,
		"quality":      entry.Quality,
		"content_type": entry.ContentType,
		"codec":        entry.Codec,
		"sample_rate":  entry.SampleRate,
		"bit_depth":    entry.BitDepth,
		"expires_at":   entry.ExpiresAt,
	})
}

func searchBody(res provider.SearchResult) map[string]any {
	tracks := res.Tracks
	if tracks == nil {
		tracks = []provider.Track{}
	}
	albums := res.Albums
	if albums == nil {
		albums = []provider.Album{}
	}
	return map[string]any{"tracks": tracks, "albums": albums}
}
