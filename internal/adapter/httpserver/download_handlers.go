package httpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

type downloadTrackRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	TrackID string `json:"track_id" validate:"required,number"`
	Quality string `json:"quality"`
	Preset  string `json:"preset"`
}

// DownloadTrackHandler downloads one track into the library root and answers
// with its final path.
func (s *Server) DownloadTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req downloadTrackRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	tmpl, err := s.template(req.Preset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	res := s.downloadOne(r.Context(), req.UserID, req.TrackID, req.Quality, tmpl)
	if res.Error != "" {
		writeError(w, r, res.err, nil)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type downloadAlbumRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	AlbumID string `json:"album_id" validate:"required,number"`
	Quality string `json:"quality"`
	Preset  string `json:"preset"`
}

// DownloadAlbumHandler downloads a whole album, pacing between tracks. Each
// track reports its own outcome; the response is 200 as long as the album
// listing itself succeeded.
func (s *Server) DownloadAlbumHandler(w http.ResponseWriter, r *http.Request) {
	var req downloadAlbumRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	tmpl, err := s.template(req.Preset)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	var tracks []provider.Track
	err = s.withClient(r.Context(), req.UserID, func(c streamClient) error {
		var err error
		tracks, err = c.AlbumTracks(r.Context(), req.AlbumID)
		return err
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	results := make([]downloadResult, 0, len(tracks))
	for i, t := range tracks {
		if i > 0 {
			if err := sleepCtx(r.Context(), s.cfg.TrackDelay); err != nil {
				writeError(w, r, err, nil)
				return
			}
			if err := s.gov.BatchDelay(r.Context()); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		results = append(results, s.downloadOne(r.Context(), req.UserID, fmt.Sprintf("%d", t.ID), req.Quality, tmpl))
	}
	writeJSON(w, http.StatusOK, map[string]any{"album_id": req.AlbumID, "tracks": results})
}

type downloadResult struct {
	TrackID string `json:"track_id"`
	Path    string `json:"path,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
	Error   string `json:"error,omitempty"`

	err error
}

// downloadOne resolves, fetches, and lands one track. The file is written to
// a temp name in the destination directory and renamed into place so readers
// never see a partial file.
func (s *Server) downloadOne(ctx context.Context, userID, trackID, quality string, tmpl string) downloadResult {
	res := downloadResult{TrackID: trackID}
	fail := func(err error) downloadResult {
		res.err = err
		res.Error = err.Error()
		return res
	}

	var track provider.Track
	err := s.withClient(ctx, userID, func(c streamClient) error {
		var err error
		track, err = c.Track(ctx, trackID)
		return err
	})
	if err != nil {
		return fail(err)
	}
	entry, err := s.resolveStreamEntry(ctx, userID, trackID, quality)
	if err != nil {
		return fail(err)
	}

	rel, err := renderPath(tmpl, track, extensionFor(entry))
	if err != nil {
		return fail(err)
	}
	dest := filepath.Join(s.cfg.DownloadRoot, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fail(fmt.Errorf("op=download.mkdir: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return fail(err)
	}
	resp, err := s.upstream.Do(req)
	if err != nil {
		return fail(fmt.Errorf("op=download.fetch: %w", domain.ErrUpstreamRefresh))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("op=download.fetch: upstream status %d: %w", resp.StatusCode, domain.ErrUpstreamRefresh))
	}

	tmp := filepath.Join(filepath.Dir(dest), ".dl-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return fail(fmt.Errorf("op=download.create: %w", err))
	}
	n, err := io.Copy(f, resp.Body)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fail(fmt.Errorf("op=download.copy: %w", err))
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fail(fmt.Errorf("op=download.rename: %w", err))
	}
	slog.Info("track downloaded",
		slog.String("track_id", trackID), slog.String("path", rel), slog.Int64("bytes", n))
	res.Path = rel
	res.Bytes = n
	return res
}

// template picks the preset's path template or the configured default.
func (s *Server) template(preset string) (string, error) {
	if preset == "" {
		return s.cfg.PathTemplate, nil
	}
	tmpl, ok := s.cfg.PathPresets[preset]
	if !ok {
		return "", fmt.Errorf("unknown path preset %q: %w", preset, domain.ErrInvalidArgument)
	}
	return tmpl, nil
}

var placeholderRe = regexp.MustCompile(`\{(\w+)(?::0?(\d)d)?\}`)

// renderPath expands a path template like
// "{artist}/{album}/{track:02d} - {title}.{ext}" with sanitized metadata.
// Placeholders: artist, album, title, track, volume, id, ext.
func renderPath(tmpl string, t provider.Track, ext string) (string, error) {
	artist := "Unknown Artist"
	if len(t.Artists) > 0 {
		artist = t.Artists[0]
	}
	fields := map[string]string{
		"artist": sanitizeComponent(artist),
		"album":  sanitizeComponent(t.Album),
		"title":  sanitizeComponent(t.Title),
		"ext":    ext,
	}
	numbers := map[string]int64{
		"track":  int64(t.Number),
		"volume": int64(t.Volume),
		"id":     t.ID,
	}
	var unknown string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		if n, ok := numbers[sub[1]]; ok {
			if sub[2] == "" {
				return fmt.Sprintf("%d", n)
			}
			return fmt.Sprintf("%0"+sub[2]+"d", n)
		}
		v, ok := fields[sub[1]]
		if !ok {
			unknown = sub[1]
			return m
		}
		return v
	})
	if unknown != "" {
		return "", fmt.Errorf("unknown path placeholder {%s}: %w", unknown, domain.ErrInvalidArgument)
	}
	// A template must not climb out of the library root.
	clean := filepath.Clean(filepath.FromSlash(out))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path template escapes the library root: %w", domain.ErrInvalidArgument)
	}
	return clean, nil
}

var unsafePathChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "", "?", "", "\"", "'", "<", "", ">", "", "|", "-", "\x00", "",
)

func sanitizeComponent(s string) string {
	s = unsafePathChars.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "Unknown"
	}
	return s
}

// extensionFor maps the playback entry onto a file extension, asking the
// MIME database when the manifest carried a content type we don't special
// case.
func extensionFor(e urlcache.Entry) string {
	switch {
	case e.Codec == "flac" || e.ContentType == "audio/flac":
		return "flac"
	case e.ContentType == "audio/mp4" || e.Codec == "aac":
		return "m4a"
	}
	if ext := mimetype.Lookup(e.ContentType); ext != nil && ext.Extension() != "" {
		return strings.TrimPrefix(ext.Extension(), ".")
	}
	return "bin"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
