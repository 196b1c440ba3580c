package httpserver

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

const proxyChunkSize = 64 * 1024

// StreamProxyHandler relays one track's CDN bytes to the client, honoring
// Range requests. A cached URL that the CDN has stopped accepting is evicted
// and re-extracted once; a second rejection answers 502.
func (s *Server) StreamProxyHandler(w http.ResponseWriter, r *http.Request) {
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
	quality := urlcache.NormalizeQuality(r.URL.Query().Get("quality"))

	for attempt := 0; attempt < 2; attempt++ {
		entry, err := s.resolveStreamEntry(r.Context(), userID, trackID, quality)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp, err := s.fetchUpstream(r, entry.URL)
		if err != nil {
			LoggerFrom(r).Warn("upstream fetch failed",
				slog.String("track_id", trackID), slog.Any("error", err))
			writeError(w, r, fmt.Errorf("upstream fetch: %w", domain.ErrUpstreamRefresh), nil)
			return
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			_ = resp.Body.Close()
			if attempt == 0 {
				// The signed URL went bad before its TTL; drop it and
				// extract a fresh one.
				observability.ProxyRefreshTotal.Inc()
				s.cache.Evict(userID, trackID, quality)
				continue
			}
			writeError(w, r, fmt.Errorf("upstream rejected refreshed url: %w", domain.ErrUpstreamRefresh), nil)
			return
		}
		s.relay(w, r, resp, entry)
		return
	}
}

// fetchUpstream issues the CDN GET with browser-shaped headers, forwarding
// the client's Range.
func (s *Server) fetchUpstream(r *http.Request, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	return s.upstream.Do(req)
}

// relay copies the upstream body to the client in fixed chunks, flushing as
// it goes so playback starts immediately.
func (s *Server) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, entry urlcache.Entry) {
	defer func() { _ = resp.Body.Close() }()

	body := io.Reader(resp.Body)
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = entry.ContentType
	}
	if contentType == "" {
		// Last resort: sniff the first chunk and stitch it back on.
		head := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, head)
		contentType = mimetype.Detect(head[:n]).String()
		body = io.MultiReader(bytes.NewReader(head[:n]), resp.Body)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	// Content-Length is deliberately not forwarded; the transfer is chunked
	// and an upstream abort must not strand the client waiting for bytes.
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, proxyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away mid-stream; normal for seeks and skips.
				return
			}
			observability.ProxyBytesTotal.Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				LoggerFrom(r).Warn("upstream read ended early", slog.Any("error", err))
			}
			return
		}
	}
}
