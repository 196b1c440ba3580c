// Package app wires configuration, adapters, and routes for the sidecar
// binaries.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibetune/audiosidecar/internal/adapter/httpserver"
	"github.com/vibetune/audiosidecar/internal/adapter/observability"
	"github.com/vibetune/audiosidecar/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the gateway handler with all middlewares and routes.
// Stream and download routes mount outside the timeout middleware; their
// transfers legitimately run for minutes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Range", "Accept-Ranges"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// JSON API under a request deadline.
	r.Group(func(jr chi.Router) {
		jr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		jr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		jr.Post("/auth/device", srv.DeviceAuthHandler)
		jr.Post("/auth/token", srv.TokenHandler)
		jr.Post("/auth/refresh", srv.RefreshHandler)
		jr.Post("/auth/session", srv.SessionHandler)
		jr.Get("/auth/status", srv.AuthStatusHandler)
		jr.Post("/auth/logout", srv.LogoutHandler)

		jr.Post("/search", srv.SearchHandler)
		jr.Post("/user/search", srv.SearchHandler)
		jr.Post("/user/search/batch", srv.BatchSearchHandler)
		jr.Get("/song/{id}", srv.SongHandler)
		jr.Get("/album/{id}", srv.AlbumHandler)
		jr.Get("/artist/{id}", srv.ArtistHandler)
		jr.Get("/user/stream-info/{id}", srv.StreamInfoHandler)

		jr.Get("/library/songs", srv.LibrarySongsHandler)
		jr.Get("/library/albums", srv.LibraryAlbumsHandler)
	})

	// Long-running transfer routes, no timeout handler.
	r.Group(func(lr chi.Router) {
		lr.Get("/user/stream/{id}", srv.StreamProxyHandler)
		lr.Get("/proxy/{id}", srv.StreamProxyHandler)
		lr.Post("/download/track", srv.DownloadTrackHandler)
		lr.Post("/download/album", srv.DownloadAlbumHandler)
	})

	r.Get("/health", srv.HealthHandler)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
