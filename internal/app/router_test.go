package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/adapter/httpserver"
	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/config"
	"github.com/vibetune/audiosidecar/internal/stream/governor"
	"github.com/vibetune/audiosidecar/internal/stream/session"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
}

func testRouter(t *testing.T, ready http.HandlerFunc) http.Handler {
	t.Helper()
	api := provider.New(provider.Config{AuthBaseURL: "http://127.0.0.1:0", APIBaseURL: "http://127.0.0.1:0"})
	cache := urlcache.New(time.Hour)
	reg := session.New(provider.NewFactory(api), cache.ClearUser)
	srv := httpserver.New(httpserver.Config{DownloadRoot: t.TempDir(), PathTemplate: "{title}.{ext}"},
		api, reg, cache, governor.New(governor.Config{Concurrency: 1}), nil)
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 120}
	return BuildRouter(cfg, srv, ready)
}

func TestRouter_HealthAndHeaders(t *testing.T) {
	h := testRouter(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_MetricsExposed(t *testing.T) {
	h := testRouter(t, func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzHandler_FailingCheckIs503(t *testing.T) {
	h := ReadyzHandler(
		Check{Name: "db", Fn: func(context.Context) error { return nil }},
		Check{Name: "provider", Fn: func(context.Context) error { return errors.New("down") }},
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider")
}

func TestReadyzHandler_AllPassing(t *testing.T) {
	h := ReadyzHandler(DBCheck(nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	// A nil pool reports unconfigured.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = ReadyzHandler()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
