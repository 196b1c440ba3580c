package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/governor"
	"github.com/vibetune/audiosidecar/internal/stream/session"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

type fakeStream struct {
	verifyErr error

	searchFn       func(query string, limit int) (provider.SearchResult, error)
	searchPublicFn func(query string, limit int) (provider.SearchResult, error)
	trackFn        func(id string) (provider.Track, error)
	albumTracksFn  func(id string) ([]provider.Track, error)
	streamURLFn    func(trackID, quality string) (urlcache.Entry, error)
}

func (f *fakeStream) Verify(context.Context) error { return f.verifyErr }

func (f *fakeStream) Search(_ context.Context, q string, limit int) (provider.SearchResult, error) {
	if f.searchFn == nil {
		return provider.SearchResult{}, nil
	}
	return f.searchFn(q, limit)
}

func (f *fakeStream) SearchPublic(_ context.Context, q string, limit int) (provider.SearchResult, error) {
	if f.searchPublicFn == nil {
		return provider.SearchResult{}, nil
	}
	return f.searchPublicFn(q, limit)
}

func (f *fakeStream) Track(_ context.Context, id string) (provider.Track, error) {
	if f.trackFn == nil {
		return provider.Track{}, domain.ErrNotFound
	}
	return f.trackFn(id)
}

func (f *fakeStream) AlbumTracks(_ context.Context, id string) ([]provider.Track, error) {
	if f.albumTracksFn == nil {
		return nil, domain.ErrNotFound
	}
	return f.albumTracksFn(id)
}

func (f *fakeStream) Artist(context.Context, string) (provider.Artist, []provider.Track, error) {
	return provider.Artist{ID: 5, Name: "A"}, nil, nil
}

func (f *fakeStream) StreamURL(_ context.Context, trackID, quality string) (urlcache.Entry, error) {
	if f.streamURLFn == nil {
		return urlcache.Entry{}, domain.ErrNoStreamURL
	}
	return f.streamURLFn(trackID, quality)
}

type fakeStreamFactory struct {
	client *fakeStream
}

func (f *fakeStreamFactory) Build(_ context.Context, _ session.Credentials) (session.Client, error) {
	return f.client, nil
}

func (f *fakeStreamFactory) Refresh(_ context.Context, _ string) (session.Client, session.Credentials, error) {
	return f.client, session.Credentials{AccessToken: "at2", RefreshToken: "rt2"}, nil
}

// testServer wires a Server around one fake upstream client with user "u1"
// already restored.
func testServer(t *testing.T, client *fakeStream) (*Server, *session.Registry, *urlcache.Cache) {
	t.Helper()
	cache := urlcache.New(time.Hour)
	reg := session.New(&fakeStreamFactory{client: client}, cache.ClearUser)
	require.NoError(t, reg.Restore(context.Background(), "u1",
		session.Credentials{AccessToken: "at", RefreshToken: "rt", PrincipalID: "u1"}))
	srv := New(Config{
		DownloadRoot: t.TempDir(),
		PathTemplate: "{artist}/{album}/{track:02d} - {title}.{ext}",
		TrackDelay:   time.Millisecond,
	}, provider.New(provider.Config{AuthBaseURL: "http://127.0.0.1:0", APIBaseURL: "http://127.0.0.1:0"}),
		reg, cache, governor.New(governor.Config{Concurrency: 3}), nil)
	return srv, reg, cache
}

// newParamRouter mounts one GET handler so chi URL params resolve.
func newParamRouter(pattern string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Get(pattern, h)
	return r
}

// do runs a handler through a chi router so URL params resolve.
func do(t *testing.T, method, pattern, target string, body string, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSearchHandler_FallsBackOnInvalidArgument(t *testing.T) {
	calls := []string{}
	client := &fakeStream{
		searchFn: func(string, int) (provider.SearchResult, error) {
			calls = append(calls, "bearer")
			// The shape the bearer search actually answers with for
			// restricted account tiers.
			return provider.SearchResult{}, fmt.Errorf("op=provider.search: %w",
				&provider.APIError{Status: 400, Message: "Request contains an invalid argument."})
		},
		searchPublicFn: func(string, int) (provider.SearchResult, error) {
			calls = append(calls, "public")
			return provider.SearchResult{Tracks: []provider.Track{{ID: 1, Title: "Song"}}}, nil
		},
	}
	srv, reg, _ := testServer(t, client)

	rec := do(t, http.MethodPost, "/user/search", "/user/search",
		`{"user_id":"u1","query":"night"}`, srv.SearchHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bearer", "public"}, calls)
	assert.True(t, reg.UseFallback("u1"))

	// Pinned users go straight to the public surface.
	rec = do(t, http.MethodPost, "/user/search", "/user/search",
		`{"user_id":"u1","query":"night"}`, srv.SearchHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"bearer", "public", "public"}, calls)
}

func TestSearchHandler_RejectsMissingQuery(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{})
	rec := do(t, http.MethodPost, "/user/search", "/user/search", `{"user_id":"u1"}`, srv.SearchHandler)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestSearchHandler_UnknownUserIs401(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{})
	rec := do(t, http.MethodPost, "/user/search", "/user/search",
		`{"user_id":"ghost","query":"x"}`, srv.SearchHandler)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatchSearchHandler_ReportsPerQueryErrors(t *testing.T) {
	client := &fakeStream{
		searchFn: func(q string, _ int) (provider.SearchResult, error) {
			if q == "bad" {
				return provider.SearchResult{}, domain.ErrNotFound
			}
			return provider.SearchResult{Tracks: []provider.Track{{ID: 2, Title: q}}}, nil
		},
	}
	srv, _, _ := testServer(t, client)
	rec := do(t, http.MethodPost, "/user/search/batch", "/user/search/batch",
		`{"user_id":"u1","queries":["good","bad"]}`, srv.BatchSearchHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)["results"].([]any)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].(map[string]any)["error"])
	assert.NotEmpty(t, results[1].(map[string]any)["error"])
}

func TestSongHandler_RejectsNonNumericID(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{})
	rec := do(t, http.MethodGet, "/song/{id}", "/song/abc?user_id=u1", "", srv.SongHandler)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamInfoHandler_ResolvesAndCaches(t *testing.T) {
	extractions := 0
	client := &fakeStream{
		streamURLFn: func(trackID, quality string) (urlcache.Entry, error) {
			extractions++
			return urlcache.Entry{URL: "https://cdn/x.flac", ContentType: "audio/flac", Quality: quality}, nil
		},
	}
	srv, _, cache := testServer(t, client)

	rec := do(t, http.MethodGet, "/user/stream-info/{id}", "/user/stream-info/42?user_id=u1&quality=MAX", "", srv.StreamInfoHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/flac", decode(t, rec)["content_type"])
	assert.Equal(t, 1, extractions)

	// MAX normalizes to HI_RES_LOSSLESS; the second request is a cache hit.
	_, ok := cache.Get("u1", "42", "HI_RES_LOSSLESS")
	assert.True(t, ok)
	rec = do(t, http.MethodGet, "/user/stream-info/{id}", "/user/stream-info/42?user_id=u1&quality=MAX", "", srv.StreamInfoHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, extractions)
}

func TestStreamInfoHandler_NoStreamURLIs404(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{
		streamURLFn: func(string, string) (urlcache.Entry, error) {
			return urlcache.Entry{}, fmt.Errorf("op=provider.streamurl: %w", domain.ErrNoStreamURL)
		},
	})
	rec := do(t, http.MethodGet, "/user/stream-info/{id}", "/user/stream-info/42?user_id=u1", "", srv.StreamInfoHandler)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NO_STREAM_URL", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestLogoutHandler_DropsSessionAndCache(t *testing.T) {
	srv, reg, cache := testServer(t, &fakeStream{})
	cache.Put("u1", "42", "HIGH", urlcache.Entry{URL: "u"})

	rec := do(t, http.MethodPost, "/auth/logout", "/auth/logout?user_id=u1", "", srv.LogoutHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := reg.Get("u1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, ok := cache.Get("u1", "42", "HIGH")
	assert.False(t, ok)
}

func TestAuthStatusHandler(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{})
	rec := do(t, http.MethodGet, "/auth/status", "/auth/status?user_id=u1", "", srv.AuthStatusHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["authenticated"])

	rec = do(t, http.MethodGet, "/auth/status", "/auth/status?user_id=nobody", "", srv.AuthStatusHandler)
	assert.Equal(t, false, decode(t, rec)["authenticated"])
}

func TestHealthHandler_Counts(t *testing.T) {
	srv, _, cache := testServer(t, &fakeStream{})
	cache.Put("u1", "1", "HIGH", urlcache.Entry{URL: "u"})
	rec := do(t, http.MethodGet, "/health", "/health", "", srv.HealthHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["sessions"])
	assert.Equal(t, float64(1), body["cached_urls"])
}
