package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

func TestRenderPath(t *testing.T) {
	track := provider.Track{
		ID:      7,
		Title:   "Night / Drive?",
		Album:   "City: Lights",
		Artists: []string{"A*B"},
		Number:  3,
	}
	got, err := renderPath("{artist}/{album}/{track:02d} - {title}.{ext}", track, "flac")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("AB/City- Lights/03 - Night - Drive.flac"), got)
}

func TestRenderPath_UnknownPlaceholder(t *testing.T) {
	_, err := renderPath("{composer}/{title}.{ext}", provider.Track{Title: "x"}, "flac")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "composer")
}

func TestRenderPath_RejectsEscape(t *testing.T) {
	_, err := renderPath("../{title}.{ext}", provider.Track{Title: "x"}, "flac")
	require.Error(t, err)
}

func TestRenderPath_EmptyMetadataFallsBack(t *testing.T) {
	got, err := renderPath("{artist}/{title}.{ext}", provider.Track{Title: "   "}, "m4a")
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("Unknown Artist/Unknown.m4a"), got)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "flac", extensionFor(urlcache.Entry{Codec: "flac"}))
	assert.Equal(t, "m4a", extensionFor(urlcache.Entry{ContentType: "audio/mp4", Codec: "aac"}))
	assert.Equal(t, "bin", extensionFor(urlcache.Entry{}))
}

func TestDownloadTrackHandler_WritesFile(t *testing.T) {
	payload := []byte("audio-bytes")
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(cdn.Close)

	client := &fakeStream{
		trackFn: func(id string) (provider.Track, error) {
			return provider.Track{ID: 42, Title: "Song", Album: "LP", Artists: []string{"A"}, Number: 1}, nil
		},
		streamURLFn: func(string, string) (urlcache.Entry, error) {
			return urlcache.Entry{URL: cdn.URL, ContentType: "audio/flac", Codec: "flac"}, nil
		},
	}
	srv, _, _ := testServer(t, client)

	rec := do(t, http.MethodPost, "/download/track", "/download/track",
		`{"user_id":"u1","track_id":"42","quality":"LOSSLESS"}`, srv.DownloadTrackHandler)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	rel := body["path"].(string)
	assert.Equal(t, filepath.FromSlash("A/LP/01 - Song.flac"), rel)
	assert.Equal(t, float64(len(payload)), body["bytes"])

	data, err := os.ReadFile(filepath.Join(srv.cfg.DownloadRoot, rel))
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// No temp leftovers next to the final file.
	entries, err := os.ReadDir(filepath.Dir(filepath.Join(srv.cfg.DownloadRoot, rel)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownloadTrackHandler_UnknownPresetIs400(t *testing.T) {
	srv, _, _ := testServer(t, &fakeStream{})
	rec := do(t, http.MethodPost, "/download/track", "/download/track",
		`{"user_id":"u1","track_id":"42","preset":"nope"}`, srv.DownloadTrackHandler)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadAlbumHandler_ReportsPerTrackOutcomes(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/2" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(cdn.Close)

	client := &fakeStream{
		albumTracksFn: func(string) ([]provider.Track, error) {
			return []provider.Track{
				{ID: 1, Title: "One", Album: "LP", Artists: []string{"A"}, Number: 1},
				{ID: 2, Title: "Two", Album: "LP", Artists: []string{"A"}, Number: 2},
			}, nil
		},
		trackFn: func(id string) (provider.Track, error) {
			n := 1
			if id == "2" {
				n = 2
			}
			return provider.Track{ID: int64(n), Title: fmt.Sprintf("T%d", n), Album: "LP", Artists: []string{"A"}, Number: n}, nil
		},
		streamURLFn: func(trackID, _ string) (urlcache.Entry, error) {
			return urlcache.Entry{URL: cdn.URL + "/" + trackID, ContentType: "audio/flac", Codec: "flac"}, nil
		},
	}
	srv, _, _ := testServer(t, client)

	rec := do(t, http.MethodPost, "/download/album", "/download/album",
		`{"user_id":"u1","album_id":"9"}`, srv.DownloadAlbumHandler)
	require.Equal(t, http.StatusOK, rec.Code)
	tracks := decode(t, rec)["tracks"].([]any)
	require.Len(t, tracks, 2)
	assert.Empty(t, tracks[0].(map[string]any)["error"])
	assert.NotEmpty(t, tracks[1].(map[string]any)["error"])
}
