package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/domain"
)

func TestNotifyFailure_PostsReport(t *testing.T) {
	var got failureReport
	var secret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/analysis/vibe/failure", r.URL.Path)
		secret = r.Header.Get("X-Internal-Secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "s3cret", time.Second)
	n.NotifyFailure(context.Background(), domain.EnrichmentFailure{
		EntityType:   "track",
		EntityID:     "t1",
		ErrorMessage: "Audio too short: 2.0s (minimum 5s)",
		RetryCount:   1,
	}, domain.Track{Title: "Song", AlbumID: "al1", ArtistID: "ar1"})

	assert.Equal(t, "s3cret", secret)
	assert.Equal(t, "t1", got.EntityID)
	assert.Equal(t, "al1", got.AlbumID)
}

func TestNotifyFailure_SwallowsErrors(t *testing.T) {
	// Unreachable endpoint must not panic or return anything.
	n := NewNotifier("http://127.0.0.1:1", "s", 50*time.Millisecond)
	n.NotifyFailure(context.Background(), domain.EnrichmentFailure{EntityID: "t1"}, domain.Track{})
}
