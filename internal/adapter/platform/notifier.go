// Package platform notifies the surrounding platform of terminal analysis
// failures. All calls are best-effort; the workers never block on them.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// Notifier posts failure reports to the platform's internal endpoint.
type Notifier struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewNotifier builds a notifier with the configured call budget.
func NewNotifier(baseURL, secret string, budget time.Duration) *Notifier {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return &Notifier{
		baseURL: baseURL,
		secret:  secret,
		client: &http.Client{
			Timeout:   budget,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type failureReport struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
	Title      string `json:"title,omitempty"`
	AlbumID    string `json:"albumId,omitempty"`
	ArtistID   string `json:"artistId,omitempty"`
}

// NotifyFailure reports one failure. Errors are logged and swallowed.
func (n *Notifier) NotifyFailure(ctx context.Context, f domain.EnrichmentFailure, track domain.Track) {
	body, err := json.Marshal(failureReport{
		EntityType: f.EntityType,
		EntityID:   f.EntityID,
		Error:      f.ErrorMessage,
		RetryCount: f.RetryCount,
		Title:      track.Title,
		AlbumID:    track.AlbumID,
		ArtistID:   track.ArtistID,
	})
	if err != nil {
		slog.Warn("failure report marshal failed", slog.Any("error", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/analysis/vibe/failure", bytes.NewReader(body))
	if err != nil {
		slog.Warn("failure report request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", n.secret)
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("failure report failed", slog.String("entity_id", f.EntityID), slog.Any("error", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		slog.Warn("failure report rejected", slog.String("entity_id", f.EntityID), slog.Int("status", resp.StatusCode))
	}
}
