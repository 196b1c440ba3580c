// Package domain holds the entities, ports, and error taxonomy shared by the
// audio sidecar services. Adapters depend on this package, never the reverse.
package domain

import (
	"context"
	"time"
)

// Context is an alias so ports read cleanly; adapters pass context.Context.
type Context = context.Context

// EmbeddingDim is the fixed output dimension of both audio and text encoders.
const EmbeddingDim = 512

// TrackStatus is the analysis lifecycle state of a track row.
type TrackStatus string

const (
	TrackPending    TrackStatus = "pending"
	TrackProcessing TrackStatus = "processing"
	TrackCompleted  TrackStatus = "completed"
	TrackFailed     TrackStatus = "failed"
)

// Track is the durable row the workers read and write. Feature columns are
// populated by the analysis pool; the embed worker only touches status,
// retry, and error fields.
type Track struct {
	ID           string
	FilePath     string
	Title        string
	AlbumID      string
	ArtistID     string
	Status       TrackStatus
	StartedAt    *time.Time
	RetryCount   int
	ErrorMessage string
	AnalyzedAt   *time.Time
	ModelVersion string
	FileModified time.Time
	UpdatedAt    time.Time
}

// Features is the wide feature set produced by one analysis run.
type Features struct {
	BPM          float64
	Key          string
	Scale        string
	Energy       float64
	Danceability float64
	Valence      float64
	Arousal      float64
	MoodHappy    float64
	MoodSad      float64
	MoodAggress  float64
	MoodRelaxed  float64
	MoodParty    float64
	MoodTags     []string
	ModeTag      string
}

// Embedding is one ℓ²-normalized vector for a track. Upsert semantics keyed
// by TrackID.
type Embedding struct {
	TrackID      string
	Vector       []float32
	ModelVersion string
	AnalyzedAt   time.Time
}

// EnrichmentFailure is the durable failure record, unique per
// (EntityType, EntityID). Upserts increment RetryCount and clear the
// Resolved/Skipped flags.
type EnrichmentFailure struct {
	EntityType   string
	EntityID     string
	ErrorMessage string
	LastFailedAt time.Time
	RetryCount   int
	Resolved     bool
	Skipped      bool
	Metadata     map[string]string
}

// Stores (ports)

type TrackStore interface {
	// MarkProcessing flips rows to processing and returns the ids that
	// transitioned. Rows already in processing are accepted so producers
	// that pre-claim are honored.
	MarkProcessing(ctx Context, ids []string) ([]string, error)
	Complete(ctx Context, id string, f Features, engineVersion string) error
	// MarkCompleted flips status only; the embed pipeline stores its result
	// in the embedding table, not in feature columns.
	MarkCompleted(ctx Context, id string) error
	// Fail records a truncated error message and increments the retry count.
	Fail(ctx Context, id string, errMsg string) error
	// FailPermanently pins the retry count at the budget so maintenance
	// never requeues the row.
	FailPermanently(ctx Context, id string, errMsg string, maxRetries int) error
	// ResetToPending clears startedAt without touching the retry count.
	// Used by the pool-crash requeue path.
	ResetToPending(ctx Context, ids []string) error
	Get(ctx Context, id string) (Track, error)

	// Maintenance queries. See the reaper for how these compose.
	RecoverWithEmbedding(ctx Context) (int64, error)
	ResetStale(ctx Context, window time.Duration, maxRetries int) (int64, error)
	// FailStaleExhausted terminally fails stale processing rows whose retry
	// budget is already spent; ResetStale skips those. Returns the ids so
	// the caller can record failure rows.
	FailStaleExhausted(ctx Context, window time.Duration, maxRetries int) ([]string, error)
	RecoverMisfailed(ctx Context) (int64, error)
	RequeueFailed(ctx Context, maxRetries int) (int64, error)
	// ClaimPending flips up to limit pending rows to processing and returns
	// them, newest file first, so the queue can be repopulated after loss.
	ClaimPending(ctx Context, limit int) ([]Track, error)
	CountPending(ctx Context) (int64, error)
}

// AlbumSummary is one row of the library's album listing, aggregated over
// the track table.
type AlbumSummary struct {
	AlbumID        string
	ArtistID       string
	TrackCount     int
	CompletedCount int
	LastAnalyzedAt *time.Time
}

// LibraryStore serves the gateway's read-only library endpoints.
type LibraryStore interface {
	// ListCompleted pages through analyzed tracks, newest analysis first.
	ListCompleted(ctx Context, limit, offset int) ([]Track, error)
	// ListAlbums pages through album aggregates, most tracks first.
	ListAlbums(ctx Context, limit, offset int) ([]AlbumSummary, error)
}

type EmbeddingStore interface {
	Upsert(ctx Context, e Embedding) error
	Exists(ctx Context, trackID string) (bool, error)
}

type FailureStore interface {
	Upsert(ctx Context, f EnrichmentFailure) error
	Resolve(ctx Context, entityType, entityID string) error
}

// Encoder (port) is the lazily loaded scorer shared by the workers. Encode
// calls are serialized by the implementation.
type Encoder interface {
	EncodeAudio(ctx Context, path string, durationHint float64) ([]float32, error)
	EncodeText(ctx Context, text string) ([]float32, error)
	Unload()
	ModelVersion() string
}

// FailureNotifier reports terminal per-track failures to the platform.
// Implementations are best-effort; callers ignore errors.
type FailureNotifier interface {
	NotifyFailure(ctx Context, f EnrichmentFailure, track Track)
}
