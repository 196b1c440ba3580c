package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vibetune/audiosidecar/internal/adapter/provider"
	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/governor"
	"github.com/vibetune/audiosidecar/internal/stream/session"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

// Config carries the handler-level knobs; transport and routing live in the
// app package.
type Config struct {
	// DownloadRoot is the library root downloads land under.
	DownloadRoot string
	// PathTemplate renders a track's relative download path.
	PathTemplate string
	// PathPresets are named alternatives to PathTemplate, chosen per request.
	PathPresets map[string]string
	// TrackDelay separates tracks within one album download.
	TrackDelay time.Duration
	// UpstreamTimeout bounds the CDN connect phase; reads run until the
	// response body ends or the client goes away.
	UpstreamTimeout time.Duration
}

// streamClient is the slice of the provider client the handlers use. The
// session registry hands out session.Client values; handlers assert to this.
type streamClient interface {
	session.Client
	Track(ctx context.Context, trackID string) (provider.Track, error)
	AlbumTracks(ctx context.Context, albumID string) ([]provider.Track, error)
	Artist(ctx context.Context, artistID string) (provider.Artist, []provider.Track, error)
	Search(ctx context.Context, query string, limit int) (provider.SearchResult, error)
	SearchPublic(ctx context.Context, query string, limit int) (provider.SearchResult, error)
	StreamURL(ctx context.Context, trackID, quality string) (urlcache.Entry, error)
}

// Server wires the auth, catalog, streaming, download, and library handlers.
type Server struct {
	cfg      Config
	api      *provider.Client
	sessions *session.Registry
	cache    *urlcache.Cache
	gov      *governor.Governor
	library  domain.LibraryStore
	upstream *http.Client
	validate *validator.Validate
}

// New builds a Server. library may be nil; the library routes then 404.
func New(cfg Config, api *provider.Client, sessions *session.Registry, cache *urlcache.Cache, gov *governor.Governor, library domain.LibraryStore) *Server {
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		api:      api,
		sessions: sessions,
		cache:    cache,
		gov:      gov,
		library:  library,
		upstream: &http.Client{
			// No client timeout: stream and download bodies legitimately
			// transfer for minutes. The connect phase is bounded instead.
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.UpstreamTimeout,
				MaxIdleConnsPerHost:   8,
			},
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// withClient runs op through the refresh-once wrapper, asserting the session
// client down to the provider surface.
func (s *Server) withClient(ctx context.Context, userID string, op func(streamClient) error) error {
	return s.sessions.RunWithRefresh(ctx, userID, func(c session.Client) error {
		sc, ok := c.(streamClient)
		if !ok {
			return fmt.Errorf("op=httpserver.withclient: unexpected client type %T: %w", c, domain.ErrInternal)
		}
		return op(sc)
	})
}

// resolveStreamEntry returns a playable CDN entry, consulting the cache first
// and extracting under the governor on a miss.
func (s *Server) resolveStreamEntry(ctx context.Context, userID, trackID, quality string) (urlcache.Entry, error) {
	quality = urlcache.NormalizeQuality(quality)
	if e, ok := s.cache.Get(userID, trackID, quality); ok {
		return e, nil
	}
	if err := s.gov.Acquire(ctx); err != nil {
		return urlcache.Entry{}, err
	}
	defer s.gov.Release()
	// Re-check under the slot: a concurrent request may have filled the key
	// while this one waited.
	if e, ok := s.cache.Get(userID, trackID, quality); ok {
		return e, nil
	}
	if err := s.gov.PaceExtraction(ctx); err != nil {
		return urlcache.Entry{}, err
	}
	var entry urlcache.Entry
	err := s.withClient(ctx, userID, func(c streamClient) error {
		var err error
		entry, err = c.StreamURL(ctx, trackID, quality)
		return err
	})
	if err != nil {
		return urlcache.Entry{}, err
	}
	s.cache.Put(userID, trackID, quality, entry)
	return entry, nil
}
