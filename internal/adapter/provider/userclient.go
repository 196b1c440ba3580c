package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/vibetune/audiosidecar/internal/domain"
	"github.com/vibetune/audiosidecar/internal/stream/session"
	"github.com/vibetune/audiosidecar/internal/stream/urlcache"
)

// UserClient binds the API core to one user's credentials.
type UserClient struct {
	api   *Client
	creds session.Credentials
}

// User builds a per-user client; no network call is made.
func (c *Client) User(creds session.Credentials) *UserClient {
	return &UserClient{api: c, creds: creds}
}

// Verify proves the access token still works with a lightweight session call.
func (u *UserClient) Verify(ctx context.Context) error {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := u.api.getJSON(ctx, u.creds.AccessToken, u.api.cfg.APIBaseURL+"/v1/sessions", nil, &out); err != nil {
		return fmt.Errorf("op=provider.verify: %w", err)
	}
	return nil
}

// Track is catalog metadata for one track.
type Track struct {
	ID       int64    `json:"id"`
	Title    string   `json:"title"`
	Duration int      `json:"duration"`
	ISRC     string   `json:"isrc"`
	Explicit bool     `json:"explicit"`
	Artists  []string `json:"artists"`
	AlbumID  int64    `json:"albumId"`
	Album    string   `json:"album"`
	Number   int      `json:"trackNumber"`
	Volume   int      `json:"volumeNumber"`
}

type rawTrack struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Duration int    `json:"duration"`
	ISRC     string `json:"isrc"`
	Explicit bool   `json:"explicit"`
	Number   int    `json:"trackNumber"`
	Volume   int    `json:"volumeNumber"`
	Artists  []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"album"`
}

func (r rawTrack) toTrack() Track {
	t := Track{
		ID:       r.ID,
		Title:    r.Title,
		Duration: r.Duration,
		ISRC:     r.ISRC,
		Explicit: r.Explicit,
		Number:   r.Number,
		Volume:   r.Volume,
		AlbumID:  r.Album.ID,
		Album:    r.Album.Title,
	}
	for _, a := range r.Artists {
		t.Artists = append(t.Artists, a.Name)
	}
	return t
}

func (u *UserClient) regionQuery() url.Values {
	region := u.creds.Region
	if region == "" {
		region = "US"
	}
	return url.Values{"countryCode": {region}}
}

// Track fetches metadata for one track.
func (u *UserClient) Track(ctx context.Context, trackID string) (Track, error) {
	var raw rawTrack
	err := u.api.getJSON(ctx, u.creds.AccessToken,
		u.api.cfg.APIBaseURL+"/v1/tracks/"+url.PathEscape(trackID), u.regionQuery(), &raw)
	if err != nil {
		return Track{}, fmt.Errorf("op=provider.track: %w", err)
	}
	return raw.toTrack(), nil
}

// AlbumTracks lists an album's tracks in disc and track order.
func (u *UserClient) AlbumTracks(ctx context.Context, albumID string) ([]Track, error) {
	q := u.regionQuery()
	q.Set("limit", "100")
	var raw struct {
		Items []rawTrack `json:"items"`
	}
	err := u.api.getJSON(ctx, u.creds.AccessToken,
		u.api.cfg.APIBaseURL+"/v1/albums/"+url.PathEscape(albumID)+"/tracks", q, &raw)
	if err != nil {
		return nil, fmt.Errorf("op=provider.albumtracks: %w", err)
	}
	tracks := make([]Track, 0, len(raw.Items))
	for _, r := range raw.Items {
		tracks = append(tracks, r.toTrack())
	}
	return tracks, nil
}

// SearchResult groups the track and album hits of one query.
type SearchResult struct {
	Tracks []Track
	Albums []Album
}

// Album is catalog metadata for one album.
type Album struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Artist         string `json:"artist"`
	NumberOfTracks int    `json:"numberOfTracks"`
	ReleaseDate    string `json:"releaseDate"`
	Cover          string `json:"cover"`
}

type searchBody struct {
	Tracks struct {
		Items []rawTrack `json:"items"`
	} `json:"tracks"`
	Albums struct {
		Items []struct {
			ID             int64  `json:"id"`
			Title          string `json:"title"`
			NumberOfTracks int    `json:"numberOfTracks"`
			ReleaseDate    string `json:"releaseDate"`
			Cover          string `json:"cover"`
			Artists        []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"items"`
	} `json:"albums"`
}

func (b searchBody) toResult() SearchResult {
	var out SearchResult
	for _, r := range b.Tracks.Items {
		out.Tracks = append(out.Tracks, r.toTrack())
	}
	for _, a := range b.Albums.Items {
		album := Album{
			ID:             a.ID,
			Title:          a.Title,
			NumberOfTracks: a.NumberOfTracks,
			ReleaseDate:    a.ReleaseDate,
			Cover:          a.Cover,
		}
		if len(a.Artists) > 0 {
			album.Artist = a.Artists[0].Name
		}
		out.Albums = append(out.Albums, album)
	}
	return out
}

// Search runs a catalog search for tracks and albums.
func (u *UserClient) Search(ctx context.Context, query string, limit int) (SearchResult, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	q := u.regionQuery()
	q.Set("query", query)
	q.Set("types", "TRACKS,ALBUMS")
	q.Set("limit", strconv.Itoa(limit))
	var raw searchBody
	err := u.api.getJSON(ctx, u.creds.AccessToken, u.api.cfg.APIBaseURL+"/v1/search", q, &raw)
	if err != nil {
		return SearchResult{}, fmt.Errorf("op=provider.search: %w", err)
	}
	return raw.toResult(), nil
}

// SearchPublic runs the same catalog search on the app-token surface. Used
// when the user's session is pinned to the fallback path after the bearer
// search started rejecting the account.
func (u *UserClient) SearchPublic(ctx context.Context, query string, limit int) (SearchResult, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	q := u.regionQuery()
	q.Set("query", query)
	q.Set("types", "TRACKS,ALBUMS")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("token", u.api.cfg.ClientID)
	var raw searchBody
	err := u.api.getJSON(ctx, "", u.api.cfg.APIBaseURL+"/v1/search", q, &raw)
	if err != nil {
		return SearchResult{}, fmt.Errorf("op=provider.searchpublic: %w", err)
	}
	return raw.toResult(), nil
}

// Artist is catalog metadata for one artist.
type Artist struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Artist fetches an artist's metadata and top tracks.
func (u *UserClient) Artist(ctx context.Context, artistID string) (Artist, []Track, error) {
	var a Artist
	err := u.api.getJSON(ctx, u.creds.AccessToken,
		u.api.cfg.APIBaseURL+"/v1/artists/"+url.PathEscape(artistID), u.regionQuery(), &a)
	if err != nil {
		return Artist{}, nil, fmt.Errorf("op=provider.artist: %w", err)
	}
	q := u.regionQuery()
	q.Set("limit", "20")
	var raw struct {
		Items []rawTrack `json:"items"`
	}
	err = u.api.getJSON(ctx, u.creds.AccessToken,
		u.api.cfg.APIBaseURL+"/v1/artists/"+url.PathEscape(artistID)+"/toptracks", q, &raw)
	if err != nil {
		return Artist{}, nil, fmt.Errorf("op=provider.artist: %w", err)
	}
	tracks := make([]Track, 0, len(raw.Items))
	for _, r := range raw.Items {
		tracks = append(tracks, r.toTrack())
	}
	return a, tracks, nil
}

// streamManifest is the base64 payload inside the playback-info response.
type streamManifest struct {
	MimeType string   `json:"mimeType"`
	Codecs   string   `json:"codecs"`
	URLs     []string `json:"urls"`
}

// StreamURL extracts a CDN URL and playback metadata for one track at the
// requested (already normalized) quality.
func (u *UserClient) StreamURL(ctx context.Context, trackID, quality string) (urlcache.Entry, error) {
	q := u.regionQuery()
	q.Set("audioquality", quality)
	q.Set("playbackmode", "STREAM")
	q.Set("assetpresentation", "FULL")
	var raw struct {
		AudioQuality string `json:"audioQuality"`
		BitDepth     int    `json:"bitDepth"`
		SampleRate   int    `json:"sampleRate"`
		Manifest     string `json:"manifest"`
	}
	err := u.api.getJSON(ctx, u.creds.AccessToken,
		u.api.cfg.APIBaseURL+"/v1/tracks/"+url.PathEscape(trackID)+"/playbackinfopostpaywall", q, &raw)
	if err != nil {
		return urlcache.Entry{}, fmt.Errorf("op=provider.streamurl: %w", err)
	}
	manifestJSON, err := base64.StdEncoding.DecodeString(raw.Manifest)
	if err != nil {
		return urlcache.Entry{}, fmt.Errorf("op=provider.streamurl: manifest decode: %w", err)
	}
	var manifest streamManifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return urlcache.Entry{}, fmt.Errorf("op=provider.streamurl: manifest parse: %w", err)
	}
	if len(manifest.URLs) == 0 || manifest.URLs[0] == "" {
		return urlcache.Entry{}, fmt.Errorf("op=provider.streamurl: %w", domain.ErrNoStreamURL)
	}
	entry := urlcache.Entry{
		URL:         manifest.URLs[0],
		ContentType: manifest.MimeType,
		Codec:       manifest.Codecs,
		Quality:     raw.AudioQuality,
		SampleRate:  raw.SampleRate,
		BitDepth:    raw.BitDepth,
	}
	if entry.ContentType == "" {
		// Lossless tiers ship FLAC; everything else is AAC in an MP4 box.
		if strings.Contains(strings.ToUpper(raw.AudioQuality), "LOSSLESS") {
			entry.ContentType, entry.Codec = "audio/flac", "flac"
		} else {
			entry.ContentType, entry.Codec = "audio/mp4", "aac"
		}
	}
	return entry, nil
}

// Credentials returns the credentials the client was built with.
func (u *UserClient) Credentials() session.Credentials { return u.creds }

// Factory adapts the client to the session registry.
type Factory struct {
	api *Client
}

// NewFactory wraps the API core for the registry.
func NewFactory(api *Client) *Factory { return &Factory{api: api} }

// Build binds credentials without a network call; the registry verifies.
func (f *Factory) Build(_ context.Context, creds session.Credentials) (session.Client, error) {
	return f.api.User(creds), nil
}

// Refresh trades the refresh token in and binds a fresh client.
func (f *Factory) Refresh(ctx context.Context, refreshToken string) (session.Client, session.Credentials, error) {
	tokens, err := f.api.RefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, session.Credentials{}, err
	}
	creds := session.Credentials{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		PrincipalID:  tokens.User.UserID.String(),
		Region:       tokens.User.CountryCode,
	}
	if creds.RefreshToken == "" {
		creds.RefreshToken = refreshToken
	}
	return f.api.User(creds), creds, nil
}
