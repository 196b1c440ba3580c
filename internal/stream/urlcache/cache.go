// Package urlcache holds short-lived CDN stream URLs keyed by user, resource,
// and quality. Entries outlive neither their TTL nor the auth state they were
// extracted under; auth changes clear the user's slice of the cache.
package urlcache

import (
	"strings"
	"sync"
	"time"

	"github.com/vibetune/audiosidecar/internal/adapter/observability"
)

// Qualities the provider understands. Anything else normalizes to HIGH.
const (
	QualityLow      = "LOW"
	QualityHigh     = "HIGH"
	QualityLossless = "LOSSLESS"
	QualityHiRes    = "HI_RES_LOSSLESS"
)

// NormalizeQuality maps client quality strings onto the provider enum.
// "MAX" is the UI's alias for hi-res.
func NormalizeQuality(q string) string {
	n := strings.ToUpper(strings.TrimSpace(q))
	if n == "" {
		return QualityHigh
	}
	if n == "MAX" {
		return QualityHiRes
	}
	switch n {
	case QualityLow, QualityHigh, QualityLossless, QualityHiRes:
		return n
	}
	return QualityHigh
}

// Key identifies one cached extraction.
type Key struct {
	UserID     string
	ResourceID string
	Quality    string
}

// Entry is one extracted stream URL plus the playback metadata that came
// with it.
type Entry struct {
	URL         string
	ContentType string
	Codec       string
	Quality     string
	SampleRate  int
	BitDepth    int
	ExpiresAt   time.Time
}

// Cache is a TTL map. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]Entry
	ttl     time.Duration
	now     func() time.Time
}

// New builds a cache whose entries live for ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: map[Key]Entry{}, ttl: ttl, now: time.Now}
}

// Get returns a live entry, expiring lazily.
func (c *Cache) Get(userID, resourceID, quality string) (Entry, bool) {
	k := Key{UserID: userID, ResourceID: resourceID, Quality: NormalizeQuality(quality)}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		observability.URLCacheHitsTotal.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	if !c.now().Before(e.ExpiresAt) {
		delete(c.entries, k)
		observability.URLCacheHitsTotal.WithLabelValues("expired").Inc()
		return Entry{}, false
	}
	observability.URLCacheHitsTotal.WithLabelValues("hit").Inc()
	return e, true
}

// Put stores an entry under the normalized key, stamping its expiry.
func (c *Cache) Put(userID, resourceID, quality string, e Entry) {
	k := Key{UserID: userID, ResourceID: resourceID, Quality: NormalizeQuality(quality)}
	e.Quality = k.Quality
	c.mu.Lock()
	defer c.mu.Unlock()
	e.ExpiresAt = c.now().Add(c.ttl)
	c.entries[k] = e
}

// Evict drops the exact (user, resource, quality) entry.
func (c *Cache) Evict(userID, resourceID, quality string) {
	k := Key{UserID: userID, ResourceID: resourceID, Quality: NormalizeQuality(quality)}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// ClearUser drops every entry for a user.
func (c *Cache) ClearUser(userID string) {
	c.clear(userID, nil, nil)
}

// ClearResource drops a user's entries for one resource, optionally scoped to
// a quality.
func (c *Cache) ClearResource(userID, resourceID string, quality *string) {
	var q *string
	if quality != nil {
		n := NormalizeQuality(*quality)
		q = &n
	}
	c.clear(userID, &resourceID, q)
}

func (c *Cache) clear(userID string, resourceID, quality *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.UserID != userID {
			continue
		}
		if resourceID != nil && k.ResourceID != *resourceID {
			continue
		}
		if quality != nil && k.Quality != *quality {
			continue
		}
		delete(c.entries, k)
	}
}

// Len reports the live entry count, counting expired entries out.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if c.now().Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}
