package urlcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuality(t *testing.T) {
	assert.Equal(t, "HI_RES_LOSSLESS", NormalizeQuality("MAX"))
	assert.Equal(t, "HI_RES_LOSSLESS", NormalizeQuality("max"))
	assert.Equal(t, "LOSSLESS", NormalizeQuality(" lossless "))
	assert.Equal(t, "HIGH", NormalizeQuality(""))
	assert.Equal(t, "HIGH", NormalizeQuality("ULTRA_MEGA"))
	assert.Equal(t, "LOW", NormalizeQuality("LOW"))
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := New(5 * time.Hour)
	c.Put("u1", "t1", "max", Entry{URL: "https://cdn/a", ContentType: "audio/flac", Codec: "flac"})

	// Lookup normalizes too.
	e, ok := c.Get("u1", "t1", "MAX")
	require.True(t, ok)
	assert.Equal(t, "https://cdn/a", e.URL)
	assert.Equal(t, "HI_RES_LOSSLESS", e.Quality)
	assert.False(t, e.ExpiresAt.IsZero())

	_, ok = c.Get("u1", "t1", "LOW")
	assert.False(t, ok)
	_, ok = c.Get("u2", "t1", "MAX")
	assert.False(t, ok)
}

func TestCache_ExpiryIsLazy(t *testing.T) {
	c := New(time.Hour)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put("u1", "t1", "HIGH", Entry{URL: "https://cdn/a"})

	c.now = func() time.Time { return base.Add(59 * time.Minute) }
	_, ok := c.Get("u1", "t1", "HIGH")
	assert.True(t, ok)

	c.now = func() time.Time { return base.Add(time.Hour) }
	_, ok = c.Get("u1", "t1", "HIGH")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCache_ClearScopes(t *testing.T) {
	c := New(time.Hour)
	c.Put("u1", "t1", "HIGH", Entry{URL: "a"})
	c.Put("u1", "t1", "LOW", Entry{URL: "b"})
	c.Put("u1", "t2", "HIGH", Entry{URL: "c"})
	c.Put("u2", "t1", "HIGH", Entry{URL: "d"})

	low := "low"
	c.ClearResource("u1", "t1", &low)
	_, ok := c.Get("u1", "t1", "LOW")
	assert.False(t, ok)
	_, ok = c.Get("u1", "t1", "HIGH")
	assert.True(t, ok)

	c.ClearResource("u1", "t1", nil)
	_, ok = c.Get("u1", "t1", "HIGH")
	assert.False(t, ok)
	_, ok = c.Get("u1", "t2", "HIGH")
	assert.True(t, ok)

	c.ClearUser("u1")
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("u2", "t1", "HIGH")
	assert.True(t, ok)
}

func TestCache_EvictExactKey(t *testing.T) {
	c := New(time.Hour)
	c.Put("u1", "t1", "HIGH", Entry{URL: "a"})
	c.Evict("u1", "t1", "high")
	_, ok := c.Get("u1", "t1", "HIGH")
	assert.False(t, ok)
}
