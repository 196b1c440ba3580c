package model

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/domain"
)

type fakeScorer struct {
	audioVec []float32
	textVec  []float32
	err      error
	closed   bool
	calls    int
}

func (f *fakeScorer) EncodeAudio(_ context.Context, _ string, _ float64) ([]float32, error) {
	f.calls++
	return f.audioVec, f.err
}

func (f *fakeScorer) EncodeText(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return f.textVec, f.err
}

func (f *fakeScorer) Close() error {
	f.closed = true
	return nil
}

func rawVec(fill float32) []float32 {
	v := make([]float32, domain.EmbeddingDim)
	for i := range v {
		v[i] = fill
	}
	return v
}

func TestHandle_LazyLoadOnce(t *testing.T) {
	sc := &fakeScorer{audioVec: rawVec(2)}
	loads := 0
	h := NewHandle("laion-clap-music-v1", func(context.Context) (Scorer, error) {
		loads++
		return sc, nil
	})

	assert.False(t, h.Loaded())
	_, err := h.EncodeAudio(context.Background(), "a.flac", 42)
	require.NoError(t, err)
	_, err = h.EncodeAudio(context.Background(), "b.flac", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	assert.True(t, h.Loaded())
	assert.False(t, h.LastWork().IsZero())
}

func TestHandle_EncodeNormalizes(t *testing.T) {
	h := NewHandle("v1", func(context.Context) (Scorer, error) {
		return &fakeScorer{textVec: rawVec(3)}, nil
	})

	vec, err := h.EncodeText(context.Background(), "mellow jazz")
	require.NoError(t, err)
	require.Len(t, vec, domain.EmbeddingDim)
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestHandle_LoadErrorPropagates(t *testing.T) {
	h := NewHandle("v1", func(context.Context) (Scorer, error) {
		return nil, errors.New("weights missing")
	})
	_, err := h.EncodeText(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=model.load")
	assert.False(t, h.Loaded())
}

func TestHandle_UnloadReleasesAndReloads(t *testing.T) {
	sc := &fakeScorer{audioVec: rawVec(1)}
	loads := 0
	h := NewHandle("v1", func(context.Context) (Scorer, error) {
		loads++
		return sc, nil
	})

	_, err := h.EncodeAudio(context.Background(), "a.flac", 0)
	require.NoError(t, err)

	h.Unload()
	assert.True(t, sc.closed)
	assert.False(t, h.Loaded())
	h.Unload() // idempotent

	_, err = h.EncodeAudio(context.Background(), "a.flac", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestNormalize_RejectsBadVectors(t *testing.T) {
	_, err := normalize(make([]float32, 3))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	bad := rawVec(1)
	bad[7] = float32(math.NaN())
	_, err = normalize(bad)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = normalize(make([]float32, domain.EmbeddingDim))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
