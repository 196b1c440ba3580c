package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetune/audiosidecar/internal/domain"
)

func TestParseEmbedJob(t *testing.T) {
	j, err := domain.ParseEmbedJob([]byte(`{"trackId":"t1","filePath":"a/b.flac","duration":42.0}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", j.TrackID)
	assert.Equal(t, "a/b.flac", j.FilePath)
	require.NotNil(t, j.Duration)
	assert.InDelta(t, 42.0, *j.Duration, 1e-9)
}

func TestParseEmbedJob_Invalid(t *testing.T) {
	_, err := domain.ParseEmbedJob([]byte(`{"filePath":"a/b.flac"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = domain.ParseEmbedJob([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestParseAnalyzeJob(t *testing.T) {
	j, err := domain.ParseAnalyzeJob([]byte(`{"trackId":"t2","filePath":"x.wav"}`))
	require.NoError(t, err)
	assert.Equal(t, "t2", j.TrackID)

	_, err = domain.ParseAnalyzeJob([]byte(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/music/a/b.flac", domain.NormalizePath("/music", "a\\b.flac"))
	assert.Equal(t, "/music/a/b.flac", domain.NormalizePath("/music/", "/a/b.flac"))
	assert.Equal(t, "a/b.flac", domain.NormalizePath("", "a/b.flac"))
}
