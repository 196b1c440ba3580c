package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPathPresets(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "presets.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"flat: \"{artist} - {title}.{ext}\"\nnested: \"{artist}/{album}/{track:02d} - {title}.{ext}\"\n"), 0o644))

	presets, err := LoadPathPresets(file)
	require.NoError(t, err)
	assert.Equal(t, "{artist} - {title}.{ext}", presets["flat"])
	assert.Len(t, presets, 2)
}

func TestLoadPathPresets_EmptyPath(t *testing.T) {
	presets, err := LoadPathPresets("")
	require.NoError(t, err)
	assert.Empty(t, presets)
}

func TestLoadPathPresets_MissingFile(t *testing.T) {
	_, err := LoadPathPresets(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
