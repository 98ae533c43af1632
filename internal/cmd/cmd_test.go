package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverFilterSources(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "easyprivacy_filter.txt"), []byte("||a.example^"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "easylist_filter.txt"), []byte("||b.example^"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	sources, err := discoverFilterSources(dir, t.TempDir())
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, "easylist", sources[0].Name)
	assert.Equal(t, "easyprivacy", sources[1].Name)
	assert.Contains(t, sources[0].URL, "file://")
}

func TestVerbosityLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, verbosityLevel(false))
	assert.Equal(t, slog.LevelDebug, verbosityLevel(true))
}
