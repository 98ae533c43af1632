package filterlist_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/filterlist"
)

func writeList(t *testing.T, dir, name, content string) (filePath string) {
	t.Helper()

	filePath = filepath.Join(dir, name+".txt")
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))

	return filePath
}

func TestMatcher_Match(t *testing.T) {
	dir := t.TempDir()

	easylist := writeList(t, dir, "easylist", `! comment
||doubleclick.net^$third-party
criteo.com
*.adserver.*
`)

	m, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{
			{Name: "easylist", URL: "file://" + easylist},
		},
	})
	require.Empty(t, loadErrs)

	match, ok := m.Match("ad.doubleclick.net")
	require.True(t, ok)
	require.Equal(t, "Easylist", match.ListName)
	require.Equal(t, "doubleclick.net", match.Rule)

	match, ok = m.Match("gum.criteo.com")
	require.True(t, ok)
	require.Equal(t, "criteo.com", match.Rule)

	_, ok = m.Match("example.com")
	require.False(t, ok)

	// Cached negative result must still report not-found.
	_, ok = m.Match("example.com")
	require.False(t, ok)
}

func TestMatcher_LoadError(t *testing.T) {
	_, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{
			{Name: "missing", URL: "file:///no/such/file_for_test.txt"},
		},
	})
	require.Len(t, loadErrs, 1)
}

func TestMatcher_SaveAndLoadMatchCache(t *testing.T) {
	dir := t.TempDir()

	easylist := writeList(t, dir, "easylist", `criteo.com
`)

	cachePath := filepath.Join(t.TempDir(), "match_results.gob")

	m, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{
			{Name: "easylist", URL: "file://" + easylist},
		},
		MatchCachePath: cachePath,
	})
	require.Empty(t, loadErrs)

	_, ok := m.Match("gum.criteo.com")
	require.True(t, ok)
	_, ok = m.Match("example.com")
	require.False(t, ok)

	require.NoError(t, m.SaveMatchCache())
	require.FileExists(t, cachePath)

	m2, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{
			{Name: "easylist", URL: "file://" + easylist},
		},
		MatchCachePath: cachePath,
	})
	require.Empty(t, loadErrs)
	require.NoError(t, m2.LoadMatchCache())

	match, ok := m2.Match("gum.criteo.com")
	require.True(t, ok)
	require.Equal(t, "criteo.com", match.Rule)

	_, ok = m2.Match("example.com")
	require.False(t, ok)
}

func TestMatcher_LoadMatchCache_MissingFileIsNotError(t *testing.T) {
	m, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		MatchCachePath: filepath.Join(t.TempDir(), "does-not-exist.gob"),
	})
	require.Empty(t, loadErrs)
	require.NoError(t, m.LoadMatchCache())
}
