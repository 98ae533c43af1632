package cookiedb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/cookiedb"
)

// fakeLookup is a scripted [cookiedb.Lookup] for tests.
type fakeLookup struct {
	direct map[string]cookiedb.Entry
	search map[string]cookiedb.Entry
}

func (f *fakeLookup) Direct(_ context.Context, name string) (entry cookiedb.Entry, ok bool) {
	entry, ok = f.direct[name]

	return entry, ok
}

func (f *fakeLookup) Search(_ context.Context, stem string) (entry cookiedb.Entry, ok bool) {
	entry, ok = f.search[stem]

	return entry, ok
}

func TestKnowledgeBase_Lookup_Direct(t *testing.T) {
	fl := &fakeLookup{direct: map[string]cookiedb.Entry{
		"_ga": {Category: "Analytics", Description: "Google Analytics client ID"},
	}}

	kb, err := cookiedb.Open(&cookiedb.Config{
		Path:   filepath.Join(t.TempDir(), "db.json"),
		Lookup: fl,
	})
	require.NoError(t, err)

	entry, ok := kb.Lookup(context.Background(), "_ga")
	require.True(t, ok)
	assert.Equal(t, cookiedb.MatchDirect, entry.MatchType)
	assert.Equal(t, "Analytics", entry.Category)
}

func TestKnowledgeBase_Lookup_Simplified(t *testing.T) {
	fl := &fakeLookup{direct: map[string]cookiedb.Entry{
		"_ga": {Category: "Analytics"},
	}}

	kb, err := cookiedb.Open(&cookiedb.Config{
		Path:   filepath.Join(t.TempDir(), "db.json"),
		Lookup: fl,
	})
	require.NoError(t, err)

	entry, ok := kb.Lookup(context.Background(), "_ga_ABC123XYZ")
	require.True(t, ok)
	assert.Equal(t, cookiedb.MatchSimplified, entry.MatchType)
	assert.Equal(t, "_ga_ABC123XYZ", entry.CookieID)
}

func TestKnowledgeBase_Lookup_Unknown(t *testing.T) {
	fl := &fakeLookup{direct: map[string]cookiedb.Entry{}}

	kb, err := cookiedb.Open(&cookiedb.Config{
		Path:   filepath.Join(t.TempDir(), "db.json"),
		Lookup: fl,
	})
	require.NoError(t, err)

	_, ok := kb.Lookup(context.Background(), "totally_unknown_cookie")
	assert.False(t, ok)

	// Second lookup must not re-query the collaborator; assert by giving it
	// an entry it would have matched had it been consulted again.
	fl.direct["totally_unknown_cookie"] = cookiedb.Entry{Category: "Should not be used"}
	_, ok = kb.Lookup(context.Background(), "totally_unknown_cookie")
	assert.False(t, ok)
}

func TestKnowledgeBase_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.json")

	fl := &fakeLookup{direct: map[string]cookiedb.Entry{
		"sessionid": {Category: "Necessary"},
	}}

	kb1, err := cookiedb.Open(&cookiedb.Config{Path: path, Lookup: fl})
	require.NoError(t, err)

	_, _ = kb1.Lookup(context.Background(), "sessionid")
	require.NoError(t, kb1.Save())

	kb2, err := cookiedb.Open(&cookiedb.Config{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 1, kb2.Len())

	entry, ok := kb2.Lookup(context.Background(), "sessionid")
	require.True(t, ok)
	assert.Equal(t, "Necessary", entry.Category)
}
