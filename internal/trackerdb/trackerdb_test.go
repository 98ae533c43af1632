package trackerdb_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

func TestDB_Categorize(t *testing.T) {
	db, err := trackerdb.Load(&trackerdb.Config{})
	require.NoError(t, err)

	result, ok := db.Categorize(context.Background(), "stats.g.doubleclick.net")
	require.True(t, ok)
	assert.Contains(t, result.Organizations, "Google")
	assert.Contains(t, result.Categories, "Advertising")
	assert.Contains(t, result.RawMatches, "doubleclick.net")

	_, ok = db.Categorize(context.Background(), "unknown-site.example")
	assert.False(t, ok)
}

func TestDB_Categorize_URLInput(t *testing.T) {
	db, err := trackerdb.Load(&trackerdb.Config{})
	require.NoError(t, err)

	result, ok := db.Categorize(context.Background(), "https://www.google-analytics.com/analytics.js")
	require.True(t, ok)
	assert.Contains(t, result.Categories, "Analytics")
}
