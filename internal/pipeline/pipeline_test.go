package pipeline_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/cookiedb"
	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/filterlist"
	"github.com/webprivacy/analysisengine/internal/pipeline"
	"github.com/webprivacy/analysisengine/internal/pslindex"
	"github.com/webprivacy/analysisengine/internal/resolve"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

func newTestIndices(t *testing.T) *pipeline.Indices {
	t.Helper()

	dir := t.TempDir()

	pslFile := filepath.Join(dir, "psl.dat")
	require.NoError(t, os.WriteFile(pslFile, []byte("com\n"), 0o644))
	psl, err := pslindex.New(&pslindex.Config{CachePath: pslFile, URL: "file://" + pslFile})
	require.NoError(t, err)
	require.NoError(t, psl.Refresh(context.Background(), true))

	filterFile := filepath.Join(dir, "easylist.txt")
	require.NoError(t, os.WriteFile(filterFile, []byte("||doubleclick.net^\n"), 0o644))
	matcher, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{{Name: "easylist", URL: "file://" + filterFile}},
	})
	require.Empty(t, loadErrs)

	trackers, err := trackerdb.Load(&trackerdb.Config{})
	require.NoError(t, err)

	kb, err := cookiedb.Open(&cookiedb.Config{Path: filepath.Join(dir, "cookie_database.json")})
	require.NoError(t, err)

	resolver := resolve.New(&resolve.Config{
		Nameservers: []string{"127.0.0.1:1"},
		CacheDir:    dir,
	})

	return &pipeline.Indices{
		PSL:      psl,
		Resolver: resolver,
		Filters:  matcher,
		Trackers: trackers,
		CookieDB: kb,
	}
}

func writeCapture(t *testing.T, path string, rec *entity.SiteRecord) {
	t.Helper()

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestDriver_RunEnrichesCaptureFile(t *testing.T) {
	idx := newTestIndices(t)
	captureDir := t.TempDir()

	path := filepath.Join(captureDir, "mysite.com.json")
	writeCapture(t, path, &entity.SiteRecord{
		Domain: "mysite.com",
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{{Domain: "ad.doubleclick.net"}}},
		},
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{{Name: "_ga", Value: "v1"}}),
	})

	d := pipeline.New(&pipeline.Config{Indices: idx, Workers: 2})

	results, err := d.Run(context.Background(), captureDir, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.False(t, results[0].Skipped)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec entity.SiteRecord
	require.NoError(t, json.Unmarshal(data, &rec))

	require.NotNil(t, rec.DomainAnalysis)
	require.NotNil(t, rec.CookieAnalysis)
	require.NotNil(t, rec.StorageAnalysis)
	require.True(t, rec.DomainAnalysis.Domains["ad.doubleclick.net"].IsTracker)
}

func TestDriver_RunIsNoOpWithoutForce(t *testing.T) {
	idx := newTestIndices(t)
	captureDir := t.TempDir()

	path := filepath.Join(captureDir, "mysite.com.json")
	writeCapture(t, path, &entity.SiteRecord{
		Domain:  "mysite.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{{Name: "_ga", Value: "v1"}}),
	})

	d := pipeline.New(&pipeline.Config{Indices: idx, Workers: 1})

	_, err := d.Run(context.Background(), captureDir, "")
	require.NoError(t, err)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	results, err := d.Run(context.Background(), captureDir, "")
	require.NoError(t, err)
	require.True(t, results[0].Skipped)

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDriver_RunReanalyzesWithForce(t *testing.T) {
	idx := newTestIndices(t)
	captureDir := t.TempDir()

	path := filepath.Join(captureDir, "mysite.com.json")
	writeCapture(t, path, &entity.SiteRecord{
		Domain:  "mysite.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{{Name: "_ga", Value: "v1"}}),
	})

	d := pipeline.New(&pipeline.Config{Indices: idx, Workers: 1})
	_, err := d.Run(context.Background(), captureDir, "")
	require.NoError(t, err)

	forced := pipeline.New(&pipeline.Config{Indices: idx, Workers: 1, Force: true})
	results, err := forced.Run(context.Background(), captureDir, "")
	require.NoError(t, err)
	require.False(t, results[0].Skipped)
}

func TestDriver_RunSkipsMalformedFile(t *testing.T) {
	idx := newTestIndices(t)
	captureDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(captureDir, "broken.json"), []byte("{not json"), 0o644))

	d := pipeline.New(&pipeline.Config{Indices: idx, Workers: 1})
	results, err := d.Run(context.Background(), captureDir, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}
