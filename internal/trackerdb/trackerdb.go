// Package trackerdb implements the tracker categorizer (C4): given a host,
// it returns the known tracker categories and organizations, if any.
// Grounded on the Python original's ghostery_manager.analyze_request, which
// shells out to the `@ghostery/trackerdb` JS package per query; per §4.4's
// implementation note, this rewrite embeds a tracker database directly
// instead of preserving the shell-out boundary, using go:embed the way the
// pack's CLI tools bundle static assets.
package trackerdb

import (
	"context"
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/webprivacy/analysisengine/internal/cache"
	"github.com/webprivacy/analysisengine/internal/metrics"
)

// Category is one of the fixed vocabulary values listed in §4.4.
type Category = string

// Known categories (§4.4); the vocabulary is open-ended in the underlying
// data but these are the ones called out explicitly below.
const (
	CategoryAdvertising        Category = "Advertising"
	CategoryAnalytics          Category = "Analytics"
	CategorySocialNetwork      Category = "Social Network"
	CategoryHosting            Category = "Hosting"
	CategoryCDN                Category = "CDN"
	CategoryConsentManagement  Category = "Consent Management"
	CategorySiteAnalytics      Category = "Site Analytics"
	CategoryCustomerInteraction Category = "Customer Interaction"
	CategoryAudioVideoPlayer   Category = "Audio/Video Player"
	CategoryExtensions         Category = "Extensions"
	CategoryAdultAdvertising   Category = "Adult Advertising"
	CategoryUtilities          Category = "Utilities"
	CategoryMisc               Category = "Misc"
)

// Result is the outcome of a successful categorization.
type Result struct {
	Categories    []string `json:"categories"`
	Organizations []string `json:"organizations"`
	RawMatches    []string `json:"raw_matches"`
}

//go:embed data/trackerdb.json
var embeddedData []byte

// entry is the on-disk/embedded representation of one pattern's record.
type entry struct {
	Organization string   `json:"organization"`
	Categories   []string `json:"categories"`
}

// DB categorizes hosts against a loaded tracker database, matching by
// registrable-domain and host suffix, with results memoized.
type DB struct {
	logger *slog.Logger

	// byPattern maps a bare domain pattern (e.g. "doubleclick.net") to its
	// record.  Lookup walks host and its parent domains, the same "proper
	// subdomain chain" traversal C3 uses.
	byPattern map[string]entry

	cache cache.Interface[string, cacheResult]
}

// cacheResult is the cacheable outcome of a categorization.
type cacheResult struct {
	found  bool
	result Result
}

// Config is the configuration structure for [Load].
type Config struct {
	// Logger is used to log load diagnostics.
	Logger *slog.Logger

	// OverridePath, if non-empty, names a JSON file with the same shape as
	// the embedded database that replaces it entirely.  This lets
	// operators update the tracker database without rebuilding the binary.
	OverridePath string

	// CacheSize bounds the number of memoized categorizations.
	CacheSize int
}

// Load returns a new *DB, preferring Config.OverridePath over the embedded
// database when given.
func Load(c *Config) (db *DB, err error) {
	raw := embeddedData
	if c.OverridePath != "" {
		raw, err = os.ReadFile(c.OverridePath)
		if err != nil {
			return nil, errors.Annotate(err, "trackerdb: reading override: %w")
		}
	}

	var records map[string]entry
	if err = json.Unmarshal(raw, &records); err != nil {
		return nil, errors.Annotate(err, "trackerdb: parsing database: %w")
	}

	size := c.CacheSize
	if size <= 0 {
		size = 50_000
	}

	return &DB{
		logger:    c.Logger,
		byPattern: records,
		cache:     cache.New[string, cacheResult](&cache.Config{Size: size, DefaultTTL: 24 * time.Hour}),
	}, nil
}

// Categorize returns the known categories, organizations, and the raw
// pattern(s) matched for host.  ok is false when host is not recognized by
// the database.
func (db *DB) Categorize(_ context.Context, host string) (result Result, ok bool) {
	host = normalizeHost(host)

	if cached, found := db.cache.Get(host); found {
		metrics.IncrementCacheLookup(metrics.CacheTrackerDB, true)

		return cached.result, cached.found
	}
	metrics.IncrementCacheLookup(metrics.CacheTrackerDB, false)

	cr := db.categorize(host)
	db.cache.Set(host, cr)

	return cr.result, cr.found
}

// categorize performs the uncached lookup.
func (db *DB) categorize(host string) (result cacheResult) {
	parts := strings.Split(host, ".")

	orgs := map[string]struct{}{}
	cats := map[string]struct{}{}
	var raw []string

	for i := range parts {
		candidate := strings.Join(parts[i:], ".")

		e, found := db.byPattern[candidate]
		if !found {
			continue
		}

		raw = append(raw, candidate)
		if e.Organization != "" {
			orgs[e.Organization] = struct{}{}
		}

		for _, cat := range e.Categories {
			cats[cat] = struct{}{}
		}
	}

	if len(raw) == 0 {
		return cacheResult{}
	}

	return cacheResult{
		found: true,
		result: Result{
			Categories:    setToSortedSlice(cats),
			Organizations: setToSortedSlice(orgs),
			RawMatches:    raw,
		},
	}
}

// normalizeHost strips any scheme/path and lowercases host, so Categorize
// accepts either a bare host or a full URL, mirroring the Python original's
// urlparse(url).netloc fallback.
func normalizeHost(host string) (normalized string) {
	if strings.Contains(host, "//") {
		if u, err := url.Parse(host); err == nil && u.Host != "" {
			host = u.Host
		}
	}

	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// setToSortedSlice converts a set to a deterministically ordered slice.
func setToSortedSlice(set map[string]struct{}) (sorted []string) {
	sorted = make([]string, 0, len(set))
	for k := range set {
		sorted = append(sorted, k)
	}

	sort.Strings(sorted)

	return sorted
}
