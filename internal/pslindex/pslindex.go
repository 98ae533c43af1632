// Package pslindex implements the public-suffix index (C1): given a host
// string, it answers what the registrable label and public suffix are, and
// whether two hosts are related.  Grounded on the Python original's
// domain_parser.get_base_domain, corrected per §4.1/§9 to not strip "www."
// and to compare case-insensitively.
package pslindex

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/webprivacy/analysisengine/internal/cache"
	"github.com/webprivacy/analysisengine/internal/metrics"
	"github.com/webprivacy/analysisengine/internal/refreshable"
)

// staleness is the age after which the cached public suffix list is
// re-downloaded (§4.1).
const staleness = 7 * 24 * time.Hour

// sourceURL is the canonical upstream location of the public suffix list.
const sourceURL = "https://publicsuffix.org/list/public_suffix_list.dat"

// Index answers registrable-label and public-suffix questions about hosts.
// It is read-mostly: many concurrent readers are safe; only Refresh takes an
// exclusive lock while rebuilding the suffix set (§5).
type Index struct {
	refr *refreshable.Refreshable

	mu       *sync.RWMutex
	suffixes map[string]struct{}

	relatedCache cache.Interface[relatedKey, bool]
}

// relatedKey is the memoization key for [Index.AreRelated].
type relatedKey struct {
	a, b string
}

// Config is the configuration structure for [New].
type Config struct {
	// Logger is used to log refreshes.
	Logger *slog.Logger

	// CachePath is the path to the cached public_suffix_list.dat file.
	CachePath string

	// URL overrides the upstream source URL.  If empty, sourceURL is used.
	URL string

	// Timeout bounds the HTTP fetch.
	Timeout time.Duration
}

// New returns a new, empty *Index.  Call Refresh before use.
func New(c *Config) (idx *Index, err error) {
	u := c.URL
	if u == "" {
		u = sourceURL
	}

	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return nil, errors.Annotate(err, "pslindex: parsing url: %w")
	}

	refr, err := refreshable.New(&refreshable.Config{
		Logger:    logger,
		URL:       parsed,
		Name:      "public_suffix_list",
		CachePath: c.CachePath,
		Staleness: staleness,
		Timeout:   c.Timeout,
		MaxSize:   8 * 1024 * 1024,
	})
	if err != nil {
		return nil, errors.Annotate(err, "pslindex: %w")
	}

	return &Index{
		refr:         refr,
		mu:           &sync.RWMutex{},
		suffixes:     map[string]struct{}{},
		relatedCache: cache.New[relatedKey, bool](&cache.Config{Size: 4096}),
	}, nil
}

// Refresh reloads the public-suffix list, replacing the in-memory suffix
// set atomically.  If acceptStale is true, Refresh prefers an existing
// cache file over a network fetch regardless of its age.
func (idx *Index) Refresh(ctx context.Context, acceptStale bool) (err error) {
	text, err := idx.refr.Refresh(ctx, acceptStale)
	if err != nil {
		metrics.SetRefreshStatus("public_suffix_list", err)

		return errors.Annotate(err, "pslindex: %w")
	}

	suffixes := parseSuffixes(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.suffixes = suffixes
	idx.relatedCache.Clear()

	metrics.SetRefreshStatus("public_suffix_list", nil)

	return nil
}

// parseSuffixes parses the public_suffix_list.dat format: one suffix per
// line, "//"-prefixed comments and blank lines ignored.
func parseSuffixes(text string) (suffixes map[string]struct{}) {
	suffixes = map[string]struct{}{}

	s := bufio.NewScanner(strings.NewReader(text))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		// The wildcard and exception-rule prefixes ("*.", "!") are not
		// meaningful for the simple tail-matching algorithm this index
		// implements (§4.1); strip them so the base label still matches.
		line = strings.TrimPrefix(line, "!")
		line = strings.TrimPrefix(line, "*.")

		suffixes[strings.ToLower(line)] = struct{}{}
	}

	return suffixes
}

// RegistrableLabel returns the label immediately to the left of the longest
// public suffix matching the tail of host, along with that suffix.  If host
// itself equals a public suffix, label is "" and ok is false (§8: a host
// equal to a public suffix has no registrable label and is never related to
// anything).  IP-literal hosts (§4.1 edge cases) always return ("", "",
// false), since a dotted-quad or bracketed IPv6 address has no registrable
// label and is never related to anything else.
func (idx *Index) RegistrableLabel(host string) (label, suffix string, ok bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return "", "", false
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	parts := strings.Split(host, ".")

	for i := range parts {
		candidate := strings.Join(parts[i:], ".")
		if _, found := idx.suffixes[candidate]; found {
			if i == 0 {
				// The whole host is itself a public suffix.
				return "", candidate, false
			}

			return parts[i-1], candidate, true
		}
	}

	// No known suffix matched; fall back to treating the last label as the
	// suffix, as the Python original does.
	if len(parts) >= 2 {
		return parts[len(parts)-2], parts[len(parts)-1], true
	}

	if len(parts) == 1 {
		return "", parts[0], false
	}

	return "", "", false
}

// AreRelated reports whether hostA and hostB share the same registrable
// label and public suffix, compared case-insensitively.  "www." is not
// stripped (§9: comparison is case-insensitive only, no www-stripping).
func (idx *Index) AreRelated(hostA, hostB string) (related bool) {
	hostA = strings.ToLower(hostA)
	hostB = strings.ToLower(hostB)

	key := relatedKey{a: hostA, b: hostB}
	if v, ok := idx.relatedCache.Get(key); ok {
		metrics.IncrementCacheLookup(metrics.CachePSLRelated, true)

		return v
	}
	metrics.IncrementCacheLookup(metrics.CachePSLRelated, false)

	labelA, suffixA, okA := idx.RegistrableLabel(hostA)
	labelB, suffixB, okB := idx.RegistrableLabel(hostB)

	related = okA && okB && labelA == labelB && suffixA == suffixB

	idx.relatedCache.Set(key, related)

	return related
}

// Len returns the number of public suffixes currently loaded.
func (idx *Index) Len() (n int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.suffixes)
}
