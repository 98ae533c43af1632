// Package filterlist implements the AdBlock-style filter-rule matcher (C3):
// it loads named rule lists and answers, for a query host, the first
// matching (list_name, rule_pattern) pair.  Grounded on the Python
// original's FilterManager (filter_manager.py); deliberately does not use
// github.com/AdguardTeam/urlfilter, since that engine matches full request
// URLs against network rule syntax, where §4.3 only ever calls for
// substring/glob matching against a bare host.
package filterlist

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	renameio "github.com/google/renameio/v2"
	"github.com/webprivacy/analysisengine/internal/cache"
	"github.com/webprivacy/analysisengine/internal/metrics"
	"github.com/webprivacy/analysisengine/internal/refreshable"
)

// Match is the result of a successful filter match.
type Match struct {
	ListName string
	Rule     string
}

// staleness bounds how long a downloaded list is considered fresh before a
// refresh is attempted, mirroring the public-suffix index's policy.
const staleness = 7 * 24 * time.Hour

// list is one loaded filter list: its display name and ordered rules.
type list struct {
	name  string
	rules []string
}

// Matcher holds the loaded filter lists, in load order, plus a cache of
// match results keyed by query host.
type Matcher struct {
	lists []list

	matchCache     cache.Interface[string, matchResult]
	matchCacheFile string
}

// matchResult is the cacheable outcome of a match lookup; it is a plain
// struct (rather than the pointer-or-nil Match) so zero-value negative
// results can be cached without ambiguity.
type matchResult struct {
	found bool
	match Match
}

// persistedMatchResult mirrors matchResult with exported fields, since gob
// cannot encode unexported ones; used only at the Save/Load boundary.
type persistedMatchResult struct {
	Found bool
	Match Match
}

// Source describes one filter list to load: a stable Name (used for cache
// directory layout) and either a local file path or a remote URL.
type Source struct {
	// Name identifies the source, e.g. "easylist" or "easyprivacy".
	Name string

	// URL is a file:// or http(s):// location for the raw rule text.
	URL string

	// CachePath is where downloaded content is cached; unused for file://
	// sources.
	CachePath string
}

// Config is the configuration structure for [Load].
type Config struct {
	// Logger is used to log list refreshes.
	Logger *slog.Logger

	// Sources are the filter lists to load, in precedence order (§4.3:
	// "Precedence across lists is the load order").
	Sources []Source

	// Timeout bounds each source's HTTP fetch, if any.
	Timeout time.Duration

	// CacheSize bounds the number of memoized match results.
	CacheSize int

	// MatchCachePath is where the match-result cache is persisted between
	// runs (§4.3: "persisted across runs").  Empty disables persistence.
	MatchCachePath string
}

// Load fetches or reads every configured source and returns a ready
// *Matcher.  Sources that fail to load are skipped, and one error per
// skipped source is returned in loadErrs for the caller to collect.  Load
// always returns a Matcher, even when every source failed; the caller
// treats a matcher with zero lists as fatal (§7: "no filter files" is a
// fatal startup condition).
func Load(ctx context.Context, c *Config) (m *Matcher, loadErrs []error) {
	m = &Matcher{
		matchCache:     cache.New[string, matchResult](&cache.Config{Size: cacheSizeOrDefault(c.CacheSize)}),
		matchCacheFile: c.MatchCachePath,
	}

	for _, src := range c.Sources {
		rules, err := loadSource(ctx, c.Logger, src, c.Timeout)
		metrics.SetRefreshStatus("filter_list."+src.Name, err)
		if err != nil {
			loadErrs = append(loadErrs, errors.Annotate(err, "loading filter %q: %w", src.Name))

			continue
		}

		m.lists = append(m.lists, list{name: displayName(src.Name), rules: rules})
	}

	return m, loadErrs
}

// displayName turns a source name like "easy_privacy" into "Easy Privacy",
// matching the Python original's `name.replace('_', ' ').title()`.
func displayName(name string) (display string) {
	parts := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, p := range parts {
		if p == "" {
			continue
		}

		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}

	return strings.Join(parts, " ")
}

// cacheSizeOrDefault returns n, or a sane default if n is zero.
func cacheSizeOrDefault(n int) (size int) {
	if n <= 0 {
		return 100_000
	}

	return n
}

// loadSource fetches src's raw text (refreshing from its URL if stale or
// missing) and parses it into rule patterns.
func loadSource(
	ctx context.Context,
	logger *slog.Logger,
	src Source,
	timeout time.Duration,
) (rules []string, err error) {
	u, err := url.Parse(src.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	refr, err := refreshable.New(&refreshable.Config{
		Logger:    logger,
		URL:       u,
		Name:      src.Name,
		CachePath: src.CachePath,
		Staleness: staleness,
		Timeout:   timeout,
		MaxSize:   32 * 1024 * 1024,
	})
	if err != nil {
		return nil, err
	}

	text, err := refr.Refresh(ctx, false)
	if err != nil {
		return nil, err
	}

	return parseRules(text), nil
}

// parseRules parses a filter list's raw text into rule patterns, per §4.3's
// rule format: "!" comments and blank lines are dropped; "||host^$opts"
// rules are reduced to the bare host pattern; everything else is used
// verbatim.
func parseRules(text string) (rules []string) {
	s := bufio.NewScanner(strings.NewReader(text))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}

		if strings.HasPrefix(line, "||") {
			line = line[2:]
			line = strings.TrimSuffix(line, "^")
			if idx := strings.Index(line, "$"); idx >= 0 {
				line = line[:idx]
			}
		}

		rules = append(rules, line)
	}

	return rules
}

// Match returns the first (list_name, rule_pattern) match for host, trying
// lists in load order.  A query host that matches nothing returns
// ok == false.
func (m *Matcher) Match(host string) (match Match, ok bool) {
	host = strings.ToLower(host)

	if cached, found := m.matchCache.Get(host); found {
		metrics.IncrementCacheLookup(metrics.CacheFilterMatch, true)

		return cached.match, cached.found
	}
	metrics.IncrementCacheLookup(metrics.CacheFilterMatch, false)

	result := m.match(host)

	m.matchCache.Set(host, result)

	return result.match, result.found
}

// match performs the uncached lookup, applying §4.3's four-step algorithm
// per list in load order.
func (m *Matcher) match(host string) (result matchResult) {
	parts := strings.Split(host, ".")

	for _, l := range m.lists {
		for _, rule := range l.rules {
			if rule == host {
				return matchResult{found: true, match: Match{ListName: l.name, Rule: rule}}
			}

			for i := range parts {
				subdomain := strings.Join(parts[i:], ".")
				if subdomain == rule || strings.HasSuffix(subdomain, "."+rule) {
					return matchResult{found: true, match: Match{ListName: l.name, Rule: rule}}
				}
			}

			if strings.Contains(rule, "*") && globMatch(rule, host) {
				return matchResult{found: true, match: Match{ListName: l.name, Rule: rule}}
			}
		}
	}

	return matchResult{}
}

// globMatch reports whether host matches the glob pattern, which may
// contain "*" wildcards.  path.Match's metacharacter set ("*", "?", "[")
// coincides with Python's fnmatch closely enough for the host-glob rules
// filter lists actually use.
func globMatch(pattern, host string) (ok bool) {
	ok, _ = path.Match(pattern, host)

	return ok
}

// Names returns the loaded list names in sorted order, chiefly for
// diagnostics and tests.
func (m *Matcher) Names() (names []string) {
	for _, l := range m.lists {
		names = append(names, l.name)
	}

	sort.Strings(names)

	return names
}

// BaseCachePath is a small helper for callers building a [Source]: it
// returns the conventional cache file path for a list named name under
// dir.
func BaseCachePath(dir, name string) (cachePath string) {
	return filepath.Join(dir, name+".cache")
}

// LoadMatchCache restores the match-result cache from disk, if present and
// if the Matcher was constructed with a non-empty MatchCachePath.  A
// missing cache file is not an error.
func (m *Matcher) LoadMatchCache() (err error) {
	if m.matchCacheFile == "" {
		return nil
	}

	f, err := os.Open(m.matchCacheFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("filterlist: opening match cache %q: %w", m.matchCacheFile, err)
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	data := map[string]persistedMatchResult{}
	if err = gob.NewDecoder(bufio.NewReader(f)).Decode(&data); err != nil {
		return fmt.Errorf("filterlist: decoding match cache %q: %w", m.matchCacheFile, err)
	}

	for host, pr := range data {
		m.matchCache.Set(host, matchResult{found: pr.Found, match: pr.Match})
	}

	return nil
}

// matchCacheSnapshottable is implemented by *cache.TTL[string, matchResult];
// it lets SaveMatchCache serialize the current contents without widening
// [cache.Interface] itself with a method most cache users don't need.
type matchCacheSnapshottable interface {
	Snapshot() map[string]matchResult
}

// SaveMatchCache persists the match-result cache to disk atomically.  It is
// a no-op if the Matcher was constructed with an empty MatchCachePath.
func (m *Matcher) SaveMatchCache() (err error) {
	if m.matchCacheFile == "" {
		return nil
	}

	var snapshot map[string]matchResult
	if e, ok := m.matchCache.(matchCacheSnapshottable); ok {
		snapshot = e.Snapshot()
	}

	data := make(map[string]persistedMatchResult, len(snapshot))
	for host, r := range snapshot {
		data[host] = persistedMatchResult{Found: r.found, Match: r.match}
	}

	if err = os.MkdirAll(filepath.Dir(m.matchCacheFile), 0o755); err != nil {
		return fmt.Errorf("filterlist: creating match cache dir: %w", err)
	}

	t, err := renameio.TempFile(renameio.TempDir(filepath.Dir(m.matchCacheFile)), m.matchCacheFile)
	if err != nil {
		return fmt.Errorf("filterlist: creating match cache temp file: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, t.Cleanup()) }()

	if err = gob.NewEncoder(t).Encode(data); err != nil {
		return fmt.Errorf("filterlist: encoding match cache: %w", err)
	}

	if err = t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("filterlist: replacing match cache: %w", err)
	}

	return nil
}
