// Package cookiedb implements the cookie knowledge base (C5): a persistent
// name -> details mapping, backed on lookup miss by an external cookie
// lookup collaborator (§6) that this package defines the interface for but
// does not itself implement as a crawler.  Grounded on §4.5's fallback
// strategy (direct, simplified, search, partial, none); there is no
// equivalent in the Python original, which has no cookie knowledge base at
// all, so the persistence shape follows the renameio-backed atomic-write
// convention used elsewhere in this engine.
package cookiedb

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	renameio "github.com/google/renameio/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/webprivacy/analysisengine/internal/metrics"
)

// missMemoTTL bounds how long an in-flight marker stays in the in-process
// miss memo, independent of the persistent on-disk knowledge base.  The
// marker is removed as soon as the lookup finishes; it exists only to avoid
// invoking the external lookup collaborator twice concurrently for the same
// name within one batch run.  The Entry recorded in the knowledge base
// (including the Unknown sentinel) remains the durable record.
const missMemoTTL = 10 * time.Minute

// MatchType records how a cookie-database entry was found.
type MatchType string

// Match types, per §4.5.
const (
	MatchDirect     MatchType = "direct"
	MatchSimplified MatchType = "simplified"
	MatchSearch     MatchType = "search"
	MatchPartial    MatchType = "partial"
	MatchNone       MatchType = "none"
)

// Entry is one cookie-name's record in the knowledge base.
type Entry struct {
	CookieID    string    `json:"cookie_id"`
	Category    string    `json:"category"`
	Script      string    `json:"script"`
	ScriptURL   string    `json:"script_url"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	FoundAt     string    `json:"found_at"`
	MatchType   MatchType `json:"match_type"`
}

// Unknown is the sentinel entry recorded for names that every lookup
// strategy failed for, so they are not re-queried (§4.5).
var Unknown = Entry{MatchType: MatchNone}

// Lookup is the external cookie lookup collaborator's interface: given a
// cookie name, it searches the remote cookie database directly, and,
// separately, via a search page.  Implementations are expected to be
// browser-automation or HTTP-API driven; this package ships none and
// treats a nil Lookup as "lookups disabled" (§7: missing lookup
// collaborator is not fatal, it only means unknown cookies stay unknown).
type Lookup interface {
	// Direct looks up name exactly, returning ok=false if nothing was
	// found.
	Direct(ctx context.Context, name string) (entry Entry, ok bool)

	// Search looks up stem via the database's search page, returning the
	// best match per §4.5's rule (exact text match preferred, else the
	// first result whose name starts with stem).
	Search(ctx context.Context, stem string) (entry Entry, ok bool)
}

// KnowledgeBase is the in-memory, disk-persisted cookie database.
type KnowledgeBase struct {
	logger *slog.Logger
	lookup Lookup
	path   string

	mu      *sync.Mutex
	entries map[string]Entry

	dirty int

	// missMemo marks names whose external lookup is currently in flight, so
	// that concurrent Lookup calls for the same name within one batch run
	// (the worker pool may process two site records sharing a cookie name
	// before either has written its result to entries) skip invoking the
	// lookup collaborator a second time, rather than racing it.
	missMemo *gocache.Cache
}

// Config is the configuration structure for [Open].
type Config struct {
	// Logger is used to log lookups and persistence.
	Logger *slog.Logger

	// Path is the JSON file backing the knowledge base.
	Path string

	// Lookup is the external collaborator used on cache misses.  May be
	// nil to disable live lookups entirely.
	Lookup Lookup
}

// Open loads the knowledge base from Path, if it exists, and returns a
// ready *KnowledgeBase.
func Open(c *Config) (kb *KnowledgeBase, err error) {
	entries := map[string]Entry{}

	data, err := os.ReadFile(c.Path)
	if err == nil {
		if jerr := json.Unmarshal(data, &entries); jerr != nil {
			return nil, errors.Annotate(jerr, "cookiedb: parsing %q: %w", c.Path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Annotate(err, "cookiedb: reading %q: %w", c.Path)
	}

	return &KnowledgeBase{
		logger:   c.Logger,
		lookup:   c.Lookup,
		path:     c.Path,
		mu:       &sync.Mutex{},
		entries:  entries,
		missMemo: gocache.New(missMemoTTL, 2*missMemoTTL),
	}, nil
}

// flushThreshold bounds disk churn: the knowledge base is saved once this
// many new entries have accumulated since the last save (§4.5: "saved
// after batch operations to bound disk churn").
const flushThreshold = 25

// Lookup returns the known details for name, querying the external
// collaborator on a miss if one is configured.  ok is false when name is
// recorded as Unknown (every strategy failed; it is not re-queried), when
// it has never been resolved and no collaborator is configured, or when
// another lookup for the same name is already in flight.
func (kb *KnowledgeBase) Lookup(ctx context.Context, name string) (entry Entry, ok bool) {
	kb.mu.Lock()
	if e, found := kb.entries[name]; found {
		kb.mu.Unlock()
		metrics.IncrementCacheLookup(metrics.CacheCookieDB, true)

		return e, e.MatchType != MatchNone
	}
	kb.mu.Unlock()
	metrics.IncrementCacheLookup(metrics.CacheCookieDB, false)

	if kb.lookup == nil {
		return Entry{}, false
	}

	if _, inFlight := kb.missMemo.Get(name); inFlight {
		// Another goroutine is already resolving this name; don't issue a
		// second external lookup in the same batch run.
		return Entry{}, false
	}
	kb.missMemo.Set(name, struct{}{}, gocache.DefaultExpiration)

	entry = kb.resolve(ctx, name)

	kb.mu.Lock()
	kb.entries[name] = entry
	kb.dirty++
	shouldFlush := kb.dirty >= flushThreshold
	kb.mu.Unlock()

	kb.missMemo.Delete(name)

	if shouldFlush {
		if err := kb.Save(); err != nil && kb.logger != nil {
			kb.logger.Error("cookiedb: auto-saving", "err", err)
		}
	}

	return entry, entry.MatchType != MatchNone
}

// Peek returns the currently known details for name without triggering an
// external lookup on a miss, letting callers distinguish "not yet looked
// up" from "looked up and resolved" across a batched lookup pass (used by
// the cookie classifier's two-pass contract).
func (kb *KnowledgeBase) Peek(name string) (entry Entry, ok bool) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	e, found := kb.entries[name]

	return e, found && e.MatchType != MatchNone
}

// resolve runs the direct/simplified/search fallback chain for name.
func (kb *KnowledgeBase) resolve(ctx context.Context, name string) (entry Entry) {
	if e, ok := kb.lookup.Direct(ctx, name); ok {
		e.MatchType = MatchDirect
		e.CookieID = name

		return e
	}

	for _, stem := range simplifiedStems(name) {
		if e, ok := kb.lookup.Direct(ctx, stem); ok {
			e.MatchType = MatchSimplified
			e.CookieID = name

			return e
		}

		if e, ok := kb.lookup.Search(ctx, stem); ok {
			e.MatchType = MatchSearch
			e.CookieID = name

			return e
		}
	}

	if e, ok := kb.lookup.Search(ctx, name); ok {
		e.MatchType = MatchPartial
		e.CookieID = name

		return e
	}

	unknown := Unknown
	unknown.CookieID = name

	return unknown
}

// simplifiedStems yields progressively simpler stems of name by repeatedly
// stripping the suffix following the last of '_', '.', '-' (§4.5 step 2),
// e.g. "_ga_ABC123XYZ" -> "_ga" -> (no further separator).
func simplifiedStems(name string) (stems []string) {
	current := name

	for {
		idx := strings.LastIndexAny(current, "_.-")
		if idx <= 0 {
			return stems
		}

		current = current[:idx]
		stems = append(stems, current)
	}
}

// Save persists the knowledge base to disk atomically, resetting the dirty
// counter.
func (kb *KnowledgeBase) Save() (err error) {
	kb.mu.Lock()
	snapshot := make(map[string]Entry, len(kb.entries))
	for k, v := range kb.entries {
		snapshot[k] = v
	}
	kb.dirty = 0
	kb.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Annotate(err, "cookiedb: marshaling: %w")
	}

	if err = os.MkdirAll(filepath.Dir(kb.path), 0o755); err != nil {
		return errors.Annotate(err, "cookiedb: creating directory: %w")
	}

	t, err := renameio.TempFile(renameio.TempDir(filepath.Dir(kb.path)), kb.path)
	if err != nil {
		return errors.Annotate(err, "cookiedb: creating temp file: %w")
	}
	defer func() { err = errors.WithDeferred(err, t.Cleanup()) }()

	if _, err = t.Write(data); err != nil {
		return errors.Annotate(err, "cookiedb: writing: %w")
	}

	if err = t.CloseAtomicallyReplace(); err != nil {
		return errors.Annotate(err, "cookiedb: replacing: %w")
	}

	return nil
}

// Len returns the number of entries currently held, for diagnostics.
func (kb *KnowledgeBase) Len() (n int) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	return len(kb.entries)
}
