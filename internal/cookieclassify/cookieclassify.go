// Package cookieclassify implements the cookie classifier (C9): a two-pass
// classification of a site's cookies against the cookie knowledge base
// (C5), with an optional batched lookup of unknown names between passes.
// Grounded on §4.9; the Python original has no equivalent two-pass
// structure, classifying inline wherever cookies are processed.
package cookieclassify

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/webprivacy/analysisengine/internal/cookiedb"
	"github.com/webprivacy/analysisengine/internal/entity"
)

// CategoryUnidentified is the category label for a cookie name the
// knowledge base has no record of, distinct from C5's internal "Unknown"
// sentinel used for names it already looked up and confirmed absent
// (§4.9).
const CategoryUnidentified = "Unidentified"

// MatchTypeNone is the match_type recorded alongside CategoryUnidentified.
const MatchTypeNone = "none"

// Classifier classifies a site's cookies against a [cookiedb.KnowledgeBase].
type Classifier struct {
	kb *cookiedb.KnowledgeBase
}

// New returns a new *Classifier backed by kb.
func New(kb *cookiedb.KnowledgeBase) (c *Classifier) {
	return &Classifier{kb: kb}
}

// cookieKey is the uniqueness key for aggregate cookie counting, matching
// the cookie analyzer's: §3.2 states it explicitly as "(name, domain)".
// Classification lookups below stay keyed by bare name instead, since the
// knowledge base C5 classifies by name only, irrespective of which domain
// set the cookie.
type cookieKey struct {
	name   string
	domain string
}

// keyOf returns cookie's (name, domain) identity, normalized the same way
// the cookie analyzer does.
func keyOf(cookie *entity.Cookie) (key cookieKey) {
	return cookieKey{
		name:   cookie.Name,
		domain: strings.ToLower(strings.TrimPrefix(cookie.Domain, ".")),
	}
}

// Classify runs both passes of §4.9 over rec's cookies, setting each
// cookie's Classification and rec.CookieAnalysis's category/script
// breakdown (which the cookie analyzer then builds on).  lookupUnknown
// controls whether the second, batched-lookup pass runs at all.
func (c *Classifier) Classify(ctx context.Context, rec *entity.SiteRecord, lookupUnknown bool) {
	byName := map[string][]*entity.Cookie{}
	byKey := map[cookieKey][]*entity.Cookie{}
	for _, cookie := range rec.Cookies.All() {
		byName[cookie.Name] = append(byName[cookie.Name], cookie)

		key := keyOf(cookie)
		byKey[key] = append(byKey[key], cookie)
	}

	unknowns := c.classifyPass(byName)

	if lookupUnknown && len(unknowns) > 0 {
		c.lookupBatch(ctx, unknowns)
		c.classifyNames(byName, unknowns)
	}

	rec.CookieAnalysis = mergeAggregate(rec.CookieAnalysis, byKey)
}

// classifyPass classifies every cookie name using the knowledge base's
// current contents, without triggering any external lookup, and returns the
// names that came back unidentified.
func (c *Classifier) classifyPass(byName map[string][]*entity.Cookie) (unknowns []string) {
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !c.classifyOne(byName[name], name, false) {
			unknowns = append(unknowns, name)
		}
	}

	return unknowns
}

// classifyNames re-classifies exactly the given names, used after the
// lookup-unknown pass populates the knowledge base.
func (c *Classifier) classifyNames(byName map[string][]*entity.Cookie, names []string) {
	for _, name := range names {
		c.classifyOne(byName[name], name, false)
	}
}

// classifyOne applies the knowledge base's current entry for name to every
// cookie record sharing that name.  triggerLookup is always false from
// Classify's callers; it exists so the peek-vs-lookup choice stays
// localized to this one call site.
func (c *Classifier) classifyOne(cookies []*entity.Cookie, name string, triggerLookup bool) (identified bool) {
	var entry cookiedb.Entry
	var ok bool

	if triggerLookup {
		entry, ok = c.kb.Lookup(context.Background(), name)
	} else {
		entry, ok = c.kb.Peek(name)
	}

	classification := &entity.CookieClassification{
		Category:  CategoryUnidentified,
		MatchType: MatchTypeNone,
	}

	if ok {
		classification = &entity.CookieClassification{
			Category:    entry.Category,
			Script:      entry.Script,
			ScriptURL:   entry.ScriptURL,
			Description: entry.Description,
			MatchType:   string(entry.MatchType),
		}
	}

	for _, cookie := range cookies {
		cookie.Classification = classification
	}

	return ok
}

// lookupBatch asks the knowledge base to resolve every name in names via
// its external collaborator, per §4.9's second pass.
func (c *Classifier) lookupBatch(ctx context.Context, names []string) {
	for _, name := range names {
		c.kb.Lookup(ctx, name)
	}
}

// mergeAggregate rebuilds the unique/identified/category/script portion of
// the cookie analysis aggregate from byKey's final classifications,
// preserving any fields C7 already populated (persistence, sharing,
// first-party counts) if it ran first.  Uniqueness is (name, domain) per
// §3.2, not bare name: the same name set by two different domains counts
// as two cookies.
func mergeAggregate(existing *entity.CookieAnalysis, byKey map[cookieKey][]*entity.Cookie) (analysis *entity.CookieAnalysis) {
	analysis = existing
	if analysis == nil {
		analysis = &entity.CookieAnalysis{}
	}

	analysis.Categories = map[string]int{}
	analysis.Scripts = map[string]int{}
	analysis.UniqueCookies = len(byKey)
	analysis.IdentifiedCookies = 0
	analysis.UnidentifiedCookies = 0

	for _, cookies := range byKey {
		if len(cookies) == 0 {
			continue
		}

		classification := cookies[0].Classification
		if classification == nil || classification.Category == CategoryUnidentified {
			analysis.UnidentifiedCookies++

			continue
		}

		analysis.IdentifiedCookies++
		analysis.Categories[classification.Category]++
		if classification.Script != "" {
			analysis.Scripts[classification.Script]++
		}
	}

	analysis.AnalyzedAt = time.Now().UTC().Format(time.RFC3339)

	return analysis
}
