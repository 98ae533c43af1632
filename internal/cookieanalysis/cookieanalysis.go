// Package cookieanalysis implements the cookie analyzer (C7): persistence
// and first-party marking, cross-visit value-consistency statistics, the
// shared identifier gate, and third-party sharing detection via the
// cookie-header scan.  Grounded on the Python original's cookie-related
// passes spread across analyze_persistence.py and cookie_analyzer.py,
// unified here per §4.7's single ordered pipeline.
package cookieanalysis

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/textsim"
)

// longLivedDays is the days_until_expiry threshold for identifier predicate
// (i), per §4.7.
const longLivedDays = 90

// minEntropyLen is the minimum observed value length for identifier
// predicate (ii).
const minEntropyLen = 8

// maxLengthVariance is the allowed (max-min)/min length ratio for predicate
// (iii).
const maxLengthVariance = 0.25

// Analyzer computes the per-site cookie analysis.  It has no external
// dependencies: everything it needs is already attached to the site record
// by the domain analyzer (C6) and the cookie classifier (C9), which the
// pipeline driver runs first (§5's C6 -> C9 -> C7 ordering).
type Analyzer struct{}

// New returns a new *Analyzer.
func New() (a *Analyzer) {
	return &Analyzer{}
}

// cookieKey is the uniqueness key for aggregate cookie counting: §3.2 states
// it explicitly as "(name, domain)", since the same name set by two
// different domains (e.g. a first-party session cookie and an unrelated
// third-party tracker that happens to also use the name "uid") are distinct
// cookies, not one.
type cookieKey struct {
	name   string
	domain string
}

// keyOf returns the (name, domain) identity of c, with domain lowercased
// and a leading "." stripped so that "example.com" and ".example.com"
// aren't treated as different cookies.  Unlike markFirstParty, it keeps a
// leading "www.".
func keyOf(c *entity.Cookie) (key cookieKey) {
	return cookieKey{
		name:   c.Name,
		domain: strings.ToLower(strings.TrimPrefix(c.Domain, ".")),
	}
}

// occurrence is a single observed (visit, value) pair for one (name, domain)
// cookie, used by the cross-visit and identifier-gate passes.
type occurrence struct {
	visit   entity.VisitID
	cookie  *entity.Cookie
	isLongLivedPersistent bool
}

// Analyze computes the cookie analysis for rec, mutating each cookie in
// rec.Cookies in place and setting rec.CookieAnalysis.
func (a *Analyzer) Analyze(rec *entity.SiteRecord) {
	now := time.Now()

	firstPartyHosts := firstPartyHostsOf(rec)

	byKey := map[cookieKey][]occurrence{}
	for visit, cookies := range rec.Cookies.ByVisit() {
		for _, c := range cookies {
			markPersistence(c, now)
			markFirstParty(c, firstPartyHosts)

			key := keyOf(c)
			byKey[key] = append(byKey[key], occurrence{
				visit:                 visit,
				cookie:                c,
				isLongLivedPersistent: c.Persistent && c.DaysUntilExpiry != nil && *c.DaysUntilExpiry > longLivedDays,
			})
		}
	}

	valueConsistency := crossVisitStability(byKey)
	identifierStats := applyIdentifierGate(byKey)
	sharing := a.applySharing(rec, byKey, firstPartyHosts)

	analysis := &entity.CookieAnalysis{
		Categories:       map[string]int{},
		Scripts:          map[string]int{},
		AnalyzedAt:       now.UTC().Format(time.RFC3339),
		ValueConsistency: valueConsistency,
		Identifiers:      identifierStats,
		Sharing:          sharing,
	}

	populateAggregate(analysis, byKey)

	rec.CookieAnalysis = analysis
}

// firstPartyHostsOf collects the hosts C6 flagged as first-party.
func firstPartyHostsOf(rec *entity.SiteRecord) (hosts map[string]struct{}) {
	hosts = map[string]struct{}{}
	if rec.DomainAnalysis == nil {
		return hosts
	}

	for host, entry := range rec.DomainAnalysis.Domains {
		if entry.IsFirstPartyDomain {
			hosts[host] = struct{}{}
		}
	}

	return hosts
}

// markPersistence implements §4.7's persistence rule: a cookie is
// persistent iff its expires timestamp is present and in the future.
func markPersistence(c *entity.Cookie, now time.Time) {
	if !c.Expires.Has {
		c.Persistent = false

		return
	}

	expires := time.Unix(c.Expires.Seconds, 0)
	c.Persistent = expires.After(now)

	days := math.Round(expires.Sub(now).Hours()/24*100) / 100
	c.DaysUntilExpiry = &days
}

// markFirstParty implements §4.7's first-party rule: a cookie's domain,
// after stripping a leading dot and optional "www.", must match, be a
// subdomain of, or be a parent domain of a host C6 flagged first-party.
func markFirstParty(c *entity.Cookie, firstPartyHosts map[string]struct{}) {
	domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	domain = strings.TrimPrefix(domain, "www.")

	for host := range firstPartyHosts {
		host = strings.ToLower(host)
		if domain == host || strings.HasSuffix(host, "."+domain) || strings.HasSuffix(domain, "."+host) {
			c.IsFirstParty = true

			return
		}
	}

	c.IsFirstParty = false
}

// crossVisitStability implements §4.7's cross-visit value comparison.
func crossVisitStability(byKey map[cookieKey][]occurrence) (vc *entity.ValueConsistency) {
	vc = &entity.ValueConsistency{}

	for _, occs := range byKey {
		visits := map[entity.VisitID]struct{}{}
		for _, o := range occs {
			visits[o.visit] = struct{}{}
		}

		if len(visits) < 2 {
			continue
		}

		vc.CookiesInMultipleVisits++

		identical := true
		first := occs[0].cookie.Value
		for _, o := range occs[1:] {
			if o.cookie.Value != first {
				identical = false

				break
			}
		}

		if identical {
			vc.IdenticalValueCount++
		} else {
			vc.ChangingValueCount++
		}
	}

	if vc.CookiesInMultipleVisits > 0 {
		pct := float64(vc.IdenticalValueCount) / float64(vc.CookiesInMultipleVisits) * 100
		vc.IdenticalPercentage = math.Round(pct*100) / 100
	}

	return vc
}

// applyIdentifierGate implements §4.7's four-predicate identifier gate,
// marking every cookie record with a passing name and accumulating
// per-criterion failure counts.  A name can appear more than once if it is
// set by more than one domain; PotentialIdentifierNames reports each such
// name once regardless of how many domains passed the gate under it.
func applyIdentifierGate(byKey map[cookieKey][]occurrence) (stats *entity.IdentifierStats) {
	stats = &entity.IdentifierStats{FailedChecks: map[string]int{}}

	seenNames := map[string]struct{}{}

	for key, occs := range byKey {
		name := key.name
		longLived := false
		minLen, maxLen := -1, 0
		values := map[string]struct{}{}

		for _, o := range occs {
			if o.isLongLivedPersistent {
				longLived = true
			}

			l := len(o.cookie.Value)
			if minLen == -1 || l < minLen {
				minLen = l
			}
			if l > maxLen {
				maxLen = l
			}

			values[o.cookie.Value] = struct{}{}
		}

		if minLen == -1 {
			minLen = 0
		}

		entropyOK := minLen >= minEntropyLen

		lengthStable := minLen > 0 && float64(maxLen-minLen)/float64(minLen) <= maxLengthVariance

		similarButDistinct := hasSimilarDistinctPair(values)

		if !longLived {
			stats.FailedChecks["long_lived_persistent"]++
		}
		if !entropyOK {
			stats.FailedChecks["entropy_floor"]++
		}
		if !lengthStable {
			stats.FailedChecks["length_stability"]++
		}
		if !similarButDistinct {
			stats.FailedChecks["similarity"]++
		}

		if longLived && entropyOK && lengthStable && similarButDistinct {
			if _, dup := seenNames[name]; !dup {
				seenNames[name] = struct{}{}
				stats.PotentialIdentifierNames = append(stats.PotentialIdentifierNames, name)
			}
			for _, o := range occs {
				o.cookie.IsPotentialIdentifier = true
			}
		}
	}

	sort.Strings(stats.PotentialIdentifierNames)

	return stats
}

// hasSimilarDistinctPair reports whether at least one pair of distinct
// values among values has a Ratcliff/Obershelp similarity ratio at or
// above [textsim.SimilarThreshold] (§4.7 predicate iv).  A set with fewer
// than two distinct values never satisfies "similar but not identical".
func hasSimilarDistinctPair(values map[string]struct{}) (found bool) {
	if len(values) < 2 {
		return false
	}

	list := make([]string, 0, len(values))
	for v := range values {
		list = append(list, v)
	}

	for i := range list {
		for j := i + 1; j < len(list); j++ {
			if textsim.Ratio(list[i], list[j]) >= textsim.SimilarThreshold {
				return true
			}
		}
	}

	return false
}

// applySharing implements §4.7's third-party sharing pass: the cookie
// header of every request is scanned for name=value pairs, and each
// cookie's carrying hosts are recorded.  The carrying-host sets are kept
// per name, not per (name, domain): "which hosts have ever sent a cookie
// called X" is a question about the name as it travels over the wire, not
// about which domain attribute a Set-Cookie response happened to declare.
func (a *Analyzer) applySharing(
	rec *entity.SiteRecord,
	byKey map[cookieKey][]occurrence,
	firstPartyHosts map[string]struct{},
) (sharing *entity.SharingStats) {
	allDomains := map[string]map[string]struct{}{}
	thirdPartyDomains := map[string]map[string]struct{}{}

	for _, req := range rec.AllRequests() {
		header, ok := req.CookieHeader()
		if !ok || req.Domain == "" {
			continue
		}

		host := strings.ToLower(req.Domain)
		isThirdParty := !isFirstPartyOrInfrastructure(rec, host, firstPartyHosts)

		for _, name := range parseCookieNames(header) {
			if allDomains[name] == nil {
				allDomains[name] = map[string]struct{}{}
			}
			allDomains[name][host] = struct{}{}

			if isThirdParty {
				if thirdPartyDomains[name] == nil {
					thirdPartyDomains[name] = map[string]struct{}{}
				}
				thirdPartyDomains[name][host] = struct{}{}
			}
		}
	}

	sharing = &entity.SharingStats{}

	countedName := map[string]struct{}{}

	for key, occs := range byKey {
		name := key.name

		all := sortedKeys(allDomains[name])
		third := sortedKeys(thirdPartyDomains[name])

		sharedThirdParty := len(third) > 0

		_, alreadyCounted := countedName[name]
		if sharedThirdParty && !alreadyCounted {
			sharing.SharedCookieCount++
		}

		isIdentifier := false
		for _, o := range occs {
			if o.cookie.IsPotentialIdentifier {
				isIdentifier = true
			}

			o.cookie.SharedWith = all
			o.cookie.ThirdPartyDomains = third
			o.cookie.SharedWithThirdParties = sharedThirdParty
		}

		if sharedThirdParty && isIdentifier && !alreadyCounted {
			sharing.SharedIdentifierCount++
		}

		if sharedThirdParty {
			countedName[name] = struct{}{}
		}
	}

	return sharing
}

// isFirstPartyOrInfrastructure reports whether host should be excluded from
// "third party" per §4.7's sharing rule ("neither first-party nor
// infrastructure").
func isFirstPartyOrInfrastructure(rec *entity.SiteRecord, host string, firstPartyHosts map[string]struct{}) bool {
	if _, ok := firstPartyHosts[host]; ok {
		return true
	}

	if rec.DomainAnalysis == nil {
		return false
	}

	entry, ok := rec.DomainAnalysis.Domains[host]
	if !ok {
		return false
	}

	return entity.IsInfrastructureCategory(entry.Categories)
}

// parseCookieNames parses a "name1=value1; name2=value2" Cookie header into
// its constituent names.
func parseCookieNames(header string) (names []string) {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, _, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		names = append(names, strings.TrimSpace(name))
	}

	return names
}

// sortedKeys returns the keys of set in sorted order, or nil if set is empty.
func sortedKeys(set map[string]struct{}) (sorted []string) {
	if len(set) == 0 {
		return nil
	}

	sorted = make([]string, 0, len(set))
	for k := range set {
		sorted = append(sorted, k)
	}

	sort.Strings(sorted)

	return sorted
}

// populateAggregate fills in analysis's unique/overlapping/party counts and
// the per-category/per-script breakdown seeded by C9's classification.
// Uniqueness is (name, domain) per §3.2, so the same cookie name set by two
// different domains counts as two cookies, not one.
func populateAggregate(analysis *entity.CookieAnalysis, byKey map[cookieKey][]occurrence) {
	analysis.UniqueCookies = len(byKey)

	for _, occs := range byKey {
		visits := map[entity.VisitID]struct{}{}
		for _, o := range occs {
			visits[o.visit] = struct{}{}
		}
		if len(visits) >= 2 {
			analysis.OverlappingCookies++
		}

		firstParty := false
		var classification *entity.CookieClassification
		for _, o := range occs {
			if o.cookie.IsFirstParty {
				firstParty = true
			}
			if o.cookie.Classification != nil {
				classification = o.cookie.Classification
			}
		}

		if firstParty {
			analysis.FirstPartyCookies++
		} else {
			analysis.ThirdPartyCookies++
		}

		if classification != nil && classification.Category != "" && classification.Category != "Unidentified" {
			analysis.IdentifiedCookies++
			analysis.Categories[classification.Category]++
			if classification.Script != "" {
				analysis.Scripts[classification.Script]++
			}
		} else {
			analysis.UnidentifiedCookies++
		}
	}
}
