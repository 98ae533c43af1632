// Package domainanalysis implements the domain analyzer (C6): for every
// unique host seen in a site's requests, it combines the public-suffix
// index (C1), DNS resolver (C2), filter matcher (C3), and tracker
// categorizer (C4) to classify party status, tracker status, and CNAME
// cloaking.  Grounded on §4.6 directly; there is no equivalent single
// component in the Python original, which spreads this logic across
// several analysis scripts invoked from the crawler driver.
package domainanalysis

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/filterlist"
	"github.com/webprivacy/analysisengine/internal/pslindex"
	"github.com/webprivacy/analysisengine/internal/resolve"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

// ignoredSchemes are the non-network schemes CNAME-cloaking detection skips
// (§4.6 step 4).
var ignoredSchemes = map[string]struct{}{
	"chrome-extension": {},
	"chrome":            {},
	"edge":              {},
	"brave":             {},
	"about":             {},
}

// Analyzer combines C1-C4 to produce a [entity.DomainAnalysis] for a site.
type Analyzer struct {
	psl      *pslindex.Index
	resolver *resolve.Resolver
	filters  *filterlist.Matcher
	trackers *trackerdb.DB
}

// New returns a new *Analyzer.
func New(
	psl *pslindex.Index,
	resolver *resolve.Resolver,
	filters *filterlist.Matcher,
	trackers *trackerdb.DB,
) (a *Analyzer) {
	return &Analyzer{psl: psl, resolver: resolver, filters: filters, trackers: trackers}
}

// Analyze computes the domain analysis for rec, mutating rec.DomainAnalysis
// in place.
func (a *Analyzer) Analyze(ctx context.Context, rec *entity.SiteRecord) {
	mainOrgs := a.organizationsOf(ctx, rec.Domain)

	hosts := uniqueHosts(rec)

	analysis := &entity.DomainAnalysis{
		AnalyzedAt: time.Now().UTC().Format(time.RFC3339),
		Domains:    make(map[string]*entity.DomainEntry, len(hosts)),
		Statistics: entity.NewDomainStatistics(),
	}

	counts := map[string]int{}
	for _, req := range rec.AllRequests() {
		if req.Domain != "" {
			counts[strings.ToLower(req.Domain)]++
		}
	}

	for _, h := range hosts {
		entry := a.analyzeHost(ctx, rec.Domain, h, mainOrgs)
		entry.RequestCount = counts[h]
		analysis.Domains[h] = entry
	}

	accumulateStatistics(analysis)

	rec.DomainAnalysis = analysis
}

// uniqueHosts collects every distinct, lowercased request host in rec, in
// sorted order for deterministic output.
func uniqueHosts(rec *entity.SiteRecord) (hosts []string) {
	seen := map[string]struct{}{}
	for _, req := range rec.AllRequests() {
		if req.Domain == "" {
			continue
		}

		h := strings.ToLower(req.Domain)
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}

	sort.Strings(hosts)

	return hosts
}

// analyzeHost runs steps 1-4 of §4.6 for a single host.
func (a *Analyzer) analyzeHost(
	ctx context.Context,
	mainDomain, host string,
	mainOrgs map[string]struct{},
) (entry *entity.DomainEntry) {
	entry = &entity.DomainEntry{Domain: host}

	// Step 1: filter check.
	if match, ok := a.filters.Match(host); ok {
		entry.FilterMatch = true
		entry.IsTracker = true
		entry.TrackingMethod = entity.TrackingMethodFilterList
		entry.AnalysisNotes = append(
			entry.AnalysisNotes,
			"matched filter list "+match.ListName+" via rule "+match.Rule,
		)
	}

	// Step 2: category check.
	hostOrgs := map[string]struct{}{}
	if result, ok := a.trackers.Categorize(ctx, host); ok {
		entry.Categories = result.Categories
		entry.Organizations = result.Organizations
		for _, org := range result.Organizations {
			hostOrgs[org] = struct{}{}
		}

		if entity.HasTrackingCategory(result.Categories) {
			entry.IsTracker = true
			if entry.TrackingMethod == entity.TrackingMethodNone {
				entry.TrackingMethod = entity.TrackingMethodCategorizedTracker
			}
		}
	}

	// Step 3: first-party determination.
	entry.IsFirstPartyDomain = a.psl.AreRelated(mainDomain, host)
	if !entry.IsFirstPartyDomain && organizationsOverlap(mainOrgs, hostOrgs) {
		entry.IsFirstPartyDomain = true
		entry.AnalysisNotes = append(entry.AnalysisNotes, "treated as first-party via organization overlap")
	}

	// Step 4: CNAME cloaking.
	if !hasIgnoredScheme(host) {
		a.detectCloaking(ctx, entry, mainOrgs)
	}

	return entry
}

// detectCloaking implements §4.6 step 4.
func (a *Analyzer) detectCloaking(ctx context.Context, entry *entity.DomainEntry, mainOrgs map[string]struct{}) {
	chain := a.resolver.GetCNAMEChain(ctx, entry.Domain)
	if len(chain) == 0 {
		return
	}

	entry.CNAMEChain = chain

	for _, c := range chain {
		if match, ok := a.filters.Match(c); ok && entry.IsFirstPartyDomain {
			entry.CNAMECloaking = true
			entry.AnalysisNotes = append(
				entry.AnalysisNotes,
				"cname target "+c+" matches filter list "+match.ListName,
			)

			continue
		}

		result, ok := a.trackers.Categorize(ctx, c)
		if !ok || !entity.HasTrackingCategory(result.Categories) {
			continue
		}

		cOrgs := map[string]struct{}{}
		for _, org := range result.Organizations {
			cOrgs[org] = struct{}{}
		}

		if !organizationsOverlap(mainOrgs, cOrgs) && entry.IsFirstPartyDomain {
			entry.CNAMECloaking = true
			entry.IsTracker = true
			if entry.TrackingMethod == entity.TrackingMethodNone {
				entry.TrackingMethod = entity.TrackingMethodOrganizationDiffer
			}
			entry.AnalysisNotes = append(
				entry.AnalysisNotes,
				"cname target "+c+" is a tracker unrelated to the site's own organizations",
			)
		}
	}
}

// organizationsOf returns the organizations C4 attributes to host.
func (a *Analyzer) organizationsOf(ctx context.Context, host string) (orgs map[string]struct{}) {
	orgs = map[string]struct{}{}

	result, ok := a.trackers.Categorize(ctx, host)
	if !ok {
		return orgs
	}

	for _, org := range result.Organizations {
		orgs[org] = struct{}{}
	}

	return orgs
}

// organizationsOverlap reports whether a and b share any element.
func organizationsOverlap(a, b map[string]struct{}) (overlap bool) {
	for org := range a {
		if _, ok := b[org]; ok {
			return true
		}
	}

	return false
}

// hasIgnoredScheme reports whether host is actually a non-network scheme
// URL rather than a hostname, per §4.6 step 4's skip list.
func hasIgnoredScheme(host string) (ignored bool) {
	if u, err := url.Parse(host); err == nil && u.Scheme != "" {
		_, ignored = ignoredSchemes[u.Scheme]

		return ignored
	}

	for scheme := range ignoredSchemes {
		if strings.HasPrefix(host, scheme+":") {
			return true
		}
	}

	return false
}

// accumulateStatistics populates analysis.Statistics from analysis.Domains,
// per §4.6 step 5.
func accumulateStatistics(analysis *entity.DomainAnalysis) {
	stats := analysis.Statistics
	stats.TotalDomains = len(analysis.Domains)

	for _, entry := range analysis.Domains {
		if entry.FilterMatch {
			stats.FilterMatches++
		}

		for _, cat := range entry.Categories {
			stats.Categories[cat]++
		}

		for _, org := range entry.Organizations {
			stats.Organizations[org]++
		}

		if entry.CNAMECloaking {
			stats.CNAMECloaking.Total++
			for _, org := range entry.Organizations {
				stats.CNAMECloaking.TrackersUsingCloaking[org]++
			}
		}

		if entry.IsTracker {
			stats.Trackers.Total++

			switch entry.TrackingMethod {
			case entity.TrackingMethodFilterList:
				stats.Trackers.FilterListMatches++
			case entity.TrackingMethodCategorizedTracker:
				stats.Trackers.CategoryBased++
			case entity.TrackingMethodOrganizationDiffer:
				stats.Trackers.OrganizationBased++
			}
		}

		if entry.IsFirstPartyDomain {
			stats.FirstParty.Total++
			accumulatePartyBucket(&stats.FirstParty.Trackers, &stats.FirstParty.Clean, entry)
		} else {
			stats.ThirdParty.Total++
			if entity.IsInfrastructureCategory(entry.Categories) {
				stats.ThirdParty.Infrastructure++
			}
			accumulatePartyBucket(&stats.ThirdParty.Trackers, &stats.ThirdParty.Other, entry)
		}
	}
}

// trackerBucket is the shape shared by FirstParty.Trackers and
// ThirdParty.Trackers in [entity.DomainStatistics].
type trackerBucket = struct {
	Total   int `json:"total"`
	Direct  int `json:"direct"`
	Cloaked int `json:"cloaked"`
}

// accumulatePartyBucket updates a first-/third-party tracker bucket and its
// sibling "clean"/"other" counter for entry.
func accumulatePartyBucket(trackers *trackerBucket, otherCount *int, entry *entity.DomainEntry) {
	if !entry.IsTracker {
		*otherCount++

		return
	}

	trackers.Total++
	if entry.CNAMECloaking {
		trackers.Cloaked++
	} else {
		trackers.Direct++
	}
}
