// Package storageanalysis implements the storage analyzer (C8): persistence
// marking for localStorage/sessionStorage items, the same four-predicate
// identifier gate C7 uses (with sessionStorage automatically failing the
// persistence predicate), and third-party sharing detection via a content
// scan of every request's URL and post body.  Grounded on §4.8; there is no
// single equivalent in the Python original, which inlines this logic into
// analyze_persistence.py alongside the cookie checks.
package storageanalysis

import (
	"sort"
	"strings"

	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/textsim"
)

// minEntropyLen is the minimum observed value length for the identifier
// gate's entropy predicate, shared with C7's threshold.
const minEntropyLen = 8

// maxLengthVariance is the allowed (max-min)/min length ratio.
const maxLengthVariance = 0.25

// sharingBoost is the confidence increment applied when sharing is detected
// for an item that already passed the identifier gate (§4.8).
const sharingBoost = 0.2

// longStringThreshold is the length above which the similarity comparison
// uses the prefix+suffix approximation instead of full Ratcliff/Obershelp.
const longStringThreshold = textsim.DefaultLongStringThreshold

// Analyzer computes the per-site storage analysis.
type Analyzer struct{}

// New returns a new *Analyzer.
func New() (a *Analyzer) {
	return &Analyzer{}
}

// itemKind distinguishes local from session storage for the identifier
// gate's sessionStorage exception and the output's per-type counts.
type itemKind int

const (
	kindLocal itemKind = iota
	kindSession
)

// occurrence is one observed (visit, item) pair for a (kind, key) group.
type occurrence struct {
	visit entity.VisitID
	item  *entity.StorageItem
	kind  itemKind
}

// groupKey identifies one (storage_type, key) group for the identifier
// gate, per §4.8.
type groupKey struct {
	kind itemKind
	key  string
}

// Analyze computes the storage analysis for rec, mutating each storage item
// in place and setting rec.StorageAnalysis.
func (a *Analyzer) Analyze(rec *entity.SiteRecord) {
	groups := map[groupKey][]occurrence{}

	for visit, snapshot := range rec.Storage {
		if snapshot == nil {
			continue
		}

		markItems(snapshot.LocalStorage, true)
		markItems(snapshot.SessionStorage, false)

		collect(groups, visit, snapshot.LocalStorage, kindLocal)
		collect(groups, visit, snapshot.SessionStorage, kindSession)
	}

	perf := &entity.StoragePerformance{ApproximateByKey: map[string]int{}}
	stats := &entity.StorageIdentifierStats{FailedChecks: map[string]int{}}

	applyIdentifierGate(groups, stats, perf)

	a.applySharing(rec, groups)

	rec.StorageAnalysis = &entity.StorageAnalysis{
		PotentialIdentifiers: stats,
		Performance:          perf,
	}
}

// markItems sets the Persistent field for every item per §4.8: localStorage
// is always persistent, sessionStorage never is.
func markItems(items []*entity.StorageItem, persistent bool) {
	for _, item := range items {
		item.Persistent = persistent
	}
}

// collect appends one occurrence per item to groups, keyed by (kind, key).
func collect(groups map[groupKey][]occurrence, visit entity.VisitID, items []*entity.StorageItem, kind itemKind) {
	for _, item := range items {
		gk := groupKey{kind: kind, key: item.Key}
		groups[gk] = append(groups[gk], occurrence{visit: visit, item: item, kind: kind})
	}
}

// applyIdentifierGate implements §4.8's identifier gate, marking every
// occurrence in a passing group as a potential identifier and recording the
// per-type counts, keys, and failure counts in stats.
func applyIdentifierGate(
	groups map[groupKey][]occurrence,
	stats *entity.StorageIdentifierStats,
	perf *entity.StoragePerformance,
) {
	for gk, occs := range groups {
		visits := map[entity.VisitID]struct{}{}
		for _, o := range occs {
			visits[o.visit] = struct{}{}
		}
		if len(visits) < 2 {
			continue
		}

		longLived := gk.kind == kindLocal

		minLen, maxLen := -1, 0
		values := map[string]struct{}{}
		for _, o := range occs {
			l := len(o.item.Value)
			if minLen == -1 || l < minLen {
				minLen = l
			}
			if l > maxLen {
				maxLen = l
			}
			values[o.item.Value] = struct{}{}
		}
		if minLen == -1 {
			minLen = 0
		}

		entropyOK := minLen >= minEntropyLen
		lengthStable := minLen > 0 && float64(maxLen-minLen)/float64(minLen) <= maxLengthVariance
		similar := hasSimilarDistinctPair(values, gk.key, perf)

		if !longLived {
			stats.FailedChecks["session"]++
		}
		if !entropyOK {
			stats.FailedChecks["entropy_floor"]++
		}
		if !lengthStable {
			stats.FailedChecks["length_stability"]++
		}
		if !similar {
			stats.FailedChecks["similarity"]++
		}

		if !(longLived && entropyOK && lengthStable && similar) {
			continue
		}

		for _, o := range occs {
			o.item.IsPotentialIdentifier = true
		}

		if gk.kind == kindLocal {
			stats.LocalStorageCount++
			stats.LocalStorageKeys = append(stats.LocalStorageKeys, gk.key)
		} else {
			stats.SessionStorageCount++
			stats.SessionStorageKeys = append(stats.SessionStorageKeys, gk.key)
		}
	}

	sort.Strings(stats.LocalStorageKeys)
	sort.Strings(stats.SessionStorageKeys)
}

// hasSimilarDistinctPair mirrors C7's predicate (iv), using [textsim.Compare]
// so long values fall back to the prefix+suffix approximation and that
// usage is recorded in perf for auditability (§4.8).
func hasSimilarDistinctPair(values map[string]struct{}, key string, perf *entity.StoragePerformance) (found bool) {
	if len(values) < 2 {
		return false
	}

	list := make([]string, 0, len(values))
	for v := range values {
		list = append(list, v)
	}

	for i := range list {
		for j := i + 1; j < len(list); j++ {
			result := textsim.Compare(list[i], list[j], longStringThreshold)

			if result.Fallback {
				perf.ApproximateComparisons++
				perf.ApproximateByKey[key]++
			} else {
				perf.FullComparisons++
			}

			if result.Ratio >= textsim.SimilarThreshold {
				found = true
			}
		}
	}

	return found
}

// applySharing implements §4.8's content-scan sharing pass: every value at
// least minEntropyLen long, and every key of the same minimum length, is
// searched for as a substring of every request's URL and post body.
func (a *Analyzer) applySharing(rec *entity.SiteRecord, groups map[groupKey][]occurrence) {
	requests := rec.AllRequests()

	seen := map[*entity.StorageItem]struct{}{}
	for _, occs := range groups {
		for _, o := range occs {
			if _, done := seen[o.item]; done {
				continue
			}
			seen[o.item] = struct{}{}

			share := evaluateSharing(o.item, requests, rec)
			if share == nil {
				continue
			}

			applyShareResult(o.item, share)
		}
	}
}

// applyShareResult attaches share to item, applying the identifier
// confidence boost when item already passed the identifier gate (§4.8).
func applyShareResult(item *entity.StorageItem, share *entity.StorageItemShare) {
	item.Analysis = share

	if !share.IsShared {
		return
	}

	if item.IsPotentialIdentifier {
		confidence := share.Confidence + sharingBoost
		if confidence > 1.0 {
			confidence = 1.0
		}
		share.Confidence = confidence
	}

	share.Reasons = append(share.Reasons, reasonsFor(share.SharedWith.SharedBy)...)
}

// reasonsFor returns the explanatory reason strings for the given shared-by
// markers (§4.8: "distinguishing 'key shared' vs 'value shared'").
func reasonsFor(sharedBy []string) (reasons []string) {
	for _, by := range sharedBy {
		reasons = append(reasons, by+" shared with a third party")
	}

	return reasons
}

// evaluateSharing scans requests for item's key and value and returns the
// sharing evidence block, or nil if neither was found anywhere.
func evaluateSharing(item *entity.StorageItem, requests []*entity.Request, rec *entity.SiteRecord) (share *entity.StorageItemShare) {
	domains := map[string]struct{}{}
	categories := map[string]struct{}{}
	organizations := map[string]struct{}{}
	sharedByKey := len(item.Key) >= minEntropyLen
	sharedByValue := len(item.Value) >= minEntropyLen
	var sharedBy []string

	foundKey, foundValue := false, false

	for _, req := range requests {
		haystacks := []string{req.URL, req.PostData}

		matchedKey, matchedValue := false, false
		for _, h := range haystacks {
			if sharedByKey && strings.Contains(h, item.Key) {
				matchedKey = true
			}
			if sharedByValue && strings.Contains(h, item.Value) {
				matchedValue = true
			}
		}

		if !matchedKey && !matchedValue {
			continue
		}

		foundKey = foundKey || matchedKey
		foundValue = foundValue || matchedValue

		host := strings.ToLower(req.Domain)
		domains[host] = struct{}{}

		if rec.DomainAnalysis != nil {
			if entry, ok := rec.DomainAnalysis.Domains[host]; ok {
				for _, c := range entry.Categories {
					categories[c] = struct{}{}
				}
				for _, o := range entry.Organizations {
					organizations[o] = struct{}{}
				}
			}
		}
	}

	if !foundKey && !foundValue {
		return nil
	}

	if foundKey {
		sharedBy = append(sharedBy, "key")
	}
	if foundValue {
		sharedBy = append(sharedBy, "value")
	}

	return &entity.StorageItemShare{
		IsShared: true,
		SharedWith: &entity.StorageSharedBy{
			Domains:              sortedSetKeys(domains),
			Categories:           sortedSetKeys(categories),
			Organizations:        sortedSetKeys(organizations),
			IsInfrastructureOnly: allInfrastructure(domains, rec),
			SharedBy:             sharedBy,
		},
	}
}

// allInfrastructure reports whether every domain in domains is classified
// as infrastructure by C6 (§4.8's is_infrastructure_only).
func allInfrastructure(domains map[string]struct{}, rec *entity.SiteRecord) (allInfra bool) {
	if len(domains) == 0 || rec.DomainAnalysis == nil {
		return false
	}

	for host := range domains {
		entry, ok := rec.DomainAnalysis.Domains[host]
		if !ok || !entity.IsInfrastructureCategory(entry.Categories) {
			return false
		}
	}

	return true
}

// sortedSetKeys returns the keys of set in sorted order.
func sortedSetKeys(set map[string]struct{}) (sorted []string) {
	sorted = make([]string, 0, len(set))
	for k := range set {
		sorted = append(sorted, k)
	}

	sort.Strings(sorted)

	return sorted
}
