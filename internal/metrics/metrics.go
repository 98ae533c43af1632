// Package metrics contains the Prometheus metrics emitted by the analysis
// engine: cache hit/miss counters, refresh-status gauges, and per-component
// timing histograms, mirroring the structure (namespace/subsystem split,
// promauto registration) of AdGuardDNS's internal/metrics package.  The
// Python original has no metrics of any kind.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace is the common prefix for every metric this engine exports.
const namespace = "webprivacy"

// Subsystem names, grouped the way AdGuardDNS's metrics package groups its
// own subsystemXxx constants.
const (
	subsystemCache    = "cache"
	subsystemRefresh  = "refresh"
	subsystemAnalysis = "analysis"
)

// Cache component labels, used consistently across every memoizing
// component's instrumentation call sites.
const (
	CachePSLRelated   = "psl_related"
	CacheResolveA     = "resolve_a_record"
	CacheResolveCNAME = "resolve_cname_chain"
	CacheFilterMatch  = "filter_match"
	CacheTrackerDB    = "tracker_db"
	CacheCookieDB     = "cookie_db"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemCache,
	Name:      "lookups_total",
	Help: "Total number of in-memory cache lookups, labeled by component and " +
		"whether the lookup was a hit.",
}, []string{"component", "hit"})

// IncrementCacheLookup records one cache lookup for component, crediting
// the hit or miss counter depending on hit.
func IncrementCacheLookup(component string, hit bool) {
	cacheLookups.WithLabelValues(component, boolString(hit)).Inc()
}

var refreshStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemRefresh,
	Name:      "status",
	Help:      "1 if source's most recent refresh succeeded, 0 if it failed.",
}, []string{"source"})

// SetRefreshStatus records whether source's most recent refresh attempt
// succeeded.
func SetRefreshStatus(source string, err error) {
	v := 1.0
	if err != nil {
		v = 0
	}

	refreshStatus.WithLabelValues(source).Set(v)
}

var componentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: subsystemAnalysis,
	Name:      "component_duration_seconds",
	Help:      "Time spent running one analysis component over one site record.",
	Buckets:   prometheus.DefBuckets,
}, []string{"component"})

// ObserveComponentDuration records how long component took to analyze one
// site record.
func ObserveComponentDuration(component string, d time.Duration) {
	componentDuration.WithLabelValues(component).Observe(d.Seconds())
}

// Timer returns a func that, when called, observes the elapsed time since
// Timer was called under component.  Typical use:
//
//	defer metrics.Timer(metrics.ComponentDomainAnalysis)()
func Timer(component string) (stop func()) {
	start := time.Now()

	return func() {
		ObserveComponentDuration(component, time.Since(start))
	}
}

// Analysis component labels, for [Timer] and [ObserveComponentDuration].
const (
	ComponentDomainAnalysis  = "domain_analysis"
	ComponentCookieClassify  = "cookie_classify"
	ComponentCookieAnalysis  = "cookie_analysis"
	ComponentStorageAnalysis = "storage_analysis"
)

func boolString(cond bool) (s string) {
	if cond {
		return "1"
	}

	return "0"
}
