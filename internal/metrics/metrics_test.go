package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/metrics"
)

// findCounterValue gathers the default registry and returns the value of
// the counter in family matching every label in want.
func findCounterValue(t *testing.T, family string, want map[string]string) (value float64, found bool) {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}

		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), want) {
				return m.GetCounter().GetValue(), true
			}
		}
	}

	return 0, false
}

func labelsMatch(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) != len(want) {
		return false
	}

	for _, lp := range got {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}

	return true
}

func TestIncrementCacheLookup(t *testing.T) {
	before, _ := findCounterValue(t, "webprivacy_cache_lookups_total", map[string]string{
		"component": metrics.CacheFilterMatch,
		"hit":       "1",
	})

	metrics.IncrementCacheLookup(metrics.CacheFilterMatch, true)

	after, found := findCounterValue(t, "webprivacy_cache_lookups_total", map[string]string{
		"component": metrics.CacheFilterMatch,
		"hit":       "1",
	})
	require.True(t, found)
	assert.Equal(t, before+1, after)
}

func TestSetRefreshStatus(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.SetRefreshStatus("test_source", nil)
		metrics.SetRefreshStatus("test_source", errors.New("boom"))
	})
}

func TestObserveComponentDuration(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.ObserveComponentDuration(metrics.ComponentDomainAnalysis, 0)

		stop := metrics.Timer(metrics.ComponentCookieAnalysis)
		stop()
	})
}
