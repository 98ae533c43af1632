package cookieanalysis_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/cookieanalysis"
	"github.com/webprivacy/analysisengine/internal/entity"
)

func epoch(t time.Time) entity.OptionalEpoch {
	return entity.OptionalEpoch{Seconds: t.Unix(), Has: true}
}

func TestAnalyzer_PersistenceAndFirstParty(t *testing.T) {
	future := time.Now().Add(400 * 24 * time.Hour)

	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{
			{Name: "sid", Domain: ".example.com", Value: "abc", Expires: epoch(future)},
			{Name: "past", Domain: ".example.com", Value: "xyz", Expires: epoch(time.Now().Add(-time.Hour))},
		}),
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"example.com": {Domain: "example.com", IsFirstPartyDomain: true},
			},
		},
	}

	cookieanalysis.New().Analyze(rec)

	cookies := rec.Cookies.All()
	byName := map[string]*entity.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}

	assert.True(t, byName["sid"].Persistent)
	assert.True(t, byName["sid"].IsFirstParty)
	require.NotNil(t, byName["sid"].DaysUntilExpiry)
	assert.InDelta(t, 400, *byName["sid"].DaysUntilExpiry, 1)

	assert.False(t, byName["past"].Persistent)
}

func TestAnalyzer_IdentifierGate_RotatingLongLivedCookie(t *testing.T) {
	future := time.Now().Add(400 * 24 * time.Hour)

	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesByVisit(map[entity.VisitID][]*entity.Cookie{
			"1": {{Name: "uid", Domain: "example.com", Value: "A1B2C3D4E5F6G7H8", Expires: epoch(future)}},
			"2": {{Name: "uid", Domain: "example.com", Value: "A1B2C3D4E5F6G7I9", Expires: epoch(future)}},
		}),
		DomainAnalysis: &entity.DomainAnalysis{Domains: map[string]*entity.DomainEntry{}},
	}

	cookieanalysis.New().Analyze(rec)

	for _, c := range rec.Cookies.All() {
		assert.True(t, c.IsPotentialIdentifier, "cookie %s should pass the identifier gate", c.Value)
	}

	require.NotNil(t, rec.CookieAnalysis.Identifiers)
	assert.Contains(t, rec.CookieAnalysis.Identifiers.PotentialIdentifierNames, "uid")
}

func TestAnalyzer_SessionCookieNeverPersistent(t *testing.T) {
	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{
			{Name: "session", Domain: "example.com", Value: "abc"},
		}),
		DomainAnalysis: &entity.DomainAnalysis{Domains: map[string]*entity.DomainEntry{}},
	}

	cookieanalysis.New().Analyze(rec)

	assert.False(t, rec.Cookies.All()[0].Persistent)
	assert.Nil(t, rec.Cookies.All()[0].DaysUntilExpiry)
}

func TestAnalyzer_ThirdPartySharing(t *testing.T) {
	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{
			{Name: "tracker_id", Domain: "example.com", Value: "abcdef"},
		}),
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{
				{
					Domain:  "tracker.example.net",
					URL:     "https://tracker.example.net/pixel",
					Headers: map[string]string{"cookie": "tracker_id=abcdef"},
				},
			}},
		},
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"tracker.example.net": {Domain: "tracker.example.net", IsFirstPartyDomain: false},
			},
		},
	}

	cookieanalysis.New().Analyze(rec)

	c := rec.Cookies.All()[0]
	assert.True(t, c.SharedWithThirdParties)
	assert.Equal(t, []string{"tracker.example.net"}, c.SharedWith)
	require.NotNil(t, rec.CookieAnalysis.Sharing)
	assert.Equal(t, 1, rec.CookieAnalysis.Sharing.SharedCookieCount)
}

func TestAnalyzer_AggregateCounts(t *testing.T) {
	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{
			{Name: "a", Domain: "example.com", Value: "v1"},
			{Name: "b", Domain: "thirdparty.example", Value: "v2"},
		}),
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"example.com": {Domain: "example.com", IsFirstPartyDomain: true},
			},
		},
	}

	cookieanalysis.New().Analyze(rec)

	a := rec.CookieAnalysis
	assert.Equal(t, 2, a.UniqueCookies)
	assert.Equal(t, a.UniqueCookies, a.FirstPartyCookies+a.ThirdPartyCookies)
}

func TestAnalyzer_AggregateCounts_SameNameDifferentDomainsAreDistinct(t *testing.T) {
	rec := &entity.SiteRecord{
		Domain: "example.com",
		Cookies: entity.NewCookiesFlat([]*entity.Cookie{
			{Name: "uid", Domain: "example.com", Value: "v1"},
			{Name: "uid", Domain: "thirdparty.example", Value: "v2"},
		}),
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"example.com": {Domain: "example.com", IsFirstPartyDomain: true},
			},
		},
	}

	cookieanalysis.New().Analyze(rec)

	a := rec.CookieAnalysis
	assert.Equal(t, 2, a.UniqueCookies, "same cookie name on two different domains must count as two cookies")
	assert.Equal(t, 1, a.FirstPartyCookies)
	assert.Equal(t, 1, a.ThirdPartyCookies)
	assert.Equal(t, a.UniqueCookies, a.FirstPartyCookies+a.ThirdPartyCookies)
}
