package storageanalysis_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/storageanalysis"
)

func TestAnalyzer_LocalStorageAlwaysPersistent(t *testing.T) {
	rec := &entity.SiteRecord{
		Storage: map[entity.VisitID]*entity.StorageSnapshot{
			"1": {
				LocalStorage:   []*entity.StorageItem{{Key: "fp", Value: "abcdef1234567890"}},
				SessionStorage: []*entity.StorageItem{{Key: "sid", Value: "short"}},
			},
		},
	}

	storageanalysis.New().Analyze(rec)

	assert.True(t, rec.Storage["1"].LocalStorage[0].Persistent)
	assert.False(t, rec.Storage["1"].SessionStorage[0].Persistent)
}

func TestAnalyzer_SessionStorageNeverIdentifier(t *testing.T) {
	rec := &entity.SiteRecord{
		Storage: map[entity.VisitID]*entity.StorageSnapshot{
			"1": {SessionStorage: []*entity.StorageItem{{Key: "sid", Value: "A1B2C3D4E5F6G7H8"}}},
			"2": {SessionStorage: []*entity.StorageItem{{Key: "sid", Value: "A1B2C3D4E5F6G7H8"}}},
		},
	}

	storageanalysis.New().Analyze(rec)

	for _, v := range rec.Storage {
		for _, item := range v.SessionStorage {
			assert.False(t, item.IsPotentialIdentifier)
		}
	}

	require.NotNil(t, rec.StorageAnalysis.PotentialIdentifiers)
	assert.Equal(t, 1, rec.StorageAnalysis.PotentialIdentifiers.FailedChecks["session"])
}

func TestAnalyzer_LocalStorageValueSharedWithThirdParty(t *testing.T) {
	rec := &entity.SiteRecord{
		Storage: map[entity.VisitID]*entity.StorageSnapshot{
			"1": {LocalStorage: []*entity.StorageItem{{Key: "fp", Value: "abcdef1234567890"}}},
		},
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{
				{
					Domain: "analytics.example.com",
					URL:    "https://analytics.example.com/track?u=abcdef1234567890",
				},
			}},
		},
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"analytics.example.com": {
					Domain:             "analytics.example.com",
					IsFirstPartyDomain: false,
					Categories:         []string{"Analytics"},
				},
			},
		},
	}

	storageanalysis.New().Analyze(rec)

	item := rec.Storage["1"].LocalStorage[0]
	require.NotNil(t, item.Analysis)
	assert.True(t, item.Analysis.IsShared)
	assert.Equal(t, []string{"value"}, item.Analysis.SharedWith.SharedBy)
	assert.False(t, item.Analysis.SharedWith.IsInfrastructureOnly)
}

func TestAnalyzer_InfrastructureOnlySharing(t *testing.T) {
	rec := &entity.SiteRecord{
		Storage: map[entity.VisitID]*entity.StorageSnapshot{
			"1": {LocalStorage: []*entity.StorageItem{{Key: "fp", Value: "abcdef1234567890"}}},
		},
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{
				{Domain: "cdn.example.net", URL: "https://cdn.example.net/x?v=abcdef1234567890"},
			}},
		},
		DomainAnalysis: &entity.DomainAnalysis{
			Domains: map[string]*entity.DomainEntry{
				"cdn.example.net": {Domain: "cdn.example.net", Categories: []string{"CDN"}},
			},
		},
	}

	storageanalysis.New().Analyze(rec)

	item := rec.Storage["1"].LocalStorage[0]
	require.NotNil(t, item.Analysis)
	assert.True(t, item.Analysis.SharedWith.IsInfrastructureOnly)
}

func TestAnalyzer_ShortValueNeverMatchesSharing(t *testing.T) {
	rec := &entity.SiteRecord{
		Storage: map[entity.VisitID]*entity.StorageSnapshot{
			"1": {LocalStorage: []*entity.StorageItem{{Key: "x", Value: "short"}}},
		},
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{
				{Domain: "example.com", URL: "https://example.com/short"},
			}},
		},
	}

	storageanalysis.New().Analyze(rec)

	assert.Nil(t, rec.Storage["1"].LocalStorage[0].Analysis)
}
