package domainanalysis_test

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/domainanalysis"
	"github.com/webprivacy/analysisengine/internal/entity"
	"github.com/webprivacy/analysisengine/internal/filterlist"
	"github.com/webprivacy/analysisengine/internal/pslindex"
	"github.com/webprivacy/analysisengine/internal/resolve"
	"github.com/webprivacy/analysisengine/internal/trackerdb"
)

func newTestAnalyzer(t *testing.T) (a *domainanalysis.Analyzer) {
	t.Helper()

	dir := t.TempDir()

	pslFile := filepath.Join(dir, "psl.dat")
	require.NoError(t, os.WriteFile(pslFile, []byte("com\n"), 0o644))
	psl, err := pslindex.New(&pslindex.Config{CachePath: pslFile, URL: "file://" + pslFile})
	require.NoError(t, err)
	require.NoError(t, psl.Refresh(context.Background(), true))

	filterFile := filepath.Join(dir, "easylist.txt")
	require.NoError(t, os.WriteFile(filterFile, []byte("||doubleclick.net^\n"), 0o644))
	matcher, loadErrs := filterlist.Load(context.Background(), &filterlist.Config{
		Sources: []filterlist.Source{{Name: "easylist", URL: "file://" + filterFile}},
	})
	require.Empty(t, loadErrs)

	trackerData := filepath.Join(dir, "trackerdb.json")
	data, err := json.Marshal(map[string]any{
		"adtech-vendor.net": map[string]any{
			"organization": "AdTech Vendor",
			"categories":   []string{"Advertising"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(trackerData, data, 0o644))
	trackers, err := trackerdb.Load(&trackerdb.Config{OverridePath: trackerData})
	require.NoError(t, err)

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := &dns.Msg{}
		m.SetReply(r)

		q := r.Question[0]
		if q.Qtype == dns.TypeCNAME && q.Name == "cloaked.mysite.com." {
			rr, _ := dns.NewRR("cloaked.mysite.com. 300 IN CNAME adtech-vendor.net.")
			m.Answer = append(m.Answer, rr)
		} else {
			m.Rcode = dns.RcodeNameError
		}

		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	resolver := resolve.New(&resolve.Config{
		Nameservers: []string{pc.LocalAddr().String()},
		CacheDir:    dir,
	})

	return domainanalysis.New(psl, resolver, matcher, trackers)
}

func TestAnalyzer_FilterMatchIsTracker(t *testing.T) {
	a := newTestAnalyzer(t)

	rec := &entity.SiteRecord{
		Domain: "mysite.com",
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{{Domain: "ad.doubleclick.net"}}},
		},
	}

	a.Analyze(context.Background(), rec)

	entry := rec.DomainAnalysis.Domains["ad.doubleclick.net"]
	require.NotNil(t, entry)
	require.True(t, entry.FilterMatch)
	require.True(t, entry.IsTracker)
	require.Equal(t, entity.TrackingMethodFilterList, entry.TrackingMethod)
	require.False(t, entry.IsFirstPartyDomain)
}

func TestAnalyzer_FirstPartyViaPSL(t *testing.T) {
	a := newTestAnalyzer(t)

	rec := &entity.SiteRecord{
		Domain: "mysite.com",
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{{Domain: "api.mysite.com"}}},
		},
	}

	a.Analyze(context.Background(), rec)

	entry := rec.DomainAnalysis.Domains["api.mysite.com"]
	require.NotNil(t, entry)
	require.True(t, entry.IsFirstPartyDomain)
	require.False(t, entry.IsTracker)
}

func TestAnalyzer_CNAMECloaking(t *testing.T) {
	a := newTestAnalyzer(t)

	rec := &entity.SiteRecord{
		Domain: "mysite.com",
		NetworkData: map[entity.VisitID]*entity.NetworkData{
			"1": {Requests: []*entity.Request{{Domain: "cloaked.mysite.com"}}},
		},
	}

	a.Analyze(context.Background(), rec)

	entry := rec.DomainAnalysis.Domains["cloaked.mysite.com"]
	require.NotNil(t, entry)
	require.True(t, entry.IsFirstPartyDomain)
	require.True(t, entry.CNAMECloaking)
	require.True(t, entry.IsTracker)
	require.Equal(t, []string{"adtech-vendor.net"}, entry.CNAMEChain)
}
