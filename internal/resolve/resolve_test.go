package resolve_test

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webprivacy/analysisengine/internal/resolve"
)

// startTestServer starts a tiny in-process DNS server answering according
// to handler, returning its "host:port" address and a stop function.
func startTestServer(t *testing.T, handler dns.HandlerFunc) (addr string, stop func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()

	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), func() { _ = srv.Shutdown() }
}

func TestResolver_GetCNAMEChain(t *testing.T) {
	addr, _ := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := &dns.Msg{}
		m.SetReply(r)

		q := r.Question[0]
		switch {
		case q.Qtype == dns.TypeCNAME && q.Name == "tracker.example.com.":
			rr, _ := dns.NewRR("tracker.example.com. 300 IN CNAME cdn.vendor.net.")
			m.Answer = append(m.Answer, rr)
		case q.Qtype == dns.TypeCNAME && q.Name == "cdn.vendor.net.":
			m.Rcode = dns.RcodeNameError
		}

		_ = w.WriteMsg(m)
	})

	r := resolve.New(&resolve.Config{
		Nameservers: []string{addr},
		CacheDir:    t.TempDir(),
	})

	chain := r.GetCNAMEChain(context.Background(), "tracker.example.com")
	assert.Equal(t, []string{"cdn.vendor.net"}, chain)

	// Second call should be served from cache; the server no longer needs
	// to answer correctly for this to still return the same chain.
	chain = r.GetCNAMEChain(context.Background(), "TRACKER.example.com")
	assert.Equal(t, []string{"cdn.vendor.net"}, chain)
}

func TestResolver_GetARecords(t *testing.T) {
	addr, _ := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := &dns.Msg{}
		m.SetReply(r)

		q := r.Question[0]
		if q.Qtype == dns.TypeA && q.Name == "example.com." {
			rr, _ := dns.NewRR("example.com. 300 IN A 93.184.216.34")
			m.Answer = append(m.Answer, rr)
		}

		_ = w.WriteMsg(m)
	})

	r := resolve.New(&resolve.Config{
		Nameservers: []string{addr},
		CacheDir:    t.TempDir(),
	})

	ips := r.GetARecords(context.Background(), "example.com")
	assert.Equal(t, []string{"93.184.216.34"}, ips)
}

func TestResolver_GetARecords_NXDOMAIN(t *testing.T) {
	addr, _ := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := &dns.Msg{}
		m.SetReply(r)
		m.Rcode = dns.RcodeNameError
		_ = w.WriteMsg(m)
	})

	r := resolve.New(&resolve.Config{
		Nameservers: []string{addr},
		CacheDir:    t.TempDir(),
	})

	ips := r.GetARecords(context.Background(), "nonexistent.example")
	assert.Empty(t, ips)
	assert.NotNil(t, ips)
}

func TestResolver_SaveLoad(t *testing.T) {
	dir := t.TempDir()

	addr, _ := startTestServer(t, func(w dns.ResponseWriter, r *dns.Msg) {
		m := &dns.Msg{}
		m.SetReply(r)

		rr, _ := dns.NewRR("site.example. 300 IN A 1.2.3.4")
		m.Answer = append(m.Answer, rr)
		_ = w.WriteMsg(m)
	})

	r1 := resolve.New(&resolve.Config{Nameservers: []string{addr}, CacheDir: dir})
	_ = r1.GetARecords(context.Background(), "site.example")
	require.NoError(t, r1.Save())

	r2 := resolve.New(&resolve.Config{Nameservers: []string{"127.0.0.1:1"}, CacheDir: dir})
	require.NoError(t, r2.Load())

	ips := r2.GetARecords(context.Background(), "site.example")
	assert.Equal(t, []string{"1.2.3.4"}, ips)
}
