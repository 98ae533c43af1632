// Package resolve implements the DNS resolver with a dual TTL cache (C2):
// CNAME-chain resolution and A-record lookup, each independently cached and
// persisted to disk between runs.  Grounded on the Python original's
// DNSResolver (dns_resolver.py); the on-the-wire query pattern follows
// miekg/dns's ordinary client Exchange usage, adapted here to a resolving
// client instead of a proxying server.
package resolve

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	renameio "github.com/google/renameio/v2"
	"github.com/miekg/dns"
	"github.com/webprivacy/analysisengine/internal/cache"
	"github.com/webprivacy/analysisengine/internal/metrics"
)

// Cache TTLs, per §4.2.
const (
	aRecordTTL  = 1 * time.Hour
	cnameTTL    = 24 * time.Hour
	cacheMaxLen = 10_000
)

// cnameFlushThreshold is the number of CNAME-cache additions after which
// the cache is persisted to disk, bounding data loss on abrupt exit.
const cnameFlushThreshold = 100

// queryTimeout bounds a single DNS exchange.
const queryTimeout = 5 * time.Second

// Resolver resolves CNAME chains and A records, memoizing both in
// independent TTL caches.  A zero-value Resolver is not usable; use [New].
type Resolver struct {
	logger *slog.Logger

	client      *dns.Client
	nameservers []string

	aCache     cache.Interface[string, []string]
	cnameCache cache.Interface[string, []string]

	aRecordCacheFile string
	cnameCacheFile   string

	cnameAdditions atomic.Int64

	mu *sync.Mutex

	aLookupCount atomic.Int64
}

// Config is the configuration structure for [New].
type Config struct {
	// Logger is used for diagnostic logging of cache misses and lookup
	// errors, neither of which are propagated to callers (§4.2 failure
	// model).
	Logger *slog.Logger

	// Nameservers are the "host:port" resolver addresses to query.  If
	// empty, the system's /etc/resolv.conf is used.
	Nameservers []string

	// CacheDir is the directory holding the persisted A-record and
	// CNAME-chain caches.
	CacheDir string
}

// New returns a new *Resolver with empty caches.  Call Load to restore a
// previous run's caches from disk.
func New(c *Config) (r *Resolver) {
	nameservers := c.Nameservers
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}

	return &Resolver{
		logger:           c.Logger,
		client:           &dns.Client{Timeout: queryTimeout},
		nameservers:      nameservers,
		aCache:           cache.New[string, []string](&cache.Config{Size: cacheMaxLen, DefaultTTL: aRecordTTL}),
		cnameCache:       cache.New[string, []string](&cache.Config{Size: cacheMaxLen, DefaultTTL: cnameTTL}),
		aRecordCacheFile: filepath.Join(c.CacheDir, "a_record_cache.gob"),
		cnameCacheFile:   filepath.Join(c.CacheDir, "cname_chain_cache.gob"),
		mu:               &sync.Mutex{},
	}
}

// systemNameservers reads /etc/resolv.conf; on failure it falls back to a
// widely reachable public resolver so lookups degrade rather than fail
// outright to configure.
func systemNameservers() (nameservers []string) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53"}
	}

	for _, s := range conf.Servers {
		nameservers = append(nameservers, fmt.Sprintf("%s:%s", s, conf.Port))
	}

	return nameservers
}

// Load restores the A-record and CNAME-chain caches from disk, if present.
// A missing cache file is not an error.
func (r *Resolver) Load() (err error) {
	err = loadGobCache(r.aRecordCacheFile, r.aCache, aRecordTTL)
	if err != nil {
		return errors.Annotate(err, "resolve: loading a-record cache: %w")
	}

	err = loadGobCache(r.cnameCacheFile, r.cnameCache, cnameTTL)
	if err != nil {
		return errors.Annotate(err, "resolve: loading cname cache: %w")
	}

	return nil
}

// Save persists both caches to disk atomically.  It is safe to call Save
// multiple times, e.g. once on the automatic flush threshold and once more
// at process exit.
func (r *Resolver) Save() (err error) {
	err = saveGobCache(r.aRecordCacheFile, snapshotCache(r.aCache))
	if err != nil {
		return errors.Annotate(err, "resolve: saving a-record cache: %w")
	}

	err = saveGobCache(r.cnameCacheFile, snapshotCache(r.cnameCache))
	if err != nil {
		return errors.Annotate(err, "resolve: saving cname cache: %w")
	}

	if r.logger != nil {
		r.logger.Info(
			"resolve: saved caches",
			"a_record_lookups", r.aLookupCount.Load(),
		)
	}

	return nil
}

// GetCNAMEChain returns the chain of CNAME targets for host, excluding host
// itself, in resolution order.  Cycle detection uses a visited-name set; on
// any DNS error the chain built so far is returned without error.
func (r *Resolver) GetCNAMEChain(ctx context.Context, host string) (chain []string) {
	key := normalizeHost(host)

	if cached, ok := r.cnameCache.Get(key); ok {
		metrics.IncrementCacheLookup(metrics.CacheResolveCNAME, true)

		return cached
	}
	metrics.IncrementCacheLookup(metrics.CacheResolveCNAME, false)

	chain = r.resolveCNAMEChain(ctx, key)

	r.cnameCache.Set(key, chain)
	r.maybeFlushCNAMECache()

	return chain
}

// resolveCNAMEChain performs the actual iterative CNAME resolution.
func (r *Resolver) resolveCNAMEChain(ctx context.Context, host string) (chain []string) {
	seen := map[string]struct{}{host: {}}
	current := host

	for {
		target, ok := r.resolveCNAME(ctx, current)
		if !ok {
			break
		}

		if _, cyclic := seen[target]; cyclic {
			break
		}

		chain = append(chain, target)
		seen[target] = struct{}{}
		current = target
	}

	return chain
}

// resolveCNAME performs a single CNAME query.  ok is false on NXDOMAIN,
// NOANSWER, or any transport error.
func (r *Resolver) resolveCNAME(ctx context.Context, host string) (target string, ok bool) {
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(host), dns.TypeCNAME)
	m.RecursionDesired = true

	resp, err := r.exchange(ctx, m)
	if err != nil {
		if r.logger != nil {
			r.logger.DebugContext(ctx, "cname lookup error", "host", host, "err", err)
		}

		return "", false
	}

	if resp.Rcode != dns.RcodeSuccess {
		return "", false
	}

	for _, rr := range resp.Answer {
		if cname, isCNAME := rr.(*dns.CNAME); isCNAME {
			return normalizeHost(strings.TrimSuffix(cname.Target, ".")), true
		}
	}

	return "", false
}

// GetARecords returns the set of IPv4 addresses for host.  An empty,
// non-nil slice is returned (and cached) on NXDOMAIN, NOANSWER, or any
// transport error (§4.2).
func (r *Resolver) GetARecords(ctx context.Context, host string) (ips []string) {
	key := normalizeHost(host)

	if cached, ok := r.aCache.Get(key); ok {
		metrics.IncrementCacheLookup(metrics.CacheResolveA, true)

		return cached
	}
	metrics.IncrementCacheLookup(metrics.CacheResolveA, false)

	r.aLookupCount.Add(1)

	ips = r.lookupARecords(ctx, key)
	if ips == nil {
		ips = []string{}
	}

	r.aCache.Set(key, ips)

	return ips
}

// lookupARecords performs the actual A-record query.
func (r *Resolver) lookupARecords(ctx context.Context, host string) (ips []string) {
	m := &dns.Msg{}
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	resp, err := r.exchange(ctx, m)
	if err != nil {
		if r.logger != nil {
			r.logger.DebugContext(ctx, "a record lookup error", "host", host, "err", err)
		}

		return nil
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil
	}

	seen := map[string]struct{}{}
	for _, rr := range resp.Answer {
		if a, isA := rr.(*dns.A); isA {
			ip := a.A.String()
			if _, dup := seen[ip]; !dup {
				seen[ip] = struct{}{}
				ips = append(ips, ip)
			}
		}
	}

	return ips
}

// exchange sends m to the first configured nameserver that answers.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (resp *dns.Msg, err error) {
	var lastErr error

	for _, ns := range r.nameservers {
		resp, _, lastErr = r.client.ExchangeContext(ctx, m, ns)
		if lastErr == nil {
			return resp, nil
		}
	}

	return nil, lastErr
}

// maybeFlushCNAMECache persists the CNAME cache once cnameFlushThreshold
// additions have accumulated since the last flush, resetting the counter.
func (r *Resolver) maybeFlushCNAMECache() {
	if r.cnameAdditions.Add(1) < cnameFlushThreshold {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cnameAdditions.Load() < cnameFlushThreshold {
		// Another goroutine already flushed.
		return
	}

	if err := saveGobCache(r.cnameCacheFile, snapshotCache(r.cnameCache)); err != nil && r.logger != nil {
		r.logger.Error("resolve: auto-flushing cname cache", "err", err)
	}

	r.cnameAdditions.Store(0)
}

// normalizeHost lowercases and trims host for consistent cache keys.
func normalizeHost(host string) (normalized string) {
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(host, ".")))
}

// snapshottable is implemented by *cache.TTL[string, []string]; it lets
// Save/flush serialize the current contents without widening [cache.Interface]
// itself with a method most cache users don't need.
type snapshottable interface {
	Snapshot() map[string][]string
}

// snapshotCache returns the current contents of c for persistence.
func snapshotCache(c cache.Interface[string, []string]) (snapshot map[string][]string) {
	if e, ok := c.(snapshottable); ok {
		return e.Snapshot()
	}

	return map[string][]string{}
}

// loadGobCache reads a gob-encoded map[string][]string from path and
// populates c with it, applying ttl to every entry.  A missing file is not
// an error.
func loadGobCache(path string, c cache.Interface[string, []string], ttl time.Duration) (err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("opening %q: %w", path, err)
	}
	defer func() { err = errors.WithDeferred(err, f.Close()) }()

	data := map[string][]string{}
	if err = gob.NewDecoder(bufio.NewReader(f)).Decode(&data); err != nil {
		return fmt.Errorf("decoding %q: %w", path, err)
	}

	for k, v := range data {
		c.SetWithExpire(k, v, ttl)
	}

	return nil
}

// saveGobCache writes data to path atomically (write-temp-then-rename).
func saveGobCache(path string, data map[string][]string) (err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	t, err := renameio.TempFile(renameio.TempDir(filepath.Dir(path)), path)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, t.Cleanup()) }()

	if err = gob.NewEncoder(t).Encode(data); err != nil {
		return fmt.Errorf("encoding: %w", err)
	}

	if err = t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing: %w", err)
	}

	return nil
}
