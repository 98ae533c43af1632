package cache

import (
	"fmt"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/bluele/gcache"
)

// TTL is an [Interface] implementation backed by gcache, used for every
// memoizing component in the engine.  Unlike an LRU-only cache, entries set
// via Set use defaultTTL so that negative results (§4.2, §4.3, §4.4) expire
// and get re-validated instead of living forever.
type TTL[K comparable, T any] struct {
	cache      gcache.Cache
	defaultTTL time.Duration
}

// Config is the configuration for a [TTL] cache.
type Config struct {
	// Size is the maximum number of entries kept in the cache.
	Size int

	// DefaultTTL is the expiration applied to entries set via Set (as
	// opposed to SetWithExpire, which carries its own expiration).  Zero
	// means entries set via Set never expire.
	DefaultTTL time.Duration
}

// New returns a new initialized *TTL cache.
func New[K comparable, T any](c *Config) (tc *TTL[K, T]) {
	return &TTL[K, T]{
		cache:      gcache.New(c.Size).LRU().Build(),
		defaultTTL: c.DefaultTTL,
	}
}

// type check
var _ Interface[int, int] = (*TTL[int, int])(nil)

// Set implements the [Interface] interface for *TTL.
func (c *TTL[K, T]) Set(key K, val T) {
	c.SetWithExpire(key, val, c.defaultTTL)
}

// SetWithExpire implements the [Interface] interface for *TTL.
func (c *TTL[K, T]) SetWithExpire(key K, val T, expiration time.Duration) {
	var err error
	if expiration > 0 {
		err = c.cache.SetWithExpire(key, val, expiration)
	} else {
		err = c.cache.Set(key, val)
	}
	if err != nil {
		// Shouldn't happen, since no serialization function is configured.
		panic(fmt.Errorf("cache: setting item: %w", err))
	}
}

// Get implements the [Interface] interface for *TTL.
func (c *TTL[K, T]) Get(key K) (val T, ok bool) {
	v, err := c.cache.Get(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			panic(fmt.Errorf("cache: getting item: %w", err))
		}

		return val, false
	}

	if v == nil {
		return val, true
	}

	return v.(T), true
}

// Clear implements the [Interface] interface for *TTL.
func (c *TTL[K, T]) Clear() {
	c.cache.Purge()
}

// Len implements the [Interface] interface for *TTL.  n may include items
// that have expired but have not yet been evicted.
func (c *TTL[K, T]) Len() (n int) {
	const checkExpired = false

	return c.cache.Len(checkExpired)
}

// Snapshot returns a copy of the non-expired entries currently in the
// cache, keyed the same way they were set.  It is used by components that
// persist their cache to disk between runs (e.g. the DNS resolver's A-record
// and CNAME-chain caches).
func (c *TTL[K, T]) Snapshot() (snapshot map[K]T) {
	const checkExpired = true

	all := c.cache.GetALL(checkExpired)
	snapshot = make(map[K]T, len(all))
	for k, v := range all {
		snapshot[k.(K)] = v.(T)
	}

	return snapshot
}
