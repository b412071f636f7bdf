package backend

import (
	"container/list"
	"net"
	"sync"
	"time"
)

// Cache defaults used when NewCache is given non-positive bounds.
const (
	DefaultCacheTTL     = 30 * time.Second
	DefaultCacheEntries = 10000
)

// Cache wraps another backend with a bounded, TTL-based read-through cache
// keyed by hardware address. Reads (Lookup, Allocate) consult the cache
// first; mutations (Renew, Release) always hit the wrapped backend first and
// only then update or invalidate the cached entry, so a cache entry never
// outlives a confirmed mutation on the source of truth.
type Cache struct {
	backend    Backend
	ttl        time.Duration
	maxEntries int

	mutex   sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // front = most recently used

	// generations is bumped per key on invalidation so that a read-through
	// result captured before a Release never overwrites the invalidation.
	generations map[string]uint64

	hits   uint64
	misses uint64

	now func() time.Time
}

type cacheEntry struct {
	lease   *Lease
	expires time.Time
	element *list.Element
}

var _ Backend = (*Cache)(nil)

// NewCache wraps the specified backend. A non-positive ttl or maxEntries
// falls back to the package defaults.
func NewCache(wrapped Backend, ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}

	return &Cache{
		backend:     wrapped,
		ttl:         ttl,
		maxEntries:  maxEntries,
		entries:     make(map[string]*cacheEntry),
		order:       list.New(),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// Allocate implements Backend. A fresh cached lease is served directly when
// it does not contradict the requested address; everything else delegates
// and repopulates the cache.
func (cache *Cache) Allocate(hwAddr net.HardwareAddr, requested net.IP) (*Lease, error) {
	key := hwKey(hwAddr)

	if lease, ok := cache.getFresh(key); ok {
		if requested == nil || lease.IP.Equal(requested) {
			return lease, nil
		}
	}

	generation := cache.generation(key)

	lease, err := cache.backend.Allocate(hwAddr, requested)
	if err != nil {
		cache.invalidate(key)

		return nil, err
	}

	cache.store(key, lease, generation)

	return lease.clone(), nil
}

// Renew implements Backend. The wrapped backend confirms the renewal before
// the cache is touched.
func (cache *Cache) Renew(hwAddr net.HardwareAddr) (*Lease, error) {
	key := hwKey(hwAddr)

	generation := cache.generation(key)

	lease, err := cache.backend.Renew(hwAddr)
	if err != nil {
		cache.invalidate(key)

		return nil, err
	}

	cache.store(key, lease, generation)

	return lease.clone(), nil
}

// Release implements Backend. The wrapped backend releases first; only then
// is the cached entry dropped, so a concurrent Lookup can never observe a
// stale active entry after Release returns.
func (cache *Cache) Release(hwAddr net.HardwareAddr) error {
	err := cache.backend.Release(hwAddr)
	if err != nil {
		return err
	}

	cache.invalidate(hwKey(hwAddr))

	return nil
}

// Lookup implements Backend.
func (cache *Cache) Lookup(hwAddr net.HardwareAddr) (*Lease, bool) {
	key := hwKey(hwAddr)

	if lease, ok := cache.getFresh(key); ok {
		return lease, true
	}

	generation := cache.generation(key)

	lease, ok := cache.backend.Lookup(hwAddr)
	if !ok {
		return nil, false
	}

	cache.store(key, lease, generation)

	return lease.clone(), true
}

// Stats returns the cache hit and miss counts.
func (cache *Cache) Stats() (hits, misses uint64) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.hits, cache.misses
}

// Len returns the current number of cached entries.
func (cache *Cache) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return len(cache.entries)
}

// getFresh returns a copy of the cached lease when the entry is inside its
// staleness window and the lease itself has not expired.
func (cache *Cache) getFresh(key string) (*Lease, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	entry, ok := cache.entries[key]
	if !ok {
		cache.misses++

		return nil, false
	}

	now := cache.now()
	if !now.Before(entry.expires) || entry.lease.Expired(now) {
		cache.removeLocked(key, entry)
		cache.misses++

		return nil, false
	}

	cache.order.MoveToFront(entry.element)
	cache.hits++

	return entry.lease.clone(), true
}

// generation reads the key's current invalidation generation. Read-through
// callers capture it before delegating.
func (cache *Cache) generation(key string) uint64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.generations[key]
}

// store caches a copy of the lease. The entry lives for the cache TTL, but
// never past the lease's own expiry. The write is dropped when the key was
// invalidated after generation was captured: the invalidation wins over any
// in-flight read, so a released lease can never reappear as active.
func (cache *Cache) store(key string, lease *Lease, generation uint64) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	if cache.generations[key] != generation {
		return
	}

	now := cache.now()

	expires := now.Add(cache.ttl)
	if lease.Expires.Before(expires) {
		expires = lease.Expires
	}

	if entry, ok := cache.entries[key]; ok {
		entry.lease = lease.clone()
		entry.expires = expires
		cache.order.MoveToFront(entry.element)

		return
	}

	// Least-recently-used entries give way once the capacity bound is hit.
	for len(cache.entries) >= cache.maxEntries {
		oldest := cache.order.Back()
		if oldest == nil {
			break
		}

		oldestKey := oldest.Value.(string)
		cache.removeLocked(oldestKey, cache.entries[oldestKey])
	}

	cache.entries[key] = &cacheEntry{
		lease:   lease.clone(),
		expires: expires,
		element: cache.order.PushFront(key),
	}
}

func (cache *Cache) invalidate(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.generations[key]++

	if entry, ok := cache.entries[key]; ok {
		cache.removeLocked(key, entry)
	}
}

func (cache *Cache) removeLocked(key string, entry *cacheEntry) {
	delete(cache.entries, key)
	cache.order.Remove(entry.element)
}
