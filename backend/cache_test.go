package backend

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyBackend records the order of delegated calls so tests can verify the
// cache mutates the wrapped backend before its own state.
type spyBackend struct {
	wrapped Backend
	calls   []string
}

func (spy *spyBackend) Allocate(hwAddr net.HardwareAddr, requested net.IP) (*Lease, error) {
	spy.calls = append(spy.calls, "allocate")

	return spy.wrapped.Allocate(hwAddr, requested)
}

func (spy *spyBackend) Renew(hwAddr net.HardwareAddr) (*Lease, error) {
	spy.calls = append(spy.calls, "renew")

	return spy.wrapped.Renew(hwAddr)
}

func (spy *spyBackend) Release(hwAddr net.HardwareAddr) error {
	spy.calls = append(spy.calls, "release")

	return spy.wrapped.Release(hwAddr)
}

func (spy *spyBackend) Lookup(hwAddr net.HardwareAddr) (*Lease, bool) {
	spy.calls = append(spy.calls, "lookup")

	return spy.wrapped.Lookup(hwAddr)
}

func testCache(t *testing.T, ttl time.Duration, maxEntries int) (*Cache, *spyBackend) {
	t.Helper()

	spy := &spyBackend{wrapped: testMemory(t)}

	return NewCache(spy, ttl, maxEntries), spy
}

func TestCacheReadThrough(t *testing.T) {
	cache, spy := testCache(t, time.Minute, 16)

	lease, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"allocate"}, spy.calls)

	// A repeat allocation is served from the cache without delegating.
	again, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)
	assert.Equal(t, lease.IP, again.IP)
	assert.Equal(t, []string{"allocate"}, spy.calls)

	found, ok := cache.Lookup(testHW(1))
	require.True(t, ok)
	assert.Equal(t, lease.IP, found.IP)
	assert.Equal(t, []string{"allocate"}, spy.calls)

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestCacheAllocateConflictingRequestDelegates(t *testing.T) {
	cache, spy := testCache(t, time.Minute, 16)

	_, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)

	// A hint that contradicts the cached lease must reach the wrapped
	// backend rather than being answered from the cache.
	lease, err := cache.Allocate(testHW(1), net.IP{192, 168, 1, 99})
	require.NoError(t, err)
	assert.Equal(t, []string{"allocate", "allocate"}, spy.calls)
	assert.Equal(t, net.IP{192, 168, 1, 2}, lease.IP)
}

func TestCacheReleaseInvalidates(t *testing.T) {
	cache, spy := testCache(t, time.Minute, 16)

	_, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)

	require.NoError(t, cache.Release(testHW(1)))

	_, ok := cache.Lookup(testHW(1))
	assert.False(t, ok)
	assert.Equal(t, []string{"allocate", "release", "lookup"}, spy.calls)
	assert.Zero(t, cache.Len())
}

func TestCacheRenewDelegatesFirst(t *testing.T) {
	cache, spy := testCache(t, time.Minute, 16)

	_, err := cache.Renew(testHW(1))
	assert.ErrorIs(t, err, ErrUnknownLease)
	assert.Equal(t, []string{"renew"}, spy.calls)

	lease, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)

	renewed, err := cache.Renew(testHW(1))
	require.NoError(t, err)
	assert.Equal(t, lease.IP, renewed.IP)
	assert.Equal(t, []string{"renew", "allocate", "renew"}, spy.calls)

	// The renewed lease is what later lookups see from the cache.
	found, ok := cache.Lookup(testHW(1))
	require.True(t, ok)
	assert.Equal(t, renewed.Expires, found.Expires)
	assert.Equal(t, []string{"renew", "allocate", "renew"}, spy.calls)
}

func TestCacheEntryTTLExpiry(t *testing.T) {
	cache, spy := testCache(t, 30*time.Second, 16)

	now := time.Now()
	cache.now = func() time.Time { return now }

	_, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)

	now = now.Add(time.Minute)

	// The cache entry has gone stale, so the lookup delegates again.
	_, ok := cache.Lookup(testHW(1))
	require.True(t, ok)
	assert.Equal(t, []string{"allocate", "lookup"}, spy.calls)
}

func TestCacheEntryNeverOutlivesLease(t *testing.T) {
	memory := testMemory(t)

	now := time.Now()
	memory.now = func() time.Time { return now }

	spy := &spyBackend{wrapped: memory}
	cache := NewCache(spy, time.Hour, 16)
	cache.now = func() time.Time { return now }

	_, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)

	// A generous cache TTL is still capped at the lease expiry.
	now = now.Add(61 * time.Minute)

	_, ok := cache.Lookup(testHW(1))
	assert.False(t, ok)
	assert.Equal(t, []string{"allocate", "lookup"}, spy.calls)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache, spy := testCache(t, time.Minute, 2)

	_, err := cache.Allocate(testHW(1), nil)
	require.NoError(t, err)
	_, err = cache.Allocate(testHW(2), nil)
	require.NoError(t, err)

	// Touch the first entry so the second becomes the eviction victim.
	_, ok := cache.Lookup(testHW(1))
	require.True(t, ok)

	_, err = cache.Allocate(testHW(3), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	spy.calls = nil

	_, ok = cache.Lookup(testHW(1))
	assert.True(t, ok)
	assert.Empty(t, spy.calls)

	_, ok = cache.Lookup(testHW(2))
	assert.True(t, ok)
	assert.Equal(t, []string{"lookup"}, spy.calls)
}

// gateBackend parks Lookup after it has read from the wrapped backend, so a
// test can complete a Release while the read-through result is in flight.
type gateBackend struct {
	Backend

	entered chan struct{}
	resume  chan struct{}
}

func (gate *gateBackend) Lookup(hwAddr net.HardwareAddr) (*Lease, bool) {
	lease, ok := gate.Backend.Lookup(hwAddr)

	select {
	case gate.entered <- struct{}{}:
		<-gate.resume
	default:
	}

	return lease, ok
}

func TestCacheReleaseWinsOverInFlightLookup(t *testing.T) {
	gate := &gateBackend{
		Backend: testMemory(t),
		entered: make(chan struct{}, 1),
		resume:  make(chan struct{}),
	}
	cache := NewCache(gate, time.Minute, 16)

	_, err := gate.Backend.Allocate(testHW(1), nil)
	require.NoError(t, err)

	looked := make(chan struct{})
	go func() {
		defer close(looked)

		cache.Lookup(testHW(1))
	}()

	// The lookup has read the active lease and is parked before storing it.
	<-gate.entered

	require.NoError(t, cache.Release(testHW(1)))

	close(gate.resume)
	<-looked

	// The parked result must not have been stored: the release already
	// invalidated the key and the backend no longer holds the lease.
	_, ok := cache.Lookup(testHW(1))
	assert.False(t, ok)
	assert.Zero(t, cache.Len())
}

func TestCacheDefaults(t *testing.T) {
	cache := NewCache(testMemory(t), 0, 0)

	assert.Equal(t, DefaultCacheTTL, cache.ttl)
	assert.Equal(t, DefaultCacheEntries, cache.maxEntries)
}
