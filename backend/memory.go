package backend

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// DefaultLeaseTime is the lease duration used when the backend
// configuration does not specify one.
const DefaultLeaseTime = time.Hour

// StaticRecord pins a hardware address to a fixed IP assignment, optionally
// with its own configuration overrides.
type StaticRecord struct {
	IP       net.IP
	Hostname string
	Config   *Config
}

// Memory is the authoritative in-memory backend. Leases live in a map keyed
// by hardware address; a bitmap over the pool range tracks in-use addresses
// so allocation never scans the lease table for a free address.
type Memory struct {
	pool     *Pool
	defaults Config
	static   map[string]StaticRecord

	mutex  sync.RWMutex
	leases map[string]*Lease
	inUse  *bitset.BitSet

	now func() time.Time
}

var _ Backend = (*Memory)(nil)

// NewMemory creates a Memory backend over the specified pool. The gateway
// and any reserved pool addresses are pre-marked in-use so allocation can
// never select them.
func NewMemory(pool *Pool, defaults Config) *Memory {
	if defaults.LeaseTime <= 0 {
		defaults.LeaseTime = DefaultLeaseTime
	}
	if defaults.SubnetMask == nil {
		defaults.SubnetMask = pool.Network.Mask
	}

	memory := &Memory{
		pool:     pool,
		defaults: defaults,
		static:   make(map[string]StaticRecord),
		leases:   make(map[string]*Lease),
		inUse:    bitset.New(pool.Size()),
		now:      time.Now,
	}

	if pool.Gateway != nil && pool.Contains(pool.Gateway) {
		memory.inUse.Set(pool.offset(pool.Gateway))
	}
	for _, reserved := range pool.Reserved {
		if pool.Contains(reserved) {
			memory.inUse.Set(pool.offset(reserved))
		}
	}

	return memory
}

// AddStatic pins the hardware address to a fixed assignment. Static records
// are part of backend construction and must be added before serving traffic.
func (memory *Memory) AddStatic(hwAddr net.HardwareAddr, record StaticRecord) error {
	if record.IP.To4() == nil {
		return fmt.Errorf("static record for %s has invalid address %s", hwAddr, record.IP)
	}

	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	memory.static[hwKey(hwAddr)] = record

	// Keep dynamic allocation away from the pinned address.
	if memory.pool.Contains(record.IP) {
		memory.inUse.Set(memory.pool.offset(record.IP))
	}

	return nil
}

// Allocate implements Backend.
func (memory *Memory) Allocate(hwAddr net.HardwareAddr, requested net.IP) (*Lease, error) {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	now := memory.now()
	memory.reclaimExpired(now)

	key := hwKey(hwAddr)

	// An existing unexpired lease always wins over a conflicting
	// requested address; re-offering the same address avoids
	// double-allocation.
	if lease, ok := memory.leases[key]; ok {
		lease.Expires = now.Add(lease.Config.LeaseTime)

		return lease.clone(), nil
	}

	ip, record, err := memory.selectAddress(key, requested)
	if err != nil {
		return nil, err
	}

	config := memory.defaults
	if record != nil && record.Config != nil {
		config = *record.Config
		if config.LeaseTime <= 0 {
			config.LeaseTime = memory.defaults.LeaseTime
		}
	}

	lease := &Lease{
		IP:           ip,
		HardwareAddr: hwAddr,
		Expires:      now.Add(config.LeaseTime),
		Config:       config,
	}
	if record != nil {
		lease.Hostname = record.Hostname
	}

	memory.leases[key] = lease
	if memory.pool.Contains(ip) {
		memory.inUse.Set(memory.pool.offset(ip))
	}

	return lease.clone(), nil
}

// Renew implements Backend.
func (memory *Memory) Renew(hwAddr net.HardwareAddr) (*Lease, error) {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	now := memory.now()
	memory.reclaimExpired(now)

	lease, ok := memory.leases[hwKey(hwAddr)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLease, hwAddr)
	}

	lease.Expires = now.Add(lease.Config.LeaseTime)

	return lease.clone(), nil
}

// Release implements Backend. It is idempotent.
func (memory *Memory) Release(hwAddr net.HardwareAddr) error {
	memory.mutex.Lock()
	defer memory.mutex.Unlock()

	memory.releaseLocked(hwKey(hwAddr))

	return nil
}

// Lookup implements Backend.
func (memory *Memory) Lookup(hwAddr net.HardwareAddr) (*Lease, bool) {
	memory.mutex.RLock()
	defer memory.mutex.RUnlock()

	lease, ok := memory.leases[hwKey(hwAddr)]
	if !ok || lease.Expired(memory.now()) {
		return nil, false
	}

	return lease.clone(), true
}

// LeaseCount returns the number of leases currently held, expired ones
// included until the next mutation reclaims them.
func (memory *Memory) LeaseCount() int {
	memory.mutex.RLock()
	defer memory.mutex.RUnlock()

	return len(memory.leases)
}

// ActiveLeases returns a snapshot of all unexpired leases.
func (memory *Memory) ActiveLeases() []*Lease {
	memory.mutex.RLock()
	defer memory.mutex.RUnlock()

	now := memory.now()

	leases := make([]*Lease, 0, len(memory.leases))
	for _, lease := range memory.leases {
		if !lease.Expired(now) {
			leases = append(leases, lease.clone())
		}
	}

	return leases
}

// selectAddress picks the address for a new lease: the static assignment if
// one exists, then the requested address if it is free inside the pool, then
// the lowest free address in range.
func (memory *Memory) selectAddress(key string, requested net.IP) (net.IP, *StaticRecord, error) {
	if record, ok := memory.static[key]; ok {
		return record.IP.To4(), &record, nil
	}

	if requested != nil && memory.pool.Contains(requested) {
		offset := memory.pool.offset(requested)
		if !memory.inUse.Test(offset) {
			return memory.pool.address(offset), nil, nil
		}
	}

	offset, ok := memory.inUse.NextClear(0)
	if !ok || offset >= memory.pool.Size() {
		return nil, nil, fmt.Errorf("%w: all %d addresses in use", ErrPoolExhausted, memory.pool.Size())
	}

	return memory.pool.address(offset), nil, nil
}

// reclaimExpired frees the addresses of expired leases. Called with the
// mutex held at the start of every mutation.
func (memory *Memory) reclaimExpired(now time.Time) {
	for key, lease := range memory.leases {
		if lease.Expired(now) {
			memory.releaseLocked(key)
		}
	}
}

func (memory *Memory) releaseLocked(key string) {
	lease, ok := memory.leases[key]
	if !ok {
		return
	}

	delete(memory.leases, key)

	// Statically pinned addresses stay excluded from dynamic allocation.
	if _, pinned := memory.static[key]; pinned {
		return
	}

	if memory.pool.Contains(lease.IP) {
		memory.inUse.Clear(memory.pool.offset(lease.IP))
	}
}
