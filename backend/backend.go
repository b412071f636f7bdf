// Package backend defines the pluggable address-allocation contract used by
// the DHCP server, together with the in-memory reference implementation and
// a read/write caching wrapper.
package backend

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Allocation-state errors. The dispatcher translates both into protocol NAK
// replies rather than surfacing them as faults.
var (
	// ErrPoolExhausted indicates that no free address remains in the pool.
	ErrPoolExhausted = errors.New("address pool exhausted")

	// ErrUnknownLease indicates an operation on a hardware address that
	// holds no active lease.
	ErrUnknownLease = errors.New("no lease for hardware address")
)

// Config holds the network configuration handed to a client along with its
// address.
type Config struct {
	SubnetMask net.IPMask
	Routers    []net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
}

// Lease is a time-bounded grant of an IPv4 address to a hardware address.
// A given device holds at most one active lease per backend instance.
type Lease struct {
	IP           net.IP
	HardwareAddr net.HardwareAddr
	Hostname     string
	Expires      time.Time
	Config       Config
}

// Expired determines whether the lease has expired at the specified instant.
func (lease *Lease) Expired(now time.Time) bool {
	return !now.Before(lease.Expires)
}

// clone returns an independent copy so callers can never mutate
// backend-owned state through a returned lease.
func (lease *Lease) clone() *Lease {
	copied := *lease

	return &copied
}

// Backend is the capability set any address-allocation backend implements.
//
// Implementations enforce their own internal mutual exclusion: at any
// instant no two active leases hold the same IPv4 address, even under
// concurrent calls.
type Backend interface {
	// Allocate returns the existing active lease for the hardware address
	// if one exists, or grants a new one, honoring the requested address
	// when it is inside the pool and free. Fails with ErrPoolExhausted
	// when no free address remains.
	Allocate(hwAddr net.HardwareAddr, requested net.IP) (*Lease, error)

	// Renew extends the expiry of an existing lease. Fails with
	// ErrUnknownLease when the hardware address holds no active lease.
	Renew(hwAddr net.HardwareAddr) (*Lease, error)

	// Release frees the hardware address's lease for immediate
	// reallocation. Releasing an unknown or already-released address is
	// not an error.
	Release(hwAddr net.HardwareAddr) error

	// Lookup returns the active lease for the hardware address, if any.
	// It never mutates state.
	Lookup(hwAddr net.HardwareAddr) (*Lease, bool)
}

// Pool is the immutable address-range configuration of a backend: the
// network prefix, the allocatable range bounds and the addresses that must
// never be handed out.
type Pool struct {
	Network    *net.IPNet
	Gateway    net.IP
	RangeStart net.IP
	RangeEnd   net.IP
	Reserved   []net.IP
}

// NewPool creates a pool spanning every host address of the network, with
// the gateway excluded from allocation.
func NewPool(network *net.IPNet, gateway net.IP, reserved ...net.IP) (*Pool, error) {
	if network == nil {
		return nil, errors.New("pool requires a network prefix")
	}

	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("pool requires an IPv4 network, got %s", network)
	}
	if ones > 30 {
		return nil, fmt.Errorf("network %s has no allocatable host addresses", network)
	}

	base := ipToU32(network.IP)
	size := uint32(1) << (32 - ones)

	pool := &Pool{
		Network:    network,
		Gateway:    gateway,
		RangeStart: u32ToIP(base + 1),        // skip the network address
		RangeEnd:   u32ToIP(base + size - 2), // skip the broadcast address
		Reserved:   reserved,
	}

	return pool, nil
}

// NewPoolRange creates a pool over an explicit address range inside the
// network.
func NewPoolRange(network *net.IPNet, gateway, start, end net.IP, reserved ...net.IP) (*Pool, error) {
	if network == nil {
		return nil, errors.New("pool requires a network prefix")
	}
	if start.To4() == nil || end.To4() == nil {
		return nil, fmt.Errorf("invalid pool range [%s, %s]", start, end)
	}
	if !network.Contains(start) || !network.Contains(end) {
		return nil, fmt.Errorf("pool range [%s, %s] does not lie within network %s", start, end, network)
	}
	if ipToU32(start) > ipToU32(end) {
		return nil, fmt.Errorf("pool range [%s, %s] is empty", start, end)
	}

	pool := &Pool{
		Network:    network,
		Gateway:    gateway,
		RangeStart: start.To4(),
		RangeEnd:   end.To4(),
		Reserved:   reserved,
	}

	return pool, nil
}

// Size returns the number of addresses inside the pool range, including any
// excluded gateway or reserved addresses.
func (pool *Pool) Size() uint {
	return uint(ipToU32(pool.RangeEnd)-ipToU32(pool.RangeStart)) + 1
}

// Contains determines whether the address lies inside the pool range.
func (pool *Pool) Contains(ip net.IP) bool {
	ipv4 := ip.To4()
	if ipv4 == nil {
		return false
	}

	value := ipToU32(ipv4)

	return value >= ipToU32(pool.RangeStart) && value <= ipToU32(pool.RangeEnd)
}

// offset translates an address into its bit index within the pool range.
func (pool *Pool) offset(ip net.IP) uint {
	return uint(ipToU32(ip) - ipToU32(pool.RangeStart))
}

// address translates a bit index back into an address.
func (pool *Pool) address(offset uint) net.IP {
	return u32ToIP(ipToU32(pool.RangeStart) + uint32(offset))
}

// hwKey canonicalises a hardware address for use as an allocation key.
func hwKey(hwAddr net.HardwareAddr) string {
	return hwAddr.String()
}

func ipToU32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func u32ToIP(value uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, value)

	return ip
}
