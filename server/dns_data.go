package server

import (
	"net"
	"sync"

	"github.com/miekg/dns"
)

// DNSData holds the name records derived from active leases. Records are
// added when a lease with a host name is acknowledged and removed when it is
// released.
type DNSData struct {
	mutex          sync.RWMutex
	v4Addresses    map[string]dns.A
	reverseLookups map[string]dns.PTR

	suffix     string
	defaultTTL uint32
}

var _ LeaseRegistry = (*DNSData)(nil)

// NewDNSData creates a new DNSData. Registered names are qualified with the
// specified domain suffix.
func NewDNSData(suffix string, defaultTTL uint32) *DNSData {
	return &DNSData{
		v4Addresses:    make(map[string]dns.A),
		reverseLookups: make(map[string]dns.PTR),
		suffix:         dns.Fqdn(suffix),
		defaultTTL:     defaultTTL,
	}
}

// RegisterLease adds or updates the records for a confirmed lease.
func (data *DNSData) RegisterLease(hostname string, ip net.IP) {
	fqdn := data.fqdn(hostname)

	data.mutex.Lock()
	defer data.mutex.Unlock()

	data.v4Addresses[fqdn] = dns.A{
		Hdr: dns.RR_Header{
			Name:   fqdn,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    data.defaultTTL,
		},
		A: ip,
	}

	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return
	}

	data.reverseLookups[arpa] = dns.PTR{
		Hdr: dns.RR_Header{
			Name:   arpa,
			Rrtype: dns.TypePTR,
			Class:  dns.ClassINET,
			Ttl:    data.defaultTTL,
		},
		Ptr: fqdn,
	}
}

// UnregisterLease removes any records that exist for the released lease.
func (data *DNSData) UnregisterLease(hostname string) {
	fqdn := data.fqdn(hostname)

	data.mutex.Lock()
	defer data.mutex.Unlock()

	record, ok := data.v4Addresses[fqdn]
	if ok {
		if arpa, err := dns.ReverseAddr(record.A.String()); err == nil {
			delete(data.reverseLookups, arpa)
		}
	}

	delete(data.v4Addresses, fqdn)
}

// FindA retrieves the A record (if one exists) for the specified name.
func (data *DNSData) FindA(name string) *dns.A {
	fqdn := dns.Fqdn(name)

	data.mutex.RLock()
	defer data.mutex.RUnlock()

	record, ok := data.v4Addresses[fqdn]
	if ok {
		return &record
	}

	return nil
}

// FindPTR retrieves the PTR record (if one exists) for the specified
// ".arpa" address.
func (data *DNSData) FindPTR(arpa string) *dns.PTR {
	fqdn := dns.Fqdn(arpa)

	data.mutex.RLock()
	defer data.mutex.RUnlock()

	record, ok := data.reverseLookups[fqdn]
	if ok {
		return &record
	}

	return nil
}

func (data *DNSData) fqdn(hostname string) string {
	return dns.Fqdn(hostname + "." + data.suffix)
}
