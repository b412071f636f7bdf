package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"

	"github.com/imgurbot12/godhcp/backend"
)

// Service represents the state for the DHCP service.
type Service struct {
	InterfaceName string
	ServiceIP     net.IP

	Pool          *backend.Pool
	LeaseDuration time.Duration

	Backend    backend.Backend
	dispatcher *Dispatcher

	EnableCache  bool
	CacheTTL     time.Duration
	CacheEntries int

	EnableDNS          bool
	DNSPort            int
	DNSSuffix          string
	DNSTTL             uint32
	DNSData            *DNSData
	DNSFallbackAddress string
	dnsFallbackClient  *dns.Client

	EnableDebugLogging bool

	listeners   *ServiceListeners
	stateLock   sync.Mutex
	sweepTimer  *time.Ticker
	cancelSweep chan struct{}
}

// NewService creates new Service state.
func NewService() *Service {
	service := &Service{
		LeaseDuration: 24 * time.Hour,
	}
	service.listeners = NewServiceListeners(service)

	return service
}

// Initialize reads the service configuration and constructs the backend and
// dispatcher.
func (service *Service) Initialize() error {
	// Defaults
	viper.SetDefault("debug", false)
	viper.SetDefault("lease.duration", "24h")
	viper.SetDefault("cache.enable", false)
	viper.SetDefault("cache.ttl", "30s")
	viper.SetDefault("cache.max_entries", backend.DefaultCacheEntries)
	viper.SetDefault("dns.enable", false)
	viper.SetDefault("dns.port", 53)
	viper.SetDefault("dns.suffix", "dhcp.")
	viper.SetDefault("dns.ttl", 300)
	viper.SetDefault("dns.forward_to.address", "8.8.8.8")
	viper.SetDefault("dns.forward_to.port", 53)

	// Environment variables.
	viper.BindEnv("debug", "GODHCP_DEBUG")
	viper.BindEnv("network.interface", "GODHCP_INTERFACE")
	viper.BindEnv("network.service_ip", "GODHCP_SERVICE_IP")
	viper.BindEnv("network.cidr", "GODHCP_NETWORK_CIDR")
	viper.BindEnv("network.gateway", "GODHCP_GATEWAY")
	viper.BindEnv("lease.duration", "GODHCP_LEASE_DURATION")
	viper.BindEnv("cache.enable", "GODHCP_CACHE_ENABLE")
	viper.BindEnv("dns.enable", "GODHCP_DNS_ENABLE")
	viper.BindEnv("dns.suffix", "GODHCP_DNS_SUFFIX")
	viper.BindEnv("dns.port", "GODHCP_DNS_PORT")

	viper.SetConfigType("yaml")
	viper.SetConfigName("godhcp")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("cannot read configuration: %w", err)
	}

	service.EnableDebugLogging = viper.GetBool("debug")

	service.InterfaceName = viper.GetString("network.interface")
	if len(service.InterfaceName) == 0 {
		return fmt.Errorf("network.interface / GODHCP_INTERFACE is required")
	}

	service.ServiceIP = net.ParseIP(viper.GetString("network.service_ip"))
	if service.ServiceIP == nil {
		return fmt.Errorf("network.service_ip / GODHCP_SERVICE_IP is required")
	}
	service.ServiceIP = service.ServiceIP.To4()

	_, network, err := net.ParseCIDR(viper.GetString("network.cidr"))
	if err != nil {
		return fmt.Errorf("network.cidr / GODHCP_NETWORK_CIDR is invalid: %w", err)
	}

	gateway := net.ParseIP(viper.GetString("network.gateway"))
	if gateway == nil {
		return fmt.Errorf("network.gateway / GODHCP_GATEWAY is required")
	}

	if !network.Contains(service.ServiceIP) {
		return fmt.Errorf("service IP address %s does not lie within the configured network (%s)",
			service.ServiceIP, network,
		)
	}

	// The server's own address must never be handed out.
	service.Pool, err = service.buildPool(network, gateway)
	if err != nil {
		return err
	}

	service.LeaseDuration = viper.GetDuration("lease.duration")
	if service.LeaseDuration <= 0 {
		return fmt.Errorf("lease.duration (%s) is invalid", service.LeaseDuration)
	}

	var dnsServers []net.IP
	for _, address := range viper.GetStringSlice("network.dns") {
		server := net.ParseIP(address)
		if server == nil {
			return fmt.Errorf("network.dns entry '%s' is invalid", address)
		}
		dnsServers = append(dnsServers, server.To4())
	}

	memory := backend.NewMemory(service.Pool, backend.Config{
		SubnetMask: network.Mask,
		Routers:    []net.IP{gateway.To4()},
		DNS:        dnsServers,
		LeaseTime:  service.LeaseDuration,
	})

	err = service.addStaticReservations(memory)
	if err != nil {
		return err
	}

	service.Backend = memory

	service.EnableCache = viper.GetBool("cache.enable")
	if service.EnableCache {
		service.CacheTTL = viper.GetDuration("cache.ttl")
		service.CacheEntries = viper.GetInt("cache.max_entries")
		service.Backend = backend.NewCache(memory, service.CacheTTL, service.CacheEntries)
	}

	service.EnableDNS = viper.GetBool("dns.enable")
	if service.EnableDNS {
		service.DNSPort = viper.GetInt("dns.port")
		if service.DNSPort < 53 {
			return fmt.Errorf("dns.port (%d) is invalid", service.DNSPort)
		}

		service.DNSSuffix = viper.GetString("dns.suffix")
		if len(service.DNSSuffix) == 0 {
			return fmt.Errorf("dns.suffix / GODHCP_DNS_SUFFIX is optional, but cannot be empty")
		}
		service.DNSSuffix = dns.Fqdn(service.DNSSuffix) // Ensure trailing "."
		service.DNSTTL = viper.GetUint32("dns.ttl")
		service.DNSData = NewDNSData(service.DNSSuffix, service.DNSTTL)

		fallbackAddress := viper.GetString("dns.forward_to.address")
		fallbackPort := viper.GetInt("dns.forward_to.port")
		if len(fallbackAddress) == 0 || fallbackPort == 0 {
			return fmt.Errorf("dns.forward_to is optional, but cannot be empty")
		}
		service.DNSFallbackAddress = fmt.Sprintf("%s:%d", fallbackAddress, fallbackPort)
		service.dnsFallbackClient = &dns.Client{}
	}

	service.dispatcher = NewDispatcher(service.Backend, service.ServiceIP, service.leaseRegistry())

	err = service.listeners.Initialize()
	if err != nil {
		return err
	}

	go service.logListenerErrors()

	return nil
}

// Start the service.
func (service *Service) Start() error {
	service.acquireStateLock("Start")
	defer service.releaseStateLock("Start")

	service.cancelSweep = make(chan struct{})
	service.sweepTimer = time.NewTicker(30 * time.Second)

	go func() {
		cancelSweep := service.cancelSweep
		sweepTimer := service.sweepTimer.C

		for {
			select {
			case <-cancelSweep:
				return // Stopped

			case <-sweepTimer:
				service.logLeaseState()
			}
		}
	}()

	err := service.listeners.Start()
	if err != nil {
		return fmt.Errorf("failed to start service listeners: %w", err)
	}

	return nil
}

// Stop the service.
func (service *Service) Stop() error {
	service.acquireStateLock("Stop")
	defer service.releaseStateLock("Stop")

	err := service.listeners.Stop()
	if err != nil {
		return err
	}

	if service.cancelSweep != nil {
		close(service.cancelSweep)
		service.cancelSweep = nil
	}

	if service.sweepTimer != nil {
		service.sweepTimer.Stop()
		service.sweepTimer = nil
	}

	return nil
}

func (service *Service) buildPool(network *net.IPNet, gateway net.IP) (*backend.Pool, error) {
	rangeStart := viper.GetString("network.range_start")
	rangeEnd := viper.GetString("network.range_end")

	if rangeStart == "" && rangeEnd == "" {
		return backend.NewPool(network, gateway, service.ServiceIP)
	}

	start := net.ParseIP(rangeStart)
	end := net.ParseIP(rangeEnd)
	if start == nil || end == nil {
		return nil, fmt.Errorf("network.range_start / network.range_end are invalid ('%s', '%s')",
			rangeStart, rangeEnd,
		)
	}

	return backend.NewPoolRange(network, gateway, start, end, service.ServiceIP)
}

// addStaticReservations loads network.static_reservations into the memory
// backend.
func (service *Service) addStaticReservations(memory *backend.Memory) error {
	reservationsValue := viper.Get("network.static_reservations")
	if reservationsValue == nil {
		log.Debug("No static reservations.")

		return nil
	}

	reservations, ok := reservationsValue.([]interface{})
	if !ok {
		return fmt.Errorf("network.static_reservations must be a list")
	}

	for _, reservationValue := range reservations {
		reservation, ok := reservationValue.(map[string]interface{})
		if !ok {
			return fmt.Errorf("static reservation entries must be mappings")
		}

		macValue, _ := reservation["mac"].(string)
		hwAddr, err := net.ParseMAC(strings.ToLower(macValue))
		if err != nil {
			return fmt.Errorf("static reservation has invalid MAC address '%s': %w", macValue, err)
		}

		ipValue, _ := reservation["ipv4"].(string)
		ip := net.ParseIP(ipValue)
		if ip == nil {
			return fmt.Errorf("static reservation for %s has invalid address '%s'", hwAddr, ipValue)
		}

		hostname, _ := reservation["name"].(string)

		log.Infof("Adding static IP reservation for %s (%s): %s", hwAddr, hostname, ip)

		err = memory.AddStatic(hwAddr, backend.StaticRecord{
			IP:       ip.To4(),
			Hostname: hostname,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (service *Service) leaseRegistry() LeaseRegistry {
	if service.DNSData == nil {
		return nil
	}

	return service.DNSData
}

func (service *Service) logLeaseState() {
	memory, ok := service.Backend.(*backend.Memory)
	if ok {
		log.Debugf("Lease table holds %d entries.", memory.LeaseCount())
	}

	cache, ok := service.Backend.(*backend.Cache)
	if ok {
		hits, misses := cache.Stats()
		log.Debugf("Lease cache: %d entries, %d hits, %d misses.", cache.Len(), hits, misses)
	}
}

func (service *Service) logListenerErrors() {
	for err := range service.listeners.Errors {
		log.Errorf("Listener error: %s", err)
	}
}

func (service *Service) acquireStateLock(reason string) {
	if service.EnableDebugLogging {
		log.Debugf("Acquire state lock (%s).", reason)
	}

	service.stateLock.Lock()
}

func (service *Service) releaseStateLock(reason string) {
	if service.EnableDebugLogging {
		log.Debugf("Release state lock (%s).", reason)
	}

	service.stateLock.Unlock()
}
