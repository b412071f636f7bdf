package server

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/imgurbot12/godhcp/dhcp4"
)

const (
	// ServerPort is the UDP port a DHCP server listens on.
	ServerPort = 67

	// ClientPort is the UDP port DHCP clients receive replies on.
	ClientPort = 68
)

// broadcastAddr is where replies go when the client has no address yet.
var broadcastAddr = &net.UDPAddr{IP: net.IPv4bcast, Port: ClientPort}

// ServiceListeners represents the listeners for all services.
type ServiceListeners struct {
	Errors            <-chan error
	service           *Service
	listenInterface   *net.Interface
	listenIPv4Address *net.IP
	dnsServer         *dns.Server
	dhcpConnection    *ServerConnection
	group             *errgroup.Group
	running           atomic.Bool
	errorChannel      chan error
}

// NewServiceListeners creates a new ServiceListeners for the specified
// Service.
func NewServiceListeners(service *Service) *ServiceListeners {
	errorChannel := make(chan error, 5)

	return &ServiceListeners{
		Errors:       errorChannel,
		service:      service,
		errorChannel: errorChannel,
	}
}

// IsRunning determines whether the listeners are currently running.
func (listeners *ServiceListeners) IsRunning() bool {
	return listeners.running.Load()
}

// Initialize performs initialisation of the service listeners.
func (listeners *ServiceListeners) Initialize() error {
	log.Infof("Initialising service listeners (bound to local network interface '%s')...",
		listeners.service.InterfaceName,
	)

	err := listeners.findListenerInterface()
	if err != nil {
		return err
	}

	return listeners.findFirstListenerIPv4Address()
}

// Start the service listeners.
func (listeners *ServiceListeners) Start() error {
	if listeners.listenInterface == nil {
		return fmt.Errorf("service listeners have not been initialised")
	}
	if listeners.running.Load() {
		return fmt.Errorf("listeners are already running")
	}

	log.Infof("Starting service listeners (bound to local network interface '%s' / %s)...",
		listeners.service.InterfaceName,
		listeners.listenIPv4Address,
	)
	listeners.running.Store(true)
	listeners.group = &errgroup.Group{}

	listeners.group.Go(listeners.serveDHCP)

	if listeners.service.EnableDNS {
		listeners.group.Go(listeners.serveDNS)
	}

	go func() {
		err := listeners.group.Wait()
		if err != nil && listeners.running.Load() {
			listeners.errorChannel <- err
		}
	}()

	return nil
}

// Stop the service listeners.
func (listeners *ServiceListeners) Stop() error {
	if !listeners.running.Load() {
		return nil
	}

	log.Infof("Stopping service listeners (bound to local network interface '%s' / %s)...",
		listeners.service.InterfaceName,
		listeners.listenIPv4Address,
	)
	listeners.running.Store(false)

	if listeners.dhcpConnection != nil {
		err := listeners.dhcpConnection.Close()
		if err != nil {
			return err
		}
		listeners.dhcpConnection = nil
	}

	if listeners.dnsServer != nil {
		err := listeners.dnsServer.Shutdown()
		if err != nil {
			return err
		}
		listeners.dnsServer = nil
	}

	return nil
}

// serveDHCP runs the datagram loop: read, decode, dispatch, reply. Codec
// failures on inbound traffic are logged and the packet dropped; the loop
// never terminates on attacker-controlled input.
func (listeners *ServiceListeners) serveDHCP() error {
	// Since DHCP is broadcast, we listen on all addresses but filter by
	// interface index.
	networkConnection, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", ServerPort))
	if err != nil {
		return err
	}

	serverConnection, err := NewServerConnection(networkConnection, listeners.listenInterface.Index)
	if err != nil {
		networkConnection.Close()

		return err
	}
	listeners.dhcpConnection = serverConnection

	buffer := make([]byte, 1500)
	for {
		size, sourceAddress, err := serverConnection.ReadFrom(buffer)
		if err != nil {
			if !listeners.running.Load() {
				return nil
			}

			return err
		}
		if size == 0 {
			continue // Filtered (other interface) or runt packet.
		}

		request, err := dhcp4.Unpack(buffer[:size])
		if err != nil {
			log.Warnf("Dropping undecodable packet (%d bytes) from %s: %s",
				size, sourceAddress, err,
			)

			continue
		}

		reply := listeners.service.dispatcher.Dispatch(request)
		if reply == nil {
			continue
		}

		err = listeners.sendReply(serverConnection, request, reply)
		if err != nil {
			log.Errorf("[TXN: %s] Cannot send reply: %s", reply.XID, err)
		}
	}
}

// sendReply writes the reply to the gateway when the request was relayed,
// directly to the client when it already has an address, and to broadcast
// otherwise.
func (listeners *ServiceListeners) sendReply(connection *ServerConnection, request, reply *dhcp4.Message) error {
	packet, err := reply.Pack()
	if err != nil {
		return err
	}

	destination := broadcastAddr
	switch {
	case !request.GatewayIP.Equal(net.IPv4zero.To4()):
		destination = &net.UDPAddr{IP: request.GatewayIP, Port: ServerPort}

	case !request.Broadcast() && !request.ClientIP.Equal(net.IPv4zero.To4()):
		destination = &net.UDPAddr{IP: request.ClientIP, Port: ClientPort}
	}

	_, err = connection.WriteTo(packet, destination)

	return err
}

// serveDNS answers name queries for active leases, forwarding everything
// else to the configured fallback resolver.
func (listeners *ServiceListeners) serveDNS() error {
	mux := dns.NewServeMux()
	mux.Handle(".", listeners.service)

	listeners.dnsServer = &dns.Server{
		Addr:    fmt.Sprintf("%s:%d", listeners.listenIPv4Address, listeners.service.DNSPort),
		Net:     "udp",
		Handler: mux,
	}

	err := listeners.dnsServer.ListenAndServe()
	if err != nil && listeners.running.Load() {
		return err
	}

	log.Info("DNS server shutdown.")

	return nil
}

func (listeners *ServiceListeners) findListenerInterface() error {
	listenInterface, err := net.InterfaceByName(listeners.service.InterfaceName)
	if err != nil {
		return fmt.Errorf("cannot find local network interface named '%s': %w",
			listeners.service.InterfaceName, err,
		)
	}
	listeners.listenInterface = listenInterface

	return nil
}

func (listeners *ServiceListeners) findFirstListenerIPv4Address() error {
	if listeners.listenInterface == nil {
		return errors.New("local network interface for service listeners has not been initialised")
	}

	addresses, err := listeners.listenInterface.Addrs()
	if err != nil {
		return err
	}

	for _, address := range addresses {
		interfaceAddress, ok := address.(*net.IPNet)
		if !ok {
			continue
		}

		addressIP := interfaceAddress.IP.To4()
		if len(addressIP) == net.IPv4len {
			listeners.listenIPv4Address = &addressIP

			return nil
		}
	}

	return fmt.Errorf("cannot find an IPv4 address bound to local network interface '%s'",
		listeners.service.InterfaceName,
	)
}
