// Package server implements the DHCPv4 server side: the message dispatcher
// that drives the DORA exchange against an address-allocation backend, the
// service configuration and lifecycle, and the UDP/DNS listeners.
package server

import (
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/imgurbot12/godhcp/backend"
	"github.com/imgurbot12/godhcp/dhcp4"
)

var log = logrus.WithField("component", "dhcp")

// replyOptions are always kept in a reply, regardless of the client's
// parameter request list.
var replyOptions = []dhcp4.OptionCode{
	dhcp4.OptionDHCPMessageType,
	dhcp4.OptionServerIdentifier,
	dhcp4.OptionIPAddressLeaseTime,
	dhcp4.OptionRenewalTime,
	dhcp4.OptionRebindingTime,
	dhcp4.OptionMessage,
}

// LeaseRegistry is notified when a lease with a host name is confirmed or
// released; the DNS listener uses it to keep name records in step with the
// lease table.
type LeaseRegistry interface {
	RegisterLease(hostname string, ip net.IP)
	UnregisterLease(hostname string)
}

// Dispatcher answers decoded DHCP messages using a Backend. It holds no
// state of its own across messages, so concurrent dispatch is safe as long
// as the backend enforces its own mutual exclusion.
type Dispatcher struct {
	backend  backend.Backend
	serverIP net.IP
	registry LeaseRegistry
}

// NewDispatcher creates a Dispatcher answering as the specified server
// identity. registry may be nil.
func NewDispatcher(allocator backend.Backend, serverIP net.IP, registry LeaseRegistry) *Dispatcher {
	return &Dispatcher{
		backend:  allocator,
		serverIP: serverIP.To4(),
		registry: registry,
	}
}

// Dispatch handles one incoming DHCP message and returns the reply to send,
// or nil when the protocol calls for silence (Release, Decline, unknown
// message types, or a Request addressed to a different server).
func (dispatcher *Dispatcher) Dispatch(request *dhcp4.Message) *dhcp4.Message {
	if request.Op != dhcp4.BootRequest {
		return nil
	}

	messageType, ok := request.MessageType()
	if !ok {
		log.Warnf("[TXN: %s] Message from %s carries no message type; ignored.",
			request.XID, request.ClientHWAddr,
		)

		return nil
	}

	switch messageType {
	case dhcp4.Discover:
		return dispatcher.handleDiscover(request)

	case dhcp4.Request:
		return dispatcher.handleRequest(request)

	case dhcp4.Release:
		return dispatcher.handleRelease(request)

	case dhcp4.Decline:
		return dispatcher.handleDecline(request)

	default:
		log.Debugf("[TXN: %s] Ignoring unhandled DHCP message type (%s).",
			request.XID, messageType,
		)

		return nil
	}
}

// Handle a DHCP Discover message.
func (dispatcher *Dispatcher) handleDiscover(request *dhcp4.Message) *dhcp4.Message {
	log.Infof("[TXN: %s] Discover message from client with MAC address %s.",
		request.XID, request.ClientHWAddr,
	)

	lease, err := dispatcher.backend.Allocate(request.ClientHWAddr, request.RequestedAddress())
	if err != nil {
		log.Warnf("[TXN: %s] Cannot offer an address to %s: %s.",
			request.XID, request.ClientHWAddr, err,
		)

		return dispatcher.replyNAK(request, err)
	}

	log.Infof("[TXN: %s] Offer IPv4 address %s to client with MAC address %s.",
		request.XID, lease.IP, request.ClientHWAddr,
	)

	return dispatcher.reply(request, dhcp4.NewOffer(request, lease.IP), lease)
}

// Handle a DHCP Request message.
func (dispatcher *Dispatcher) handleRequest(request *dhcp4.Message) *dhcp4.Message {
	// A request carrying another server's identifier is the client
	// accepting a competing offer; protocol says stay silent.
	if serverID := request.ServerIdentifier(); serverID != nil && !serverID.Equal(dispatcher.serverIP) {
		log.Debugf("[TXN: %s] Request from %s is addressed to server %s (no reply will be sent).",
			request.XID, request.ClientHWAddr, serverID,
		)

		return nil
	}

	log.Infof("[TXN: %s] Request message from client with MAC address %s (IP '%s').",
		request.XID, request.ClientHWAddr, request.ClientIP,
	)

	requested := request.RequestedAddress()

	var (
		lease *backend.Lease
		err   error
	)

	if requested == nil {
		// No requested address means the client is renewing the lease it
		// already holds.
		lease, err = dispatcher.backend.Renew(request.ClientHWAddr)
	} else {
		// The active lease always wins over a conflicting requested
		// address; the client must restart the exchange rather than
		// double-allocate.
		if held, ok := dispatcher.backend.Lookup(request.ClientHWAddr); ok && !held.IP.Equal(requested) {
			log.Warnf("[TXN: %s] Client %s requested %s but holds %s; send NAK reply.",
				request.XID, request.ClientHWAddr, requested, held.IP,
			)

			return dispatcher.replyNAKText(request, "requested address not available")
		}

		lease, err = dispatcher.backend.Allocate(request.ClientHWAddr, requested)
	}

	if err != nil {
		log.Warnf("[TXN: %s] Cannot honor request from %s: %s; send NAK reply.",
			request.XID, request.ClientHWAddr, err,
		)

		return dispatcher.replyNAK(request, err)
	}

	// A freshly created lease for any address other than the requested one
	// is returned to the pool before refusing: a NAK confirms nothing, so
	// the backend must not keep state for the never-confirmed client.
	if requested != nil && !lease.IP.Equal(requested) {
		log.Warnf("[TXN: %s] Requested address %s is not available to client %s; send NAK reply.",
			request.XID, requested, request.ClientHWAddr,
		)

		if err := dispatcher.backend.Release(request.ClientHWAddr); err != nil {
			log.Warnf("[TXN: %s] Release for %s failed: %s.",
				request.XID, request.ClientHWAddr, err,
			)
		}

		return dispatcher.replyNAKText(request, "requested address not available")
	}

	log.Infof("[TXN: %s] Acknowledge lease on IPv4 address %s for client with MAC address %s.",
		request.XID, lease.IP, request.ClientHWAddr,
	)

	if dispatcher.registry != nil {
		if hostname := leaseHostname(lease, request); hostname != "" {
			dispatcher.registry.RegisterLease(hostname, lease.IP)
		}
	}

	return dispatcher.reply(request, dhcp4.NewAck(request, lease.IP), lease)
}

// Handle a DHCP Release message. No reply is required by the protocol.
func (dispatcher *Dispatcher) handleRelease(request *dhcp4.Message) *dhcp4.Message {
	log.Infof("[TXN: %s] Release message from client with MAC address %s (IP '%s').",
		request.XID, request.ClientHWAddr, request.ClientIP,
	)

	dispatcher.unregister(request)

	if err := dispatcher.backend.Release(request.ClientHWAddr); err != nil {
		log.Warnf("[TXN: %s] Release for %s failed: %s.",
			request.XID, request.ClientHWAddr, err,
		)
	}

	return nil
}

// Handle a DHCP Decline message: the client found the offered address in
// use, so the lease is returned to the pool. No reply is sent.
func (dispatcher *Dispatcher) handleDecline(request *dhcp4.Message) *dhcp4.Message {
	log.Warnf("[TXN: %s] Decline message from client with MAC address %s; releasing lease.",
		request.XID, request.ClientHWAddr,
	)

	dispatcher.unregister(request)

	if err := dispatcher.backend.Release(request.ClientHWAddr); err != nil {
		log.Warnf("[TXN: %s] Release for %s failed: %s.",
			request.XID, request.ClientHWAddr, err,
		)
	}

	return nil
}

// reply completes an Offer/ACK with the lease configuration, then filters
// the option set by the client's parameter request list.
func (dispatcher *Dispatcher) reply(request *dhcp4.Message, reply *dhcp4.Message, lease *backend.Lease) *dhcp4.Message {
	leaseTime := lease.Config.LeaseTime

	reply.Options.Update(dhcp4.OptServerIdentifier(dispatcher.serverIP))
	reply.Options.Update(dhcp4.OptLeaseTime(leaseTime))
	reply.Options.Update(dhcp4.OptRenewalTime(leaseTime / 2))           // T1: 1/2 of lease
	reply.Options.Update(dhcp4.OptRebindingTime(leaseTime * 7 / 8))     // T2: 7/8 of lease
	if lease.Config.SubnetMask != nil {
		reply.Options.Update(dhcp4.OptSubnetMask(lease.Config.SubnetMask))
	}
	if len(lease.Config.Routers) > 0 {
		reply.Options.Update(dhcp4.OptRouter(lease.Config.Routers...))
	}
	if len(lease.Config.DNS) > 0 {
		reply.Options.Update(dhcp4.OptDomainNameServer(lease.Config.DNS...))
	}
	if hostname := leaseHostname(lease, request); hostname != "" {
		reply.Options.Update(dhcp4.OptHostName(hostname))
	}

	reply.Options = reply.Options.SelectOrder(request.RequestedOptions(), replyOptions...)
	reply.ServerIP = dispatcher.serverIP

	return reply
}

// replyNAK translates a backend allocation error into a NAK reply.
func (dispatcher *Dispatcher) replyNAK(request *dhcp4.Message, err error) *dhcp4.Message {
	switch {
	case errors.Is(err, backend.ErrPoolExhausted):
		return dispatcher.replyNAKText(request, "all addresses in use")

	case errors.Is(err, backend.ErrUnknownLease):
		return dispatcher.replyNAKText(request, "no lease to renew")

	default:
		return dispatcher.replyNAKText(request, "request refused")
	}
}

func (dispatcher *Dispatcher) replyNAKText(request *dhcp4.Message, reason string) *dhcp4.Message {
	reply := dhcp4.NewNak(request)
	reply.Options.Update(dhcp4.OptServerIdentifier(dispatcher.serverIP))
	reply.Options.Update(dhcp4.OptMessage(reason))
	reply.ServerIP = dispatcher.serverIP

	return reply
}

func (dispatcher *Dispatcher) unregister(request *dhcp4.Message) {
	if dispatcher.registry == nil {
		return
	}

	lease, ok := dispatcher.backend.Lookup(request.ClientHWAddr)
	if !ok {
		return
	}

	if hostname := leaseHostname(lease, request); hostname != "" {
		dispatcher.registry.UnregisterLease(hostname)
	}
}

// leaseHostname prefers the backend-configured host name over the one the
// client announced.
func leaseHostname(lease *backend.Lease, request *dhcp4.Message) string {
	if lease.Hostname != "" {
		return lease.Hostname
	}

	return request.HostName()
}
