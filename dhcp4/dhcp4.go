// Package dhcp4 implements the DHCPv4 wire format: the fixed-size BOOTP
// header, the magic cookie and the TLV option area that follows it.
//
// The package only produces and consumes byte buffers; socket handling
// belongs to the server and client packages.
package dhcp4

import (
	"crypto/rand"
	"fmt"
)

// OpCode is the BOOTP message operation code.
type OpCode byte

// BOOTP operation codes.
const (
	BootRequest OpCode = 1
	BootReply   OpCode = 2
)

// String returns a human-readable name for the operation code.
func (o OpCode) String() string {
	switch o {
	case BootRequest:
		return "BOOTREQUEST"
	case BootReply:
		return "BOOTREPLY"
	}

	return fmt.Sprintf("UNKNOWN(%d)", byte(o))
}

// MessageType is the DHCP message type carried in option 53.
type MessageType byte

// DHCP message types.
const (
	Discover MessageType = iota + 1
	Offer
	Request
	Decline
	ACK
	NAK
	Release
	Inform
)

// String returns a human-readable name for the message type.
func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case Release:
		return "RELEASE"
	case Inform:
		return "INFORM"
	}

	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// HwTypeEthernet is the ARP hardware type for Ethernet (the only hardware
// type this implementation allocates for).
const HwTypeEthernet byte = 1

// TransactionID is the 32-bit transaction id chosen by a client and echoed
// by the server to correlate request/reply pairs.
type TransactionID [4]byte

// NewTransactionID generates a random transaction id with enough entropy to
// avoid collision across concurrent in-flight transactions.
func NewTransactionID() (TransactionID, error) {
	var xid TransactionID

	_, err := rand.Read(xid[:])
	if err != nil {
		return xid, fmt.Errorf("cannot generate transaction id: %w", err)
	}

	return xid, nil
}

// String formats the transaction id the way it appears in server logs.
func (xid TransactionID) String() string {
	return fmt.Sprintf("0x%02X%02X%02X%02X",
		xid[0], xid[1], xid[2], xid[3],
	)
}
