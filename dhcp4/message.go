package dhcp4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// MagicCookie is the fixed 4-byte marker separating the BOOTP header from
// the option area.
var MagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

const (
	// headerSize is the size of the fixed BOOTP header, before the magic
	// cookie.
	headerSize = 236

	// minMessageSize is the smallest decodable message: fixed header plus
	// magic cookie.
	minMessageSize = headerSize + 4

	// minPacketSize is the minimum on-the-wire packet size per RFC 951;
	// Pack zero-pads shorter messages up to it.
	minPacketSize = 300

	// maxHwAddrLen is the size of the chaddr field.
	maxHwAddrLen = 16

	// maxServerNameLen is the size of the sname field.
	maxServerNameLen = 64

	// maxBootFileLen is the size of the file field.
	maxBootFileLen = 128
)

// FlagBroadcast is the broadcast bit of the flags field. A client that
// cannot receive unicast before it has an address sets it to ask the server
// to broadcast the reply.
const FlagBroadcast uint16 = 1 << 15

// Message is a decoded DHCPv4 message: the fixed-width BOOTP header fields
// plus the ordered option list.
type Message struct {
	Op           OpCode
	HType        byte
	Hops         byte
	XID          TransactionID
	Secs         uint16
	Flags        uint16
	ClientIP     net.IP // ciaddr
	YourIP       net.IP // yiaddr
	ServerIP     net.IP // siaddr
	GatewayIP    net.IP // giaddr
	ClientHWAddr net.HardwareAddr
	ServerName   string
	BootFile     string
	Options      Options
}

// Pack serialises the message to its wire representation. Output is
// deterministic: two calls for the same message produce byte-identical
// buffers. All fixed-width header fields are emitted even when zero.
func (message *Message) Pack() ([]byte, error) {
	if len(message.ClientHWAddr) > maxHwAddrLen {
		return nil, fmt.Errorf("%w: hardware address has %d bytes, at most %d fit the chaddr field",
			ErrMalformedMessage, len(message.ClientHWAddr), maxHwAddrLen,
		)
	}
	if len(message.ServerName) > maxServerNameLen {
		return nil, fmt.Errorf("%w: server name has %d bytes, at most %d fit the sname field",
			ErrMalformedMessage, len(message.ServerName), maxServerNameLen,
		)
	}
	if len(message.BootFile) > maxBootFileLen {
		return nil, fmt.Errorf("%w: boot file has %d bytes, at most %d fit the file field",
			ErrMalformedMessage, len(message.BootFile), maxBootFileLen,
		)
	}

	options, err := encodeOptions(message.Options)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, headerSize, minMessageSize+len(options))
	buffer[0] = byte(message.Op)
	buffer[1] = message.HType
	buffer[2] = byte(len(message.ClientHWAddr))
	buffer[3] = message.Hops
	copy(buffer[4:8], message.XID[:])
	binary.BigEndian.PutUint16(buffer[8:10], message.Secs)
	binary.BigEndian.PutUint16(buffer[10:12], message.Flags)
	copy(buffer[12:16], ipBytes(message.ClientIP))
	copy(buffer[16:20], ipBytes(message.YourIP))
	copy(buffer[20:24], ipBytes(message.ServerIP))
	copy(buffer[24:28], ipBytes(message.GatewayIP))
	copy(buffer[28:44], message.ClientHWAddr)
	copy(buffer[44:108], message.ServerName)
	copy(buffer[108:236], message.BootFile)

	buffer = append(buffer, MagicCookie[:]...)
	buffer = append(buffer, options...)

	// Short packets are padded to the BOOTP minimum.
	for len(buffer) < minPacketSize {
		buffer = append(buffer, byte(OptionPad))
	}

	return buffer, nil
}

// Unpack decodes a DHCPv4 message from its wire representation. It fails
// with ErrMalformedMessage when the buffer is shorter than the fixed header,
// the magic cookie is absent or wrong, or the option area cannot be decoded.
func Unpack(buffer []byte) (*Message, error) {
	if len(buffer) < minMessageSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the %d-byte minimum",
			ErrMalformedMessage, len(buffer), minMessageSize,
		)
	}
	if !bytes.Equal(buffer[236:240], MagicCookie[:]) {
		return nil, fmt.Errorf("%w: magic cookie missing or corrupt",
			ErrMalformedMessage,
		)
	}

	hwLength := int(buffer[2])
	if hwLength > maxHwAddrLen {
		return nil, fmt.Errorf("%w: hardware address length %d exceeds the %d-byte chaddr field",
			ErrMalformedMessage, hwLength, maxHwAddrLen,
		)
	}

	options, err := decodeOptions(buffer[240:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	message := &Message{
		Op:           OpCode(buffer[0]),
		HType:        buffer[1],
		Hops:         buffer[3],
		Secs:         binary.BigEndian.Uint16(buffer[8:10]),
		Flags:        binary.BigEndian.Uint16(buffer[10:12]),
		ClientIP:     ipAt(buffer, 12),
		YourIP:       ipAt(buffer, 16),
		ServerIP:     ipAt(buffer, 20),
		GatewayIP:    ipAt(buffer, 24),
		ClientHWAddr: hwAddrAt(buffer, hwLength),
		ServerName:   paddedString(buffer[44:108]),
		BootFile:     paddedString(buffer[108:236]),
		Options:      options,
	}
	copy(message.XID[:], buffer[4:8])

	return message, nil
}

// MessageType returns the DHCP message type from option 53, or false when
// the option is absent or malformed.
func (message *Message) MessageType() (MessageType, bool) {
	option, ok := message.Options.Get(OptionDHCPMessageType)
	if !ok {
		return 0, false
	}

	value, err := option.Byte()
	if err != nil {
		return 0, false
	}

	return MessageType(value), true
}

// RequestedAddress returns the requested IP address from option 50, or nil.
func (message *Message) RequestedAddress() net.IP {
	return message.optionIP(OptionRequestedIPAddress)
}

// ServerIdentifier returns the server identifier from option 54, or nil.
func (message *Message) ServerIdentifier() net.IP {
	return message.optionIP(OptionServerIdentifier)
}

// RequestedOptions returns the option codes from the parameter request list
// (option 55), or nil when the client did not send one.
func (message *Message) RequestedOptions() []OptionCode {
	option, ok := message.Options.Get(OptionParameterRequestList)
	if !ok {
		return nil
	}

	codes := make([]OptionCode, len(option.Value))
	for index, code := range option.Value {
		codes[index] = OptionCode(code)
	}

	return codes
}

// HostName returns the client host name from option 12, or "".
func (message *Message) HostName() string {
	option, ok := message.Options.Get(OptionHostName)
	if !ok {
		return ""
	}

	return option.Text()
}

// Broadcast determines whether the broadcast bit of the flags field is set.
func (message *Message) Broadcast() bool {
	return message.Flags&FlagBroadcast != 0
}

// SetBroadcast sets the broadcast bit of the flags field.
func (message *Message) SetBroadcast() {
	message.Flags |= FlagBroadcast
}

func (message *Message) optionIP(code OptionCode) net.IP {
	option, ok := message.Options.Get(code)
	if !ok {
		return nil
	}

	ip, err := option.IP()
	if err != nil {
		return nil
	}

	return ip
}

// NewDiscover creates a DISCOVER message for the specified hardware address.
func NewDiscover(xid TransactionID, hwAddr net.HardwareAddr) *Message {
	message := newRequestMessage(xid, hwAddr)
	message.Options.Update(OptMessageType(Discover))

	return message
}

// NewRequest creates a REQUEST message asking for the specified address.
// The server identifier correlates the request with the server whose offer
// is being accepted; pass nil when renewing without one.
func NewRequest(xid TransactionID, hwAddr net.HardwareAddr, requested net.IP, serverID net.IP) *Message {
	message := newRequestMessage(xid, hwAddr)
	message.Options.Update(OptMessageType(Request))

	if requested != nil {
		message.Options.Update(OptRequestedIPAddress(requested))
	}
	if serverID != nil {
		message.Options.Update(OptServerIdentifier(serverID))
	}

	return message
}

// NewRelease creates a RELEASE message returning the specified address.
func NewRelease(xid TransactionID, hwAddr net.HardwareAddr, clientIP net.IP, serverID net.IP) *Message {
	message := newRequestMessage(xid, hwAddr)
	message.Options.Update(OptMessageType(Release))
	message.ClientIP = ipBytes(clientIP)

	if serverID != nil {
		message.Options.Update(OptServerIdentifier(serverID))
	}

	return message
}

// NewDecline creates a DECLINE message rejecting the specified address.
func NewDecline(xid TransactionID, hwAddr net.HardwareAddr, declined net.IP, serverID net.IP) *Message {
	message := newRequestMessage(xid, hwAddr)
	message.Options.Update(OptMessageType(Decline))

	if declined != nil {
		message.Options.Update(OptRequestedIPAddress(declined))
	}
	if serverID != nil {
		message.Options.Update(OptServerIdentifier(serverID))
	}

	return message
}

// NewReply creates a reply message for the specified request, echoing the
// transaction id, flags, gateway address and hardware address.
func NewReply(request *Message, messageType MessageType) *Message {
	reply := &Message{
		Op:           BootReply,
		HType:        request.HType,
		XID:          request.XID,
		Flags:        request.Flags,
		ClientIP:     zeroIP(),
		YourIP:       zeroIP(),
		ServerIP:     zeroIP(),
		GatewayIP:    ipBytes(request.GatewayIP),
		ClientHWAddr: request.ClientHWAddr,
		Options:      Options{OptMessageType(messageType)},
	}

	return reply
}

// NewOffer creates an OFFER reply carrying the candidate address.
func NewOffer(request *Message, yourIP net.IP) *Message {
	reply := NewReply(request, Offer)
	reply.YourIP = ipBytes(yourIP)

	return reply
}

// NewAck creates an ACK reply confirming the assigned address.
func NewAck(request *Message, yourIP net.IP) *Message {
	reply := NewReply(request, ACK)
	reply.YourIP = ipBytes(yourIP)

	return reply
}

// NewNak creates a NAK reply refusing the request.
func NewNak(request *Message) *Message {
	return NewReply(request, NAK)
}

func newRequestMessage(xid TransactionID, hwAddr net.HardwareAddr) *Message {
	return &Message{
		Op:           BootRequest,
		HType:        HwTypeEthernet,
		XID:          xid,
		ClientIP:     zeroIP(),
		YourIP:       zeroIP(),
		ServerIP:     zeroIP(),
		GatewayIP:    zeroIP(),
		ClientHWAddr: hwAddr,
	}
}

func zeroIP() net.IP {
	return make(net.IP, net.IPv4len)
}

func ipAt(buffer []byte, offset int) net.IP {
	ip := make(net.IP, net.IPv4len)
	copy(ip, buffer[offset:offset+net.IPv4len])

	return ip
}

func hwAddrAt(buffer []byte, length int) net.HardwareAddr {
	hwAddr := make(net.HardwareAddr, length)
	copy(hwAddr, buffer[28:28+length])

	return hwAddr
}

func paddedString(field []byte) string {
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		end = len(field)
	}

	return string(field[:end])
}
