package dhcp4

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// OptionCode identifies a DHCP option.
type OptionCode byte

// Option codes used by this implementation. Codes not listed here are still
// carried opaquely through decode/encode.
const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostName             OptionCode = 12
	OptionDomainName           OptionCode = 15
	OptionBroadcastAddress     OptionCode = 28
	OptionRequestedIPAddress   OptionCode = 50
	OptionIPAddressLeaseTime   OptionCode = 51
	OptionOverload             OptionCode = 52
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMessage              OptionCode = 56
	OptionMaximumMessageSize   OptionCode = 57
	OptionRenewalTime          OptionCode = 58
	OptionRebindingTime        OptionCode = 59
	OptionClientIdentifier     OptionCode = 61
	OptionEnd                  OptionCode = 255
)

// OptionType describes the semantic shape of an option value. It drives the
// typed accessors; codes without an entry in the type table are opaque.
type OptionType int

// Semantic option value types.
const (
	TypeOpaque OptionType = iota
	TypeIP
	TypeIPList
	TypeUint16
	TypeUint32
	TypeString
	TypeByte
	TypeDuration
)

// optionTypes maps known option codes to the semantic type of their value.
var optionTypes = map[OptionCode]OptionType{
	OptionSubnetMask:           TypeIP,
	OptionRouter:               TypeIPList,
	OptionDomainNameServer:     TypeIPList,
	OptionHostName:             TypeString,
	OptionDomainName:           TypeString,
	OptionBroadcastAddress:     TypeIP,
	OptionRequestedIPAddress:   TypeIP,
	OptionIPAddressLeaseTime:   TypeDuration,
	OptionDHCPMessageType:      TypeByte,
	OptionServerIdentifier:     TypeIP,
	OptionParameterRequestList: TypeOpaque,
	OptionMessage:              TypeString,
	OptionMaximumMessageSize:   TypeUint16,
	OptionRenewalTime:          TypeDuration,
	OptionRebindingTime:        TypeDuration,
}

// Type returns the semantic type of the option code's value.
func (c OptionCode) Type() OptionType {
	optionType, ok := optionTypes[c]
	if !ok {
		return TypeOpaque
	}

	return optionType
}

// Option is a single type-length-value field from the option area of a DHCP
// message. Value holds the raw bytes; the typed accessors interpret them.
type Option struct {
	Code  OptionCode
	Value []byte
}

// String renders the option for log output.
func (option Option) String() string {
	return fmt.Sprintf("option %d (%d bytes)", option.Code, len(option.Value))
}

// IP interprets the option value as a single IPv4 address.
func (option Option) IP() (net.IP, error) {
	if len(option.Value) != net.IPv4len {
		return nil, fmt.Errorf("%w: option %d has %d bytes, want %d",
			ErrTypeMismatch, option.Code, len(option.Value), net.IPv4len,
		)
	}

	ip := make(net.IP, net.IPv4len)
	copy(ip, option.Value)

	return ip, nil
}

// IPList interprets the option value as a list of IPv4 addresses.
func (option Option) IPList() ([]net.IP, error) {
	if len(option.Value) == 0 || len(option.Value)%net.IPv4len != 0 {
		return nil, fmt.Errorf("%w: option %d has %d bytes, want a multiple of %d",
			ErrTypeMismatch, option.Code, len(option.Value), net.IPv4len,
		)
	}

	ips := make([]net.IP, 0, len(option.Value)/net.IPv4len)
	for index := 0; index < len(option.Value); index += net.IPv4len {
		ip := make(net.IP, net.IPv4len)
		copy(ip, option.Value[index:index+net.IPv4len])

		ips = append(ips, ip)
	}

	return ips, nil
}

// Uint16 interprets the option value as a big-endian 16-bit integer.
func (option Option) Uint16() (uint16, error) {
	if len(option.Value) != 2 {
		return 0, fmt.Errorf("%w: option %d has %d bytes, want 2",
			ErrTypeMismatch, option.Code, len(option.Value),
		)
	}

	return binary.BigEndian.Uint16(option.Value), nil
}

// Uint32 interprets the option value as a big-endian 32-bit integer.
func (option Option) Uint32() (uint32, error) {
	if len(option.Value) != 4 {
		return 0, fmt.Errorf("%w: option %d has %d bytes, want 4",
			ErrTypeMismatch, option.Code, len(option.Value),
		)
	}

	return binary.BigEndian.Uint32(option.Value), nil
}

// Byte interprets the option value as a single byte.
func (option Option) Byte() (byte, error) {
	if len(option.Value) != 1 {
		return 0, fmt.Errorf("%w: option %d has %d bytes, want 1",
			ErrTypeMismatch, option.Code, len(option.Value),
		)
	}

	return option.Value[0], nil
}

// Text interprets the option value as a string.
func (option Option) Text() string {
	return string(option.Value)
}

// Duration interprets the option value as a 32-bit count of seconds.
func (option Option) Duration() (time.Duration, error) {
	seconds, err := option.Uint32()
	if err != nil {
		return 0, err
	}

	return time.Duration(seconds) * time.Second, nil
}

// Options is the ordered option list of a DHCP message. Encode order is the
// slice order, which makes packing deterministic.
type Options []Option

// Get retrieves the first option with the specified code.
func (options Options) Get(code OptionCode) (Option, bool) {
	for _, option := range options {
		if option.Code == code {
			return option, true
		}
	}

	return Option{}, false
}

// Update replaces the value of an existing option, or appends the option if
// no option with its code is present.
func (options *Options) Update(option Option) {
	for index := range *options {
		if (*options)[index].Code == option.Code {
			(*options)[index] = option

			return
		}
	}

	*options = append(*options, option)
}

// SelectOrder returns the options matching the requested codes, in the order
// they were requested, plus any option whose code is in the required set.
// With no requested codes every option is returned unchanged.
func (options Options) SelectOrder(requested []OptionCode, required ...OptionCode) Options {
	if len(requested) == 0 {
		return options
	}

	selected := make(Options, 0, len(options))
	for _, code := range required {
		if option, ok := options.Get(code); ok {
			selected = append(selected, option)
		}
	}

	for _, code := range requested {
		if isRequired(code, required) {
			continue
		}

		if option, ok := options.Get(code); ok {
			selected = append(selected, option)
		}
	}

	return selected
}

func isRequired(code OptionCode, required []OptionCode) bool {
	for _, requiredCode := range required {
		if code == requiredCode {
			return true
		}
	}

	return false
}

// decodeOptions parses the TLV stream following the magic cookie. Pad bytes
// are skipped and the stream ends at the end marker or the buffer end.
// Unknown codes are retained as opaque options.
func decodeOptions(buffer []byte) (Options, error) {
	var options Options

	index := 0
	for index < len(buffer) {
		code := OptionCode(buffer[index])
		index++

		if code == OptionPad {
			continue
		}
		if code == OptionEnd {
			break
		}

		if index >= len(buffer) {
			return nil, fmt.Errorf("%w: option %d is missing its length byte",
				ErrMalformedOption, code,
			)
		}

		length := int(buffer[index])
		index++

		if index+length > len(buffer) {
			return nil, fmt.Errorf("%w: option %d declares %d bytes but only %d remain",
				ErrMalformedOption, code, length, len(buffer)-index,
			)
		}

		value := make([]byte, length)
		copy(value, buffer[index:index+length])
		index += length

		options = append(options, Option{Code: code, Value: value})
	}

	return options, nil
}

// encodeOptions serialises the option list as TLVs terminated by the end
// marker. Explicitly placed pad options are emitted as single bytes with no
// length; end options are dropped because the encoder terminates the stream
// itself.
func encodeOptions(options Options) ([]byte, error) {
	encoded := make([]byte, 0, 64)

	for _, option := range options {
		if option.Code == OptionPad {
			encoded = append(encoded, byte(OptionPad))

			continue
		}
		if option.Code == OptionEnd {
			continue
		}
		if len(option.Value) > 255 {
			return nil, fmt.Errorf("%w: option %d has %d bytes",
				ErrOptionTooLong, option.Code, len(option.Value),
			)
		}

		encoded = append(encoded, byte(option.Code), byte(len(option.Value)))
		encoded = append(encoded, option.Value...)
	}

	encoded = append(encoded, byte(OptionEnd))

	return encoded, nil
}

// OptMessageType builds a DHCP message type option (53).
func OptMessageType(messageType MessageType) Option {
	return Option{
		Code:  OptionDHCPMessageType,
		Value: []byte{byte(messageType)},
	}
}

// OptSubnetMask builds a subnet mask option (1).
func OptSubnetMask(mask net.IPMask) Option {
	return Option{
		Code:  OptionSubnetMask,
		Value: ipBytes(net.IP(mask)),
	}
}

// OptRouter builds a router option (3).
func OptRouter(routers ...net.IP) Option {
	return Option{
		Code:  OptionRouter,
		Value: ipListBytes(routers),
	}
}

// OptDomainNameServer builds a DNS server option (6).
func OptDomainNameServer(servers ...net.IP) Option {
	return Option{
		Code:  OptionDomainNameServer,
		Value: ipListBytes(servers),
	}
}

// OptHostName builds a host name option (12).
func OptHostName(name string) Option {
	return Option{
		Code:  OptionHostName,
		Value: []byte(name),
	}
}

// OptRequestedIPAddress builds a requested IP address option (50).
func OptRequestedIPAddress(ip net.IP) Option {
	return Option{
		Code:  OptionRequestedIPAddress,
		Value: ipBytes(ip),
	}
}

// OptServerIdentifier builds a server identifier option (54).
func OptServerIdentifier(ip net.IP) Option {
	return Option{
		Code:  OptionServerIdentifier,
		Value: ipBytes(ip),
	}
}

// OptLeaseTime builds an IP address lease time option (51).
func OptLeaseTime(lease time.Duration) Option {
	return durationOption(OptionIPAddressLeaseTime, lease)
}

// OptRenewalTime builds a renewal (T1) time option (58).
func OptRenewalTime(renewal time.Duration) Option {
	return durationOption(OptionRenewalTime, renewal)
}

// OptRebindingTime builds a rebinding (T2) time option (59).
func OptRebindingTime(rebinding time.Duration) Option {
	return durationOption(OptionRebindingTime, rebinding)
}

// OptParameterRequestList builds a parameter request list option (55).
func OptParameterRequestList(codes ...OptionCode) Option {
	value := make([]byte, len(codes))
	for index, code := range codes {
		value[index] = byte(code)
	}

	return Option{
		Code:  OptionParameterRequestList,
		Value: value,
	}
}

// OptMessage builds a message option (56), used to carry error text on NAK
// replies.
func OptMessage(message string) Option {
	return Option{
		Code:  OptionMessage,
		Value: []byte(message),
	}
}

func durationOption(code OptionCode, value time.Duration) Option {
	seconds := make([]byte, 4)
	binary.BigEndian.PutUint32(seconds, uint32(value/time.Second))

	return Option{Code: code, Value: seconds}
}

func ipBytes(ip net.IP) []byte {
	value := make([]byte, net.IPv4len)
	if ipv4 := ip.To4(); ipv4 != nil {
		copy(value, ipv4)
	}

	return value
}

func ipListBytes(ips []net.IP) []byte {
	value := make([]byte, 0, len(ips)*net.IPv4len)
	for _, ip := range ips {
		value = append(value, ipBytes(ip)...)
	}

	return value
}
