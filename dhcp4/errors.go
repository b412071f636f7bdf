package dhcp4

import "errors"

// Decode and construction errors. Callers match with errors.Is; the server
// never propagates these past its logging collaborator, and the client
// treats them as "ignore and keep waiting" on reply traffic.
var (
	// ErrMalformedMessage indicates a buffer that cannot be decoded as a
	// DHCPv4 message: short header, missing magic cookie or a bad option
	// area.
	ErrMalformedMessage = errors.New("malformed DHCP message")

	// ErrMalformedOption indicates a TLV whose declared length exceeds the
	// remaining buffer.
	ErrMalformedOption = errors.New("malformed DHCP option")

	// ErrTypeMismatch indicates an option value whose length does not fit
	// the requested semantic type.
	ErrTypeMismatch = errors.New("option value does not match requested type")

	// ErrOptionTooLong indicates an option value longer than the 255 bytes
	// a single TLV can carry. This codec does not implement the option
	// overload extension, so such values are rejected at encode time.
	ErrOptionTooLong = errors.New("option value exceeds 255 bytes")
)
