package dhcp4

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionTypedAccessors(t *testing.T) {
	router := OptRouter(net.IP{10, 0, 0, 1}, net.IP{10, 0, 0, 2})
	routers, err := router.IPList()
	require.NoError(t, err)
	assert.Equal(t, []net.IP{{10, 0, 0, 1}, {10, 0, 0, 2}}, routers)

	server := OptServerIdentifier(net.IP{192, 168, 0, 1})
	ip, err := server.IP()
	require.NoError(t, err)
	assert.Equal(t, net.IP{192, 168, 0, 1}, ip)

	lease := OptLeaseTime(90 * time.Minute)
	duration, err := lease.Duration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, duration)

	messageType := OptMessageType(Offer)
	value, err := messageType.Byte()
	require.NoError(t, err)
	assert.Equal(t, byte(Offer), value)

	hostname := OptHostName("node-1")
	assert.Equal(t, "node-1", hostname.Text())
}

func TestOptionTypeMismatch(t *testing.T) {
	short := Option{Code: OptionServerIdentifier, Value: []byte{192, 168}}

	_, err := short.IP()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = short.Uint32()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = short.Byte()
	assert.ErrorIs(t, err, ErrTypeMismatch)

	ragged := Option{Code: OptionRouter, Value: []byte{10, 0, 0, 1, 10}}
	_, err = ragged.IPList()
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestOptionsUpdateReplacesInPlace(t *testing.T) {
	options := Options{
		OptMessageType(Discover),
		OptHostName("old"),
	}

	options.Update(OptHostName("new"))

	require.Len(t, options, 2)
	assert.Equal(t, "new", options[1].Text())
}

func TestSelectOrderFiltersByRequest(t *testing.T) {
	options := Options{
		OptMessageType(ACK),
		OptSubnetMask(net.CIDRMask(24, 32)),
		OptRouter(net.IP{10, 0, 0, 1}),
		OptDomainNameServer(net.IP{8, 8, 8, 8}),
	}

	selected := options.SelectOrder(
		[]OptionCode{OptionRouter, OptionSubnetMask},
		OptionDHCPMessageType,
	)

	require.Len(t, selected, 3)
	assert.Equal(t, OptionDHCPMessageType, selected[0].Code)
	assert.Equal(t, OptionRouter, selected[1].Code)
	assert.Equal(t, OptionSubnetMask, selected[2].Code)
}

func TestSelectOrderWithoutRequestKeepsAll(t *testing.T) {
	options := Options{
		OptMessageType(ACK),
		OptSubnetMask(net.CIDRMask(24, 32)),
	}

	assert.Equal(t, options, options.SelectOrder(nil, OptionDHCPMessageType))
}

func TestOptionCodeTypeTable(t *testing.T) {
	assert.Equal(t, TypeIP, OptionSubnetMask.Type())
	assert.Equal(t, TypeIPList, OptionDomainNameServer.Type())
	assert.Equal(t, TypeDuration, OptionIPAddressLeaseTime.Type())
	assert.Equal(t, TypeString, OptionHostName.Type())
	assert.Equal(t, TypeOpaque, OptionCode(224).Type())
}

func TestEncodeOptionsEmitsExplicitPad(t *testing.T) {
	options := Options{
		OptMessageType(Discover),
		{Code: OptionPad},
		OptHostName("nas"),
	}

	encoded, err := encodeOptions(options)
	require.NoError(t, err)

	// The pad is a single byte with no length; end options come only from
	// the encoder's own terminator.
	assert.Equal(t, []byte{
		byte(OptionDHCPMessageType), 1, byte(Discover),
		byte(OptionPad),
		byte(OptionHostName), 3, 'n', 'a', 's',
		byte(OptionEnd),
	}, encoded)
}

func TestEncodeOptionsDropsEndMarker(t *testing.T) {
	options := Options{
		{Code: OptionEnd},
		OptMessageType(Discover),
	}

	encoded, err := encodeOptions(options)
	require.NoError(t, err)

	assert.Equal(t, []byte{
		byte(OptionDHCPMessageType), 1, byte(Discover),
		byte(OptionEnd),
	}, encoded)
}

func TestNewTransactionIDFormatsForLogging(t *testing.T) {
	xid := TransactionID{0xDE, 0xAD, 0xBE, 0xEF}

	assert.Equal(t, "0xDEADBEEF", xid.String())
}
