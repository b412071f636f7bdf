package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imgurbot12/godhcp/backend"
	"github.com/imgurbot12/godhcp/dhcp4"
)

var (
	testServerIP = net.IP{192, 168, 1, 1}
	testClientHW = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
)

func testDispatcher(t *testing.T, registry LeaseRegistry) (*Dispatcher, *backend.Memory) {
	t.Helper()

	_, network, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)

	pool, err := backend.NewPool(network, testServerIP)
	require.NoError(t, err)

	memory := backend.NewMemory(pool, backend.Config{
		Routers:   []net.IP{testServerIP},
		DNS:       []net.IP{{8, 8, 8, 8}, {8, 8, 4, 4}},
		LeaseTime: time.Hour,
	})

	return NewDispatcher(memory, testServerIP, registry), memory
}

func testXID() dhcp4.TransactionID {
	return dhcp4.TransactionID{0xDE, 0xAD, 0xBE, 0xEF}
}

func optionIP(t *testing.T, message *dhcp4.Message, code dhcp4.OptionCode) net.IP {
	t.Helper()

	option, ok := message.Options.Get(code)
	require.True(t, ok, "reply is missing option %d", code)

	ip, err := option.IP()
	require.NoError(t, err)

	return ip
}

func TestDispatchDiscoverOffersLowestFreeAddress(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	discover := dhcp4.NewDiscover(testXID(), testClientHW)

	offer := dispatcher.Dispatch(discover)
	require.NotNil(t, offer)

	messageType, ok := offer.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.Offer, messageType)

	assert.Equal(t, dhcp4.BootReply, offer.Op)
	assert.Equal(t, testXID(), offer.XID)
	assert.Equal(t, testClientHW, offer.ClientHWAddr)
	assert.Equal(t, net.IP{192, 168, 1, 2}, offer.YourIP)
	assert.Equal(t, testServerIP, offer.ServerIdentifier())

	leaseTime, ok := offer.Options.Get(dhcp4.OptionIPAddressLeaseTime)
	require.True(t, ok)
	duration, err := leaseTime.Duration()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, duration)
}

func TestDispatchRequestAcknowledgesOffer(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	request := dhcp4.NewRequest(testXID(), testClientHW, offer.YourIP, testServerIP)
	request.Options.Update(dhcp4.OptParameterRequestList(
		dhcp4.OptionSubnetMask,
		dhcp4.OptionRouter,
		dhcp4.OptionDomainNameServer,
	))

	ack := dispatcher.Dispatch(request)
	require.NotNil(t, ack)

	messageType, ok := ack.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.ACK, messageType)
	assert.Equal(t, offer.YourIP, ack.YourIP)

	mask, ok := ack.Options.Get(dhcp4.OptionSubnetMask)
	require.True(t, ok)
	assert.Equal(t, []byte{255, 255, 255, 0}, mask.Value)

	assert.Equal(t, testServerIP, optionIP(t, ack, dhcp4.OptionRouter))

	dnsOption, ok := ack.Options.Get(dhcp4.OptionDomainNameServer)
	require.True(t, ok)
	servers, err := dnsOption.IPList()
	require.NoError(t, err)
	assert.Equal(t, []net.IP{{8, 8, 8, 8}, {8, 8, 4, 4}}, servers)
}

func TestDispatchRequestFiltersByParameterRequestList(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	request := dhcp4.NewRequest(testXID(), testClientHW, offer.YourIP, testServerIP)
	request.Options.Update(dhcp4.OptParameterRequestList(dhcp4.OptionRouter))

	ack := dispatcher.Dispatch(request)
	require.NotNil(t, ack)

	// Unrequested configuration is filtered out.
	_, ok := ack.Options.Get(dhcp4.OptionDomainNameServer)
	assert.False(t, ok)
	_, ok = ack.Options.Get(dhcp4.OptionSubnetMask)
	assert.False(t, ok)

	// The protocol-bearing options survive the filter regardless.
	_, ok = ack.Options.Get(dhcp4.OptionRouter)
	assert.True(t, ok)
	_, ok = ack.Options.Get(dhcp4.OptionDHCPMessageType)
	assert.True(t, ok)
	_, ok = ack.Options.Get(dhcp4.OptionServerIdentifier)
	assert.True(t, ok)
	_, ok = ack.Options.Get(dhcp4.OptionIPAddressLeaseTime)
	assert.True(t, ok)
}

func TestDispatchRequestIncludesRenewalTimes(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	ack := dispatcher.Dispatch(dhcp4.NewRequest(testXID(), testClientHW, offer.YourIP, testServerIP))
	require.NotNil(t, ack)

	renewal, ok := ack.Options.Get(dhcp4.OptionRenewalTime)
	require.True(t, ok)
	t1, err := renewal.Duration()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, t1)

	rebinding, ok := ack.Options.Get(dhcp4.OptionRebindingTime)
	require.True(t, ok)
	t2, err := rebinding.Duration()
	require.NoError(t, err)
	assert.Equal(t, 52*time.Minute+30*time.Second, t2)
}

func TestDispatchPoolExhaustedSendsNAK(t *testing.T) {
	_, network, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)

	pool, err := backend.NewPoolRange(network,
		testServerIP,
		net.IP{192, 168, 1, 2},
		net.IP{192, 168, 1, 2},
	)
	require.NoError(t, err)

	memory := backend.NewMemory(pool, backend.Config{LeaseTime: time.Hour})
	dispatcher := NewDispatcher(memory, testServerIP, nil)

	first := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, first)

	otherHW := net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	nak := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), otherHW))
	require.NotNil(t, nak)

	messageType, ok := nak.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.NAK, messageType)

	reason, ok := nak.Options.Get(dhcp4.OptionMessage)
	require.True(t, ok)
	assert.Equal(t, "all addresses in use", reason.Text())
}

func TestDispatchRenewWithoutLeaseSendsNAK(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	// A renewal request carries no requested-address or server-id option.
	renew := dhcp4.NewRequest(testXID(), testClientHW, nil, nil)
	renew.ClientIP = net.IP{192, 168, 1, 2}

	nak := dispatcher.Dispatch(renew)
	require.NotNil(t, nak)

	messageType, ok := nak.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.NAK, messageType)

	reason, ok := nak.Options.Get(dhcp4.OptionMessage)
	require.True(t, ok)
	assert.Equal(t, "no lease to renew", reason.Text())
}

func TestDispatchRequestConflictingAddressSendsNAK(t *testing.T) {
	dispatcher, memory := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	request := dhcp4.NewRequest(testXID(), testClientHW, net.IP{192, 168, 1, 200}, testServerIP)

	nak := dispatcher.Dispatch(request)
	require.NotNil(t, nak)

	messageType, ok := nak.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.NAK, messageType)

	// The held lease survives the refusal; a repeat Discover re-offers it.
	held, ok := memory.Lookup(testClientHW)
	require.True(t, ok)
	assert.Equal(t, offer.YourIP, held.IP)
}

func TestDispatchRequestForTakenAddressLeavesNoLease(t *testing.T) {
	_, network, err := net.ParseCIDR("192.168.1.0/24")
	require.NoError(t, err)

	pool, err := backend.NewPoolRange(network,
		testServerIP,
		net.IP{192, 168, 1, 2},
		net.IP{192, 168, 1, 3},
	)
	require.NoError(t, err)

	memory := backend.NewMemory(pool, backend.Config{LeaseTime: time.Hour})
	dispatcher := NewDispatcher(memory, testServerIP, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)
	assert.Equal(t, net.IP{192, 168, 1, 2}, offer.YourIP)

	// A second client asks for the address the first one was offered.
	otherHW := net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}

	nak := dispatcher.Dispatch(dhcp4.NewRequest(testXID(), otherHW, offer.YourIP, testServerIP))
	require.NotNil(t, nak)

	messageType, ok := nak.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.NAK, messageType)

	// The refusal must not leave a committed lease behind for the refused
	// client, nor consume the remaining pool slot.
	_, ok = memory.Lookup(otherHW)
	assert.False(t, ok)

	thirdHW := net.HardwareAddr{0x21, 0x22, 0x23, 0x24, 0x25, 0x26}

	next := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), thirdHW))
	require.NotNil(t, next)

	messageType, ok = next.MessageType()
	require.True(t, ok)
	assert.Equal(t, dhcp4.Offer, messageType)
	assert.Equal(t, net.IP{192, 168, 1, 3}, next.YourIP)
}

func TestDispatchRequestForOtherServerIsDropped(t *testing.T) {
	dispatcher, memory := testDispatcher(t, nil)

	request := dhcp4.NewRequest(testXID(), testClientHW,
		net.IP{192, 168, 1, 2},
		net.IP{10, 0, 0, 1},
	)

	assert.Nil(t, dispatcher.Dispatch(request))

	// The client accepted a competing offer; no lease is created here.
	_, ok := memory.Lookup(testClientHW)
	assert.False(t, ok)
}

func TestDispatchReleaseIsSilentAndFreesAddress(t *testing.T) {
	dispatcher, memory := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	ack := dispatcher.Dispatch(dhcp4.NewRequest(testXID(), testClientHW, offer.YourIP, testServerIP))
	require.NotNil(t, ack)

	release := dhcp4.NewRelease(testXID(), testClientHW, ack.YourIP, testServerIP)
	assert.Nil(t, dispatcher.Dispatch(release))

	_, ok := memory.Lookup(testClientHW)
	assert.False(t, ok)

	// The address goes back into the pool for the next device.
	otherHW := net.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	next := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), otherHW))
	require.NotNil(t, next)
	assert.Equal(t, ack.YourIP, next.YourIP)
}

func TestDispatchDeclineReleasesLease(t *testing.T) {
	dispatcher, memory := testDispatcher(t, nil)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	decline := dhcp4.NewDecline(testXID(), testClientHW, offer.YourIP, testServerIP)
	assert.Nil(t, dispatcher.Dispatch(decline))

	_, ok := memory.Lookup(testClientHW)
	assert.False(t, ok)
}

func TestDispatchIgnoresUnknownMessageTypes(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	inform := dhcp4.NewDiscover(testXID(), testClientHW)
	inform.Options.Update(dhcp4.OptMessageType(dhcp4.Inform))

	assert.Nil(t, dispatcher.Dispatch(inform))
}

func TestDispatchIgnoresReplies(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	reply := dhcp4.NewDiscover(testXID(), testClientHW)
	reply.Op = dhcp4.BootReply

	assert.Nil(t, dispatcher.Dispatch(reply))
}

func TestDispatchIgnoresMessagesWithoutType(t *testing.T) {
	dispatcher, _ := testDispatcher(t, nil)

	message := dhcp4.NewDiscover(testXID(), testClientHW)
	message.Options = nil

	assert.Nil(t, dispatcher.Dispatch(message))
}

func TestDispatchRegistersLeaseNames(t *testing.T) {
	dnsData := NewDNSData("lab.local", 60)
	dispatcher, _ := testDispatcher(t, dnsData)

	offer := dispatcher.Dispatch(dhcp4.NewDiscover(testXID(), testClientHW))
	require.NotNil(t, offer)

	request := dhcp4.NewRequest(testXID(), testClientHW, offer.YourIP, testServerIP)
	request.Options.Update(dhcp4.OptHostName("workstation"))

	ack := dispatcher.Dispatch(request)
	require.NotNil(t, ack)

	record := dnsData.FindA("workstation.lab.local")
	require.NotNil(t, record)
	assert.True(t, record.A.Equal(ack.YourIP))

	release := dhcp4.NewRelease(testXID(), testClientHW, ack.YourIP, testServerIP)
	release.Options.Update(dhcp4.OptHostName("workstation"))
	dispatcher.Dispatch(release)

	assert.Nil(t, dnsData.FindA("workstation.lab.local"))
}
