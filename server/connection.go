package server

import (
	"net"

	"golang.org/x/net/ipv4"
)

// ServerConnection is a DHCP server connection that filters inbound
// datagrams by network interface, since the listening socket is bound to
// all addresses.
type ServerConnection struct {
	targetInterfaceIndex int
	networkConnection    *ipv4.PacketConn
	controlMessage       *ipv4.ControlMessage
}

// NewServerConnection creates a new DHCP server connection filtered to the
// specified interface index.
func NewServerConnection(connection net.PacketConn, targetInterfaceIndex int) (*ServerConnection, error) {
	networkConnection := ipv4.NewPacketConn(connection)

	// We filter by interface index.
	err := networkConnection.SetControlMessage(ipv4.FlagInterface, true)
	if err != nil {
		return nil, err
	}

	serverConnection := &ServerConnection{
		targetInterfaceIndex: targetInterfaceIndex,
		networkConnection:    networkConnection,
	}

	return serverConnection, nil
}

// Close the server's underlying network connection.
func (connection *ServerConnection) Close() error {
	return connection.networkConnection.Close()
}

// ReadFrom reads data from the underlying network connection into the
// specified buffer. Datagrams arriving on other interfaces read as empty.
func (connection *ServerConnection) ReadFrom(buffer []byte) (bytesRead int, sourceAddress net.Addr, err error) {
	bytesRead, connection.controlMessage, sourceAddress, err = connection.networkConnection.ReadFrom(buffer)
	if connection.controlMessage != nil && connection.controlMessage.IfIndex != connection.targetInterfaceIndex {
		bytesRead = 0 // Filter all other interfaces.
	}

	return
}

// WriteTo writes data from the specified buffer to the underlying network
// connection.
func (connection *ServerConnection) WriteTo(buffer []byte, destinationAddress net.Addr) (bytesWritten int, err error) {
	// The control message is reused so replies leave through the interface
	// the request arrived on; Src must be cleared because the kernel
	// populates it on read and rejects it on write.
	if connection.controlMessage != nil {
		connection.controlMessage.Src = nil
	}

	return connection.networkConnection.WriteTo(buffer, connection.controlMessage, destinationAddress)
}
