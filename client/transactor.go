// Package client implements the DHCPv4 client-side transaction engine: it
// builds request messages, sends them over an unreliable broadcast channel,
// matches replies by transaction id and applies the retry/timeout policy.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imgurbot12/godhcp/dhcp4"
)

var log = logrus.WithField("component", "client")

// Transaction errors.
var (
	// ErrTimeout indicates a transaction that exhausted its retry budget
	// without receiving a matching reply.
	ErrTimeout = errors.New("transaction timed out")

	// ErrDeclined indicates a NAK reply: the server refused the request.
	ErrDeclined = errors.New("server declined request")

	// ErrClosed indicates the transactor's channel was closed or failed.
	ErrClosed = errors.New("transactor closed")
)

// PacketConn is the unreliable datagram channel a Transactor sends and
// receives on. *net.UDPConn satisfies it; tests supply fakes.
type PacketConn interface {
	ReadFrom(buffer []byte) (int, net.Addr, error)
	WriteTo(buffer []byte, addr net.Addr) (int, error)
	Close() error
}

// Config tunes the retry/timeout policy of a Transactor.
type Config struct {
	// Timeout is how long one attempt waits for a matching reply.
	Timeout time.Duration

	// Attempts is the maximum number of sends per transaction.
	Attempts int

	// Backoff is an optional pause inserted between attempts.
	Backoff time.Duration
}

// DefaultConfig is the retry policy used when a zero Config is supplied.
var DefaultConfig = Config{
	Timeout:  4 * time.Second,
	Attempts: 3,
}

// Transactor drives DHCP transactions for a single hardware address.
// Concurrent transactions are demultiplexed by transaction id, so multiple
// in-flight exchanges on one Transactor do not interfere.
type Transactor struct {
	conn   PacketConn
	server net.Addr
	hwAddr net.HardwareAddr
	config Config

	mutex   sync.Mutex
	pending map[dhcp4.TransactionID]chan *dhcp4.Message
	fatal   error

	readerOnce sync.Once
	closed     chan struct{}
}

// New creates a Transactor sending to the specified server (or broadcast)
// address on behalf of the specified hardware address.
func New(conn PacketConn, server net.Addr, hwAddr net.HardwareAddr, config Config) *Transactor {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig.Timeout
	}
	if config.Attempts <= 0 {
		config.Attempts = DefaultConfig.Attempts
	}

	return &Transactor{
		conn:    conn,
		server:  server,
		hwAddr:  hwAddr,
		config:  config,
		pending: make(map[dhcp4.TransactionID]chan *dhcp4.Message),
		closed:  make(chan struct{}),
	}
}

// Close shuts the transactor down and fails any in-flight transactions.
func (transactor *Transactor) Close() error {
	return transactor.conn.Close()
}

// Discover broadcasts a DISCOVER and returns the first matching OFFER.
func (transactor *Transactor) Discover() (*dhcp4.Message, error) {
	xid, err := dhcp4.NewTransactionID()
	if err != nil {
		return nil, err
	}

	discover := dhcp4.NewDiscover(xid, transactor.hwAddr)
	discover.SetBroadcast()
	discover.Options.Update(dhcp4.OptParameterRequestList(
		dhcp4.OptionSubnetMask,
		dhcp4.OptionRouter,
		dhcp4.OptionDomainNameServer,
	))

	return transactor.exchange(discover)
}

// Request asks the server to confirm the specified address and returns the
// ACK or NAK reply. serverID correlates the request with the offering
// server; pass nil when renewing.
func (transactor *Transactor) Request(requested, serverID net.IP) (*dhcp4.Message, error) {
	xid, err := dhcp4.NewTransactionID()
	if err != nil {
		return nil, err
	}

	request := dhcp4.NewRequest(xid, transactor.hwAddr, requested, serverID)
	request.SetBroadcast()
	request.Options.Update(dhcp4.OptParameterRequestList(
		dhcp4.OptionSubnetMask,
		dhcp4.OptionRouter,
		dhcp4.OptionDomainNameServer,
	))

	return transactor.exchange(request)
}

// Release returns the address to the server. The protocol defines no reply
// for Release, so this is a single fire-and-forget send.
func (transactor *Transactor) Release(clientIP, serverID net.IP) error {
	xid, err := dhcp4.NewTransactionID()
	if err != nil {
		return err
	}

	release := dhcp4.NewRelease(xid, transactor.hwAddr, clientIP, serverID)

	packet, err := release.Pack()
	if err != nil {
		return err
	}

	_, err = transactor.conn.WriteTo(packet, transactor.server)

	return err
}

// Assignment is the network configuration extracted from a successful
// acquisition.
type Assignment struct {
	IP         net.IP
	SubnetMask net.IPMask
	Routers    []net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
	ServerID   net.IP
}

// Acquire performs the full Discover/Offer/Request/Ack exchange as two
// sequential transactions, correlating the server identifier from the offer
// into the request. It fails with the first sub-transaction's error without
// attempting the second step.
func (transactor *Transactor) Acquire() (*Assignment, error) {
	offer, err := transactor.Discover()
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}

	serverID := offer.ServerIdentifier()

	ack, err := transactor.Request(offer.YourIP, serverID)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if messageType, ok := ack.MessageType(); ok && messageType == dhcp4.NAK {
		reason := ""
		if option, found := ack.Options.Get(dhcp4.OptionMessage); found {
			reason = ": " + option.Text()
		}

		return nil, fmt.Errorf("%w%s", ErrDeclined, reason)
	}

	return newAssignment(ack, serverID), nil
}

// exchange sends the message and waits for a reply with the same
// transaction id, retrying with the same id until the attempt budget is
// exhausted. Malformed or unrelated packets never fail the exchange; only
// the timeout does.
func (transactor *Transactor) exchange(message *dhcp4.Message) (*dhcp4.Message, error) {
	transactor.startReader()

	packet, err := message.Pack()
	if err != nil {
		return nil, err
	}

	replies := transactor.register(message.XID)
	defer transactor.unregister(message.XID)

	timer := time.NewTimer(transactor.config.Timeout)
	defer timer.Stop()

	for attempt := 1; attempt <= transactor.config.Attempts; attempt++ {
		if attempt > 1 && transactor.config.Backoff > 0 {
			time.Sleep(transactor.config.Backoff)
		}

		_, err = transactor.conn.WriteTo(packet, transactor.server)
		if err != nil {
			return nil, err
		}

		timer.Reset(transactor.config.Timeout)

		select {
		case reply := <-replies:
			return reply, nil

		case <-transactor.closed:
			return nil, transactor.fatalError()

		case <-timer.C:
			log.Debugf("[TXN: %s] No reply within %s (attempt %d of %d).",
				message.XID, transactor.config.Timeout, attempt, transactor.config.Attempts,
			)
		}
	}

	return nil, fmt.Errorf("%w: no reply after %d attempts", ErrTimeout, transactor.config.Attempts)
}

// startReader launches the single goroutine that demultiplexes inbound
// datagrams to waiting transactions.
func (transactor *Transactor) startReader() {
	transactor.readerOnce.Do(func() {
		go transactor.readLoop()
	})
}

func (transactor *Transactor) readLoop() {
	buffer := make([]byte, 1500)

	for {
		size, _, err := transactor.conn.ReadFrom(buffer)
		if err != nil {
			transactor.fail(err)

			return
		}

		reply, err := dhcp4.Unpack(buffer[:size])
		if err != nil {
			// A malformed packet must not fail a legitimate exchange;
			// keep waiting until the timeout bounds the transaction.
			log.Debugf("Ignoring undecodable packet (%d bytes): %s", size, err)

			continue
		}
		if reply.Op != dhcp4.BootReply {
			continue
		}

		transactor.deliver(reply)
	}
}

func (transactor *Transactor) register(xid dhcp4.TransactionID) chan *dhcp4.Message {
	transactor.mutex.Lock()
	defer transactor.mutex.Unlock()

	replies := make(chan *dhcp4.Message, 1)
	transactor.pending[xid] = replies

	return replies
}

func (transactor *Transactor) unregister(xid dhcp4.TransactionID) {
	transactor.mutex.Lock()
	defer transactor.mutex.Unlock()

	delete(transactor.pending, xid)
}

// deliver hands the reply to the transaction waiting on its id. Replies for
// unknown or completed transactions, and duplicates beyond the first, are
// discarded.
func (transactor *Transactor) deliver(reply *dhcp4.Message) {
	transactor.mutex.Lock()
	defer transactor.mutex.Unlock()

	replies, ok := transactor.pending[reply.XID]
	if !ok {
		log.Debugf("[TXN: %s] Discarding reply for unknown or completed transaction.", reply.XID)

		return
	}

	select {
	case replies <- reply:
	default:
		log.Debugf("[TXN: %s] Discarding duplicate reply.", reply.XID)
	}
}

func (transactor *Transactor) fail(err error) {
	transactor.mutex.Lock()
	if transactor.fatal == nil {
		transactor.fatal = err
	}
	transactor.mutex.Unlock()

	close(transactor.closed)
}

func (transactor *Transactor) fatalError() error {
	transactor.mutex.Lock()
	defer transactor.mutex.Unlock()

	if transactor.fatal != nil {
		return fmt.Errorf("%w: %w", ErrClosed, transactor.fatal)
	}

	return ErrClosed
}

func newAssignment(ack *dhcp4.Message, serverID net.IP) *Assignment {
	assignment := &Assignment{
		IP:       ack.YourIP,
		ServerID: serverID,
	}

	if option, ok := ack.Options.Get(dhcp4.OptionSubnetMask); ok {
		if mask, err := option.IP(); err == nil {
			assignment.SubnetMask = net.IPMask(mask)
		}
	}
	if option, ok := ack.Options.Get(dhcp4.OptionRouter); ok {
		if routers, err := option.IPList(); err == nil {
			assignment.Routers = routers
		}
	}
	if option, ok := ack.Options.Get(dhcp4.OptionDomainNameServer); ok {
		if servers, err := option.IPList(); err == nil {
			assignment.DNS = servers
		}
	}
	if option, ok := ack.Options.Get(dhcp4.OptionIPAddressLeaseTime); ok {
		if lease, err := option.Duration(); err == nil {
			assignment.LeaseTime = lease
		}
	}

	return assignment
}
