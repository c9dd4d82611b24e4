package peer

import (
	"net"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
)

// TransportDriver is the contract the core depends on for a specific
// transport (TCP, SCTP, ...), mirroring the connect/readLoop/eventLoop
// split in diampeer/diamPeer.go, generalized into an explicit interface so
// the engine never imports a concrete transport package.
type TransportDriver interface {
	// Name identifies the transport, e.g. "tcp" or "sctp".
	Name() string

	// OpenIO binds listeners and allocates I/O resources.
	OpenIO() error
	// CloseIO releases whatever OpenIO allocated.
	CloseIO() error

	// Start begins the driver's event loop in the background and returns
	// at once; the loop ends when InitiateStop is called.
	Start()
	// InitiateStop stops accepting new connections and drains existing ones
	// until deadlineMs elapses.
	InitiateStop(deadlineMs int)
	// Wakeup unblocks the event loop so it re-observes registry state (a
	// timer recalculation, a new outbound send, a stop request).
	Wakeup()

	// NewConnection allocates an outbound Connection handle, not yet
	// connected.
	NewConnection(watchdogMs, idleMs int) *Connection
	// InitiateConnection starts connecting conn to peer; returns false if
	// the attempt is rejected at once (the TCP and SCTP drivers do so only
	// for a zero port). Failures found while dialing are reported later,
	// not through this return value.
	InitiateConnection(conn *Connection, p Peer) bool
	// Close flushes (reset=false) or aborts (reset=true) the connection.
	Close(conn *Connection, reset bool)
	// LocalAddresses reports this connection's local IP addresses, used to
	// populate Host-IP-Address in CER/CEA.
	LocalAddresses(conn *Connection) []net.IP

	// Send serializes and writes one message to conn, in the order the
	// caller observed the registry lock (see PeerRegistry.NextHopByHop).
	Send(conn *Connection, msg *avp.Message) error
}

// Dispatcher decides what to do with a decoded non-base application
// message. A false return (with no error) means "I decline this message";
// the engine answers UNABLE_TO_DELIVER for requests.
type Dispatcher interface {
	Dispatch(conn *Connection, msg *avp.Message) (*avp.Message, bool, error)
}

// FuncDispatcher adapts a plain function to Dispatcher, grounded on the
// teacher's MessageHandler function type (diampeer/diamPeer.go).
type FuncDispatcher func(conn *Connection, msg *avp.Message) (*avp.Message, bool, error)

func (f FuncDispatcher) Dispatch(conn *Connection, msg *avp.Message) (*avp.Message, bool, error) {
	return f(conn, msg)
}

// ConnectionListener receives up/down notifications.
type ConnectionListener interface {
	ConnectionUp(conn *Connection)
	ConnectionDown(conn *Connection, err error)
}

// NodeValidator authenticates peers by origin-host and narrows negotiated
// capabilities, mirroring DiameterPeers.ValidateIncomingAddress / FindPeer
// (config/diameterConfig.go).
type NodeValidator interface {
	// AuthenticateNode checks an inbound CER's claimed originHost against
	// the socket's remote address. ok=false means unknown/unauthorized; code
	// is the result-code to report (UNKNOWN_PEER if zero).
	AuthenticateNode(originHost string, remoteAddr net.IP) (ok bool, code uint32)

	// AuthorizeNode computes the capabilities this node grants peerHost
	// given what it reported in its CER/CEA.
	AuthorizeNode(peerHost string, reported config.Capability) config.Capability

	// Declared returns the full capability set this node advertises when
	// dialing a peer, before any intersection with what the peer reports.
	Declared() config.Capability
}
