package peer

import (
	"math/rand"
	"strings"
	"time"

	"github.com/francistor/diameternode/config"
)

// ConnectionState is one of the states in a Connection's lifecycle.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnectedIn
	StateConnectedOut
	StateTLS // reserved, never entered: see DESIGN.md open question on TLS.
	StateReady
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnectedIn:
		return "connected_in"
	case StateConnectedOut:
		return "connected_out"
	case StateTLS:
		return "tls"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport names a transport protocol a Peer is reachable over.
type Transport int

const (
	TransportTCP Transport = iota
	TransportSCTP
)

func (t Transport) String() string {
	if t == TransportSCTP {
		return "sctp"
	}
	return "tcp"
}

// Peer is a fully-qualified remote node identity: host, port, transport and
// negotiated capabilities. Equality is by (host, port, transport), with host
// compared case-insensitively.
type Peer struct {
	Host         string
	Port         int
	Transport    Transport
	Capabilities config.Capability
}

// Equal reports (host, port, transport) equality.
func (p Peer) Equal(other Peer) bool {
	return strings.EqualFold(p.Host, other.Host) && p.Port == other.Port && p.Transport == other.Transport
}

// ConnectionKey opaquely identifies a Connection for the lifetime of the
// process; driver-assigned, unique per connection.
type ConnectionKey uint64

// Connection is a per-peer record owned, lifecycle-wise, by the
// PeerRegistry; its transport resources are owned by Driver. All mutable
// fields are guarded by the owning PeerRegistry's mutex — Connection itself
// holds no lock, by design: every read/write to these fields happens with
// the registry mutex held (see registry.PeerRegistry).
type Connection struct {
	Key    ConnectionKey
	State  ConnectionState
	HostId string // advertised origin-host, unknown until CER/CEA
	Peer   Peer

	Timers ConnectionTimers
	Driver TransportDriver

	hopByHopNext uint32

	// Persistent marks a Connection the reconnect worker created for a
	// statically configured peer. Nothing reads it back: the worker skips a
	// peer only when a ready connection to it exists, so a dial still in
	// progress does not stop a second one.
	Persistent bool
}

// NewConnection seeds a Connection's random hop-by-hop counter, mirroring
// the idGenerator seeding pattern.
func NewConnection(key ConnectionKey, driver TransportDriver) *Connection {
	source := rand.NewSource(time.Now().UnixNano())
	return &Connection{
		Key:          key,
		State:        StateConnecting,
		Driver:       driver,
		hopByHopNext: rand.New(source).Uint32(),
	}
}

// NextHopByHop returns the next Hop-by-Hop-Id for an outbound request on
// this connection. Callers must hold the owning PeerRegistry's mutex (spec
// invariant 4: "hop_by_hop_next is sampled under the registry lock").
func (c *Connection) NextHopByHop() uint32 {
	c.hopByHopNext++
	return c.hopByHopNext
}
