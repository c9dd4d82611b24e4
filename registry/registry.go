// Package registry holds the PeerRegistry: the keyed collection of active
// connections and the persistent-peer set, guarded by a single mutex.
// Mirrors DiameterPeerManager (diamserver/peerManager.go) in owning the
// peer table, but re-architected from an actor/channel loop into explicit
// mutex-guarded state. The election between two connections claiming the
// same host is decided by peer.Engine, not here.
package registry

import (
	"sync"
	"time"

	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/peer"
)

// PeerRegistry is a mapping from ConnectionKey to *peer.Connection plus a
// set of persistent peers. All mutation occurs while holding mu; mu also
// serializes hop-by-hop id issuance and backs the reconnect worker's
// condition variable.
type PeerRegistry struct {
	mu sync.Mutex

	connections map[peer.ConnectionKey]*peer.Connection
	persistent  map[string]config.PersistentPeer // keyed by DiameterHost

	listener peer.ConnectionListener

	nextKey peer.ConnectionKey

	stopping         bool
	shutdownDeadline time.Time

	reconnectCond *sync.Cond
}

// New builds an empty PeerRegistry reporting connection events to listener.
func New(listener peer.ConnectionListener) *PeerRegistry {
	r := &PeerRegistry{
		connections: make(map[peer.ConnectionKey]*peer.Connection),
		persistent:  make(map[string]config.PersistentPeer),
		listener:    listener,
	}
	r.reconnectCond = sync.NewCond(&r.mu)
	return r
}

// NewKey allocates the next ConnectionKey under the registry lock.
func (r *PeerRegistry) NewKey() peer.ConnectionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextKey++
	return r.nextKey
}

// Insert adds conn to the registry.
func (r *PeerRegistry) Insert(conn *peer.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.Key] = conn
}

// Remove deletes conn from the registry without closing it.
func (r *PeerRegistry) Remove(key peer.ConnectionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, key)
}

// Lookup returns the connection for key, if present.
func (r *PeerRegistry) Lookup(key peer.ConnectionKey) (*peer.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[key]
	return c, ok
}

// IsValid reports whether key names a live, non-closed connection.
func (r *PeerRegistry) IsValid(key peer.ConnectionKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[key]
	return ok && c.State != peer.StateClosed
}

// FindByPeer returns the ready connection, if any, to the given peer.
func (r *PeerRegistry) FindByPeer(p peer.Peer) (*peer.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		if c.State == peer.StateReady && c.Peer.Equal(p) {
			return c, true
		}
	}
	return nil, false
}

// FindReadyByHostId implements peer.Registry for the ProtocolEngine's
// election check.
func (r *PeerRegistry) FindReadyByHostId(hostId string) (*peer.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		if c.State == peer.StateReady && c.HostId == hostId {
			return c, true
		}
	}
	return nil, false
}

// MarkReady transitions conn to ready, stores its negotiated peer identity
// (p, and p.Host as conn.HostId), and notifies the listener — in that order, then broadcasts the reconnect
// condition (CEA sent, then ready, then listener, then broadcast — the
// broadcast here is the registry's reconnect condition; the separate
// connection-available condition used by waitForConnection is owned by
// the controller, which also implements peer.ConnectionListener and
// broadcasts it from ConnectionUp).
func (r *PeerRegistry) MarkReady(conn *peer.Connection, p peer.Peer) {
	r.mu.Lock()
	conn.State = peer.StateReady
	conn.HostId = p.Host
	conn.Peer = p
	r.mu.Unlock()

	if r.listener != nil {
		r.listener.ConnectionUp(conn)
	}

	r.mu.Lock()
	r.reconnectCond.Broadcast()
	r.mu.Unlock()
}

// HardClose idempotently closes conn: invariant 3 requires removal from the
// registry before the listener observes the close.
func (r *PeerRegistry) HardClose(conn *peer.Connection, reset bool, err error) {
	r.mu.Lock()
	if conn.State == peer.StateClosed {
		r.mu.Unlock()
		return
	}
	delete(r.connections, conn.Key)
	conn.State = peer.StateClosed
	r.mu.Unlock()

	if conn.Driver != nil {
		conn.Driver.Close(conn, reset)
	}
	if r.listener != nil {
		r.listener.ConnectionDown(conn, err)
	}

	r.mu.Lock()
	r.reconnectCond.Broadcast()
	r.mu.Unlock()
}

// SetState transitions conn to state under the registry lock, for callers
// that need a plain state change without MarkReady/HardClose's additional
// bookkeeping (e.g. connecting -> connected_out on dial, ready -> closing
// at the start of a graceful shutdown).
func (r *PeerRegistry) SetState(conn *peer.Connection, state peer.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.State = state
}

// NextHopByHop samples conn's hop-by-hop counter under the registry lock,
// so concurrent senders on the same connection never reuse an id.
func (r *PeerRegistry) NextHopByHop(conn *peer.Connection) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return conn.NextHopByHop()
}

// SnapshotForDriver returns every connection currently owned by driverName,
// for a driver's event loop to iterate without holding the registry lock.
func (r *PeerRegistry) SnapshotForDriver(driverName string) []*peer.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*peer.Connection
	for _, c := range r.connections {
		if c.Driver != nil && c.Driver.Name() == driverName {
			out = append(out, c)
		}
	}
	return out
}

// AddPersistentPeer adds p to the persistent-peer set; membership is
// additive only — a running node never drops a configured peer on its
// own.
func (r *PeerRegistry) AddPersistentPeer(p config.PersistentPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistent[p.DiameterHost] = p
}

// PersistentPeers returns a snapshot of the persistent-peer set.
func (r *PeerRegistry) PersistentPeers() []config.PersistentPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]config.PersistentPeer, 0, len(r.persistent))
	for _, p := range r.persistent {
		out = append(out, p)
	}
	return out
}

// SetStopping marks the registry as shutting down with the given deadline
// and wakes the reconnect worker so it observes the new state promptly.
func (r *PeerRegistry) SetStopping(deadline time.Time) {
	r.mu.Lock()
	r.stopping = true
	r.shutdownDeadline = deadline
	r.reconnectCond.Broadcast()
	r.mu.Unlock()
}

// Stopping reports whether Stop has been called.
func (r *PeerRegistry) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// ShutdownDeadline returns the deadline set by SetStopping.
func (r *PeerRegistry) ShutdownDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shutdownDeadline
}

// Snapshot returns every connection currently registered, for Stop's walk.
func (r *PeerRegistry) Snapshot() []*peer.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*peer.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// WaitReconnectTick blocks on the reconnect condition for at most timeout,
// used by the reconnect worker's periodic timed wait.
func (r *PeerRegistry) WaitReconnectTick(timeout time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.reconnectCond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()

	r.mu.Lock()
	r.reconnectCond.Wait()
	r.mu.Unlock()
	close(done)
}
