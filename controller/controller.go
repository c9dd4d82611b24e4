// Package controller wires Engine, PeerRegistry and one TransportDriver per
// transport into the node-level lifecycle: Start, Stop, SendMessage,
// WaitForConnection, and the watchdog/reconnect background workers.
// Mirrors DiameterPeerManager.eventLoop (diamserver/peerManager.go) for the
// overall responsibility split, but re-architected: explicit goroutines
// plus two distinct mutex/condition-variable pairs (the PeerRegistry's own
// mutex, and this controller's separate connAvailable mutex/cond for
// WaitForConnection) instead of a single-threaded channel actor — the one
// sanctioned departure from this codebase's otherwise channel-based
// concurrency idiom.
package controller

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/node"
	"github.com/francistor/diameternode/peer"
	"github.com/francistor/diameternode/registry"
)

// ConnectionGauge is the subset of metrics.Registry the controller reports
// connection-state counts to, defined consumer-side so controller never
// imports metrics.
type ConnectionGauge interface {
	SetConnectionCount(state string, n int)
}

// NodeController owns one Engine, one PeerRegistry, and every configured
// TransportDriver for a single Diameter node.
type NodeController struct {
	Settings *config.NodeSettings
	State    *node.State
	Engine   *peer.Engine
	Registry *registry.PeerRegistry
	Drivers  map[string]peer.TransportDriver
	Metrics  ConnectionGauge

	reconnectInterval time.Duration
	watchdogInterval  time.Duration

	connAvailMu   sync.Mutex
	connAvailCond *sync.Cond

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a NodeController. drivers is keyed by TransportDriver.Name().
func New(settings *config.NodeSettings, state *node.State, engine *peer.Engine, reg *registry.PeerRegistry, drivers map[string]peer.TransportDriver) *NodeController {
	c := &NodeController{
		Settings:          settings,
		State:             state,
		Engine:            engine,
		Registry:          reg,
		Drivers:           drivers,
		reconnectInterval: 30 * time.Second,
		watchdogInterval:  time.Second,
		stopCh:            make(chan struct{}),
	}
	c.connAvailCond = sync.NewCond(&c.connAvailMu)
	return c
}

// ConnectionUp implements peer.ConnectionListener: it wakes every
// WaitForConnection caller under the controller's own connAvailable lock,
// deliberately separate from the PeerRegistry's mutex.
func (c *NodeController) ConnectionUp(conn *peer.Connection) {
	c.connAvailMu.Lock()
	c.connAvailCond.Broadcast()
	c.connAvailMu.Unlock()
}

// ConnectionDown implements peer.ConnectionListener.
func (c *NodeController) ConnectionDown(conn *peer.Connection, err error) {}

// Accepted implements transport.ConnectionSink: register every freshly
// accepted inbound connection before any message reaches it. Dialed
// connections are registered by dialPersistent instead.
func (c *NodeController) Accepted(conn *peer.Connection) {
	c.Registry.Insert(conn)
}

// Failed implements transport.ConnectionSink.
func (c *NodeController) Failed(conn *peer.Connection, err error) {
	c.Registry.HardClose(conn, err != nil, err)
}

// Start opens every driver's I/O, begins accepting/dialing, and launches the
// watchdog sweep and reconnect worker goroutines. A driver whose transport
// is configured optional and fails to open is logged and dropped; any other
// open failure aborts Start.
func (c *NodeController) Start() error {
	for name, d := range c.Drivers {
		if err := d.OpenIO(); err != nil {
			usage := c.Settings.TCPUsage
			if name == "sctp" {
				usage = c.Settings.SCTPUsage
			}
			if usage != config.TransportOptional {
				return err
			}
			config.Logger().Warnw("optional transport failed to open, skipping it", "transport", name, "error", err)
			delete(c.Drivers, name)
		}
	}
	for _, d := range c.Drivers {
		d.Start()
	}

	c.running.Store(true)

	c.wg.Add(2)
	go c.watchdogSweep()
	go c.reconnectWorker()
	return nil
}

// Stop initiates a graceful shutdown: every ready connection is sent a
// Disconnect-Peer-Request, then every driver is given deadlineMs to drain
// before its sockets are forced closed. Stop does not wait for peers to
// answer with a DPA — see DESIGN.md's open-question decision on this.
func (c *NodeController) Stop(deadlineMs int) {
	c.running.Store(false)

	deadline := time.Now().Add(time.Duration(deadlineMs) * time.Millisecond)
	c.Registry.SetStopping(deadline)

	for _, conn := range c.Registry.Snapshot() {
		if conn.State == peer.StateReady {
			c.Registry.SetState(conn, peer.StateClosing)
			c.Engine.SendDPR(conn, peer.DisconnectCauseRebooting)
		}
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	for _, d := range c.Drivers {
		d.InitiateStop(deadlineMs)
	}
	c.wg.Wait()

	for _, conn := range c.Registry.Snapshot() {
		c.Registry.HardClose(conn, true, nil)
	}
}

// WaitForConnection blocks until a ready connection to peerHost exists, or
// timeout elapses. It polls the registry under its own connAvailable
// condition, never the PeerRegistry's mutex directly — the two
// mutex/condition pairs stay independent.
func (c *NodeController) WaitForConnection(peerHost string, timeout time.Duration) (*peer.Connection, error) {
	deadline := time.Now().Add(timeout)

	c.connAvailMu.Lock()
	defer c.connAvailMu.Unlock()

	for {
		if conn, ok := c.Registry.FindReadyByHostId(peerHost); ok {
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, peer.ErrTimeout
		}

		timer := time.AfterFunc(remaining, func() {
			c.connAvailMu.Lock()
			c.connAvailCond.Broadcast()
			c.connAvailMu.Unlock()
		})
		c.connAvailCond.Wait()
		timer.Stop()

		if time.Now().After(deadline) {
			if _, ok := c.Registry.FindReadyByHostId(peerHost); !ok {
				return nil, peer.ErrTimeout
			}
		}
	}
}

// SendMessage stamps and sends msg on the ready connection to peerHost.
func (c *NodeController) SendMessage(peerHost string, msg *avp.Message) error {
	if !c.running.Load() {
		return peer.ErrNotRunning
	}
	conn, ok := c.Registry.FindReadyByHostId(peerHost)
	if !ok {
		return peer.ErrUnknownPeer
	}
	msg.HopByHopId = c.Registry.NextHopByHop(conn)
	msg.EndToEndId = c.State.NextEndToEndId()
	return conn.Driver.Send(conn, msg)
}

// watchdogSweep periodically polls every connection's timers and acts on
// whatever CalcAction reports, since each driver's read loop blocks on I/O
// and cannot itself notice an elapsed deadline.
func (c *NodeController) watchdogSweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			snapshot := c.Registry.Snapshot()
			counts := make(map[string]int)
			for _, conn := range snapshot {
				ready := conn.State == peer.StateReady
				counts[conn.State.String()]++
				switch conn.Timers.CalcAction(ready) {
				case peer.ActionSendDWR:
					c.Engine.SendDWR(conn)
				case peer.ActionDisconnectNoCER, peer.ActionDisconnectNoDW, peer.ActionDisconnectIdle:
					c.Registry.HardClose(conn, true, errors.New("watchdog timeout"))
				}
			}
			if c.Metrics != nil {
				for _, s := range allConnectionStates {
					c.Metrics.SetConnectionCount(s, counts[s])
				}
			}
		}
	}
}

// allConnectionStates lists every peer.ConnectionState name except tls (a
// state no driver enters), so SetConnectionCount zeroes out states with no
// current connections instead of leaving their gauge at a stale nonzero
// value.
var allConnectionStates = []string{
	peer.StateConnecting.String(),
	peer.StateConnectedIn.String(),
	peer.StateConnectedOut.String(),
	peer.StateReady.String(),
	peer.StateClosing.String(),
	peer.StateClosed.String(),
}

// reconnectWorker dials every persistent peer lacking a ready connection,
// waking every reconnectInterval or whenever the registry's state changes
// (a connection goes down, or Stop is called), mirroring updatePeersTable
// (diamserver/peerManager.go) re-expressed without an actor loop.
func (c *NodeController) reconnectWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if c.Registry.Stopping() {
			return
		}

		for _, pp := range c.Registry.PersistentPeers() {
			if pp.ConnectionPolicy != "active" {
				continue
			}
			if _, ok := c.Registry.FindReadyByHostId(pp.DiameterHost); ok {
				continue
			}
			c.dialPersistent(pp)
		}

		c.Registry.WaitReconnectTick(c.reconnectInterval)
	}
}

func (c *NodeController) dialPersistent(pp config.PersistentPeer) {
	driver, ok := c.Drivers["tcp"]
	if !ok {
		for _, d := range c.Drivers {
			driver = d
			break
		}
	}
	if driver == nil {
		return
	}

	watchdogMs := pp.WatchdogIntervalMillis
	if watchdogMs == 0 {
		watchdogMs = c.Settings.WatchdogIntervalMillis
	}
	conn := driver.NewConnection(watchdogMs, c.Settings.IdleTimeoutMillis)
	conn.Persistent = true
	c.Registry.Insert(conn)

	// Host here is the dial address, not the peer identity: the driver uses
	// it only to open the socket. The negotiated identity (conn.HostId,
	// Peer{Host: <Origin-Host>}) is established once CER/CEA completes.
	p := peer.Peer{Host: pp.IPAddress, Port: pp.Port, Transport: peer.TransportTCP}
	if !driver.InitiateConnection(conn, p) {
		c.Registry.HardClose(conn, true, errors.New("unable to initiate connection to configured peer"))
	}
}
