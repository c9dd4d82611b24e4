// Package transport provides peer.TransportDriver implementations: TCPDriver
// here, an SCTPDriver behind the sctp build tag. Mirrors the
// connect/readLoop/eventLoop split in diampeer/diamPeer.go, re-expressed as
// one goroutine per connection instead of a per-peer actor, favoring
// parallel threads over explicit locks rather than channel-driven actors.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/peer"
)

// ConnectionSink is the subset of controller behavior a driver needs on
// every newly accepted connection and on every terminal error,
// defined consumer-side so transport never imports the registry package
// (see the module's dependency direction: transport depends on peer, avp,
// config only).
type ConnectionSink interface {
	// Accepted registers a freshly accepted inbound Connection (state
	// connected_in) before any message is processed on it. Outbound
	// connections are not reported here; the caller of NewConnection and
	// InitiateConnection registers them itself.
	Accepted(conn *peer.Connection)
	// Failed reports a connection that must be torn down, with the
	// triggering error (nil for a clean engine-requested close).
	Failed(conn *peer.Connection, err error)
}

type tcpSocket struct {
	netConn net.Conn
	writeMu sync.Mutex
}

// TCPDriver is a peer.TransportDriver over plain TCP, grounded on the
// teacher's NewActiveDiameterPeer/NewPassiveDiameterPeer/connect/readLoop.
type TCPDriver struct {
	BindAddress string
	BindPort    int
	Dict        *avp.Dictionary
	Engine      *peer.Engine
	Sink        ConnectionSink

	listener net.Listener

	mu      sync.Mutex
	sockets map[peer.ConnectionKey]*tcpSocket

	nextKey  uint64
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewTCPDriver wires a TCPDriver. Engine and Sink may be nil here and set on
// the fields before Start (cmd/diameternode does so), which keeps transport
// decoupled from registry.
func NewTCPDriver(bindAddress string, bindPort int, dict *avp.Dictionary, engine *peer.Engine, sink ConnectionSink) *TCPDriver {
	return &TCPDriver{
		BindAddress: bindAddress,
		BindPort:    bindPort,
		Dict:        dict,
		Engine:      engine,
		Sink:        sink,
		sockets:     make(map[peer.ConnectionKey]*tcpSocket),
	}
}

func (d *TCPDriver) Name() string { return "tcp" }

// OpenIO binds the listening socket; a zero BindPort means this node does
// not accept inbound TCP connections (outbound-only operation).
func (d *TCPDriver) OpenIO() error {
	if d.BindPort == 0 {
		return nil
	}
	l, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", d.BindAddress, d.BindPort))
	if err != nil {
		return err
	}
	d.listener = l
	return nil
}

func (d *TCPDriver) CloseIO() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}

// Start runs the accept loop until the listener is closed by InitiateStop.
func (d *TCPDriver) Start() {
	if d.listener == nil {
		return
	}
	d.wg.Add(1)
	go d.acceptLoop()
}

func (d *TCPDriver) acceptLoop() {
	defer d.wg.Done()
	for {
		netConn, err := d.listener.Accept()
		if err != nil {
			if d.stopping.Load() {
				return
			}
			continue
		}
		d.wg.Add(1)
		go d.handleInbound(netConn)
	}
}

func (d *TCPDriver) handleInbound(netConn net.Conn) {
	defer d.wg.Done()

	key := d.allocateKey()
	conn := peer.NewConnection(key, d)
	conn.State = peer.StateConnectedIn
	conn.Timers = d.defaultTimers()

	d.mu.Lock()
	d.sockets[key] = &tcpSocket{netConn: netConn}
	d.mu.Unlock()

	if d.Sink != nil {
		d.Sink.Accepted(conn)
	}

	d.readLoop(conn, netConn)
}

// InitiateConnection dials p in a new goroutine; on success it sends CER and
// starts the connection's read loop, on failure it reports through Sink.
func (d *TCPDriver) InitiateConnection(conn *peer.Connection, p peer.Peer) bool {
	if p.Port == 0 {
		return false
	}
	d.wg.Add(1)
	go d.dial(conn, p)
	return true
}

func (d *TCPDriver) dial(conn *peer.Connection, p peer.Peer) {
	defer d.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp4", fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		if d.Sink != nil {
			d.Sink.Failed(conn, err)
		}
		return
	}

	d.mu.Lock()
	d.sockets[conn.Key] = &tcpSocket{netConn: netConn}
	d.mu.Unlock()

	if d.Engine != nil {
		d.Engine.SendCER(conn)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readLoop(conn, netConn)
	}()
}

// readLoop decodes one message at a time and hands each to the engine,
// mirroring readLoop (diampeer/diamPeer.go), generalized to call the
// engine synchronously on this goroutine rather than posting to an actor
// channel.
func (d *TCPDriver) readLoop(conn *peer.Connection, netConn net.Conn) {
	reader := bufio.NewReader(netConn)
	remoteAddr := remoteIP(netConn)

	for {
		msg, err := avp.ReadMessage(reader, d.Dict)
		if err != nil {
			if err != io.EOF && d.Sink != nil {
				d.Sink.Failed(conn, err)
			} else if d.Sink != nil {
				d.Sink.Failed(conn, nil)
			}
			d.dropSocket(conn.Key)
			return
		}

		keepOpen := d.Engine.HandleMessage(conn, msg, remoteAddr)
		if !keepOpen {
			if d.Sink != nil {
				d.Sink.Failed(conn, nil)
			}
			d.dropSocket(conn.Key)
			return
		}
	}
}

func remoteIP(netConn net.Conn) net.IP {
	addr, ok := netConn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// Send writes one message on conn's socket; writeMu serializes concurrent
// senders (the engine and the watchdog ticker can both call Send).
func (d *TCPDriver) Send(conn *peer.Connection, msg *avp.Message) error {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	d.mu.Unlock()
	if !ok {
		return peer.ErrStaleConnection
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := msg.WriteTo(s.netConn)
	return err
}

// Close shuts down conn's socket; reset=true skips the TCP graceful close.
func (d *TCPDriver) Close(conn *peer.Connection, reset bool) {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	delete(d.sockets, conn.Key)
	d.mu.Unlock()
	if !ok {
		return
	}
	if reset {
		if tc, ok := s.netConn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
	}
	_ = s.netConn.Close()
}

func (d *TCPDriver) dropSocket(key peer.ConnectionKey) {
	d.mu.Lock()
	if s, ok := d.sockets[key]; ok {
		_ = s.netConn.Close()
		delete(d.sockets, key)
	}
	d.mu.Unlock()
}

// LocalAddresses reports conn's local IP, used for Host-IP-Address.
func (d *TCPDriver) LocalAddresses(conn *peer.Connection) []net.IP {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	addr, ok := s.netConn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return []net.IP{addr.IP}
}

// NewConnection allocates an outbound Connection handle, not yet dialed.
func (d *TCPDriver) NewConnection(watchdogMs, idleMs int) *peer.Connection {
	key := d.allocateKey()
	conn := peer.NewConnection(key, d)
	conn.Timers = peer.NewConnectionTimers(
		time.Duration(watchdogMs)*time.Millisecond,
		time.Duration(idleMs)*time.Millisecond,
		rand.New(rand.NewSource(time.Now().UnixNano())),
	)
	return conn
}

// InitiateStop closes the listener so the accept loop exits, then waits up
// to deadlineMs for in-flight goroutines to unwind.
func (d *TCPDriver) InitiateStop(deadlineMs int) {
	d.stopping.Store(true)
	_ = d.CloseIO()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(deadlineMs) * time.Millisecond):
	}
}

// Wakeup is a no-op for TCPDriver: each connection has its own blocking
// read goroutine, so there is no shared event loop to interrupt.
func (d *TCPDriver) Wakeup() {}

// defaultTimers builds ConnectionTimers from the node's configured watchdog
// and idle intervals, used for connections the driver itself accepts (an
// outbound Connection gets its timers from NewConnection's caller instead).
func (d *TCPDriver) defaultTimers() peer.ConnectionTimers {
	watchdogMs, idleMs := 30000, 0
	if d.Engine != nil && d.Engine.Settings != nil {
		watchdogMs = d.Engine.Settings.WatchdogIntervalMillis
		idleMs = d.Engine.Settings.IdleTimeoutMillis
	}
	return peer.NewConnectionTimers(
		time.Duration(watchdogMs)*time.Millisecond,
		time.Duration(idleMs)*time.Millisecond,
		rand.New(rand.NewSource(time.Now().UnixNano())),
	)
}

func (d *TCPDriver) allocateKey() peer.ConnectionKey {
	k := atomic.AddUint64(&d.nextKey, 1)
	// Tag the high bits with this transport so keys stay globally unique
	// across drivers sharing one PeerRegistry.
	return peer.ConnectionKey(1<<60 | k)
}
