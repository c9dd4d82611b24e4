//go:build sctp

// SCTP support is opt-in (go build -tags sctp) because
// github.com/ishidawataru/sctp requires Linux kernel SCTP support that is
// frequently absent from CI/build containers, matching the manifest-only
// presence of this dependency in the retrieved corpus.
package transport

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ishidawataru/sctp"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/peer"
)

type sctpSocket struct {
	conn    *sctp.SCTPConn
	writeMu sync.Mutex
}

// SCTPDriver is a peer.TransportDriver over SCTP, structurally mirroring
// TCPDriver (see tcp.go) since RFC 3588 treats both transports identically
// above the byte stream.
type SCTPDriver struct {
	BindAddress string
	BindPort    int
	Dict        *avp.Dictionary
	Engine      *peer.Engine
	Sink        ConnectionSink

	listener *sctp.SCTPListener

	mu      sync.Mutex
	sockets map[peer.ConnectionKey]*sctpSocket

	nextKey  uint64
	stopping atomic.Bool
	wg       sync.WaitGroup
}

func NewSCTPDriver(bindAddress string, bindPort int, dict *avp.Dictionary, engine *peer.Engine, sink ConnectionSink) *SCTPDriver {
	return &SCTPDriver{
		BindAddress: bindAddress,
		BindPort:    bindPort,
		Dict:        dict,
		Engine:      engine,
		Sink:        sink,
		sockets:     make(map[peer.ConnectionKey]*sctpSocket),
	}
}

func (d *SCTPDriver) Name() string { return "sctp" }

func (d *SCTPDriver) OpenIO() error {
	if d.BindPort == 0 {
		return nil
	}
	ips := []net.IP{net.ParseIP(d.BindAddress)}
	if ips[0] == nil {
		ips = nil
	}
	l, err := sctp.ListenSCTP("sctp", &sctp.SCTPAddr{IP: ips, Port: d.BindPort})
	if err != nil {
		return err
	}
	d.listener = l
	return nil
}

func (d *SCTPDriver) CloseIO() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}

func (d *SCTPDriver) Start() {
	if d.listener == nil {
		return
	}
	d.wg.Add(1)
	go d.acceptLoop()
}

func (d *SCTPDriver) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.AcceptSCTP()
		if err != nil {
			if d.stopping.Load() {
				return
			}
			continue
		}
		d.wg.Add(1)
		go d.handleInbound(conn)
	}
}

func (d *SCTPDriver) handleInbound(conn *sctp.SCTPConn) {
	defer d.wg.Done()

	key := d.allocateKey()
	c := peer.NewConnection(key, d)
	c.State = peer.StateConnectedIn
	c.Timers = d.defaultTimers()

	d.mu.Lock()
	d.sockets[key] = &sctpSocket{conn: conn}
	d.mu.Unlock()

	if d.Sink != nil {
		d.Sink.Accepted(c)
	}

	d.readLoop(c, conn)
}

func (d *SCTPDriver) InitiateConnection(conn *peer.Connection, p peer.Peer) bool {
	if p.Port == 0 {
		return false
	}
	d.wg.Add(1)
	go d.dial(conn, p)
	return true
}

func (d *SCTPDriver) dial(conn *peer.Connection, p peer.Peer) {
	defer d.wg.Done()

	raddr, err := sctp.ResolveSCTPAddr("sctp", fmt.Sprintf("%s:%d", p.Host, p.Port))
	if err != nil {
		if d.Sink != nil {
			d.Sink.Failed(conn, err)
		}
		return
	}

	sc, err := sctp.DialSCTP("sctp", nil, raddr)
	if err != nil {
		if d.Sink != nil {
			d.Sink.Failed(conn, err)
		}
		return
	}

	d.mu.Lock()
	d.sockets[conn.Key] = &sctpSocket{conn: sc}
	d.mu.Unlock()

	if d.Engine != nil {
		d.Engine.SendCER(conn)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.readLoop(conn, sc)
	}()
}

func (d *SCTPDriver) readLoop(conn *peer.Connection, sc *sctp.SCTPConn) {
	reader := bufio.NewReader(sc)
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

		if !d.Engine.HandleMessage(conn, msg, nil) {
			if d.Sink != nil {
				d.Sink.Failed(conn, nil)
			}
			d.dropSocket(conn.Key)
			return
		}
	}
}

func (d *SCTPDriver) Send(conn *peer.Connection, msg *avp.Message) error {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	d.mu.Unlock()
	if !ok {
		return peer.ErrStaleConnection
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := msg.WriteTo(s.conn)
	return err
}

func (d *SCTPDriver) Close(conn *peer.Connection, reset bool) {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	delete(d.sockets, conn.Key)
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = s.conn.Close()
}

func (d *SCTPDriver) dropSocket(key peer.ConnectionKey) {
	d.mu.Lock()
	if s, ok := d.sockets[key]; ok {
		_ = s.conn.Close()
		delete(d.sockets, key)
	}
	d.mu.Unlock()
}

func (d *SCTPDriver) LocalAddresses(conn *peer.Connection) []net.IP {
	d.mu.Lock()
	s, ok := d.sockets[conn.Key]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	addr, ok := s.conn.LocalAddr().(*sctp.SCTPAddr)
	if !ok || len(addr.IP) == 0 {
		return nil
	}
	return addr.IP
}

func (d *SCTPDriver) NewConnection(watchdogMs, idleMs int) *peer.Connection {
	key := d.allocateKey()
	conn := peer.NewConnection(key, d)
	conn.Timers = peer.NewConnectionTimers(
		time.Duration(watchdogMs)*time.Millisecond,
		time.Duration(idleMs)*time.Millisecond,
		rand.New(rand.NewSource(time.Now().UnixNano())),
	)
	return conn
}

func (d *SCTPDriver) InitiateStop(deadlineMs int) {
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

func (d *SCTPDriver) Wakeup() {}

func (d *SCTPDriver) defaultTimers() peer.ConnectionTimers {
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

func (d *SCTPDriver) allocateKey() peer.ConnectionKey {
	k := atomic.AddUint64(&d.nextKey, 1)
	return peer.ConnectionKey(2<<60 | k)
}
