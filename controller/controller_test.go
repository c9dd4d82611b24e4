package controller

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/node"
	"github.com/francistor/diameternode/peer"
	"github.com/francistor/diameternode/registry"
)

type fakeDriver struct {
	name         string
	sent         []*avp.Message
	initiateOK   bool
	initiateSeen []peer.Peer
	stopped      bool
}

func (f *fakeDriver) Name() string      { return f.name }
func (f *fakeDriver) OpenIO() error     { return nil }
func (f *fakeDriver) CloseIO() error    { return nil }
func (f *fakeDriver) Start()            {}
func (f *fakeDriver) InitiateStop(int)  { f.stopped = true }
func (f *fakeDriver) Wakeup()           {}
func (f *fakeDriver) NewConnection(watchdogMs, idleMs int) *peer.Connection {
	conn := peer.NewConnection(0, f)
	conn.Timers = peer.NewConnectionTimers(time.Duration(watchdogMs)*time.Millisecond, time.Duration(idleMs)*time.Millisecond, rand.New(rand.NewSource(1)))
	return conn
}
func (f *fakeDriver) InitiateConnection(conn *peer.Connection, p peer.Peer) bool {
	f.initiateSeen = append(f.initiateSeen, p)
	return f.initiateOK
}
func (f *fakeDriver) Close(conn *peer.Connection, reset bool)        {}
func (f *fakeDriver) LocalAddresses(conn *peer.Connection) []net.IP { return nil }
func (f *fakeDriver) Send(conn *peer.Connection, msg *avp.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

type allowValidator struct{ declare config.Capability }

func (v allowValidator) AuthenticateNode(string, net.IP) (bool, uint32) { return true, 0 }
func (v allowValidator) AuthorizeNode(string, config.Capability) config.Capability {
	return v.declare
}
func (v allowValidator) Declared() config.Capability { return v.declare }

func newTestController(t *testing.T, driver *fakeDriver) *NodeController {
	t.Helper()
	settings := &config.NodeSettings{
		OriginHost:             "a.example",
		OriginRealm:            "example",
		WatchdogIntervalMillis: 30000,
	}
	state := node.NewState(settings.OriginHost)
	reg := registry.New(nil)
	c := New(settings, state, nil, reg, map[string]peer.TransportDriver{driver.name: driver})
	c.Engine = newEngineFor(settings, state, reg, c)
	return c
}

func newEngineFor(settings *config.NodeSettings, state *node.State, reg *registry.PeerRegistry, listener peer.ConnectionListener) *peer.Engine {
	validator := allowValidator{declare: config.Capability{AuthApplications: []uint32{4}}}
	return peer.NewEngine(settings, state, avp.Base, validator, nil, listener, reg, nil)
}

func TestWaitForConnectionTimesOutWhenNeverReady(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)

	_, err := c.WaitForConnection("b.example", 50*time.Millisecond)
	if err != peer.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestWaitForConnectionReturnsOnceReady(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)

	conn := peer.NewConnection(1, driver)
	conn.State = peer.StateConnectedIn
	c.Registry.Insert(conn)

	done := make(chan struct{})
	go func() {
		_, err := c.WaitForConnection("b.example", 2*time.Second)
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Registry.MarkReady(conn, peer.Peer{Host: "b.example", Port: 3868, Transport: peer.TransportTCP})
	c.ConnectionUp(conn)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected WaitForConnection to return after ConnectionUp")
	}
}

func TestStopSendsDPRToReadyConnections(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)

	conn := peer.NewConnection(1, driver)
	conn.State = peer.StateReady
	conn.HostId = "b.example"
	c.Registry.Insert(conn)

	c.Stop(50)

	if len(driver.sent) != 1 {
		t.Fatalf("expected exactly one DPR sent, got %d", len(driver.sent))
	}
	if driver.sent[0].CommandCode != avp.CommandDisconnectPeer {
		t.Fatalf("expected a Disconnect-Peer-Request")
	}
	if !driver.stopped {
		t.Fatalf("expected the driver's InitiateStop to be called")
	}
}

func TestWatchdogSweepClosesIdleConnection(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)
	c.watchdogInterval = 10 * time.Millisecond

	conn := peer.NewConnection(1, driver)
	conn.State = peer.StateReady
	conn.Timers = peer.NewConnectionTimers(time.Hour, 5*time.Millisecond, rand.New(rand.NewSource(1)))
	c.Registry.Insert(conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(50)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Registry.Lookup(conn.Key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected watchdog sweep to close the idle connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSendMessageFailsBeforeStart(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)

	err := c.SendMessage("b.example", &avp.Message{})
	if err != peer.ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

type fakeGauge struct {
	counts map[string]int
}

func (g *fakeGauge) SetConnectionCount(state string, n int) {
	if g.counts == nil {
		g.counts = make(map[string]int)
	}
	g.counts[state] = n
}

func TestWatchdogSweepReportsConnectionCounts(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	c := newTestController(t, driver)
	c.watchdogInterval = 10 * time.Millisecond
	gauge := &fakeGauge{}
	c.Metrics = gauge

	conn := peer.NewConnection(1, driver)
	conn.State = peer.StateReady
	conn.Timers = peer.NewConnectionTimers(time.Hour, 0, rand.New(rand.NewSource(1)))
	c.Registry.Insert(conn)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(50)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if gauge.counts[peer.StateReady.String()] == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected watchdog sweep to report one ready connection")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnectWorkerDialsActivePersistentPeer(t *testing.T) {
	driver := &fakeDriver{name: "tcp", initiateOK: true}
	c := newTestController(t, driver)
	c.reconnectInterval = 2 * time.Second

	c.Registry.AddPersistentPeer(config.PersistentPeer{
		DiameterHost:     "b.example",
		IPAddress:        "192.0.2.1",
		Port:             3868,
		ConnectionPolicy: "active",
	})

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(50)

	deadline := time.Now().Add(2 * time.Second)
	for len(driver.initiateSeen) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected reconnect worker to dial the configured peer")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if driver.initiateSeen[0].Host != "192.0.2.1" {
		t.Fatalf("expected dial to target the configured IP address, got %q", driver.initiateSeen[0].Host)
	}
}
