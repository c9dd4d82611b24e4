package peer

import (
	"net"
	"testing"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/node"
)

// fakeDriver records every message sent on a connection and stubs
// TransportDriver enough to exercise the engine.
type fakeDriver struct {
	name string
	sent []*avp.Message
}

func (f *fakeDriver) Name() string                                       { return f.name }
func (f *fakeDriver) OpenIO() error                                      { return nil }
func (f *fakeDriver) CloseIO() error                                     { return nil }
func (f *fakeDriver) Start()                                             {}
func (f *fakeDriver) InitiateStop(int)                                   {}
func (f *fakeDriver) Wakeup()                                            {}
func (f *fakeDriver) NewConnection(watchdogMs, idleMs int) *Connection   { return nil }
func (f *fakeDriver) InitiateConnection(conn *Connection, p Peer) bool   { return true }
func (f *fakeDriver) Close(conn *Connection, reset bool)                 {}
func (f *fakeDriver) LocalAddresses(conn *Connection) []net.IP           { return []net.IP{net.ParseIP("127.0.0.1")} }
func (f *fakeDriver) Send(conn *Connection, msg *avp.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

// fakeRegistry is a minimal in-memory Registry stub for engine tests.
type fakeRegistry struct {
	readyByHost map[string]*Connection
	closed      []*Connection
	hopByHop    uint32
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{readyByHost: make(map[string]*Connection)}
}

func (r *fakeRegistry) FindReadyByHostId(hostId string) (*Connection, bool) {
	c, ok := r.readyByHost[hostId]
	return c, ok
}

func (r *fakeRegistry) MarkReady(conn *Connection, p Peer) {
	conn.State = StateReady
	conn.Peer = p
	r.readyByHost[p.Host] = conn
}

func (r *fakeRegistry) HardClose(conn *Connection, reset bool, err error) {
	conn.State = StateClosed
	r.closed = append(r.closed, conn)
	for h, c := range r.readyByHost {
		if c == conn {
			delete(r.readyByHost, h)
		}
	}
}

func (r *fakeRegistry) NextHopByHop(conn *Connection) uint32 {
	r.hopByHop++
	return r.hopByHop
}

func (r *fakeRegistry) SetState(conn *Connection, state ConnectionState) {
	conn.State = state
}

type fakeValidator struct {
	allow   bool
	declare config.Capability
}

func (v fakeValidator) AuthenticateNode(originHost string, remoteAddr net.IP) (bool, uint32) {
	if !v.allow {
		return false, ResultUnknownPeer
	}
	return true, 0
}

func (v fakeValidator) AuthorizeNode(peerHost string, reported config.Capability) config.Capability {
	return v.declare.Intersect(reported)
}

func (v fakeValidator) Declared() config.Capability {
	return v.declare
}

type fakeListener struct {
	ups   []*Connection
	downs []*Connection
}

func (l *fakeListener) ConnectionUp(conn *Connection)          { l.ups = append(l.ups, conn) }
func (l *fakeListener) ConnectionDown(conn *Connection, _ error) { l.downs = append(l.downs, conn) }

func newTestEngine(t *testing.T, driver *fakeDriver, registry *fakeRegistry, validator NodeValidator, listener ConnectionListener) *Engine {
	t.Helper()
	settings := &config.NodeSettings{OriginHost: "a.example", OriginRealm: "example", VendorId: 0}
	state := node.NewState(settings.OriginHost)
	return NewEngine(settings, state, avp.Base, validator, nil, listener, registry, nil)
}

func cerRequest(originHost string, authApp uint32) *avp.Message {
	m := avp.NewRequest(avp.Base, avp.AppCommon, avp.CommandCapabilitiesExchange)
	m.Add("Origin-Host", originHost)
	m.Add("Origin-Realm", "example")
	if authApp != 0 {
		m.Add("Auth-Application-Id", uint64(authApp))
	}
	return m
}

func TestScenarioACERSuccess(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	listener := &fakeListener{}
	validator := fakeValidator{allow: true, declare: config.Capability{AuthApplications: []uint32{4}}}
	e := newTestEngine(t, driver, registry, validator, listener)

	conn := &Connection{State: StateConnectedIn, Driver: driver}
	req := cerRequest("b.example", 4)

	ok := e.HandleMessage(conn, req, net.ParseIP("127.0.0.1"))
	if !ok {
		t.Fatalf("expected CER handling to keep the connection open")
	}
	if conn.State != StateReady {
		t.Fatalf("expected connection to reach ready, got %s", conn.State)
	}
	if len(driver.sent) != 1 {
		t.Fatalf("expected one CEA sent, got %d", len(driver.sent))
	}
	cea := driver.sent[0]
	if cea.GetUint("Result-Code") != ResultSuccess {
		t.Fatalf("expected CEA Result-Code SUCCESS, got %d", cea.GetUint("Result-Code"))
	}
	if len(listener.ups) != 1 {
		t.Fatalf("expected listener.ConnectionUp to fire once")
	}
}

func TestScenarioBMissingOriginHost(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true}
	e := newTestEngine(t, driver, registry, validator, nil)

	conn := &Connection{State: StateConnectedIn, Driver: driver}
	req := avp.NewRequest(avp.Base, avp.AppCommon, avp.CommandCapabilitiesExchange)

	ok := e.HandleMessage(conn, req, net.ParseIP("127.0.0.1"))
	if ok {
		t.Fatalf("expected connection to close on missing Origin-Host")
	}
	if len(driver.sent) != 1 || driver.sent[0].GetUint("Result-Code") != ResultMissingAVP {
		t.Fatalf("expected a MISSING_AVP CEA")
	}
}

func TestScenarioCElectionLoss(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true, declare: config.Capability{AuthApplications: []uint32{4}}}
	e := newTestEngine(t, driver, registry, validator, nil)
	// our host-id a.example < m.example
	existing := &Connection{State: StateReady, Driver: driver, HostId: "m.example"}
	registry.readyByHost["m.example"] = existing

	conn := &Connection{State: StateConnectedIn, Driver: driver}
	req := cerRequest("m.example", 4)

	ok := e.HandleMessage(conn, req, net.ParseIP("127.0.0.1"))
	if ok {
		t.Fatalf("expected election loss to close the new connection")
	}
	if driver.sent[0].GetUint("Result-Code") != ResultElectionLost {
		t.Fatalf("expected ELECTION_LOST, got %d", driver.sent[0].GetUint("Result-Code"))
	}
	if existing.State != StateReady {
		t.Fatalf("expected existing connection to remain ready")
	}
}

func TestScenarioDLoopDetected(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true, declare: config.Capability{AuthApplications: []uint32{4}}}
	e := newTestEngine(t, driver, registry, validator, nil)

	conn := &Connection{State: StateReady, Driver: driver, Peer: Peer{Capabilities: config.Capability{AuthApplications: []uint32{4}}}}
	req := avp.NewRequest(avp.Base, 4, 272) // some non-base application request
	req.Add("Route-Record", "x.example")
	req.Add("Route-Record", "a.example")
	req.Add("Auth-Application-Id", uint64(4))

	ok := e.HandleMessage(conn, req, nil)
	if !ok {
		t.Fatalf("loop rejection should keep the connection open")
	}
	if len(driver.sent) != 1 || driver.sent[0].GetUint("Result-Code") != ResultLoopDetected {
		t.Fatalf("expected LOOP_DETECTED answer")
	}
}

func TestApplicationFilter3GPPWrinkle(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true}
	e := newTestEngine(t, driver, registry, validator, nil)

	caps := config.Capability{VendorAuthApplications: []config.VendorApplication{{VendorId: 10415, ApplicationId: 16777251}}}
	conn := &Connection{State: StateReady, Driver: driver, Peer: Peer{Capabilities: caps}}

	req := avp.NewRequest(avp.Base, 16777251, 272)
	req.Add("Auth-Application-Id", uint64(16777251))

	ok := e.HandleMessage(conn, req, nil)
	if !ok {
		t.Fatalf("expected connection to stay open")
	}
	// The application filter accepts the 3GPP vendor-fallback match, so the
	// request reaches dispatch; with no Dispatcher configured the engine
	// must still answer (UNABLE_TO_DELIVER), not silently drop it, and
	// crucially must NOT answer APPLICATION_UNSUPPORTED.
	if len(driver.sent) != 1 {
		t.Fatalf("expected exactly one answer sent, got %d", len(driver.sent))
	}
	if got := driver.sent[0].GetUint("Result-Code"); got != ResultUnableToDeliver {
		t.Fatalf("expected UNABLE_TO_DELIVER (dispatcher absent), got %d", got)
	}
}

func TestApplicationFilterRejectsUnsupported(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true}
	e := newTestEngine(t, driver, registry, validator, nil)

	conn := &Connection{State: StateReady, Driver: driver, Peer: Peer{Capabilities: config.Capability{AuthApplications: []uint32{4}}}}
	req := avp.NewRequest(avp.Base, 9, 272)
	req.Add("Auth-Application-Id", uint64(9))

	ok := e.HandleMessage(conn, req, nil)
	if !ok {
		t.Fatalf("expected connection to stay open")
	}
	if len(driver.sent) != 1 || driver.sent[0].GetUint("Result-Code") != ResultApplicationUnsupport {
		t.Fatalf("expected APPLICATION_UNSUPPORTED answer")
	}
}

func TestDPRReceivedClosesAfterDPA(t *testing.T) {
	driver := &fakeDriver{name: "tcp"}
	registry := newFakeRegistry()
	validator := fakeValidator{allow: true}
	e := newTestEngine(t, driver, registry, validator, nil)

	conn := &Connection{State: StateReady, Driver: driver}
	dpr := avp.NewRequest(avp.Base, avp.AppCommon, avp.CommandDisconnectPeer)

	ok := e.HandleMessage(conn, dpr, nil)
	if ok {
		t.Fatalf("expected driver to close the connection after DPA")
	}
	if len(driver.sent) != 1 {
		t.Fatalf("expected exactly one DPA sent")
	}
}
