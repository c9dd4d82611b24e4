package transport

import (
	"net"
	"testing"
	"time"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/node"
	"github.com/francistor/diameternode/peer"
)

type allowAllValidator struct {
	declare config.Capability
}

func (v allowAllValidator) AuthenticateNode(originHost string, remoteAddr net.IP) (bool, uint32) {
	return true, 0
}

func (v allowAllValidator) AuthorizeNode(peerHost string, reported config.Capability) config.Capability {
	return v.declare.Intersect(reported)
}

func (v allowAllValidator) Declared() config.Capability {
	return v.declare
}

func newEngineForHost(host string) *peer.Engine {
	settings := &config.NodeSettings{
		OriginHost:             host,
		OriginRealm:            "example",
		WatchdogIntervalMillis: 30000,
		IdleTimeoutMillis:      0,
	}
	state := node.NewState(host)
	validator := allowAllValidator{declare: config.Capability{AuthApplications: []uint32{4}}}
	var registry nopRegistry
	return peer.NewEngine(settings, state, avp.Base, validator, nil, nil, registry, nil)
}

// nopRegistry is a minimal peer.Registry good enough to exercise a single
// CER/CEA exchange without election or close semantics.
type nopRegistry struct{}

func (nopRegistry) FindReadyByHostId(string) (*peer.Connection, bool) { return nil, false }
func (nopRegistry) MarkReady(conn *peer.Connection, p peer.Peer) {
	conn.State = peer.StateReady
	conn.Peer = p
}
func (nopRegistry) HardClose(conn *peer.Connection, reset bool, err error) { conn.State = peer.StateClosed }
func (nopRegistry) NextHopByHop(conn *peer.Connection) uint32              { return conn.NextHopByHop() }
func (nopRegistry) SetState(conn *peer.Connection, state peer.ConnectionState) { conn.State = state }

func TestTCPDriverCEROverLoopback(t *testing.T) {
	serverEngine := newEngineForHost("server.example")

	// Pick a free port since TCPDriver's BindPort:0 means "disabled".
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	serverDriver := NewTCPDriver("127.0.0.1", addr.Port, avp.Base, serverEngine, nil)
	if err := serverDriver.OpenIO(); err != nil {
		t.Fatalf("OpenIO: %v", err)
	}
	serverDriver.Start()
	defer serverDriver.InitiateStop(100)

	clientEngine := newEngineForHost("client.example")
	clientDriver := NewTCPDriver("127.0.0.1", 0, avp.Base, clientEngine, nil)

	conn := clientDriver.NewConnection(30000, 0)
	p := peer.Peer{Host: "127.0.0.1", Port: addr.Port, Transport: peer.TransportTCP}

	if ok := clientDriver.InitiateConnection(conn, p); !ok {
		t.Fatalf("expected InitiateConnection to accept a routable address")
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.State != peer.StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for client connection to reach ready, state=%s", conn.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if conn.HostId != "server.example" {
		t.Fatalf("expected client to learn server's host id, got %q", conn.HostId)
	}
}

func TestTCPDriverRejectsZeroPortOutbound(t *testing.T) {
	driver := NewTCPDriver("127.0.0.1", 0, avp.Base, nil, nil)
	conn := driver.NewConnection(30000, 0)
	p := peer.Peer{Host: "127.0.0.1", Port: 0, Transport: peer.TransportTCP}
	if driver.InitiateConnection(conn, p) {
		t.Fatalf("expected InitiateConnection to reject a zero port")
	}
}
