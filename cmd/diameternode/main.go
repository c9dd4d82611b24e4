// Command diameternode runs a standalone Diameter base-protocol peer node:
// it loads node and peer configuration, opens the configured transports,
// and keeps persistent peers connected until told to stop. Mirrors main.go's
// boot sequence, rebuilt around controller.NodeController instead of a
// routerInputChannel/updateDiameterPeers actor loop.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/controller"
	"github.com/francistor/diameternode/metrics"
	"github.com/francistor/diameternode/node"
	"github.com/francistor/diameternode/peer"
	"github.com/francistor/diameternode/registry"
	"github.com/francistor/diameternode/transport"
)

func main() {
	bootDir := flag.String("boot", "resources", "directory holding node.json and peers.json")
	instance := flag.String("instance", "", "instance name overlay")
	flag.Parse()

	log := config.Logger()

	loader := config.FileLoader{BaseDir: *bootDir, Instance: *instance}

	settings, err := config.Load[config.NodeSettings](loader, "node.json")
	if err != nil {
		log.Fatalw("failed to load node settings", "error", err)
	}

	var rawPeers []config.PersistentPeer
	if b, err := loader.Load("peers.json"); err == nil {
		if err := json.Unmarshal(b, &rawPeers); err != nil {
			log.Fatalw("failed to parse peers.json", "error", err)
		}
	}

	state := node.NewState(settings.OriginHost)

	promReg := prometheus.NewRegistry()
	rec := metrics.New(promReg)

	// registry.New(nil): the controller is the sole ConnectionListener, wired
	// through Engine.Listener below. Passing the controller here too would
	// fire ConnectionUp/ConnectionDown twice per event, since Engine's
	// handleCER/handleCEA already call e.Listener directly in addition to
	// whatever MarkReady/HardClose notify.
	reg := registry.New(nil)

	persistentPeers, err := config.NewPersistentPeers(rawPeers)
	if err != nil {
		log.Fatalw("failed to cook configured peers", "error", err)
	}
	for _, p := range persistentPeers {
		reg.AddPersistentPeer(p)
	}

	// Peers must carry the same persistentPeers set the registry dials: an
	// empty/nil Peers map makes AuthenticateNode reject every inbound CER.
	validator := peer.DefaultValidator{Peers: persistentPeers, Declare: settings.Capabilities}

	drivers := make(map[string]peer.TransportDriver)

	var ctrl *controller.NodeController

	if settings.TCPUsage != config.TransportDisabled {
		tcpDriver := transport.NewTCPDriver(settings.BindAddress, settings.BindPort, avp.Base, nil, nil)
		drivers["tcp"] = tcpDriver
	}

	engine := peer.NewEngine(&settings, state, avp.Base, validator, peer.FuncDispatcher(dispatchEcho), nil, reg, rec)
	ctrl = controller.New(&settings, state, engine, reg, drivers)
	ctrl.Metrics = rec
	engine.Listener = ctrl

	if tcpDriver, ok := drivers["tcp"].(*transport.TCPDriver); ok {
		tcpDriver.Engine = engine
		tcpDriver.Sink = ctrl
	}

	if err := ctrl.Start(); err != nil {
		log.Fatalw("failed to start node controller", "error", err)
	}
	log.Infow("diameter node started", "originHost", settings.OriginHost, "bindPort", settings.BindPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infow("shutting down")
	ctrl.Stop(5000)
}

// dispatchEcho answers every request with its own command, mirroring
// MyMessageHandler's test-handler shape until a real application layer is
// wired in above this node.
func dispatchEcho(conn *peer.Connection, req *avp.Message) (*avp.Message, bool, error) {
	return avp.NewAnswer(req), true, nil
}

