package peer

import (
	"net"
	"strings"

	"github.com/francistor/diameternode/avp"
	"github.com/francistor/diameternode/config"
	"github.com/francistor/diameternode/node"
)

// Result codes and disconnect causes from RFC 3588, grounded on the
// teacher's diamcodec result-code constants.
const (
	ResultSuccess              = 2001
	ResultUnableToDeliver      = 3002
	ResultLoopDetected         = 3005
	ResultApplicationUnsupport = 3007
	ResultUnknownPeer          = 3010
	ResultMissingAVP           = 5005
	ResultInvalidAVPValue      = 5004
	ResultInvalidAVPLength     = 5014
	ResultElectionLost         = 4003
	ResultNoCommonApplication  = 5010

	DisconnectCauseRebooting = 0
	DisconnectCauseBusy      = 1
)

// Registry is the subset of registry.PeerRegistry the engine needs,
// defined here (consumer side) to avoid an import cycle between peer and
// registry: registry imports peer for Connection, and peer references only
// this interface, never the concrete registry type.
type Registry interface {
	FindReadyByHostId(hostId string) (*Connection, bool)
	MarkReady(conn *Connection, p Peer)
	HardClose(conn *Connection, reset bool, err error)
	NextHopByHop(conn *Connection) uint32
	SetState(conn *Connection, state ConnectionState)
}

// Recorder is a minimal metrics sink the engine reports protocol events to.
// metrics.Registry implements this; it is defined here to avoid a peer
// <-> metrics import cycle.
type Recorder interface {
	Inc(event string)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string) {}

// Engine is the per-node ProtocolEngine: CER/CEA/DWR/DWA/DPR/DPA handling,
// election, loop detection and application filtering, mirroring the
// eventLoop command-dispatch switch and handleCER in diampeer/diamPeer.go,
// re-expressed as a stateless-per-call handler operating under the
// registry's mutex instead of a single-threaded actor loop.
type Engine struct {
	Settings  *config.NodeSettings
	State     *node.State
	Dict      *avp.Dictionary
	Validator NodeValidator
	Dispatch  Dispatcher
	Listener  ConnectionListener
	Registry  Registry
	Metrics   Recorder
}

// NewEngine builds an Engine, defaulting Metrics to a no-op sink if nil.
func NewEngine(settings *config.NodeSettings, state *node.State, dict *avp.Dictionary, validator NodeValidator, dispatch Dispatcher, listener ConnectionListener, registry Registry, metrics Recorder) *Engine {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Engine{Settings: settings, State: state, Dict: dict, Validator: validator, Dispatch: dispatch, Listener: listener, Registry: registry, Metrics: metrics}
}

// HandleMessage is the driver's entry point for every decoded frame.
// Returns false when the driver should close the connection.
func (e *Engine) HandleMessage(conn *Connection, msg *avp.Message, remoteAddr net.IP) bool {
	conn.Timers.MarkActivity()

	switch conn.State {
	case StateConnectedIn:
		if !msg.IsRequest || msg.ApplicationId != avp.AppCommon || msg.CommandCode != avp.CommandCapabilitiesExchange {
			return false
		}
		return e.handleCER(conn, msg, remoteAddr)

	case StateConnectedOut:
		if msg.IsRequest || msg.ApplicationId != avp.AppCommon || msg.CommandCode != avp.CommandCapabilitiesExchange {
			return false
		}
		return e.handleCEA(conn, msg)

	case StateReady, StateClosing:
		return e.handleReady(conn, msg)

	default:
		return false
	}
}

func (e *Engine) handleReady(conn *Connection, msg *avp.Message) bool {
	if msg.ApplicationId == avp.AppCommon {
		switch msg.CommandCode {
		case avp.CommandCapabilitiesExchange:
			return false // illegal in this state

		case avp.CommandDeviceWatchdog:
			if msg.IsRequest {
				return e.handleDWR(conn, msg)
			}
			return e.handleDWA(conn, msg)

		case avp.CommandDisconnectPeer:
			if msg.IsRequest {
				return e.handleDPR(conn, msg)
			}
			return e.handleDPA(conn, msg)
		}
		return false
	}

	conn.Timers.MarkRealActivity()

	if !msg.IsRequest {
		// Answers for application messages are out of scope for this
		// engine (no request/answer correlation — see Non-goals); drop.
		return true
	}

	if e.isLoop(msg) {
		e.Metrics.Inc("loop_detected")
		e.sendAnswer(conn, msg, ResultLoopDetected, nil)
		return true
	}

	if !e.isAllowedApplication(conn, msg) {
		e.Metrics.Inc("application_unsupported")
		e.sendAnswer(conn, msg, ResultApplicationUnsupport, nil)
		return true
	}

	if e.Dispatch == nil {
		e.sendAnswer(conn, msg, ResultUnableToDeliver, nil)
		return true
	}

	resp, ok, err := e.Dispatch.Dispatch(conn, msg)
	if err != nil || !ok {
		e.sendAnswer(conn, msg, ResultUnableToDeliver, nil)
		return true
	}
	if resp != nil {
		_ = conn.Driver.Send(conn, resp)
	}
	return true
}

// isLoop walks every Route-Record AVP, per RFC 3588 §6.1.3.
func (e *Engine) isLoop(msg *avp.Message) bool {
	for _, rr := range msg.AllAVP("Route-Record") {
		if strings.EqualFold(rr.GetString(), e.Settings.OriginHost) {
			return true
		}
	}
	return false
}

// isAllowedApplication implements application filtering, including the
// 3GPP interoperability wrinkle (vendor-specific auth-app cross-check).
func (e *Engine) isAllowedApplication(conn *Connection, msg *avp.Message) bool {
	caps := conn.Peer.Capabilities

	if a, ok := msg.FindAVP("Auth-Application-Id"); ok {
		appId := uint32(a.GetUint())
		if caps.HasAuthApplication(appId) {
			return true
		}
		// 3GPP wrinkle: CER advertised the app only inside a
		// Vendor-Specific-Application-Id; the live message carries the
		// plain Auth-Application-Id. Accept if any vendor-auth-app pair
		// matches this application id regardless of vendor.
		for _, va := range caps.VendorAuthApplications {
			if va.ApplicationId == appId {
				return true
			}
		}
		return false
	}

	if a, ok := msg.FindAVP("Acct-Application-Id"); ok {
		appId := uint32(a.GetUint())
		return caps.HasAcctApplication(appId)
	}

	if vsa, ok := msg.FindAVP("Vendor-Specific-Application-Id"); ok {
		vendorAVP, err := vsa.GetAVP("Vendor-Id")
		if err != nil {
			return false
		}
		vendorId := uint32(vendorAVP.GetUint())

		if authAVP, err := vsa.GetAVP("Auth-Application-Id"); err == nil {
			return caps.HasVendorAuthApplication(vendorId, uint32(authAVP.GetUint()))
		}
		if acctAVP, err := vsa.GetAVP("Acct-Application-Id"); err == nil {
			return caps.HasVendorAcctApplication(vendorId, uint32(acctAVP.GetUint()))
		}
		return false
	}

	return false
}

// handleCER processes an inbound Capabilities-Exchange-Request, mirroring
// handleCER in diampeer/diamPeer.go, extended with the RFC 3588 election
// algorithm.
func (e *Engine) handleCER(conn *Connection, msg *avp.Message, remoteAddr net.IP) bool {
	originHostAVP, ok := msg.FindAVP("Origin-Host")
	if !ok {
		e.sendAnswerWithFailedAVP(conn, msg, ResultMissingAVP, "Origin-Host")
		return false
	}
	originHost := originHostAVP.GetString()

	authOK, code := e.Validator.AuthenticateNode(originHost, remoteAddr)
	if !authOK {
		if code == 0 {
			code = ResultUnknownPeer
		}
		e.sendAnswer(conn, msg, code, nil)
		return false
	}

	// Election: byte-wise comparison of local vs. peer host-id.
	local := e.Settings.OriginHost
	if local == originHost {
		return false // suspected self-connection
	}
	if existing, found := e.Registry.FindReadyByHostId(originHost); found {
		if local > originHost {
			e.Registry.HardClose(existing, true, nil)
		} else {
			e.Metrics.Inc("election_lost")
			e.sendAnswer(conn, msg, ResultElectionLost, nil)
			return false
		}
	}

	reported := parseCapabilities(msg)
	result := e.Validator.AuthorizeNode(originHost, reported)
	if result.IsEmpty() {
		e.sendAnswer(conn, msg, ResultNoCommonApplication, nil)
		return false
	}

	conn.HostId = originHost
	p := Peer{Host: originHost, Transport: peerTransport(conn), Capabilities: result}

	cea := avp.NewAnswer(msg)
	e.addOriginAVPs(cea)
	cea.Add("Result-Code", uint64(ResultSuccess))
	e.pushCEAttributes(cea, conn, result)
	_ = conn.Driver.Send(conn, cea)

	e.Registry.MarkReady(conn, p)
	e.Metrics.Inc("cer_accepted")
	if e.Listener != nil {
		e.Listener.ConnectionUp(conn)
	}
	return true
}

// handleCEA processes an outbound CER's response.
func (e *Engine) handleCEA(conn *Connection, msg *avp.Message) bool {
	rc, ok := msg.FindAVP("Result-Code")
	if !ok {
		return false
	}
	if rc.GetUint() != ResultSuccess {
		return false
	}

	originHostAVP, ok := msg.FindAVP("Origin-Host")
	if !ok {
		return false
	}
	originHost := originHostAVP.GetString()

	reported := parseCapabilities(msg)
	result := e.Validator.AuthorizeNode(originHost, reported)
	if result.IsEmpty() {
		return false
	}

	conn.HostId = originHost
	p := Peer{Host: originHost, Transport: peerTransport(conn), Capabilities: result}

	e.Registry.MarkReady(conn, p)
	e.Metrics.Inc("cea_accepted")
	if e.Listener != nil {
		e.Listener.ConnectionUp(conn)
	}
	return true
}

func (e *Engine) handleDWR(conn *Connection, msg *avp.Message) bool {
	conn.Timers.MarkDWR()
	dwa := avp.NewAnswer(msg)
	e.addOriginAVPs(dwa)
	dwa.Add("Result-Code", uint64(ResultSuccess))
	_ = conn.Driver.Send(conn, dwa)
	e.Metrics.Inc("dwr_received")
	return true
}

func (e *Engine) handleDWA(conn *Connection, msg *avp.Message) bool {
	if rc, ok := msg.FindAVP("Result-Code"); !ok || rc.GetUint() != ResultSuccess {
		return false
	}
	conn.Timers.MarkDWA()
	e.Metrics.Inc("dwa_received")
	return true
}

func (e *Engine) handleDPR(conn *Connection, msg *avp.Message) bool {
	dpa := avp.NewAnswer(msg)
	e.addOriginAVPs(dpa)
	dpa.Add("Result-Code", uint64(ResultSuccess))
	_ = conn.Driver.Send(conn, dpa)
	e.Metrics.Inc("dpr_received")
	return false
}

func (e *Engine) handleDPA(conn *Connection, msg *avp.Message) bool {
	e.Metrics.Inc("dpa_received")
	return false
}

// SendDWR is invoked by the controller's watchdog sweep when
// ConnectionTimers reports ActionSendDWR.
func (e *Engine) SendDWR(conn *Connection) {
	dwr := avp.NewRequest(e.Dict, avp.AppCommon, avp.CommandDeviceWatchdog)
	dwr.HopByHopId = e.Registry.NextHopByHop(conn)
	dwr.EndToEndId = e.State.NextEndToEndId()
	e.addOriginAVPs(dwr)
	_ = conn.Driver.Send(conn, dwr)
	conn.Timers.MarkDWRSent()
	e.Metrics.Inc("dwr_sent")
}

// SendCER builds and sends a Capabilities-Exchange-Request on a freshly
// connected outbound connection, moving it from connecting to
// connected_out. Mirrors the post-dial CER send in diampeer/diamPeer.go's
// eventLoop.
func (e *Engine) SendCER(conn *Connection) {
	cer := avp.NewRequest(e.Dict, avp.AppCommon, avp.CommandCapabilitiesExchange)
	cer.HopByHopId = e.Registry.NextHopByHop(conn)
	cer.EndToEndId = e.State.NextEndToEndId()
	e.addOriginAVPs(cer)
	e.pushCEAttributes(cer, conn, e.declaredCapabilities())
	e.Registry.SetState(conn, StateConnectedOut)
	_ = conn.Driver.Send(conn, cer)
	e.Metrics.Inc("cer_sent")
}

// declaredCapabilities reports what this node advertises to a peer it is
// dialing.
func (e *Engine) declaredCapabilities() config.Capability {
	return e.Validator.Declared()
}

// SendDPR builds and sends a Disconnect-Peer-Request with the given cause,
// used by the controller during graceful shutdown.
func (e *Engine) SendDPR(conn *Connection, cause uint32) {
	dpr := avp.NewRequest(e.Dict, avp.AppCommon, avp.CommandDisconnectPeer)
	dpr.HopByHopId = e.Registry.NextHopByHop(conn)
	dpr.EndToEndId = e.State.NextEndToEndId()
	e.addOriginAVPs(dpr)
	dpr.Add("Disconnect-Cause", uint64(cause))
	_ = conn.Driver.Send(conn, dpr)
	e.Metrics.Inc("dpr_sent")
}

func (e *Engine) sendAnswer(conn *Connection, req *avp.Message, resultCode uint32, extra func(*avp.Message)) {
	ans := avp.NewAnswer(req)
	e.addOriginAVPs(ans)
	ans.Add("Result-Code", uint64(resultCode))
	ans.IsError = resultCode >= 3000 && resultCode <= 3999
	if extra != nil {
		extra(ans)
	}
	_ = conn.Driver.Send(conn, ans)
}

func (e *Engine) sendAnswerWithFailedAVP(conn *Connection, req *avp.Message, resultCode uint32, missingAVPName string) {
	e.sendAnswer(conn, req, resultCode, func(ans *avp.Message) {
		failed, err := avp.NewGroup(e.Dict, "Failed-AVP")
		if err != nil {
			return
		}
		if missing, err := avp.New(e.Dict, missingAVPName, ""); err == nil {
			failed.AddAVP(missing)
		}
		ans.AddAVP(failed)
	})
}

// addOriginAVPs stamps Origin-Host, Origin-Realm and Origin-State-Id,
// mirroring the AddOriginAVPs helper.
func (e *Engine) addOriginAVPs(msg *avp.Message) {
	msg.Add("Origin-Host", e.Settings.OriginHost)
	msg.Add("Origin-Realm", e.Settings.OriginRealm)
	msg.Add("Origin-State-Id", uint64(e.State.StateId()))
}

// pushCEAttributes builds the CEA content common to both directions,
// mirroring pushCEAttributes.
func (e *Engine) pushCEAttributes(msg *avp.Message, conn *Connection, negotiated config.Capability) {
	for _, ip := range conn.Driver.LocalAddresses(conn) {
		msg.Add("Host-IP-Address", ip)
	}
	msg.Add("Vendor-Id", uint64(e.Settings.VendorId))
	if e.Settings.ProductName != "" {
		msg.Add("Product-Name", e.Settings.ProductName)
	}
	if e.Settings.FirmwareRevision != 0 {
		msg.Add("Firmware-Revision", uint64(e.Settings.FirmwareRevision))
	}

	for _, v := range negotiated.SupportedVendors {
		msg.Add("Supported-Vendor-Id", uint64(v))
	}
	for _, a := range negotiated.AuthApplications {
		msg.Add("Auth-Application-Id", uint64(a))
	}
	for _, a := range negotiated.AcctApplications {
		msg.Add("Acct-Application-Id", uint64(a))
	}
	for _, va := range negotiated.VendorAuthApplications {
		if g, err := avp.NewGroup(e.Dict, "Vendor-Specific-Application-Id"); err == nil {
			vendorId, _ := avp.New(e.Dict, "Vendor-Id", uint64(va.VendorId))
			authApp, _ := avp.New(e.Dict, "Auth-Application-Id", uint64(va.ApplicationId))
			g.AddAVP(vendorId)
			g.AddAVP(authApp)
			msg.AddAVP(g)
		}
	}
	for _, va := range negotiated.VendorAcctApplications {
		if g, err := avp.NewGroup(e.Dict, "Vendor-Specific-Application-Id"); err == nil {
			vendorId, _ := avp.New(e.Dict, "Vendor-Id", uint64(va.VendorId))
			acctApp, _ := avp.New(e.Dict, "Acct-Application-Id", uint64(va.ApplicationId))
			g.AddAVP(vendorId)
			g.AddAVP(acctApp)
			msg.AddAVP(g)
		}
	}
}

// parseCapabilities extracts a Capability from a peer's CER/CEA.
func parseCapabilities(msg *avp.Message) config.Capability {
	var c config.Capability

	for _, v := range msg.AllAVP("Supported-Vendor-Id") {
		c.SupportedVendors = append(c.SupportedVendors, uint32(v.GetUint()))
	}
	for _, a := range msg.AllAVP("Auth-Application-Id") {
		if id := uint32(a.GetUint()); id != 0 {
			c.AuthApplications = append(c.AuthApplications, id)
		}
	}
	for _, a := range msg.AllAVP("Acct-Application-Id") {
		if id := uint32(a.GetUint()); id != 0 {
			c.AcctApplications = append(c.AcctApplications, id)
		}
	}
	for _, vsa := range msg.AllAVP("Vendor-Specific-Application-Id") {
		vendorAVP, err := vsa.GetAVP("Vendor-Id")
		if err != nil {
			continue
		}
		vendorId := uint32(vendorAVP.GetUint())
		if authAVP, err := vsa.GetAVP("Auth-Application-Id"); err == nil {
			c.VendorAuthApplications = append(c.VendorAuthApplications, config.VendorApplication{VendorId: vendorId, ApplicationId: uint32(authAVP.GetUint())})
		}
		if acctAVP, err := vsa.GetAVP("Acct-Application-Id"); err == nil {
			c.VendorAcctApplications = append(c.VendorAcctApplications, config.VendorApplication{VendorId: vendorId, ApplicationId: uint32(acctAVP.GetUint())})
		}
	}
	return c
}

func peerTransport(conn *Connection) Transport {
	if conn.Driver != nil && conn.Driver.Name() == "sctp" {
		return TransportSCTP
	}
	return TransportTCP
}
