package config

import (
	"fmt"
	"net"
)

// TransportUsage is a tri-valued knob for how a node treats a transport
// protocol: required (its driver must open or NodeController.Start fails),
// disabled (no driver is created) or optional (an open failure is logged
// and the driver is dropped).
type TransportUsage int

const (
	TransportOptional TransportUsage = iota
	TransportRequired
	TransportDisabled
)

// NodeSettings is the static identity and policy of a local Diameter node,
// mirroring DiameterServerConfig.
type NodeSettings struct {
	OriginHost       string
	OriginRealm      string
	VendorId         uint32
	ProductName      string
	FirmwareRevision uint32

	BindAddress string
	BindPort    int

	WatchdogIntervalMillis int
	IdleTimeoutMillis      int

	Capabilities Capability

	TCPUsage  TransportUsage
	SCTPUsage TransportUsage

	TCPSourcePortRangeStart int
	TCPSourcePortRangeEnd   int
}

// PersistentPeer is a statically configured peer the node either dials
// ("active") or only accepts inbound connections from ("passive"),
// mirroring DiameterPeer.
type PersistentPeer struct {
	DiameterHost            string
	IPAddress               string
	Port                    int
	ConnectionPolicy        string // "active" or "passive"
	OriginNetwork           string // CIDR
	originNetworkCIDR       net.IPNet
	WatchdogIntervalMillis  int
	ConnectionTimeoutMillis int
}

func (p *PersistentPeer) cook() error {
	if p.OriginNetwork == "" {
		return nil
	}
	_, ipNet, err := net.ParseCIDR(p.OriginNetwork)
	if err != nil {
		return fmt.Errorf("peer %s: bad origin network %q: %w", p.DiameterHost, p.OriginNetwork, err)
	}
	p.originNetworkCIDR = *ipNet
	return nil
}

// PersistentPeers indexes the configured peer set by Diameter-Host.
type PersistentPeers map[string]PersistentPeer

// NewPersistentPeers builds a PersistentPeers index from a slice, cooking
// each entry's CIDR.
func NewPersistentPeers(peers []PersistentPeer) (PersistentPeers, error) {
	out := make(PersistentPeers, len(peers))
	for _, p := range peers {
		if err := p.cook(); err != nil {
			return nil, err
		}
		out[p.DiameterHost] = p
	}
	return out, nil
}

// FindPeer returns the configured peer with the given Diameter-Host.
func (pp PersistentPeers) FindPeer(diameterHost string) (PersistentPeer, bool) {
	p, ok := pp[diameterHost]
	return p, ok
}

// ValidateIncomingAddress reports whether address (and, if non-empty, host)
// matches a configured peer's origin network, mirroring
// DiameterPeers.ValidateIncomingAddress.
func (pp PersistentPeers) ValidateIncomingAddress(host string, address net.IP) bool {
	for _, p := range pp {
		if p.OriginNetwork == "" {
			continue
		}
		if p.originNetworkCIDR.Contains(address) {
			if host == "" || p.DiameterHost == host {
				return true
			}
		}
	}
	return false
}
