package peer

import (
	"net"

	"github.com/francistor/diameternode/config"
)

// DefaultValidator authenticates peers against statically configured peers
// (exact Origin-Host match, remote IP inside the peer's OriginNetwork CIDR;
// a peer with no OriginNetwork never authenticates) and narrows capabilities to the
// intersection with this node's declared capabilities, grounded on the
// teacher's DiameterPeers.ValidateIncomingAddress/FindPeer
// (config/diameterConfig.go).
type DefaultValidator struct {
	Peers   config.PersistentPeers
	Declare config.Capability
}

func (v DefaultValidator) AuthenticateNode(originHost string, remoteAddr net.IP) (bool, uint32) {
	if !v.Peers.ValidateIncomingAddress(originHost, remoteAddr) {
		return false, ResultUnknownPeer
	}
	if _, ok := v.Peers.FindPeer(originHost); !ok {
		return false, ResultUnknownPeer
	}
	return true, 0
}

func (v DefaultValidator) AuthorizeNode(peerHost string, reported config.Capability) config.Capability {
	return v.Declare.Intersect(reported)
}

func (v DefaultValidator) Declared() config.Capability {
	return v.Declare
}
