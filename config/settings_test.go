package config

import (
	"net"
	"testing"
)

func TestPersistentPeersValidateIncomingAddress(t *testing.T) {
	peers, err := NewPersistentPeers([]PersistentPeer{
		{DiameterHost: "peer1.example.com", OriginNetwork: "10.0.0.0/24", ConnectionPolicy: "passive"},
	})
	if err != nil {
		t.Fatalf("NewPersistentPeers: %v", err)
	}

	ip := net.ParseIP("10.0.0.5")
	if !peers.ValidateIncomingAddress("peer1.example.com", ip) {
		t.Fatalf("expected address to validate against configured peer")
	}
	if !peers.ValidateIncomingAddress("", ip) {
		t.Fatalf("expected address to validate with no host constraint")
	}
	if peers.ValidateIncomingAddress("other.example.com", ip) {
		t.Fatalf("expected mismatched host to fail validation")
	}
}

func TestPersistentPeersFindPeer(t *testing.T) {
	peers, err := NewPersistentPeers([]PersistentPeer{
		{DiameterHost: "peer1.example.com", ConnectionPolicy: "active"},
	})
	if err != nil {
		t.Fatalf("NewPersistentPeers: %v", err)
	}
	if _, ok := peers.FindPeer("peer1.example.com"); !ok {
		t.Fatalf("expected to find configured peer")
	}
	if _, ok := peers.FindPeer("unknown.example.com"); ok {
		t.Fatalf("did not expect to find unconfigured peer")
	}
}

func TestNewPersistentPeersRejectsBadCIDR(t *testing.T) {
	_, err := NewPersistentPeers([]PersistentPeer{
		{DiameterHost: "peer1.example.com", OriginNetwork: "not-a-cidr"},
	})
	if err == nil {
		t.Fatalf("expected error for malformed CIDR")
	}
}
