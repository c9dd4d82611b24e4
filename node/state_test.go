package node

import (
	"strings"
	"testing"
)

func TestNextHopByHopIdIsMonotonic(t *testing.T) {
	s := NewState("node.example.com")
	first := s.NextHopByHopId()
	second := s.NextHopByHopId()
	if second != first+1 {
		t.Fatalf("expected monotonic increment, got %d then %d", first, second)
	}
}

func TestNextEndToEndIdIsMonotonic(t *testing.T) {
	s := NewState("node.example.com")
	first := s.NextEndToEndId()
	second := s.NextEndToEndId()
	if second != first+1 {
		t.Fatalf("expected monotonic increment, got %d then %d", first, second)
	}
}

func TestSessionIdFormat(t *testing.T) {
	s := NewState("node.example.com")
	id := s.NextSessionId()
	if parts := strings.Split(id, ";"); len(parts) != 3 || parts[0] != "node.example.com" {
		t.Fatalf("expected <host-id>;<high>;<low>, got %q", id)
	}
}

func TestSessionIdWithOptionalParts(t *testing.T) {
	s := NewState("node.example.com")
	id := s.NextSessionId("extra")
	if id[len(id)-len("extra"):] != "extra" {
		t.Fatalf("expected optional part appended, got %q", id)
	}
}

// Testable property: a large number of consecutive session ids are distinct.
func TestSessionIdUniqueness(t *testing.T) {
	s := NewState("node.example.com")
	const n = 1_000_000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := s.NextSessionId()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session id at iteration %d: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}
