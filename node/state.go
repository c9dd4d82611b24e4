// Package node generates the process-local identifiers a Diameter node
// needs to stamp on outgoing messages: Hop-by-Hop and End-to-End
// identifiers, the Origin-State-Id, and globally unique Session-Id values,
// mirroring diamcodec's id generator.
package node

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// State holds one node's identifier generators. Safe for concurrent use:
// every counter is advanced with sync/atomic.
type State struct {
	hostId string

	hopByHop uint32
	endToEnd uint32

	stateId uint32

	sessionHigh uint32
	sessionLow  uint32
}

// NewState seeds a State for hostId at process start. The End-to-End
// counter's high 12 bits are seeded from the low 12 bits of the current
// Unix time and its low 20 bits from a random value, per RFC 3588 section
// 3: "implementations MAY set the high order 12 bits to contain the low
// order 12 bits of current time, and the low order 20 bits to a random
// value."
func NewState(hostId string) *State {
	source := rand.NewSource(time.Now().UnixNano())
	randgen := rand.New(source)

	now := uint32(time.Now().Unix())
	e2eSeed := (now&0xFFF)<<20 | randgen.Uint32()&0xFFFFF

	return &State{
		hostId:      hostId,
		hopByHop:    randgen.Uint32(),
		endToEnd:    e2eSeed,
		stateId:     now,
		sessionHigh: now,
		sessionLow:  randgen.Uint32(),
	}
}

// NextHopByHopId returns the next Hop-by-Hop-Id for an outgoing request.
func (s *State) NextHopByHopId() uint32 {
	return atomic.AddUint32(&s.hopByHop, 1)
}

// NextEndToEndId returns the next End-to-End-Id for an outgoing request.
func (s *State) NextEndToEndId() uint32 {
	return atomic.AddUint32(&s.endToEnd, 1)
}

// StateId returns this boot's Origin-State-Id: seconds since the epoch at
// process start, fixed for the lifetime of the State.
func (s *State) StateId() uint32 {
	return s.stateId
}

// NextSessionId returns a new, process-wide unique Session-Id of the form
// "<host-id>;<high>;<low>", optionally followed by caller-supplied optional
// parts. The (high, low) pair is a monotonic sequence: low is incremented
// per call and high is incremented whenever low wraps past 2^32, so no pair
// repeats within the process's lifetime even across that rollover.
func (s *State) NextSessionId(optional ...string) string {
	low := atomic.AddUint32(&s.sessionLow, 1)
	high := atomic.LoadUint32(&s.sessionHigh)
	if low == 0 {
		// wrapped: bump high. A rare race with a concurrent wrap is
		// harmless since both callers will have incremented high by the
		// time either reads sessionHigh again for a subsequent id.
		high = atomic.AddUint32(&s.sessionHigh, 1)
	}

	id := fmt.Sprintf("%s;%d;%d", s.hostId, high, low)
	for _, opt := range optional {
		id += ";" + opt
	}
	return id
}
