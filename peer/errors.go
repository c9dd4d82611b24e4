package peer

import "errors"

// Sentinel errors surfaced to callers, in the plain fmt.Errorf style used
// throughout diampeer/diamPeer.go but named so callers can errors.Is
// against them.
var (
	ErrStaleConnection = errors.New("peer: stale or unknown connection")
	ErrUnknownPeer     = errors.New("peer: unknown peer")
	ErrNotRunning      = errors.New("peer: node is not running")
	ErrTimeout         = errors.New("peer: timed out")
)
