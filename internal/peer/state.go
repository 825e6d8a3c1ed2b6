package peer

import (
	"time"

	"peerchat/internal/utils"
)

// State is the per-peer connection lifecycle:
// idle -> offering | answering -> connecting -> connected -> disconnected,
// with failed reachable from any negotiating state on timeout.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is the transient negotiation and channel state for one remote
// peer. It lives only in the manager's memory.
type Connection struct {
	PeerID string

	// RoomID is the room whose presence triggered this negotiation. It only
	// scopes the signaling envelopes; the channel itself is shared by every
	// room the two peers have in common.
	RoomID string

	state      State
	connID     string
	initiator  bool
	localDesc  string
	remoteDesc string
	candidates []string // remote candidates as received
	conn       Conn
	timer      *time.Timer
	dialing    bool
}

func (c *Connection) State() State { return c.state }

// active reports whether a negotiation or open channel is in progress, i.e.
// a new attempt must not be started.
func (c *Connection) active() bool {
	switch c.state {
	case StateOffering, StateAnswering, StateConnecting, StateConnected:
		return true
	}
	return false
}

// discard drops all partial negotiation state. Called on timeout and on
// teardown.
func (c *Connection) discard() {
	c.localDesc = ""
	c.remoteDesc = ""
	c.candidates = nil
	c.dialing = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// ShouldInitiate is the glare rule: identities are compared with a total,
// stable lexicographic ordering and only the greater side sends the offer.
// Both peers observing the same presence event reach the same answer.
func ShouldInitiate(selfID, peerID string) bool {
	return selfID > peerID
}

func sessionDescription() string {
	return "peerchat/1 session " + utils.GenerateRandomID()
}
