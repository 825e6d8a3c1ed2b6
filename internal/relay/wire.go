// Package relay implements the rendezvous service: a WebSocket server that
// forwards signaling envelopes between registered users and fans presence
// announcements out to everyone listening on the same room topic. The room
// secret itself never reaches the relay; clients only send its hashed topic.
package relay

import "peerchat/internal/models"

// Frame is the relay wire protocol: one JSON frame per operation.
type Frame struct {
	Op    string           `json:"op"`
	To    string           `json:"to,omitempty"`
	Topic string           `json:"topic,omitempty"`
	Env   *models.Envelope `json:"env,omitempty"`
}

const (
	OpDirect   = "direct"   // client -> relay: deliver Env to user To
	OpPresence = "presence" // client -> relay: fan Env out on Topic
	OpListen   = "listen"   // client -> relay: subscribe to Topic
	OpUnlisten = "unlisten" // client -> relay: unsubscribe from Topic
	OpDeliver  = "deliver"  // relay -> client: inbound Env
)
