// Package signal defines the pluggable out-of-band signaling channel used to
// exchange connection-setup messages and room presence between peers that
// cannot yet talk directly, plus the transports that implement it.
package signal

import (
	"crypto/sha256"
	"encoding/hex"

	"peerchat/internal/models"
	"peerchat/internal/utils"
)

var ErrSignalingUnavailable = utils.NewError("signaling transport unavailable")

// Channel is the signaling contract. A production deployment swaps the
// stand-in transport for a real rendezvous service without touching any
// other component.
type Channel interface {
	// SendDirect delivers an envelope to a specific user, best effort,
	// at most once. A recipient that is not listening misses it.
	SendDirect(toUserID string, env *models.Envelope) error

	// AnnouncePresence broadcasts presence to everyone listening on the
	// same room secret.
	AnnouncePresence(roomSecret string, p models.Presence) error

	// Listen subscribes to presence for a room secret; Unlisten reverses
	// it.
	Listen(roomSecret string) error
	Unlisten(roomSecret string) error

	// OnMessage registers the handler invoked for every inbound envelope
	// addressed to the local identity or matching a listened room.
	OnMessage(handler func(*models.Envelope))

	Close() error
}

// TopicForSecret hashes a room secret into the opaque topic used on the
// wire, so rendezvous infrastructure never sees the secret itself.
func TopicForSecret(secret string) string {
	sum := sha256.Sum256([]byte("peerchat/topic/" + secret))
	return hex.EncodeToString(sum[:8])
}
