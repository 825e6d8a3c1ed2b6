package models

import (
	"encoding/json"
)

// SignalType indicates which kind of payload lives inside the Envelope.
type SignalType string

const (
	SigOffer     SignalType = "offer"
	SigAnswer    SignalType = "answer"
	SigCandidate SignalType = "ice-candidate"
	SigPresence  SignalType = "presence"
	SigChat      SignalType = "chat-message"
	SigTyping    SignalType = "typing-indicator"
	SigPeerInfo  SignalType = "peer-info"
	SigHello     SignalType = "hello"
)

type Signal interface {
	SignalType() SignalType
}

// Offer opens a connection negotiation. ConnID ties the whole
// offer/answer/candidate exchange together; Description is the initiator's
// session description.
type Offer struct {
	ConnID      string `json:"conn_id"`
	Description string `json:"description"`
}

func (Offer) SignalType() SignalType { return SigOffer }

type Answer struct {
	ConnID      string `json:"conn_id"`
	Description string `json:"description"`
}

func (Answer) SignalType() SignalType { return SigAnswer }

// Candidate carries one reachable transport address (host:port) for the
// negotiation identified by ConnID.
type Candidate struct {
	ConnID string `json:"conn_id"`
	Addr   string `json:"addr"`
}

func (Candidate) SignalType() SignalType { return SigCandidate }

// Presence declares "I am peer X, participating in room Y". Broadcast
// periodically while a room is open.
type Presence struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (Presence) SignalType() SignalType { return SigPresence }

// ChatPayload is the channel framing of one chat message. Body is set when
// the room has encryption disabled, Cipher otherwise; never both.
type ChatPayload struct {
	MessageID  string          `json:"message_id"`
	Kind       MessageKind     `json:"kind"`
	Body       string          `json:"body,omitempty"`
	Cipher     *CipherEnvelope `json:"cipher,omitempty"`
	SenderName string          `json:"sender_name"`
	SentAt     int64           `json:"sent_at"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	Encrypted  bool            `json:"encrypted"`
}

func (ChatPayload) SignalType() SignalType { return SigChat }

type Typing struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

func (Typing) SignalType() SignalType { return SigTyping }

// PeerInfo is exchanged once a channel opens so each side learns the
// other's display name and key fingerprint.
type PeerInfo struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (PeerInfo) SignalType() SignalType { return SigPeerInfo }

// Hello is the first frame on a freshly dialed transport connection, binding
// it to the negotiation it belongs to.
type Hello struct {
	ConnID string `json:"conn_id"`
	UserID string `json:"user_id"`
}

func (Hello) SignalType() SignalType { return SigHello }

// Unknown is the forward-compatibility fallback for envelope types this
// build does not know. Callers log and ignore it.
type Unknown struct {
	Kind SignalType
	Raw  json.RawMessage
}

func (u Unknown) SignalType() SignalType { return u.Kind }

// Envelope wraps any Signal with routing metadata. The same framing is used
// on the signaling channel and on the per-peer message channel.
type Envelope struct {
	Type    SignalType      `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals sig into an Envelope of the matching type.
func NewEnvelope(roomID, from, to string, sig Signal) (*Envelope, error) {
	raw, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:    sig.SignalType(),
		RoomID:  roomID,
		From:    from,
		To:      to,
		Payload: raw,
	}, nil
}

// Decode returns the concrete payload variant. Unrecognized types decode to
// Unknown rather than an error, so new message kinds never break old peers.
func (e *Envelope) Decode() (Signal, error) {
	switch e.Type {
	case SigOffer:
		var v Offer
		return &v, json.Unmarshal(e.Payload, &v)
	case SigAnswer:
		var v Answer
		return &v, json.Unmarshal(e.Payload, &v)
	case SigCandidate:
		var v Candidate
		return &v, json.Unmarshal(e.Payload, &v)
	case SigPresence:
		var v Presence
		return &v, json.Unmarshal(e.Payload, &v)
	case SigChat:
		var v ChatPayload
		return &v, json.Unmarshal(e.Payload, &v)
	case SigTyping:
		var v Typing
		return &v, json.Unmarshal(e.Payload, &v)
	case SigPeerInfo:
		var v PeerInfo
		return &v, json.Unmarshal(e.Payload, &v)
	case SigHello:
		var v Hello
		return &v, json.Unmarshal(e.Payload, &v)
	default:
		return &Unknown{Kind: e.Type, Raw: e.Payload}, nil
	}
}
