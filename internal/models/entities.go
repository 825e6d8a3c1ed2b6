// Package models defines the data model and the wire envelope shared by the
// signaling channel, the peer channel, and the local store.
package models

// Identity is the local user. Created at first use, immutable thereafter.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   int64  `json:"created_at"` // unix micro
}

// Room is a logical group of peers sharing a secret code. The id and the
// secret code are the same stable value, so every peer deriving a room from
// the same code converges on the same id.
type Room struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	SecretCode        string `json:"secret_code"`
	Description       string `json:"description,omitempty"`
	CreatedBy         string `json:"created_by"`
	CreatedAt         int64  `json:"created_at"`
	IsPrivate         bool   `json:"is_private"`
	MaxMembers        int    `json:"max_members"`
	EncryptionEnabled bool   `json:"encryption_enabled"`
}

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// CipherEnvelope is the encrypted payload framing: ciphertext, the 96-bit IV
// used for this message, and the room key version it was sealed under.
type CipherEnvelope struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	KeyVersion int    `json:"key_version"`
}

// Message is a stored chat message. Body holds the plaintext display copy;
// Cipher holds the envelope as sent on the wire when encryption is on.
type Message struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"room_id"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name"`
	Kind       MessageKind     `json:"kind"`
	Body       string          `json:"body"`
	Cipher     *CipherEnvelope `json:"cipher,omitempty"`
	Encrypted  bool            `json:"encrypted"`
	SentAt     int64           `json:"sent_at"`   // unix micro
	EditedAt   int64           `json:"edited_at"` // 0 when never edited
	ReplyTo    string          `json:"reply_to,omitempty"`
}

// PeerRecord is a known participant of a room, not necessarily a currently
// open connection.
type PeerRecord struct {
	ID          string `json:"id"`
	PeerUserID  string `json:"peer_user_id"`
	DisplayName string `json:"display_name"`
	RoomID      string `json:"room_id"`
	IsOnline    bool   `json:"is_online"`
	LastSeenAt  int64  `json:"last_seen_at"`
}

type KeyKind string

const (
	KeySymmetric   KeyKind = "symmetric"
	KeyPairPublic  KeyKind = "keypair_public"
	KeyPairPrivate KeyKind = "keypair_private"
)

// KeyMaterial is persisted key bytes scoped to a room. The private half of
// an asymmetric pair never leaves the crypto engine except through here, and
// this table is wiped on room deletion.
type KeyMaterial struct {
	ID        string  `json:"id"`
	RoomID    string  `json:"room_id"`
	Kind      KeyKind `json:"kind"`
	Version   int     `json:"version"`
	Bytes     []byte  `json:"bytes"`
	CreatedAt int64   `json:"created_at"`
}
