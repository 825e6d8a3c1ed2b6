package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the symmetric key size (AES-256).
	KeySize = 32

	// kdfIterations is the PBKDF2 iteration count for room-code derivation.
	kdfIterations = 100_000
)

// hkdfInfo binds derived shared secrets to this protocol.
var hkdfInfo = []byte("peerchat/room-key/v1")

// KeyPair is a P-256 ECDH pair scoped to one room. The private half never
// leaves this type; only the public half is marshalable.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair produces a fresh P-256 pair for Diffie-Hellman key
// agreement.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, ErrUnsupportedPlatform.WithDetails(err.Error())
	}
	return &KeyPair{priv: priv}, nil
}

// PublicBytes returns the uncompressed public point for transmission.
func (kp *KeyPair) PublicBytes() []byte {
	return kp.priv.PublicKey().Bytes()
}

// PrivateBytes always refuses. The private half stays inside the pair; only
// derived symmetric keys may be persisted or exported.
func (kp *KeyPair) PrivateBytes() ([]byte, error) {
	return nil, ErrNotExportable
}

// DeriveSharedSecret runs ECDH against the remote public key and expands the
// shared point into a 32-byte symmetric key with HKDF-SHA256.
func (kp *KeyPair) DeriveSharedSecret(remotePublic []byte) ([]byte, error) {
	remote, err := ecdh.P256().NewPublicKey(remotePublic)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	shared, err := kp.priv.ECDH(remote)
	if err != nil {
		return nil, ErrBadKey.WithDetails(err.Error())
	}
	hk := hkdf.New(sha256.New, shared, nil, hkdfInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, ErrUnsupportedPlatform.WithDetails(err.Error())
	}
	return key, nil
}

// DeriveRoomKey derives the shared symmetric key for a join-by-code room.
// It is a pure function of the secret code, salted with the room id, so two
// independent peers converge on the same key without transmitting it.
func DeriveRoomKey(secretCode, roomID string) []byte {
	return pbkdf2.Key([]byte(secretCode), []byte(roomID), kdfIterations, KeySize, sha256.New)
}

// GenerateSymmetricKey returns 32 fresh random bytes, used for key rotation.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, ErrUnsupportedPlatform.WithDetails(err.Error())
	}
	return key, nil
}

// FingerprintBytes renders a short human-verifiable hash of key material for
// out-of-band comparison, e.g. "3f9a-c01b-77e2-0d48".
func FingerprintBytes(material []byte) string {
	sum := sha256.Sum256(material)
	return fmt.Sprintf("%x-%x-%x-%x", sum[0:2], sum[2:4], sum[4:6], sum[6:8])
}
