// Package crypto implements the per-room encryption engine: key derivation
// and agreement, AEAD sealing of message payloads, and the in-memory keyring.
package crypto

import (
	"crypto/cipher"
	"sync"

	"peerchat/internal/models"
)

type roomKey struct {
	version int
	key     []byte
	aead    cipher.AEAD
}

// Engine owns all key material for the process. Keys live only in this
// registry and are wiped when a room is deleted; nothing here is ever
// logged.
type Engine struct {
	mu    sync.RWMutex
	keys  map[string][]*roomKey // room id -> versions, ascending
	pairs map[string]*KeyPair   // room id -> local agreement pair
}

func NewEngine() *Engine {
	return &Engine{
		keys:  make(map[string][]*roomKey),
		pairs: make(map[string]*KeyPair),
	}
}

// ProvisionRoomKey installs the code-derived key for a room as version 1.
// Calling it again for the same room is a no-op returning the existing
// version, so join and create paths converge.
func (e *Engine) ProvisionRoomKey(roomID, secretCode string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ks := e.keys[roomID]; len(ks) > 0 {
		return ks[0].version, nil
	}
	return e.installLocked(roomID, DeriveRoomKey(secretCode, roomID))
}

// ImportKey installs key material at a specific version, used when loading
// persisted keys back into the engine.
func (e *Engine) ImportKey(roomID string, version int, key []byte) error {
	aead, err := newGCM(key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rk := range e.keys[roomID] {
		if rk.version == version {
			return nil
		}
	}
	kc := make([]byte, len(key))
	copy(kc, key)
	e.keys[roomID] = append(e.keys[roomID], &roomKey{version: version, key: kc, aead: aead})
	// keep versions ordered so the last entry is always the active key
	ks := e.keys[roomID]
	for i := len(ks) - 1; i > 0 && ks[i].version < ks[i-1].version; i-- {
		ks[i], ks[i-1] = ks[i-1], ks[i]
	}
	return nil
}

// RotateRoomKey generates a fresh random key as the next version. Older
// versions stay available for decryption until the room is deleted.
func (e *Engine) RotateRoomKey(roomID string) (int, error) {
	key, err := GenerateSymmetricKey()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installLocked(roomID, key)
}

func (e *Engine) installLocked(roomID string, key []byte) (int, error) {
	aead, err := newGCM(key)
	if err != nil {
		return 0, err
	}
	version := 1
	if ks := e.keys[roomID]; len(ks) > 0 {
		version = ks[len(ks)-1].version + 1
	}
	e.keys[roomID] = append(e.keys[roomID], &roomKey{version: version, key: key, aead: aead})
	return version, nil
}

// GenerateKeyPair creates and retains the local agreement pair for a room.
func (e *Engine) GenerateKeyPair(roomID string) (*KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.pairs[roomID] = kp
	e.mu.Unlock()
	return kp, nil
}

// DeriveSharedSecret agrees with a remote public key using the room's local
// pair and installs the result as the next key version.
func (e *Engine) DeriveSharedSecret(roomID string, remotePublic []byte) (int, error) {
	e.mu.RLock()
	kp := e.pairs[roomID]
	e.mu.RUnlock()
	if kp == nil {
		return 0, ErrNoRoomKey.WithDetails("no local key pair for room")
	}
	key, err := kp.DeriveSharedSecret(remotePublic)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.installLocked(roomID, key)
}

// Encrypt seals plaintext under the room's active key with a fresh IV.
func (e *Engine) Encrypt(roomID string, plaintext []byte) (*models.CipherEnvelope, error) {
	e.mu.RLock()
	ks := e.keys[roomID]
	e.mu.RUnlock()
	if len(ks) == 0 {
		return nil, ErrNoRoomKey
	}
	active := ks[len(ks)-1]
	ct, iv, err := SealDetached(active.aead, plaintext)
	if err != nil {
		return nil, err
	}
	return &models.CipherEnvelope{Ciphertext: ct, IV: iv, KeyVersion: active.version}, nil
}

// Decrypt opens an envelope with the key version it names. Unknown versions
// and authentication failures both surface as ErrDecryptionFailed so the
// caller renders a tombstone instead of garbage.
func (e *Engine) Decrypt(roomID string, env *models.CipherEnvelope) ([]byte, error) {
	e.mu.RLock()
	var aead cipher.AEAD
	for _, rk := range e.keys[roomID] {
		if rk.version == env.KeyVersion {
			aead = rk.aead
			break
		}
	}
	e.mu.RUnlock()
	if aead == nil {
		return nil, ErrDecryptionFailed.WithDetails("unknown key version")
	}
	return OpenDetached(aead, env.Ciphertext, env.IV)
}

// ExportKey returns a copy of a symmetric key for persistence. Asymmetric
// private halves are not reachable through here.
func (e *Engine) ExportKey(roomID string, version int) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, rk := range e.keys[roomID] {
		if rk.version == version {
			out := make([]byte, len(rk.key))
			copy(out, rk.key)
			return out, nil
		}
	}
	return nil, ErrNoRoomKey
}

// ActiveVersion reports the current encryption key version for a room, or 0
// when the room has no key.
func (e *Engine) ActiveVersion(roomID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ks := e.keys[roomID]
	if len(ks) == 0 {
		return 0
	}
	return ks[len(ks)-1].version
}

// Fingerprint returns the short verification string for a room: the local
// public key when an agreement pair exists, the active symmetric key
// otherwise.
func (e *Engine) Fingerprint(roomID string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if kp := e.pairs[roomID]; kp != nil {
		return FingerprintBytes(kp.PublicBytes()), nil
	}
	ks := e.keys[roomID]
	if len(ks) == 0 {
		return "", ErrNoRoomKey
	}
	return FingerprintBytes(ks[len(ks)-1].key), nil
}

// Wipe zeroes and drops all key material for a room.
func (e *Engine) Wipe(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rk := range e.keys[roomID] {
		for i := range rk.key {
			rk.key[i] = 0
		}
	}
	delete(e.keys, roomID)
	delete(e.pairs, roomID)
}

// WipeAll clears the whole keyring, used by clear-all-data.
func (e *Engine) WipeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for roomID, ks := range e.keys {
		for _, rk := range ks {
			for i := range rk.key {
				rk.key[i] = 0
			}
		}
		delete(e.keys, roomID)
	}
	for roomID := range e.pairs {
		delete(e.pairs, roomID)
	}
}
